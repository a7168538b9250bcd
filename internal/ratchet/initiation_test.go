package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

func TestInitAlicePreKeyRejectsReinitiation(t *testing.T) {
	alice, _ := pairSessions(t)
	bobIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobPreKey, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)

	err = InitAlicePreKey(alice, &bobIdentity.Public, &bobPreKey.Public, 99)
	require.Error(t, err)
	require.Equal(t, errs.AxoConvExists, errs.CodeOf(err))
}

func TestInitAlicePreKeyConsumesPreKeyID(t *testing.T) {
	aliceIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobPreKey, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)

	alice := NewSession("alice", "bob", "bobDevice1", aliceIdentity)
	require.NoError(t, InitAlicePreKey(alice, &bobIdentity.Public, &bobPreKey.Public, 12345))
	require.Equal(t, uint32(12345), alice.PreKeyID)
	require.Equal(t, StateAliceInit, alice.State())
}

// TestS6IdentityKeyChange covers spec.md §8 S6: a new pre-key bundle with a
// different identity key arrives for an established peer; the conversation
// must flag the change so the caller knows to reset and rebuild.
func TestS6IdentityKeyChange(t *testing.T) {
	aliceIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	firstBobIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	firstBobPreKey, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)

	conv := NewSession("alice", "bob", "bobDevice1", aliceIdentity)
	require.NoError(t, InitAlicePreKey(conv, &firstBobIdentity.Public, &firstBobPreKey.Public, 1))
	require.True(t, conv.IdentityKeyChanged, "spec.md §4.3.1 step 1: an absent prior DHIr also counts as a change")

	// Bob reinstalls his device and publishes a new bundle with a different
	// identity key. The caller resets the session and re-initiates.
	conv.IdentityKeyChanged = false
	conv.Reset()
	newBobIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	newBobPreKey, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, InitAlicePreKey(conv, &newBobIdentity.Public, &newBobPreKey.Public, 2))
	require.True(t, conv.IdentityKeyChanged)
	require.Equal(t, ZrtpNotVerified, conv.ZrtpVerifyState)
	require.Equal(t, newBobIdentity.Public, *conv.DHIr)
}

// TestInitExternalPicksRoleByIdentityOrder covers spec.md §4.3.3: the
// lexicographically smaller identity key takes the Alice role.
func TestInitExternalPicksRoleByIdentityOrder(t *testing.T) {
	localIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	peerIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	localRatchet, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	peerRatchet, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)

	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}

	conv := NewSession("local", "peer", "peerDevice1", localIdentity)
	piece := &ExternalStagingPiece{
		LocalIdentity:  localIdentity,
		LocalRatchet:   localRatchet,
		PeerIdentity:   &peerIdentity.Public,
		PeerRatchet:    &peerRatchet.Public,
		ExportedSecret: secret,
	}
	require.NoError(t, InitExternal(conv, piece))

	wantAlice := isAlice(&localIdentity.Public, &peerIdentity.Public)
	if wantAlice {
		require.NotNil(t, conv.CKr)
		require.Nil(t, conv.CKs)
	} else {
		require.NotNil(t, conv.CKs)
		require.Nil(t, conv.CKr)
	}
}

func TestInitExternalRejectsIncompletePiece(t *testing.T) {
	localIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	conv := NewSession("local", "peer", "peerDevice1", localIdentity)

	err = InitExternal(conv, &ExternalStagingPiece{})
	require.Error(t, err)
	require.Equal(t, errs.JSFieldMissing, errs.CodeOf(err))
}
