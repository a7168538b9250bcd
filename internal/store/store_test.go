package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/prekey"
	"github.com/jaydenbeard/zina-ratchet/internal/ratchet"
)

const testPassphrase = "correct horse battery staple pass phrase!!"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "zina.db"), testPassphrase)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestConversationRoundTripsThroughAtRestEncryption covers the Conversations
// table: StoreConversation seals `data` under the store passphrase, and
// LoadConversation must recover the exact same state.
func TestConversationRoundTripsThroughAtRestEncryption(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	identity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	conv := ratchet.NewSession("alice", "bob", "bobDevice1", identity)

	require.NoError(t, s.StoreConversation(ctx, conv))

	var sealed []byte
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT data FROM Conversations WHERE localUser=? AND peer=? AND device=?`,
		"alice", "bob", "bobDevice1").Scan(&sealed))
	require.NotContains(t, string(sealed), "remoteUser", "conversation JSON must not be readable in the raw column")
	require.NotContains(t, string(sealed), "bob", "conversation JSON must not be readable in the raw column")

	loaded, err := s.LoadConversation(ctx, "alice", "bob", "bobDevice1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, conv.LocalUser, loaded.LocalUser)
	require.Equal(t, conv.RemoteUser, loaded.RemoteUser)
	require.Equal(t, conv.RemoteDevice, loaded.RemoteDevice)
}

// TestLoadConversationRejectsTamperedBlob confirms a flipped ciphertext byte
// is caught by the at-rest MAC rather than silently decoded into garbage.
func TestLoadConversationRejectsTamperedBlob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	identity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	conv := ratchet.NewSession("alice", "bob", "bobDevice1", identity)
	require.NoError(t, s.StoreConversation(ctx, conv))

	_, err = s.db.ExecContext(ctx,
		`UPDATE Conversations SET data = substr(data,1,16) || char(255) || substr(data,18)
		 WHERE localUser=? AND peer=? AND device=?`, "alice", "bob", "bobDevice1")
	require.NoError(t, err)

	_, err = s.LoadConversation(ctx, "alice", "bob", "bobDevice1")
	require.Error(t, err)
}

// TestPreKeyPrivateHalfRoundTripsThroughAtRestEncryption covers the PreKeys
// table: only the private half is sealed, the public half stays legible.
func TestPreKeyPrivateHalfRoundTripsThroughAtRestEncryption(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pair, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	pk := &prekey.PreKey{ID: 42, Pair: *pair}
	require.NoError(t, s.StorePreKey(ctx, pk))

	var sealedPriv, pubRaw []byte
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT privateKey, publicKey FROM PreKeys WHERE keyId=?`, 42).Scan(&sealedPriv, &pubRaw))
	require.NotEqual(t, pair.Private[:], sealedPriv, "private key must not be stored in the clear")
	require.Equal(t, pair.Public[:], pubRaw, "public key is published to peers anyway; no need to seal it")

	loaded, err := s.LoadAndRemovePreKey(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, pair.Private, loaded.Pair.Private)
	require.Equal(t, pair.Public, loaded.Pair.Public)

	again, err := s.LoadAndRemovePreKey(ctx, 42)
	require.NoError(t, err)
	require.Nil(t, again, "consumption is one-shot")
}

// TestCommitReceivedIsAtomicAndEncrypted exercises the combined receive
// commit: conversation state, descriptor, and supplement all land sealed,
// and the raw record is gone afterward.
func TestCommitReceivedIsAtomicAndEncrypted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	identity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	conv := ratchet.NewSession("alice", "bob", "bobDevice1", identity)

	rawSeq, err := s.InsertRawData(ctx, []byte("raw frame bytes"), "")
	require.NoError(t, err)

	var hash [32]byte
	copy(hash[:], []byte("deadbeefdeadbeefdeadbeefdeadbeef"))

	tempSeq, err := s.CommitReceived(ctx, hash, conv, []byte(`{"message":"hi"}`), []byte("supplement bytes"), 0, rawSeq)
	require.NoError(t, err)

	seen, err := s.HasMessageHash(ctx, hash)
	require.NoError(t, err)
	require.True(t, seen)

	pending, err := s.LoadPendingRawData(ctx)
	require.NoError(t, err)
	for _, rec := range pending {
		require.NotEqual(t, rawSeq, rec.Seq, "CommitReceived must delete the raw record it committed")
	}

	temps, err := s.LoadPendingTempPlaintext(ctx)
	require.NoError(t, err)
	require.Len(t, temps, 1)
	require.Equal(t, tempSeq, temps[0].Seq)
	require.Equal(t, []byte(`{"message":"hi"}`), temps[0].Descriptor)
	require.Equal(t, []byte("supplement bytes"), temps[0].Supplement)

	loaded, err := s.LoadConversation(ctx, "alice", "bob", "bobDevice1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
}
