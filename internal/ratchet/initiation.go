// Session initiation (C6): PreKey (X3DH-lite) and externally-keyed flows,
// grounded on axolotl/state/AxoPreKeyConnector.cpp and AxoZrtpConnector.cpp.
package ratchet

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
	"github.com/jaydenbeard/zina-ratchet/internal/kdf"
)

func randomUint16() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errs.Wrap(errs.GenericError, "ratchet: read random", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// nextContextID produces a fresh contextId: random upper 16 bits, plus the
// previous lower 16 bits incremented by one (spec.md §4.3.1 step 2).
func nextContextID(prev uint32) (uint32, error) {
	hi, err := randomUint16()
	if err != nil {
		return 0, err
	}
	lo := uint16(prev) + 1
	return uint32(hi)<<16 | uint32(lo), nil
}

func concat(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func wipeAll(bufs ...[]byte) {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
	}
}

func noteIdentityChange(c *Conversation, peerIdentity *curve25519.PublicKey) {
	if c.DHIr == nil || *c.DHIr != *peerIdentity {
		c.IdentityKeyChanged = true
		c.ZrtpVerifyState = ZrtpNotVerified
	}
}

// InitAlicePreKey performs the Alice-role PreKey initiation of spec.md
// §4.3.1: c is the caller's session object for (localUser, peer, device),
// already carrying the local identity key pair (DHIs). peerIdentity and
// peerPreKey are the peer's published identity and one-time pre-key public
// keys; preKeyID identifies the pre-key consumed.
func InitAlicePreKey(c *Conversation, peerIdentity, peerPreKey *curve25519.PublicKey, preKeyID uint32) error {
	if c.HasRootKey() {
		return errs.New(errs.AxoConvExists, "ratchet: conversation already initiated")
	}

	noteIdentityChange(c, peerIdentity)

	ctxID, err := nextContextID(c.ContextID)
	if err != nil {
		return err
	}

	a0, err := curve25519.GenerateKeyPair()
	if err != nil {
		return err
	}

	dhB0A, err := curve25519.Agreement(&c.DHIs.Private, peerPreKey)
	if err != nil {
		return err
	}
	dhBA0, err := curve25519.Agreement(&a0.Private, peerIdentity)
	if err != nil {
		return err
	}
	dhB0A0, err := curve25519.Agreement(&a0.Private, peerPreKey)
	if err != nil {
		return err
	}
	master := concat(dhB0A, dhBA0, dhB0A0)

	root, chain, err := kdf.DeriveRootChain(master, []byte(kdf.RootChainInfo))
	wipeAll(master, dhB0A, dhBA0, dhB0A0)
	if err != nil {
		return err
	}

	setSecret(&c.RK, root)
	setSecret(&c.CKr, chain)
	wipeAll(root, chain)

	c.DHIr = peerIdentity
	c.DHRr = peerPreKey
	c.A0 = a0
	c.PreKeyID = preKeyID
	c.RatchetFlag = true
	c.ContextID = ctxID

	return nil
}

// InitBobPreKey performs the Bob-role PreKey initiation of spec.md §4.3.2,
// invoked after the caller has atomically consumed the pre-key a0 addressed
// by the incoming message. senderIdentity is the sender's long-term identity
// public key; senderEphemeral is the sender's one-time key carried in the
// message (plays Alice's A0 role).
func InitBobPreKey(c *Conversation, senderIdentity, senderEphemeral *curve25519.PublicKey, a0 *curve25519.KeyPair) error {
	noteIdentityChange(c, senderIdentity)

	// master = DH(B, A0) || DH(B0, A) || DH(B0, A0), mirroring Alice's
	// DH(B0,A) || DH(B,A0) || DH(B0,A0) with the first two terms swapped so
	// both sides land on the same three values in the same order.
	dhBA0, err := curve25519.Agreement(&a0.Private, senderIdentity)
	if err != nil {
		return err
	}
	dhB0A, err := curve25519.Agreement(&c.DHIs.Private, senderEphemeral)
	if err != nil {
		return err
	}
	dhB0A0, err := curve25519.Agreement(&a0.Private, senderEphemeral)
	if err != nil {
		return err
	}
	master := concat(dhBA0, dhB0A, dhB0A0)

	root, chain, err := kdf.DeriveRootChain(master, []byte(kdf.RootChainInfo))
	wipeAll(master, dhB0A, dhBA0, dhB0A0)
	if err != nil {
		return err
	}

	setSecret(&c.RK, root)
	setSecret(&c.CKs, chain)
	wipeAll(root, chain)

	c.DHRs = a0
	c.DHIr = senderIdentity
	c.RatchetFlag = false

	return nil
}

// ExternalStagingPiece is one of the three inputs the externally-keyed
// handshake (spec.md §4.3.3) assembles before a session can be derived.
type ExternalStagingPiece struct {
	LocalIdentity  *curve25519.KeyPair
	LocalRatchet   *curve25519.KeyPair
	PeerIdentity   *curve25519.PublicKey
	PeerRatchet    *curve25519.PublicKey
	ExportedSecret []byte
}

func (p *ExternalStagingPiece) ready() bool {
	return p.LocalIdentity != nil && p.LocalRatchet != nil && p.PeerIdentity != nil && p.PeerRatchet != nil && p.ExportedSecret != nil
}

// isAlice decides initiation role by lexicographic comparison of the two
// identity public keys: the lexicographically smaller one is Alice, per
// spec.md §4.3.3.
func isAlice(local, peer *curve25519.PublicKey) bool {
	return bytes.Compare(local[:], peer[:]) < 0
}

// InitExternal installs session state from an externally-derived shared
// secret (e.g. a ZRTP-confirmed voice handshake), selecting the Alice or Bob
// role by identity-key comparison and using the staged ratchet keys in place
// of a pre-key bundle.
func InitExternal(c *Conversation, piece *ExternalStagingPiece) error {
	if !piece.ready() {
		return errs.New(errs.JSFieldMissing, "ratchet: incomplete external staging")
	}
	if c.HasRootKey() {
		return errs.New(errs.AxoConvExists, "ratchet: conversation already initiated")
	}

	root, chain, err := kdf.DeriveRootChain(piece.ExportedSecret, []byte(kdf.RootChainInfo))
	if err != nil {
		return err
	}
	defer wipeAll(root, chain)

	noteIdentityChange(c, piece.PeerIdentity)
	c.DHIr = piece.PeerIdentity

	if isAlice(&c.DHIs.Public, piece.PeerIdentity) {
		setSecret(&c.RK, root)
		setSecret(&c.CKr, chain)
		c.DHRr = piece.PeerRatchet
		c.A0 = piece.LocalRatchet
		c.RatchetFlag = true
	} else {
		setSecret(&c.RK, root)
		setSecret(&c.CKs, chain)
		c.DHRs = piece.LocalRatchet
		c.RatchetFlag = false
	}

	return nil
}
