// Package curve25519 wraps X25519 key generation and agreement with the
// curve-tagged point encoding the ratchet wire format requires. Grounded on
// the teacher's security.SignalProtocol.GenerateKeyPair/SharedSecret, and on
// the clamping and tagged-point semantics of the original EcCurve.cpp.
package curve25519

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

// TagCurve25519 is the only curve identifier this build recognizes, matching
// EcCurveTypes::Curve25519 in the original source.
const TagCurve25519 byte = 0x05

const (
	PublicKeySize  = 32
	PrivateKeySize = 32
	// SerializedPublicKeySize is the tag byte plus the raw scalar.
	SerializedPublicKeySize = 1 + PublicKeySize
)

// PublicKey is a raw X25519 public scalar, always Curve25519-tagged.
type PublicKey [PublicKeySize]byte

// MarshalJSON encodes the key as base64, matching the original
// AxoConversation's JSON persistence convention for key material.
func (p PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p[:]))
}

// UnmarshalJSON decodes a base64-encoded public key.
func (p *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != PublicKeySize {
		return errs.New(errs.CorruptData, "curve25519: bad public key length")
	}
	copy(p[:], raw)
	return nil
}

// PrivateKey is a clamped X25519 private scalar.
type PrivateKey [PrivateKeySize]byte

// MarshalJSON encodes the key as base64.
func (p PrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p[:]))
}

// UnmarshalJSON decodes a base64-encoded private key.
func (p *PrivateKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != PrivateKeySize {
		return errs.New(errs.CorruptData, "curve25519: bad private key length")
	}
	copy(p[:], raw)
	return nil
}

// KeyPair is a generated Curve25519 key pair.
type KeyPair struct {
	Private PrivateKey
	Public  PublicKey
}

// Wipe zeroes the private scalar. Callers must call this before letting a
// KeyPair go out of scope once it is no longer needed (spec invariant I4).
func (k *KeyPair) Wipe() {
	for i := range k.Private {
		k.Private[i] = 0
	}
}

// clamp applies the standard X25519 clamp in place. It is idempotent: running
// it twice on an already-clamped key produces the same key.
func clamp(priv *PrivateKey) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// GenerateKeyPair draws 32 random bytes, clamps them, and derives the
// matching public key via base-point multiplication.
func GenerateKeyPair() (*KeyPair, error) {
	var priv PrivateKey
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, errs.Wrap(errs.GenericError, "curve25519: read random", err)
	}
	clamp(&priv)

	var pub PublicKey
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "curve25519: base-point multiply", err)
	}
	copy(pub[:], out)

	return &KeyPair{Private: priv, Public: pub}, nil
}

// Agreement performs an X25519 scalar multiplication between a local private
// key and a peer public key, returning the 32-byte shared secret.
func Agreement(priv *PrivateKey, pub *PublicKey) ([]byte, error) {
	p := *priv
	clamp(&p)
	out, err := curve25519.X25519(p[:], pub[:])
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "curve25519: agreement", err)
	}
	return out, nil
}

// DecodePoint parses a curve-tagged serialized public key (tag byte followed
// by the 32-byte scalar). Only TagCurve25519 is recognized.
func DecodePoint(data []byte) (*PublicKey, error) {
	if len(data) != SerializedPublicKeySize {
		return nil, errs.New(errs.BufferTooSmall, "curve25519: short point")
	}
	if data[0] != TagCurve25519 {
		return nil, errs.New(errs.NoSuchCurve, "curve25519: unrecognized curve tag")
	}
	var pub PublicKey
	copy(pub[:], data[1:])
	return &pub, nil
}

// SerializePoint prepends the curve-tag byte to a raw public key.
func SerializePoint(pub *PublicKey) []byte {
	out := make([]byte, SerializedPublicKeySize)
	out[0] = TagCurve25519
	copy(out[1:], pub[:])
	return out
}
