// Package kdf implements the RFC 5869 HKDF-SHA256 extract/expand derivations
// the ratchet core uses to turn DH output into root/chain keys and chain keys
// into per-message secrets. Grounded on the teacher's
// security.SignalProtocol.HKDFDeriveKey (golang.org/x/crypto/hkdf) and on the
// exact salt/info conventions of the original HKDF.cpp and AxoRatchet logic.
package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

// RootChainInfo is the fixed HKDF info string used to derive the very first
// root/chain pair from a session's master secret.
const RootChainInfo = "SilentCircleMessage"

// RatchetInfoPrefix is prefixed to the current root key to form the HKDF info
// string used on every subsequent DH ratchet step.
const RatchetInfoPrefix = "SilentCircleRKCKDerive"

const (
	hashSize     = sha256.Size // 32
	rootChainLen = 2 * hashSize
	messageSecretsLen = 32 + 32 + 16 // cipherKey, macKey, IV
)

// zeroSalt32 is the 32-byte zero salt spec.md §4.2 mandates for the initial
// root/chain derivation.
var zeroSalt32 = make([]byte, hashSize)

// expand runs the RFC 5869 expand step: HMAC blocks of info||counter chained
// from the previous block, truncated to length bytes.
func expand(prk, info []byte, length int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.Wrap(errs.GenericError, "kdf: expand", err)
	}
	return out, nil
}

// extract runs the RFC 5869 extract step against an explicit salt.
func extract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// DeriveRootChain derives a fresh (root, chain) pair from a DH/master secret.
// salt is 32 zero bytes; info is the fixed constant the protocol uses for the
// very first derivation of a session (RootChainInfo) or, on a ratchet step,
// RatchetInfoPrefix concatenated with the current root key.
func DeriveRootChain(master []byte, info []byte) (root, chain []byte, err error) {
	prk := extract(zeroSalt32, master)
	out, err := expand(prk, info, rootChainLen)
	if err != nil {
		return nil, nil, err
	}
	root = out[:hashSize]
	chain = out[hashSize:]
	return root, chain, nil
}

// MessageSecrets is the per-message key material derived from a chain key.
type MessageSecrets struct {
	CipherKey []byte
	MacKey    []byte
	IV        []byte
}

// Wipe zeroes all three derived buffers.
func (m *MessageSecrets) Wipe() {
	zero(m.CipherKey)
	zero(m.MacKey)
	zero(m.IV)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeriveMessageSecrets expands a chain key into (cipherKey=32, macKey=32,
// IV=16) using a zero salt and no additional info, per spec.md §4.2.
func DeriveMessageSecrets(chainKey []byte) (*MessageSecrets, error) {
	prk := extract(zeroSalt32, chainKey)
	out, err := expand(prk, nil, messageSecretsLen)
	if err != nil {
		return nil, err
	}
	return &MessageSecrets{
		CipherKey: out[0:32],
		MacKey:    out[32:64],
		IV:        out[64:80],
	}, nil
}

// storeKeysLen is the byte length of a StoreKeys pair (cipherKey=32, macKey=32).
const storeKeysLen = 32 + 32

// storeInfo distinguishes at-rest store-key derivation from the ratchet's own
// root/chain and message-secret derivations, so the same passphrase run
// through HKDF never collides with session key material.
const storeInfo = "ZinaStoreAtRest"

// StoreKeys is the at-rest encryption key material derived from a store
// passphrase: an AES key plus an HMAC key, independent of any session's
// ratchet state.
type StoreKeys struct {
	CipherKey []byte
	MacKey    []byte
}

// DeriveStoreKeys expands a store passphrase into a (cipherKey, macKey) pair
// via HKDF-SHA256, for internal/store to seal persisted conversation and
// pre-key state at rest.
func DeriveStoreKeys(passphrase []byte) (*StoreKeys, error) {
	prk := extract(zeroSalt32, passphrase)
	out, err := expand(prk, []byte(storeInfo), storeKeysLen)
	if err != nil {
		return nil, err
	}
	return &StoreKeys{CipherKey: out[0:32], MacKey: out[32:64]}, nil
}
