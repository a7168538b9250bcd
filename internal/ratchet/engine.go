// Ratchet engine (C7): encrypt, decrypt, the DH-ratchet step, and staged
// (skipped) message key handling. Grounded on the algorithm in
// ratchet/ZinaRatchet.h and axolotl/state/AxoConversation.cpp's treatment of
// Ns/Nr/PNs.
package ratchet

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"

	"github.com/jaydenbeard/zina-ratchet/internal/aead"
	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
	"github.com/jaydenbeard/zina-ratchet/internal/kdf"
	"github.com/jaydenbeard/zina-ratchet/internal/metrics"
	"github.com/jaydenbeard/zina-ratchet/internal/wire"
)

// MaxStagedSkip bounds how many chain positions a single ratchet step or
// in-chain skip will stage before giving up, per spec.md §4.4.2's suggested
// safety limit.
const MaxStagedSkip = 2000

// StagedKey is one skipped/delayed message key, addressed by the content of
// its derived key material rather than by a back-pointer to the conversation
// that produced it.
type StagedKey struct {
	Selector  [32]byte
	CipherKey []byte
	MacKey    []byte
	IV        []byte
}

func selectorFor(s *kdf.MessageSecrets) [32]byte {
	h := sha256.New()
	h.Write(s.CipherKey)
	h.Write(s.MacKey)
	h.Write(s.IV)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// StagedKeyStore persists skipped message keys for a single conversation.
// internal/store provides the SQLite-backed implementation over
// StagedMessageKeys (spec.md §6.3), including the 31-day retention sweep.
type StagedKeyStore interface {
	Stage(ctx context.Context, localUser, peer, device string, key *StagedKey) error
	Candidates(ctx context.Context, localUser, peer, device string) ([]*StagedKey, error)
	Remove(ctx context.Context, localUser, peer, device string, selector [32]byte) error
}

// symmetricAdvance performs the chain key's HMAC-based symmetric ratchet
// step: HMAC-SHA256(currentChainKey, 0x01).
func symmetricAdvance(ck *Secret32) Secret32 {
	mac := hmac.New(sha256.New, ck[:])
	mac.Write([]byte{0x01})
	var out Secret32
	copy(out[:], mac.Sum(nil))
	return out
}

// ratchetStepSend performs the sending side of a DH ratchet (spec.md §4.4.1
// step 1), promoting the pending pre-key A0 into the first ratchet key pair
// when this is Alice's first send, or generating a fresh pair otherwise.
func (c *Conversation) ratchetStepSend() error {
	if !c.RatchetFlag {
		return nil
	}
	if c.DHRr == nil {
		return errs.New(errs.SessionNotInited, "ratchet: no peer ratchet key to ratchet against")
	}

	var newPair *curve25519.KeyPair
	if c.A0 != nil {
		newPair = c.A0
		c.A0 = nil
	} else {
		kp, err := curve25519.GenerateKeyPair()
		if err != nil {
			return err
		}
		newPair = kp
	}

	dh, err := curve25519.Agreement(&newPair.Private, c.DHRr)
	if err != nil {
		return err
	}
	info := concat([]byte(kdf.RatchetInfoPrefix), c.RK[:])
	root, chain, err := kdf.DeriveRootChain(dh, info)
	wipeAll(dh)
	if err != nil {
		return err
	}

	c.PNs = c.Ns
	c.Ns = 0
	wipeKeyPair(c.DHRs)
	c.DHRs = newPair
	setSecret(&c.RK, root)
	setSecret(&c.CKs, chain)
	wipeAll(root, chain)
	c.RatchetFlag = false
	metrics.RecordDHRatchetStep("send")
	return nil
}

// Encrypt produces the wire ciphertext (header || body || MAC tag) for
// plaintext, per spec.md §4.4.1. supplement, if non-empty, is encrypted
// under the same (cipherKey, IV) and returned separately for the envelope's
// tag-3 field.
func (c *Conversation) Encrypt(plaintext, supplement []byte) (message, supplementCipher []byte, err error) {
	if err := c.ratchetStepSend(); err != nil {
		return nil, nil, err
	}
	if c.CKs == nil || c.DHRs == nil {
		return nil, nil, errs.New(errs.SessionNotInited, "ratchet: no sending chain")
	}

	secrets, err := kdf.DeriveMessageSecrets(c.CKs[:])
	if err != nil {
		return nil, nil, err
	}
	defer secrets.Wipe()

	nsForHeader := c.Ns
	advanced := symmetricAdvance(c.CKs)
	setSecret(&c.CKs, advanced[:])
	advanced.Wipe()
	c.Ns++

	header := &wire.CipherHeader{DHRs: c.DHRs.Public, PNs: c.PNs, Ns: nsForHeader}
	headerBytes := header.Marshal()

	body, err := aead.Encrypt(secrets.CipherKey, secrets.IV, plaintext)
	if err != nil {
		return nil, nil, err
	}
	tag := aead.Tag(secrets.MacKey, concat(headerBytes, body))
	message = concat(headerBytes, body, tag)

	if len(supplement) > 0 {
		supplementCipher, err = aead.Encrypt(secrets.CipherKey, secrets.IV, supplement)
		if err != nil {
			return nil, nil, err
		}
	}

	return message, supplementCipher, nil
}

// IdentityHashes computes the optional recvIdHash/senderIdHash envelope
// fields (spec.md §4.4.1): the first 4 bytes of SHA-256 over the peer's and
// the local identity public key, respectively.
func (c *Conversation) IdentityHashes() (recvIDHash, senderIDHash []byte) {
	senderHash := sha256.Sum256(c.DHIs.Public[:])
	senderIDHash = append([]byte(nil), senderHash[:wire.IDHashSize]...)
	if c.DHIr != nil {
		recvHash := sha256.Sum256(c.DHIr[:])
		recvIDHash = append([]byte(nil), recvHash[:wire.IDHashSize]...)
	}
	return recvIDHash, senderIDHash
}

// ratchetStepRecv performs the receiving side of a DH ratchet (spec.md
// §4.4.2 step 2a), using the conversation's current DHRs (set at initiation
// or by a prior send-side ratchet) against the peer's newly observed
// ratchet public key.
func (c *Conversation) ratchetStepRecv(peerDHRr *curve25519.PublicKey) error {
	if c.DHRs == nil {
		return errs.New(errs.SessionNotInited, "ratchet: no local ratchet key to ratchet with")
	}
	dh, err := curve25519.Agreement(&c.DHRs.Private, peerDHRr)
	if err != nil {
		return err
	}
	info := concat([]byte(kdf.RatchetInfoPrefix), c.RK[:])
	root, chain, err := kdf.DeriveRootChain(dh, info)
	wipeAll(dh)
	if err != nil {
		return err
	}

	wipeKeyPair(c.DHRs)
	c.DHRs = nil
	setSecret(&c.RK, root)
	setSecret(&c.CKr, chain)
	wipeAll(root, chain)
	c.DHRr = peerDHRr
	c.Nr = 0
	c.RatchetFlag = true
	metrics.RecordDHRatchetStep("recv")
	return nil
}

// stageRange advances a copy of chain key ck from index `from` up to (not
// including) `to`, staging the message key at each index, and returns the
// chain key positioned at index `to`.
func (c *Conversation) stageRange(ctx context.Context, ck Secret32, from, to uint32, store StagedKeyStore) (Secret32, error) {
	if to < from {
		return ck, errs.New(errs.CorruptData, "ratchet: inverted skip range")
	}
	if to-from > MaxStagedSkip {
		return ck, errs.New(errs.FutureMessage, "ratchet: skip range exceeds safety limit")
	}
	cur := ck
	for i := from; i < to; i++ {
		secrets, err := kdf.DeriveMessageSecrets(cur[:])
		if err != nil {
			return cur, err
		}
		sk := &StagedKey{
			Selector:  selectorFor(secrets),
			CipherKey: append([]byte(nil), secrets.CipherKey...),
			MacKey:    append([]byte(nil), secrets.MacKey...),
			IV:        append([]byte(nil), secrets.IV...),
		}
		secrets.Wipe()
		if err := store.Stage(ctx, c.LocalUser, c.RemoteUser, c.RemoteDevice, sk); err != nil {
			return cur, errs.Wrap(errs.GenericError, "ratchet: stage skipped key", err)
		}
		metrics.StagedKeysGauge.Inc()
		cur = symmetricAdvance(&cur)
	}
	return cur, nil
}

func verifyAndDecrypt(secrets *kdf.MessageSecrets, headerBytes, body, tag []byte) ([]byte, error) {
	if !aead.VerifyTag(secrets.MacKey, concat(headerBytes, body), tag) {
		metrics.MacFailuresTotal.Inc()
		return nil, errs.New(errs.MacCheckFailed, "ratchet: authentication tag mismatch")
	}
	return aead.Decrypt(secrets.CipherKey, secrets.IV, body)
}

// Decrypt reverses Encrypt, per spec.md §4.4.2. On MAC failure the
// conversation is left unmutated for the current-chain and staged-key paths;
// a DH-ratchet triggered by a new DHRr is committed unconditionally, as in
// the original Double Ratchet design, since the ratchet step itself depends
// only on the cleartext header, not on whether this particular message's tag
// later verifies.
func (c *Conversation) Decrypt(ctx context.Context, message []byte, store StagedKeyStore) ([]byte, error) {
	header, rest, err := wire.ParseCipherHeader(message)
	if err != nil {
		return nil, err
	}
	if len(rest) < aead.MacTagSize {
		return nil, errs.New(errs.RecvDataLength, "ratchet: message shorter than MAC tag")
	}
	body := rest[:len(rest)-aead.MacTagSize]
	tag := rest[len(rest)-aead.MacTagSize:]
	headerBytes := message[:wire.HeaderSize]

	peerRatchetChanged := c.DHRr == nil || *c.DHRr != header.DHRs
	if peerRatchetChanged {
		if c.CKr != nil {
			newCKr, err := c.stageRange(ctx, *c.CKr, c.Nr, header.PNs, store)
			if err != nil {
				return nil, err
			}
			_ = newCKr // the staged-through chain key is superseded by the ratchet below
		}
		dhrr := header.DHRs
		if err := c.ratchetStepRecv(&dhrr); err != nil {
			return nil, err
		}
	}

	if c.CKr == nil {
		return nil, errs.New(errs.SessionNotInited, "ratchet: no receiving chain")
	}

	switch {
	case header.Ns == c.Nr:
		secrets, err := kdf.DeriveMessageSecrets(c.CKr[:])
		if err != nil {
			return nil, err
		}
		plaintext, err := verifyAndDecrypt(secrets, headerBytes, body, tag)
		secrets.Wipe()
		if err != nil {
			return nil, err
		}
		next := symmetricAdvance(c.CKr)
		setSecret(&c.CKr, next[:])
		next.Wipe()
		c.Nr++
		return plaintext, nil

	case header.Ns > c.Nr:
		cur, err := c.stageRange(ctx, *c.CKr, c.Nr, header.Ns, store)
		if err != nil {
			return nil, err
		}
		secrets, err := kdf.DeriveMessageSecrets(cur[:])
		if err != nil {
			return nil, err
		}
		plaintext, err := verifyAndDecrypt(secrets, headerBytes, body, tag)
		secrets.Wipe()
		if err != nil {
			return nil, err
		}
		next := symmetricAdvance(&cur)
		setSecret(&c.CKr, next[:])
		next.Wipe()
		c.Nr = header.Ns + 1
		return plaintext, nil

	default: // header.Ns < c.Nr: look for a staged key
		candidates, err := store.Candidates(ctx, c.LocalUser, c.RemoteUser, c.RemoteDevice)
		if err != nil {
			return nil, errs.Wrap(errs.GenericError, "ratchet: load staged candidates", err)
		}
		for _, cand := range candidates {
			if !aead.VerifyTag(cand.MacKey, concat(headerBytes, body), tag) {
				continue
			}
			plaintext, err := aead.Decrypt(cand.CipherKey, cand.IV, body)
			if err != nil {
				continue
			}
			if rmErr := store.Remove(ctx, c.LocalUser, c.RemoteUser, c.RemoteDevice, cand.Selector); rmErr != nil {
				return nil, errs.Wrap(errs.GenericError, "ratchet: remove staged key", rmErr)
			}
			metrics.StagedKeysGauge.Dec()
			return plaintext, nil
		}
		return nil, errs.New(errs.MacCheckFailed, "ratchet: no staged key matched")
	}
}
