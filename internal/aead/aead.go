// Package aead implements the AES-CBC + truncated-HMAC-SHA256 authenticated
// envelope the ratchet wire format uses for message bodies. This is not
// AES-GCM: the padding and MAC-truncation semantics are grounded directly on
// the original axolotl/crypto/AesCbc.cpp, which this package reproduces
// byte-for-byte rather than reaching for a stdlib AEAD mode.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"

	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

const (
	BlockSize = aes.BlockSize // 16
	// MacTagSize is the truncated HMAC-SHA256 tag length carried on the wire.
	MacTagSize = 8
)

// pad applies the original implementation's padding scheme: append padlen
// bytes each valued padlen, where padlen = blockSize - (len % blockSize). A
// plaintext already block-aligned still gets a full block of padding.
func pad(plaintext []byte) []byte {
	padlen := BlockSize - (len(plaintext) % BlockSize)
	out := make([]byte, len(plaintext)+padlen)
	copy(out, plaintext)
	for i := len(plaintext); i < len(out); i++ {
		out[i] = byte(padlen)
	}
	return out
}

// unpad validates and strips the padding applied by pad. It rejects a padlen
// of 0, greater than the block size, greater than the data length, or any
// trailing byte that disagrees with padlen.
func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, errs.New(errs.MsgPaddingFailed, "aead: data not block-aligned")
	}
	padlen := int(data[len(data)-1])
	if padlen == 0 || padlen > BlockSize || padlen > len(data) {
		return nil, errs.New(errs.MsgPaddingFailed, "aead: invalid padlen")
	}
	for i := len(data) - padlen; i < len(data); i++ {
		if int(data[i]) != padlen {
			return nil, errs.New(errs.MsgPaddingFailed, "aead: inconsistent padding bytes")
		}
	}
	return data[:len(data)-padlen], nil
}

func newCBCEncrypter(key, iv []byte) (cipher.BlockMode, error) {
	if len(iv) != BlockSize {
		return nil, errs.New(errs.WrongBlkSize, "aead: IV must equal block size")
	}
	if len(key) != 16 && len(key) != 32 {
		return nil, errs.New(errs.UnsupportedKeySize, "aead: key must be 16 or 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "aead: new cipher", err)
	}
	return cipher.NewCBCEncrypter(block, iv), nil
}

func newCBCDecrypter(key, iv []byte) (cipher.BlockMode, error) {
	if len(iv) != BlockSize {
		return nil, errs.New(errs.WrongBlkSize, "aead: IV must equal block size")
	}
	if len(key) != 16 && len(key) != 32 {
		return nil, errs.New(errs.UnsupportedKeySize, "aead: key must be 16 or 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "aead: new cipher", err)
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

// Encrypt pads and CBC-encrypts plaintext under (key, iv). It does not MAC;
// callers authenticate the framed header+ciphertext separately via Tag.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	mode, err := newCBCEncrypter(key, iv)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return out, nil
}

// Decrypt CBC-decrypts and removes padding.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	mode, err := newCBCDecrypter(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, errs.New(errs.WrongBlkSize, "aead: ciphertext not block-aligned")
	}
	out := make([]byte, len(ciphertext))
	mode.CryptBlocks(out, ciphertext)
	return unpad(out)
}

// Tag computes the truncated HMAC-SHA256 authentication tag over data
// (header || ciphertext body), truncated to MacTagSize bytes.
func Tag(macKey, data []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(data)
	full := mac.Sum(nil)
	return full[:MacTagSize]
}

// VerifyTag checks a received tag in constant time.
func VerifyTag(macKey, data, tag []byte) bool {
	want := Tag(macKey, data)
	return hmac.Equal(want, tag)
}
