package corvid

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
)

// EncryptionAlgorithm selects at-rest encryption for a [DataFile]. None of
// the example dependencies in reach of this module offer a page- or
// record-level encryption-at-rest wrapper for an arbitrary key-value
// backend, so this is one of the few places corvid falls back to the
// standard library (crypto/aes, crypto/cipher) instead of a third-party
// package.
type EncryptionAlgorithm int

const (
	EncryptionNone EncryptionAlgorithm = iota
	EncryptionAES256GCM
)

// EncryptionKeySize is the required key length for [EncryptionAES256GCM].
const EncryptionKeySize = 32

// aeadCodec seals and opens the values stored in a KeyStore's bucket when a
// DataFile is opened with at-rest encryption. Keys are left in cleartext:
// corvid's KeyStore keys are document IDs and sequence numbers used for
// range scans, and encrypting them would break ordering.
type aeadCodec struct {
	aead cipher.AEAD
}

func newAEADCodec(alg EncryptionAlgorithm, key []byte) (*aeadCodec, error) {
	switch alg {
	case EncryptionNone:
		return nil, nil
	case EncryptionAES256GCM:
		if len(key) != EncryptionKeySize {
			return nil, ErrCrypto.wrap(nil, "AES-256-GCM requires a %d-byte key", EncryptionKeySize)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, ErrCrypto.wrap(err, "initializing cipher")
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, ErrCrypto.wrap(err, "initializing GCM mode")
		}
		return &aeadCodec{aead: gcm}, nil
	default:
		return nil, ErrInvalidParameter.wrap(nil, "unknown encryption algorithm %d", alg)
	}
}

func (c *aeadCodec) seal(plaintext []byte) ([]byte, error) {
	if c == nil {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, ErrCrypto.wrap(err, "generating nonce")
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aeadCodec) open(ciphertext []byte) ([]byte, error) {
	if c == nil {
		return ciphertext, nil
	}
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrCrypto.wrap(nil, "ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:n], ciphertext[n:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCrypto.wrap(err, "decrypting value")
	}
	return plain, nil
}
