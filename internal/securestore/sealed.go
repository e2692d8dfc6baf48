package securestore

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of raw keys accepted by Seal and Open.
const KeySize = chacha20poly1305.KeySize

// NewKey returns a fresh random key suitable for Seal.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext under a raw 32-byte key. The output is nonce||ciphertext.
// ad binds the ciphertext to its storage slot (row id, file name).
func Seal(key, plaintext, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalid
	}
	nonce, ciphertext, err := sealX(key, plaintext, ad)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

func Open(key, sealed, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalid
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrInvalid
	}
	n := chacha20poly1305.NonceSizeX
	return openX(key, sealed[:n], sealed[n:], ad)
}
