package identity

import (
	"encoding/hex"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// RecoveryPhrase renders the secret key as a 24-word bip39 mnemonic. The
// mnemonic encodes the key itself, not a seed it is derived from.
func (k Keys) RecoveryPhrase() (string, error) {
	raw, err := hex.DecodeString(k.Secret)
	if err != nil || len(raw) != 32 {
		return "", ErrInvalidSecret
	}
	return bip39.NewMnemonic(raw)
}

func FromRecoveryPhrase(phrase string) (Keys, error) {
	phrase = strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil || len(entropy) != 32 {
		return Keys{}, ErrInvalidSecret
	}
	return FromSecretHex(hex.EncodeToString(entropy))
}
