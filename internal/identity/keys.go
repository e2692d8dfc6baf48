// Package identity owns the account key pair and its textual encodings.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var (
	ErrInvalidSecret = errors.New("invalid secret key")
	ErrInvalidPubkey = errors.New("invalid public key")
)

// Keys is a secp256k1 key pair in nostr hex form.
type Keys struct {
	Secret string
	Pubkey string
}

func Generate() (Keys, error) {
	return FromSecretHex(nostr.GeneratePrivateKey())
}

func FromSecretHex(sk string) (Keys, error) {
	sk = strings.ToLower(strings.TrimSpace(sk))
	raw, err := hex.DecodeString(sk)
	if err != nil || len(raw) != 32 || isZero(raw) {
		return Keys{}, ErrInvalidSecret
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return Keys{Secret: sk, Pubkey: pk}, nil
}

// Parse accepts an nsec, a 64-char hex secret or a recovery phrase.
func Parse(input string) (Keys, error) {
	input = strings.TrimSpace(input)
	switch {
	case input == "":
		return Keys{}, ErrInvalidSecret
	case strings.HasPrefix(input, "nsec1"):
		prefix, val, err := nip19.Decode(input)
		if err != nil || prefix != "nsec" {
			return Keys{}, ErrInvalidSecret
		}
		sk, ok := val.(string)
		if !ok {
			return Keys{}, ErrInvalidSecret
		}
		return FromSecretHex(sk)
	case strings.Contains(input, " "):
		return FromRecoveryPhrase(input)
	default:
		return FromSecretHex(input)
	}
}

func (k Keys) Nsec() (string, error) {
	return nip19.EncodePrivateKey(k.Secret)
}

func (k Keys) Npub() (string, error) {
	return nip19.EncodePublicKey(k.Pubkey)
}

// Sign fills in PubKey, ID and Sig of evt.
func (k Keys) Sign(evt *nostr.Event) error {
	return evt.Sign(k.Secret)
}

// ParsePubkey accepts an npub or a 64-char hex public key and returns hex.
func ParsePubkey(input string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "npub1") {
		prefix, val, err := nip19.Decode(input)
		if err != nil || prefix != "npub" {
			return "", ErrInvalidPubkey
		}
		pk, ok := val.(string)
		if !ok {
			return "", ErrInvalidPubkey
		}
		input = pk
	}
	input = strings.ToLower(input)
	if !nostr.IsValidPublicKey(input) {
		return "", ErrInvalidPubkey
	}
	return input, nil
}

func EncodeNpub(pubkeyHex string) (string, error) {
	return nip19.EncodePublicKey(pubkeyHex)
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
