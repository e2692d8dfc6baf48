package identity

import (
	"encoding/hex"
	"errors"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

var ErrInvalidGroupID = errors.New("invalid group id")

// Fingerprint is a short stable tag for a public key, safe to show in logs
// and diagnostics.
func Fingerprint(pubkeyHex string) string {
	h := blake2b.Sum256([]byte(pubkeyHex))
	return "pk1" + base58.Encode(h[:10])
}

// SelfGroupID is the deterministic group id of the note-to-self chat.
func SelfGroupID(pubkeyHex string) []byte {
	h := blake2b.Sum256([]byte("pika/self-group/v1|" + pubkeyHex))
	return h[:]
}

// ChatIDFromGroup maps a group id to the chat id shown to hosts.
func ChatIDFromGroup(groupID []byte) string {
	return base58.Encode(groupID)
}

func GroupIDFromChat(chatID string) ([]byte, error) {
	raw, err := base58.Decode(chatID)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidGroupID
	}
	return raw, nil
}

// GroupTag is the hex form used in the "h" tag of group events.
func GroupTag(groupID []byte) string {
	return hex.EncodeToString(groupID)
}

func GroupIDFromTag(tag string) ([]byte, error) {
	raw, err := hex.DecodeString(tag)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidGroupID
	}
	return raw, nil
}
