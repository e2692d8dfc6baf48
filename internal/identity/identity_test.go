package identity

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateEncodesNsecAndNpub(t *testing.T) {
	keys, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	nsec, err := keys.Nsec()
	if err != nil || !strings.HasPrefix(nsec, "nsec1") {
		t.Fatalf("nsec: %q %v", nsec, err)
	}
	npub, err := keys.Npub()
	if err != nil || !strings.HasPrefix(npub, "npub1") {
		t.Fatalf("npub: %q %v", npub, err)
	}

	parsed, err := Parse(nsec)
	if err != nil {
		t.Fatalf("parse nsec: %v", err)
	}
	if parsed != keys {
		t.Fatalf("nsec roundtrip mismatch")
	}
	pk, err := ParsePubkey(npub)
	if err != nil || pk != keys.Pubkey {
		t.Fatalf("parse npub: %q %v", pk, err)
	}
	if pk, err := ParsePubkey(strings.ToUpper(keys.Pubkey)); err != nil || pk != keys.Pubkey {
		t.Fatalf("parse hex pubkey: %q %v", pk, err)
	}
}

func TestRecoveryPhraseRestoresSameKey(t *testing.T) {
	keys, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	phrase, err := keys.RecoveryPhrase()
	if err != nil {
		t.Fatalf("phrase: %v", err)
	}
	if n := len(strings.Fields(phrase)); n != 24 {
		t.Fatalf("expected 24 words, got %d", n)
	}
	restored, err := Parse("  " + strings.ToUpper(phrase) + "\n")
	if err != nil {
		t.Fatalf("parse phrase: %v", err)
	}
	if restored != keys {
		t.Fatalf("phrase roundtrip mismatch")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "nsec1qqqq", "zz", strings.Repeat("0", 64), "abandon abandon"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidSecret) {
			t.Fatalf("expected ErrInvalidSecret for %q, got %v", in, err)
		}
	}
	if _, err := ParsePubkey("npub1xyz"); !errors.Is(err, ErrInvalidPubkey) {
		t.Fatalf("expected ErrInvalidPubkey, got %v", err)
	}
}

func TestGroupIDEncodings(t *testing.T) {
	keys, _ := Generate()
	gid := SelfGroupID(keys.Pubkey)
	if string(gid) != string(SelfGroupID(keys.Pubkey)) {
		t.Fatalf("self group id must be deterministic")
	}
	back, err := GroupIDFromChat(ChatIDFromGroup(gid))
	if err != nil || string(back) != string(gid) {
		t.Fatalf("chat id roundtrip: %v", err)
	}
	back, err = GroupIDFromTag(GroupTag(gid))
	if err != nil || string(back) != string(gid) {
		t.Fatalf("tag roundtrip: %v", err)
	}
	if _, err := GroupIDFromChat("abc"); !errors.Is(err, ErrInvalidGroupID) {
		t.Fatalf("expected ErrInvalidGroupID, got %v", err)
	}
	if !strings.HasPrefix(Fingerprint(keys.Pubkey), "pk1") {
		t.Fatalf("unexpected fingerprint format")
	}
}
