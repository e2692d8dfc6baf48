package groupengine

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"pika-chat/go-core/internal/identity"
	"pika-chat/go-core/internal/securestore"
)

func newTestEngine(t *testing.T) (*Engine, identity.Keys) {
	t.Helper()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	engine, err := New(keys, NewInMemoryStore())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, keys
}

func formGroup(t *testing.T, alice, bob *Engine) GroupInfo {
	t.Helper()
	kp, err := bob.CreateKeyPackage()
	if err != nil {
		t.Fatalf("key package: %v", err)
	}
	info, welcome, err := alice.CreateGroup(kp)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	joined, err := bob.AcceptWelcome(welcome)
	if err != nil {
		t.Fatalf("accept welcome: %v", err)
	}
	if !bytes.Equal(info.GroupID, joined.GroupID) {
		t.Fatal("group ids differ between creator and joiner")
	}
	return info
}

func TestGroupMessageRoundTrip(t *testing.T) {
	alice, aliceKeys := newTestEngine(t)
	bob, bobKeys := newTestEngine(t)
	info := formGroup(t, alice, bob)

	evt, err := alice.Encrypt(info.GroupID, Message{ID: "m1", Content: "hi bob", CreatedAt: 100})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if evt.PubKey == aliceKeys.Pubkey {
		t.Fatal("group message must not be signed by the identity key")
	}
	if TagValue(evt.Tags, "h") != identity.GroupTag(info.GroupID) {
		t.Fatal("missing group tag")
	}
	groupID, msg, err := bob.Decrypt(evt)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(groupID, info.GroupID) || msg.Content != "hi bob" || msg.Sender != aliceKeys.Pubkey || msg.ID != "m1" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	reply, err := bob.Encrypt(info.GroupID, Message{ID: "m2", Content: "hi alice"})
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	_, back, err := alice.Decrypt(reply)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if back.Sender != bobKeys.Pubkey || back.Content != "hi alice" {
		t.Fatalf("unexpected reply: %+v", back)
	}
}

func TestDecryptRejectsReplay(t *testing.T) {
	alice, _ := newTestEngine(t)
	bob, _ := newTestEngine(t)
	info := formGroup(t, alice, bob)

	evt, err := alice.Encrypt(info.GroupID, Message{ID: "m1", Content: "once"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, _, err := bob.Decrypt(evt); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	if _, _, err := bob.Decrypt(evt); !errors.Is(err, ErrReplayDetected) && !errors.Is(err, ErrInvalidChainIndex) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestDecryptOutOfOrder(t *testing.T) {
	alice, _ := newTestEngine(t)
	bob, _ := newTestEngine(t)
	info := formGroup(t, alice, bob)

	first, err := alice.Encrypt(info.GroupID, Message{ID: "m1", Content: "one"})
	if err != nil {
		t.Fatalf("encrypt first: %v", err)
	}
	second, err := alice.Encrypt(info.GroupID, Message{ID: "m2", Content: "two"})
	if err != nil {
		t.Fatalf("encrypt second: %v", err)
	}
	if _, msg, err := bob.Decrypt(second); err != nil || msg.Content != "two" {
		t.Fatalf("decrypt second: %v %+v", err, msg)
	}
	if _, msg, err := bob.Decrypt(first); err != nil || msg.Content != "one" {
		t.Fatalf("decrypt first after second: %v %+v", err, msg)
	}
}

func TestOwnMessagesDecryptForEchoMatching(t *testing.T) {
	alice, aliceKeys := newTestEngine(t)
	bob, _ := newTestEngine(t)
	info := formGroup(t, alice, bob)

	evt, err := alice.Encrypt(info.GroupID, Message{ID: "echo", Content: "mine"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, msg, err := alice.Decrypt(evt)
	if err != nil {
		t.Fatalf("decrypt own: %v", err)
	}
	if msg.ID != "echo" || msg.Sender != aliceKeys.Pubkey {
		t.Fatalf("unexpected echo: %+v", msg)
	}
}

func TestOutsiderCannotDecrypt(t *testing.T) {
	alice, _ := newTestEngine(t)
	bob, _ := newTestEngine(t)
	mallory, _ := newTestEngine(t)
	info := formGroup(t, alice, bob)

	evt, err := alice.Encrypt(info.GroupID, Message{ID: "m1", Content: "secret"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, _, err := mallory.Decrypt(evt); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
	evt.Content = evt.Content[:len(evt.Content)-4] + "AAAA"
	if _, _, err := bob.Decrypt(evt); err == nil {
		t.Fatal("expected tampered event to fail")
	}
}

func TestWelcomeForUnknownKeyPackageIsRejected(t *testing.T) {
	alice, _ := newTestEngine(t)
	bob, _ := newTestEngine(t)
	carol, _ := newTestEngine(t)

	kp, err := bob.CreateKeyPackage()
	if err != nil {
		t.Fatalf("key package: %v", err)
	}
	_, welcome, err := alice.CreateGroup(kp)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := carol.AcceptWelcome(welcome); !errors.Is(err, ErrUnknownInitKey) {
		t.Fatalf("expected ErrUnknownInitKey, got %v", err)
	}
	kp.Content = "zz"
	if _, _, err := alice.CreateGroup(kp); !errors.Is(err, ErrInvalidKeyPackage) {
		t.Fatalf("expected ErrInvalidKeyPackage, got %v", err)
	}
}

func TestSelfGroupIsDeterministic(t *testing.T) {
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a, err := New(keys, NewInMemoryStore())
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(keys, NewInMemoryStore())
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	ga, err := a.CreateSelfGroup()
	if err != nil {
		t.Fatalf("self group a: %v", err)
	}
	gb, err := b.CreateSelfGroup()
	if err != nil {
		t.Fatalf("self group b: %v", err)
	}
	if !bytes.Equal(ga.GroupID, gb.GroupID) || !bytes.Equal(ga.GroupID, identity.SelfGroupID(keys.Pubkey)) {
		t.Fatal("self group id must derive from the identity")
	}
	evt, err := a.Encrypt(ga.GroupID, Message{ID: "note", Content: "to self"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, msg, err := b.Decrypt(evt); err != nil || msg.Content != "to self" {
		t.Fatalf("other device decrypt: %v %+v", err, msg)
	}
	if len(a.GroupIDs()) != 1 {
		t.Fatalf("expected one group, got %d", len(a.GroupIDs()))
	}
}

func TestFileStorePersistsGroups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groups.enc")
	key, err := securestore.NewKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	alice, _ := newTestEngine(t)
	bobKeys, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	bob, err := New(bobKeys, NewFileStore(path, key))
	if err != nil {
		t.Fatalf("new bob: %v", err)
	}
	info := formGroup(t, alice, bob)

	reopened, err := New(bobKeys, NewFileStore(path, key))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.Group(info.GroupID); !ok {
		t.Fatal("group must survive restart")
	}
	evt, err := alice.Encrypt(info.GroupID, Message{ID: "m1", Content: "after restart"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, msg, err := reopened.Decrypt(evt); err != nil || msg.Content != "after restart" {
		t.Fatalf("decrypt after restart: %v %+v", err, msg)
	}

	otherKey, _ := securestore.NewKey()
	if _, err := New(bobKeys, NewFileStore(path, otherKey)); err == nil {
		t.Fatal("expected wrong key to fail")
	}
}
