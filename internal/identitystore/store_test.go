package identitystore

import (
	"context"
	"errors"
	"os"
	"testing"

	"pika-chat/go-core/internal/identity"
	"pika-chat/go-core/internal/keyring"
	"pika-chat/go-core/internal/storage"
	"pika-chat/go-core/internal/testutil/fsperm"
	"pika-chat/go-core/pkg/models"
)

var testRing = keyring.NewMemoryStore()

func TestMain(m *testing.M) {
	if err := keyring.SetDefault(testRing); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func seedChat(t *testing.T, s *Store, keys identity.Keys) string {
	t.Helper()
	ctx := context.Background()
	info, err := s.Groups().CreateSelfGroup()
	if err != nil {
		t.Fatalf("self group: %v", err)
	}
	npub, _ := keys.Npub()
	chatID := identity.ChatIDFromGroup(info.GroupID)
	if _, err := s.Chats().UpsertChat(ctx, storage.ChatRecord{ChatID: chatID, GroupID: info.GroupID, PeerPubkey: keys.Pubkey, PeerNpub: npub}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	if _, err := s.Chats().AppendMessage(ctx, chatID, models.ChatMessage{SenderPubkey: keys.Pubkey, Content: "kept", Timestamp: 1, IsMine: true, Delivery: models.Sent()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	return chatID
}

func TestOpenOrCreatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx := context.Background()
	s, err := OpenOrCreate(ctx, dir, keys)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, s.Dir())
	chatID := seedChat(t, s, keys)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenOrCreate(ctx, dir, keys)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	msgs, err := reopened.Chats().NewestMessages(ctx, chatID, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "kept" {
		t.Fatalf("unexpected messages after reopen: %+v", msgs)
	}
	if len(reopened.Groups().GroupIDs()) != 1 {
		t.Fatal("group state must survive reopen")
	}
}

func TestOpenWithoutKeyIsMissingKey(t *testing.T) {
	dir := t.TempDir()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx := context.Background()
	s, err := OpenOrCreate(ctx, dir, keys)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	if err := testRing.Delete(keyring.ServiceID, dbKeyAccount(keys.Pubkey)); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if _, err := OpenOrCreate(ctx, dir, keys); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestWipeRemovesDataAndKey(t *testing.T) {
	dir := t.TempDir()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx := context.Background()
	s, err := OpenOrCreate(ctx, dir, keys)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seedChat(t, s, keys)
	_ = s.Close()

	if err := Wipe(dir, keys.Pubkey); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if _, err := os.Stat(Dir(dir, keys.Pubkey)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected identity dir removed, got %v", err)
	}
	if _, ok, _ := testRing.Get(keyring.ServiceID, dbKeyAccount(keys.Pubkey)); ok {
		t.Fatal("expected database key removed")
	}

	fresh, err := OpenOrCreate(ctx, dir, keys)
	if err != nil {
		t.Fatalf("open after wipe: %v", err)
	}
	defer fresh.Close()
	chats, err := fresh.Chats().Chats(ctx)
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("expected empty store after wipe, got %d chats", len(chats))
	}
}
