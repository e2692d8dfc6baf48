package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"pika-chat/go-core/internal/securestore"
	"pika-chat/go-core/pkg/models"
)

func newTestChatStore(t *testing.T) (*ChatStore, string, []byte) {
	t.Helper()
	key, err := securestore.NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "chats.sqlite3")
	s, err := OpenChatStore(context.Background(), path, key)
	if err != nil {
		t.Fatalf("open chat store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path, key
}

func addChat(t *testing.T, s *ChatStore, chatID string) {
	t.Helper()
	if _, err := s.UpsertChat(context.Background(), ChatRecord{
		ChatID:     chatID,
		GroupID:    []byte(chatID),
		PeerPubkey: "peer-" + chatID,
		PeerNpub:   "npub-" + chatID,
	}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
}

func TestPaginationWalksHistoryInPages(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestChatStore(t)
	addChat(t, s, "c1")

	for i := 0; i < 81; i++ {
		if _, err := s.AppendMessage(ctx, "c1", models.ChatMessage{
			SenderPubkey: "me",
			Content:      fmt.Sprintf("m%d", i),
			Timestamp:    1700000000,
			IsMine:       true,
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	page, err := s.NewestMessages(ctx, "c1", 50)
	if err != nil {
		t.Fatalf("newest: %v", err)
	}
	if len(page) != 50 || page[0].Content != "m31" || page[49].Content != "m80" {
		t.Fatalf("unexpected newest page: len=%d first=%q last=%q", len(page), page[0].Content, page[len(page)-1].Content)
	}

	cur := Cursor{Timestamp: page[0].Timestamp, ID: page[0].ID}
	older, err := s.HasOlder(ctx, "c1", cur)
	if err != nil || !older {
		t.Fatalf("expected older rows: %v %v", older, err)
	}
	page2, err := s.MessagesBefore(ctx, "c1", cur, 30)
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	if len(page2) != 30 || page2[0].Content != "m1" || page2[29].Content != "m30" {
		t.Fatalf("unexpected second page: len=%d", len(page2))
	}

	cur = Cursor{Timestamp: page2[0].Timestamp, ID: page2[0].ID}
	page3, err := s.MessagesBefore(ctx, "c1", cur, 30)
	if err != nil || len(page3) != 1 || page3[0].Content != "m0" {
		t.Fatalf("unexpected last page: %v %v", page3, err)
	}
	cur = Cursor{Timestamp: page3[0].Timestamp, ID: page3[0].ID}
	if older, _ := s.HasOlder(ctx, "c1", cur); older {
		t.Fatal("expected no rows older than the first message")
	}
	if rest, _ := s.MessagesBefore(ctx, "c1", cur, 30); len(rest) != 0 {
		t.Fatalf("expected empty page, got %d", len(rest))
	}
}

func TestMessageCursorAndTimestampOrdering(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestChatStore(t)
	addChat(t, s, "c1")

	late, _ := s.AppendMessage(ctx, "c1", models.ChatMessage{ID: "a", Content: "late", Timestamp: 20})
	early, _ := s.AppendMessage(ctx, "c1", models.ChatMessage{ID: "z", Content: "early", Timestamp: 10})

	msgs, err := s.NewestMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("newest: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != early || msgs[1].ID != late {
		t.Fatalf("timestamp must dominate id ordering: %+v", msgs)
	}
	cur, ok, err := s.MessageCursor(ctx, "c1", late)
	if err != nil || !ok || cur.Timestamp != 20 {
		t.Fatalf("cursor: %+v %v %v", cur, ok, err)
	}
	if _, ok, _ := s.MessageCursor(ctx, "other", late); ok {
		t.Fatal("cursor must be scoped to its chat")
	}
}

func TestAppendMessageIDConflict(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestChatStore(t)
	addChat(t, s, "c1")

	msg := models.ChatMessage{ID: "m1", SenderPubkey: "p", Content: "hi", Timestamp: 1}
	if _, err := s.AppendMessage(ctx, "c1", msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "c1", msg); err != nil {
		t.Fatalf("identical re-append must be a no-op: %v", err)
	}
	msg.Content = "other"
	if _, err := s.AppendMessage(ctx, "c1", msg); !errors.Is(err, ErrMessageIDConflict) {
		t.Fatalf("expected ErrMessageIDConflict, got %v", err)
	}
	if _, err := s.AppendMessage(ctx, "missing", models.ChatMessage{Content: "x"}); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
}

func TestDeliveryTransitions(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestChatStore(t)
	addChat(t, s, "c1")
	id, _ := s.AppendMessage(ctx, "c1", models.ChatMessage{Content: "x", Timestamp: 1, IsMine: true})

	changed, err := s.UpdateDelivery(ctx, id, models.Sent())
	if err != nil || !changed {
		t.Fatalf("pending->sent: %v %v", changed, err)
	}
	changed, _ = s.UpdateDelivery(ctx, id, models.Failed("late error"))
	if changed {
		t.Fatal("sent must be terminal")
	}
	changed, _ = s.UpdateDelivery(ctx, id, models.Pending())
	if changed {
		t.Fatal("sent must not regress to pending")
	}
	msgs, _ := s.NewestMessages(ctx, "c1", 1)
	if msgs[0].Delivery.Kind != models.DeliverySent || msgs[0].Delivery.Reason != "" {
		t.Fatalf("unexpected delivery: %+v", msgs[0].Delivery)
	}
	if changed, err := s.UpdateDelivery(ctx, "unknown", models.Sent()); err != nil || changed {
		t.Fatalf("unknown message: %v %v", changed, err)
	}
}

func TestFailPendingLeavesSettledMessages(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestChatStore(t)
	addChat(t, s, "c1")
	pending, _ := s.AppendMessage(ctx, "c1", models.ChatMessage{Content: "a", Timestamp: 1, IsMine: true, Delivery: models.Pending()})
	sent, _ := s.AppendMessage(ctx, "c1", models.ChatMessage{Content: "b", Timestamp: 2, IsMine: true, Delivery: models.Sent()})

	n, err := s.FailPending(ctx, "interrupted")
	if err != nil || n != 1 {
		t.Fatalf("fail pending: n=%d err=%v", n, err)
	}
	msgs, _ := s.NewestMessages(ctx, "c1", 10)
	for _, m := range msgs {
		switch m.ID {
		case pending:
			if m.Delivery != models.Failed("interrupted") {
				t.Fatalf("pending message: %+v", m.Delivery)
			}
		case sent:
			if m.Delivery.Kind != models.DeliverySent {
				t.Fatalf("sent message changed: %+v", m.Delivery)
			}
		}
	}
	if n, _ := s.FailPending(ctx, "interrupted"); n != 0 {
		t.Fatalf("second sweep changed %d rows", n)
	}
}

func TestListChatsSummarizesLastMessage(t *testing.T) {
	ctx := context.Background()
	s, path, key := newTestChatStore(t)
	addChat(t, s, "c1")
	addChat(t, s, "c2")
	_, _ = s.AppendMessage(ctx, "c1", models.ChatMessage{Content: "first", Timestamp: 5})
	_, _ = s.AppendMessage(ctx, "c1", models.ChatMessage{Content: "second", Timestamp: 6})
	if err := s.IncrementUnread(ctx, "c1"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	_ = s.Close()

	reopened, err := OpenChatStore(ctx, path, key)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	list, err := reopened.ListChats(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(list))
	}
	var c1 models.ChatSummary
	for _, item := range list {
		if item.ChatID == "c1" {
			c1 = item
		}
	}
	if c1.LastMessage == nil || *c1.LastMessage != "second" || c1.LastMessageAt == nil || *c1.LastMessageAt != 6 {
		t.Fatalf("unexpected summary: %+v", c1)
	}
	if c1.UnreadCount != 1 {
		t.Fatalf("expected unread=1, got %d", c1.UnreadCount)
	}
	if err := reopened.ResetUnread(ctx, "c1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestChatStoreRejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	s, path, _ := newTestChatStore(t)
	addChat(t, s, "c1")
	_, _ = s.AppendMessage(ctx, "c1", models.ChatMessage{Content: "secret", Timestamp: 1})
	_ = s.Close()

	other, _ := securestore.NewKey()
	reopened, err := OpenChatStore(ctx, path, other)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.NewestMessages(ctx, "c1", 10); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed with wrong key, got %v", err)
	}
}

func TestFollows(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestChatStore(t)
	for _, pk := range []string{"a", "b", "a"} {
		if err := s.Follow(ctx, pk); err != nil {
			t.Fatalf("follow: %v", err)
		}
	}
	if err := s.Unfollow(ctx, "a"); err != nil {
		t.Fatalf("unfollow: %v", err)
	}
	got, err := s.Follows(ctx)
	if err != nil || len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected follows: %v %v", got, err)
	}
}
