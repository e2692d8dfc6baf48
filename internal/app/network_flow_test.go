package app

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"pika-chat/go-core/internal/config"
	"pika-chat/go-core/internal/groupengine"
	"pika-chat/go-core/internal/relay"
	"pika-chat/go-core/pkg/models"
)

func newBusApp(t *testing.T, bus *relay.Bus) *App {
	t.Helper()
	dir := t.TempDir()
	if err := config.Write(dir, false); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(dir, WithLogger(quietLogger()), WithTransport(bus))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func waitForBus(t *testing.T, bus *relay.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for bus.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("bus has %d events, want %d", bus.Len(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTwoPeersExchangeMessagesOverBus(t *testing.T) {
	bus := relay.NewBus(1024)
	t.Cleanup(func() { _ = bus.Close() })
	alice := newBusApp(t, bus)
	bob := newBusApp(t, bus)

	createAccount(t, alice)
	bobState := createAccount(t, bob)
	// One key package per account.
	waitForBus(t, bus, 2)

	alice.Dispatch(models.CreateChat(bobState.Auth.Npub))
	s := waitFor(t, alice, "alice chat", func(s models.AppState) bool { return len(s.ChatList) == 1 })
	chatID := s.ChatList[0].ChatID
	if s.ChatList[0].PeerNpub != bobState.Auth.Npub {
		t.Fatalf("peer npub=%s want %s", s.ChatList[0].PeerNpub, bobState.Auth.Npub)
	}
	if n := len(s.Router.ScreenStack); n == 0 || s.Router.ScreenStack[n-1] != models.ChatScreen(chatID) {
		t.Fatalf("chat screen not pushed: %+v", s.Router.ScreenStack)
	}

	waitFor(t, bob, "bob joins", func(s models.AppState) bool {
		return len(s.ChatList) == 1 && s.ChatList[0].ChatID == chatID
	})

	alice.Dispatch(models.OpenChat(chatID))
	alice.Dispatch(models.SendMessage(chatID, "hi bob"))
	waitFor(t, alice, "alice sent", func(s models.AppState) bool {
		m, ok := findMessage(s.CurrentChat, "hi bob")
		return ok && m.Delivery.Kind == models.DeliverySent
	})

	s = waitFor(t, bob, "bob receives", func(s models.AppState) bool {
		return len(s.ChatList) == 1 && s.ChatList[0].LastMessage != nil && *s.ChatList[0].LastMessage == "hi bob"
	})
	if s.ChatList[0].UnreadCount != 1 {
		t.Fatalf("unread=%d want 1", s.ChatList[0].UnreadCount)
	}

	bob.Dispatch(models.OpenChat(chatID))
	s = bob.State()
	m, ok := findMessage(s.CurrentChat, "hi bob")
	if !ok || m.IsMine || m.Delivery.Kind != models.DeliverySent {
		t.Fatalf("bob view=%+v", s.CurrentChat)
	}
	if s.ChatList[0].UnreadCount != 0 {
		t.Fatalf("opening the chat must reset unread, got %d", s.ChatList[0].UnreadCount)
	}

	bob.Dispatch(models.SendMessage(chatID, "hi alice"))
	waitFor(t, alice, "alice receives reply", func(s models.AppState) bool {
		m, ok := findMessage(s.CurrentChat, "hi alice")
		return ok && !m.IsMine
	})

	before := bus.Len()
	alice.Dispatch(models.FollowPeer(bobState.Auth.Npub))
	waitForBus(t, bus, before+1)
	if s := alice.State(); s.Toast != nil {
		t.Fatalf("follow raised toast: %s", *s.Toast)
	}
}

func TestResultsOfPreviousSessionAreDropped(t *testing.T) {
	a := newOfflineApp(t, t.TempDir())
	createAccount(t, a)
	old := a.State()
	a.Dispatch(models.Logout())
	a.State()

	a.post(toastEvent{eventBase: eventBase{gen: 1}, text: "late"})
	s := a.State()
	if s.Toast != nil {
		t.Fatalf("stale event reached state: %s", *s.Toast)
	}
	if s.Rev != old.Rev+1 {
		t.Fatalf("rev=%d want %d", s.Rev, old.Rev+1)
	}
}

// stallingTransport holds group message publishes until their context ends.
type stallingTransport struct {
	*relay.Bus
	stalled chan struct{}
}

func (s *stallingTransport) Publish(ctx context.Context, evt nostr.Event) error {
	if evt.Kind != groupengine.KindGroupMessage {
		return s.Bus.Publish(ctx, evt)
	}
	s.stalled <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestInterruptedSendIsFailedOnNextLogin(t *testing.T) {
	bus := relay.NewBus(64)
	t.Cleanup(func() { _ = bus.Close() })
	tr := &stallingTransport{Bus: bus, stalled: make(chan struct{}, 1)}
	dir := t.TempDir()
	if err := config.Write(dir, false); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(dir, WithLogger(quietLogger()), WithTransport(tr))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	rec := &recorder{}
	a.ListenForUpdates(rec)

	createAccount(t, a)
	chatID := createSelfChat(t, a)
	a.Dispatch(models.SendMessage(chatID, "hello"))
	select {
	case <-tr.stalled:
	case <-time.After(5 * time.Second):
		t.Fatal("publish never started")
	}
	created, ok := rec.accountCreated()
	if !ok {
		t.Fatal("no account_created update")
	}

	a.Dispatch(models.Logout())
	a.Dispatch(models.RestoreSession(created.Nsec))
	waitFor(t, a, "restored login", func(s models.AppState) bool { return s.Auth.LoggedIn() })
	a.Dispatch(models.OpenChat(chatID))
	s := a.State()
	m, ok := findMessage(s.CurrentChat, "hello")
	if !ok {
		t.Fatalf("message missing after restore: %+v", s.CurrentChat)
	}
	if m.Delivery != models.Failed(interruptedReason) {
		t.Fatalf("delivery=%+v want failed(%s)", m.Delivery, interruptedReason)
	}
}
