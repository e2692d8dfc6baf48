package gateway

import (
	"bytes"
	"context"
	"testing"
	"time"

	"pika-chat/go-core/internal/groupengine"
	"pika-chat/go-core/internal/identity"
	"pika-chat/go-core/internal/relay"

	"github.com/nbd-wtf/go-nostr"
)

func newTestGateway(t *testing.T, transport relay.Transport, offline bool) (*Gateway, identity.Keys) {
	t.Helper()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	engine, err := groupengine.New(keys, groupengine.NewInMemoryStore())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return New(keys, engine, transport, Options{DisableNetwork: offline}), keys
}

func receiveOne(t *testing.T, ch <-chan nostr.Event) nostr.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nostr.Event{}
}

func TestGatewayGroupFlowOverBus(t *testing.T) {
	bus := relay.NewBus(64)
	alice, aliceKeys := newTestGateway(t, bus, false)
	bob, _ := newTestGateway(t, bus, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wraps := make(chan nostr.Event, 4)
	if err := bob.SubscribeGiftWraps(ctx, func(evt nostr.Event) { wraps <- evt }); err != nil {
		t.Fatalf("subscribe wraps: %v", err)
	}
	if err := bob.PublishKeyPackage(ctx); err != nil {
		t.Fatalf("publish key package: %v", err)
	}
	kp, err := alice.FetchKeyPackage(ctx, bob.Pubkey())
	if err != nil || kp == nil {
		t.Fatalf("fetch key package: %v %v", kp, err)
	}
	info, welcome, err := alice.FormGroup(*kp)
	if err != nil {
		t.Fatalf("form group: %v", err)
	}
	if err := alice.Publish(ctx, welcome); err != nil {
		t.Fatalf("publish welcome: %v", err)
	}

	wrap := receiveOne(t, wraps)
	rumor, err := bob.UnwrapGiftWrap(wrap)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if rumor.PubKey != aliceKeys.Pubkey {
		t.Fatalf("welcome author mismatch: %s", rumor.PubKey)
	}
	joined, err := bob.AcceptWelcome(rumor)
	if err != nil {
		t.Fatalf("accept welcome: %v", err)
	}
	if !bytes.Equal(joined.GroupID, info.GroupID) {
		t.Fatal("joined a different group")
	}

	msgs := make(chan nostr.Event, 4)
	if err := bob.SubscribeGroups(ctx, bob.GroupIDs(), func(evt nostr.Event) { msgs <- evt }); err != nil {
		t.Fatalf("subscribe groups: %v", err)
	}
	evt, err := alice.EncryptMessage(info.GroupID, "msg-1", "hello bob", 1700000000)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := alice.Publish(ctx, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := bob.DecryptGroupMessage(receiveOne(t, msgs))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got.Message.ID != "msg-1" || got.Message.Content != "hello bob" || got.Message.Sender != aliceKeys.Pubkey {
		t.Fatalf("unexpected message: %+v", got.Message)
	}
}

func TestGatewayOfflineSkipsTransport(t *testing.T) {
	bus := relay.NewBus(8)
	gw, keys := newTestGateway(t, bus, true)
	ctx := context.Background()

	if !gw.Offline() {
		t.Fatal("expected offline gateway")
	}
	if err := gw.PublishKeyPackage(ctx); err != nil {
		t.Fatalf("publish offline: %v", err)
	}
	if err := gw.PublishFollowList(ctx, []string{keys.Pubkey}); err != nil {
		t.Fatalf("follow list offline: %v", err)
	}
	if bus.Len() != 0 {
		t.Fatalf("offline gateway must not touch the transport, bus has %d events", bus.Len())
	}
	kp, err := gw.FetchKeyPackage(ctx, keys.Pubkey)
	if err != nil || kp != nil {
		t.Fatalf("expected no key package offline, got %v %v", kp, err)
	}
	profile, err := gw.FetchProfile(ctx, keys.Pubkey)
	if err != nil || profile != nil {
		t.Fatalf("expected no profile offline, got %v %v", profile, err)
	}
	if err := gw.SubscribeGiftWraps(ctx, func(nostr.Event) {}); err != nil {
		t.Fatalf("subscribe offline: %v", err)
	}
}

func TestPublishFollowListDeduplicates(t *testing.T) {
	bus := relay.NewBus(8)
	gw, keys := newTestGateway(t, bus, false)
	ctx := context.Background()
	if err := gw.PublishFollowList(ctx, []string{"bb", "aa", "bb"}); err != nil {
		t.Fatalf("publish follow list: %v", err)
	}
	evt, err := bus.QuerySingle(ctx, nostr.Filter{Kinds: []int{KindContactList}, Authors: []string{keys.Pubkey}})
	if err != nil || evt == nil {
		t.Fatalf("query: %v %v", evt, err)
	}
	if len(evt.Tags) != 2 || evt.Tags[0][1] != "aa" || evt.Tags[1][1] != "bb" {
		t.Fatalf("unexpected tags: %v", evt.Tags)
	}
}

func TestUnwrapRejectsOtherKinds(t *testing.T) {
	gw, _ := newTestGateway(t, nil, true)
	if _, err := gw.UnwrapGiftWrap(nostr.Event{Kind: 1}); err == nil {
		t.Fatal("expected error for non gift wrap")
	}
}
