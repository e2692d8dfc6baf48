package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pika-chat/go-core/internal/gateway"
	"pika-chat/go-core/internal/platform/ratelimiter"

	"github.com/nbd-wtf/go-nostr"
)

// workCoordinator runs network work off the actor. Every publish or fetch
// posts exactly one result event back, even when it panics or its context is
// cancelled. Subscriptions post only when they fail to start.
type workCoordinator struct {
	post           func(internalEvent) bool
	wg             sync.WaitGroup
	fetchLimiter   *ratelimiter.MapLimiter
	publishTimeout time.Duration
	fetchTimeout   time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func (w *workCoordinator) spawn(ctx context.Context, operation string, fn func(context.Context) internalEvent, onPanic func(error) internalEvent) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		var evt internalEvent
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("async operation panicked", "component", "work", "operation", operation, "panic", r)
					evt = onPanic(fmt.Errorf("%s: internal error", operation))
				}
			}()
			evt = fn(ctx)
		}()
		if evt != nil {
			w.post(evt)
		}
	}()
}

func (w *workCoordinator) publishMessage(ctx context.Context, gen uint64, gw *gateway.Gateway, chatID, messageID string, evt nostr.Event) {
	fail := func(err error) internalEvent {
		return publishMessageResult{eventBase: eventBase{gen}, chatID: chatID, rumorID: messageID, err: err.Error()}
	}
	w.spawn(ctx, "publish_message", func(ctx context.Context) internalEvent {
		pctx, cancel := context.WithTimeout(ctx, w.publishTimeout)
		defer cancel()
		if err := gw.Publish(pctx, evt); err != nil {
			return fail(err)
		}
		return publishMessageResult{eventBase: eventBase{gen}, chatID: chatID, rumorID: messageID, ok: true}
	}, fail)
}

func (w *workCoordinator) publishKeyPackage(ctx context.Context, gen uint64, gw *gateway.Gateway) {
	fail := func(err error) internalEvent {
		return keyPackagePublished{eventBase: eventBase{gen}, err: err.Error()}
	}
	w.spawn(ctx, "publish_key_package", func(ctx context.Context) internalEvent {
		pctx, cancel := context.WithTimeout(ctx, w.publishTimeout)
		defer cancel()
		if err := gw.PublishKeyPackage(pctx); err != nil {
			return fail(err)
		}
		return keyPackagePublished{eventBase: eventBase{gen}, ok: true}
	}, fail)
}

// fetchKeyPackage is throttled per peer so repeated CreateChat attempts do
// not hammer relays.
func (w *workCoordinator) fetchKeyPackage(ctx context.Context, gen uint64, gw *gateway.Gateway, peerPubkey string) {
	fail := func(err error) internalEvent {
		return peerKeyPackageFetched{eventBase: eventBase{gen}, peerPubkey: peerPubkey, err: err.Error()}
	}
	now := w.now()
	if !w.fetchLimiter.Allow(peerPubkey, now) {
		wait := w.fetchLimiter.RetryAfter(peerPubkey, now).Round(time.Second)
		w.spawn(ctx, "fetch_key_package", func(context.Context) internalEvent {
			return fail(fmt.Errorf("rate limited, retry in %s", wait))
		}, fail)
		return
	}
	w.spawn(ctx, "fetch_key_package", func(ctx context.Context) internalEvent {
		fctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
		defer cancel()
		kp, err := gw.FetchKeyPackage(fctx, peerPubkey)
		if err != nil {
			return fail(err)
		}
		return peerKeyPackageFetched{eventBase: eventBase{gen}, peerPubkey: peerPubkey, keyPackage: kp}
	}, fail)
}

func (w *workCoordinator) publishWelcome(ctx context.Context, gen uint64, gw *gateway.Gateway, chatID string, wrap nostr.Event) {
	fail := func(err error) internalEvent {
		return welcomePublished{eventBase: eventBase{gen}, chatID: chatID, err: err.Error()}
	}
	w.spawn(ctx, "publish_welcome", func(ctx context.Context) internalEvent {
		pctx, cancel := context.WithTimeout(ctx, w.publishTimeout)
		defer cancel()
		if err := gw.Publish(pctx, wrap); err != nil {
			return fail(err)
		}
		return welcomePublished{eventBase: eventBase{gen}, chatID: chatID, ok: true}
	}, fail)
}

func (w *workCoordinator) fetchProfile(ctx context.Context, gen uint64, gw *gateway.Gateway, pubkey string) {
	fail := func(err error) internalEvent {
		return profileFetched{eventBase: eventBase{gen}, pubkey: pubkey, err: err.Error()}
	}
	w.spawn(ctx, "fetch_profile", func(ctx context.Context) internalEvent {
		fctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
		defer cancel()
		evt, err := gw.FetchProfile(fctx, pubkey)
		if err != nil {
			return fail(err)
		}
		return profileFetched{eventBase: eventBase{gen}, pubkey: pubkey, event: evt}
	}, fail)
}

func (w *workCoordinator) publishFollowList(ctx context.Context, gen uint64, gw *gateway.Gateway, pubkeys []string) {
	fail := func(err error) internalEvent {
		return followListPublished{eventBase: eventBase{gen}, err: err.Error()}
	}
	w.spawn(ctx, "publish_follow_list", func(ctx context.Context) internalEvent {
		pctx, cancel := context.WithTimeout(ctx, w.publishTimeout)
		defer cancel()
		if err := gw.PublishFollowList(pctx, pubkeys); err != nil {
			return fail(err)
		}
		return followListPublished{eventBase: eventBase{gen}, ok: true}
	}, fail)
}

// subscribeGiftWraps unwraps inbound gift wraps on the delivery goroutine and
// hands the rumor to the actor. Undecryptable wraps are logged and dropped.
func (w *workCoordinator) subscribeGiftWraps(ctx context.Context, gen uint64, gw *gateway.Gateway) {
	w.spawn(ctx, "subscribe_gift_wraps", func(ctx context.Context) internalEvent {
		err := gw.SubscribeGiftWraps(ctx, func(wrap nostr.Event) {
			rumor, err := gw.UnwrapGiftWrap(wrap)
			if err != nil {
				w.logger.Warn("dropping gift wrap", "component", "work", "event_id", wrap.ID, "reason", err.Error())
				return
			}
			w.post(giftWrapReceived{eventBase: eventBase{gen}, wrapper: wrap, rumor: rumor})
		})
		if err != nil {
			return toastEvent{eventBase: eventBase{gen}, text: "Could not subscribe to invites: " + err.Error()}
		}
		return nil
	}, func(err error) internalEvent { return toastEvent{eventBase: eventBase{gen}, text: err.Error()} })
}

func (w *workCoordinator) subscribeGroups(ctx context.Context, gen uint64, gw *gateway.Gateway, groupIDs [][]byte) {
	w.spawn(ctx, "subscribe_groups", func(ctx context.Context) internalEvent {
		err := gw.SubscribeGroups(ctx, groupIDs, func(evt nostr.Event) {
			w.post(groupMessageReceived{eventBase: eventBase{gen}, event: evt})
		})
		if err != nil {
			return toastEvent{eventBase: eventBase{gen}, text: "Could not subscribe to chats: " + err.Error()}
		}
		return nil
	}, func(err error) internalEvent { return toastEvent{eventBase: eventBase{gen}, text: err.Error()} })
}

func (w *workCoordinator) wait() {
	w.wg.Wait()
}
