// Package relay moves signed nostr events between peers. Backends differ in
// how they reach other peers; the event model is the same for all of them.
package relay

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrClosed        = errors.New("transport is closed")
	ErrNoRelays      = errors.New("no relays configured")
	ErrPublishFailed = errors.New("publish was not accepted by any relay")
	ErrInvalidEvent  = errors.New("invalid event")
)

// Transport is the capability the messaging gateway consumes.
type Transport interface {
	Publish(ctx context.Context, evt nostr.Event) error
	// Subscribe delivers matching events to handler until ctx is done. It
	// returns once the subscription is registered.
	Subscribe(ctx context.Context, filter nostr.Filter, handler func(nostr.Event)) error
	// QuerySingle returns the newest stored event matching filter, or nil.
	QuerySingle(ctx context.Context, filter nostr.Filter) (*nostr.Event, error)
	Close() error
}

// newestMatch picks the newest event matching filter from candidates.
func newestMatch(filter nostr.Filter, candidates []nostr.Event) *nostr.Event {
	var best *nostr.Event
	for i := range candidates {
		evt := candidates[i]
		if !filter.Matches(&evt) {
			continue
		}
		if best == nil || evt.CreatedAt > best.CreatedAt {
			picked := evt
			best = &picked
		}
	}
	return best
}
