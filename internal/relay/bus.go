package relay

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

const defaultBusHistory = 4096

type busSubscriber struct {
	filter  nostr.Filter
	handler func(nostr.Event)
}

// Bus is an in-process relay. Every published event is retained (bounded)
// so late subscribers and QuerySingle see what was published before them.
type Bus struct {
	mu      sync.Mutex
	closed  bool
	limit   int
	history []nostr.Event
	seen    map[string]struct{}
	subs    map[int]busSubscriber
	nextSub int
}

var (
	sharedBusOnce sync.Once
	sharedBus     *Bus
)

// SharedBus returns the process-wide bus used when the bus transport is
// selected by configuration.
func SharedBus() *Bus {
	sharedBusOnce.Do(func() {
		sharedBus = NewBus(defaultBusHistory)
	})
	return sharedBus
}

func NewBus(limit int) *Bus {
	if limit < 1 {
		limit = defaultBusHistory
	}
	return &Bus{
		limit: limit,
		seen:  make(map[string]struct{}),
		subs:  make(map[int]busSubscriber),
	}
}

func (b *Bus) Publish(ctx context.Context, evt nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.ID == "" {
		return ErrInvalidEvent
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, dup := b.seen[evt.ID]; dup {
		b.mu.Unlock()
		return nil
	}
	b.seen[evt.ID] = struct{}{}
	b.history = append(b.history, evt)
	if len(b.history) > b.limit {
		drop := b.history[0]
		delete(b.seen, drop.ID)
		b.history = append([]nostr.Event(nil), b.history[1:]...)
	}
	targets := make([]busSubscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(&evt) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		go sub.handler(evt)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, filter nostr.Filter, handler func(nostr.Event)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = busSubscriber{filter: filter, handler: handler}
	pending := make([]nostr.Event, 0)
	for _, evt := range b.history {
		if filter.Matches(&evt) {
			pending = append(pending, evt)
		}
	}
	b.mu.Unlock()

	go func() {
		for _, evt := range pending {
			if ctx.Err() != nil {
				break
			}
			handler(evt)
		}
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *Bus) QuerySingle(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return newestMatch(filter, b.history), nil
}

// Close is a no-op for the shared bus so one app shutting down does not cut
// off others in the same process.
func (b *Bus) Close() error {
	if b == sharedBus {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]busSubscriber)
	return nil
}

// Len reports how many events the bus retains.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}
