package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
)

// Pool reaches public relays through a go-nostr SimplePool.
type Pool struct {
	pool   *nostr.SimplePool
	relays []string
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewPool(relays []string, logger *slog.Logger) (*Pool, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		pool:   nostr.NewSimplePool(ctx),
		relays: append([]string(nil), relays...),
		cancel: cancel,
		logger: logger,
	}, nil
}

// Publish succeeds when at least one relay accepted the event.
func (p *Pool) Publish(ctx context.Context, evt nostr.Event) error {
	accepted := 0
	var lastErr error
	for res := range p.pool.PublishMany(ctx, p.relays, evt) {
		if res.Error == nil {
			accepted++
			continue
		}
		lastErr = res.Error
		p.logger.Debug("relay rejected event", "relay", res.RelayURL, "event_id", evt.ID, "reason", res.Error.Error())
	}
	if accepted == 0 {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrPublishFailed, lastErr)
	}
	return nil
}

func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter, handler func(nostr.Event)) error {
	events := p.pool.SubscribeMany(ctx, p.relays, filter)
	go func() {
		for re := range events {
			if re.Event == nil {
				continue
			}
			handler(*re.Event)
		}
	}()
	return nil
}

func (p *Pool) QuerySingle(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	re := p.pool.QuerySingle(ctx, p.relays, filter)
	if re == nil || re.Event == nil {
		if err := ctx.Err(); err != nil && err != context.DeadlineExceeded {
			return nil, err
		}
		return nil, nil
	}
	evt := *re.Event
	return &evt, nil
}

func (p *Pool) Close() error {
	p.cancel()
	return nil
}
