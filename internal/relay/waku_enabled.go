//go:build real_waku

package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"pika-chat/go-core/internal/config"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

const wakuQueryPageSize = 100

// Waku carries nostr events over a go-waku relay node.
type Waku struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	cfg            config.Waku
	bootstrapNodes []string
	logger         *slog.Logger
	closed         bool
}

func NewWaku(cfg config.Waku, reg prometheus.Registerer, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	bootstrap, err := ValidateBootstrapNodes(cfg.BootstrapNodes)
	if err != nil {
		return nil, err
	}
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	opts := []wakuNode.WakuNodeOption{
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	}
	if cfg.EnableStore {
		provider, err := newInMemoryMessageProvider(reg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return nil, err
	}
	if err := node.Start(context.Background()); err != nil {
		return nil, err
	}
	for _, addr := range bootstrap {
		if err := node.DialPeer(context.Background(), addr); err != nil {
			logger.Warn("waku bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
		}
	}
	return &Waku{node: node, cfg: cfg, bootstrapNodes: bootstrap, logger: logger}, nil
}

func (w *Waku) Publish(ctx context.Context, evt nostr.Event) error {
	node, err := w.current()
	if err != nil {
		return err
	}
	payload, err := encodeWakuPayload(evt)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: w.cfg.ContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(w.cfg.PubsubTopic))
	return err
}

func (w *Waku) Subscribe(ctx context.Context, filter nostr.Filter, handler func(nostr.Event)) error {
	node, err := w.current()
	if err != nil {
		return err
	}
	subs, err := node.Relay().Subscribe(ctx, protocol.NewContentFilter(w.cfg.PubsubTopic, w.cfg.ContentTopic))
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-subscription.Ch:
					if !ok {
						return
					}
					if env == nil || env.Message() == nil {
						continue
					}
					evt, err := decodeWakuPayload(env.Message().Payload)
					if err != nil {
						continue
					}
					if filter.Matches(&evt) {
						handler(evt)
					}
				}
			}
		}(sub)
	}
	return nil
}

// QuerySingle walks the store history of the content topic, trying bootstrap
// peers first and then whatever peers go-waku picks.
func (w *Waku) QuerySingle(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	node, err := w.current()
	if err != nil {
		return nil, err
	}
	if !w.cfg.EnableStore {
		return nil, nil
	}
	criteria := legacyStore.Query{
		PubsubTopic:   w.cfg.PubsubTopic,
		ContentTopics: []string{w.cfg.ContentTopic},
	}
	if filter.Since != nil {
		start := filter.Since.Time().UnixNano()
		criteria.StartTime = &start
	}
	baseOpts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, wakuQueryPageSize)}

	w.mu.RLock()
	candidates := append([]string(nil), w.bootstrapNodes...)
	w.mu.RUnlock()

	var result *legacyStore.Result
	var lastErr error
	for _, addr := range append(candidates, "") {
		opts := append([]legacyStore.HistoryRequestOption{}, baseOpts...)
		if addr != "" {
			peerAddr, err := ma.NewMultiaddr(addr)
			if err != nil {
				continue
			}
			opts = append(opts, legacyStore.WithPeerAddr(peerAddr))
		}
		result, err = node.LegacyStore().Query(ctx, criteria, opts...)
		if err == nil {
			break
		}
		lastErr = err
		w.logger.Warn("waku store query failed", "peer_addr", addr, "reason", err.Error())
	}
	if result == nil {
		return nil, lastErr
	}

	var matches []nostr.Event
	for {
		for _, wm := range result.Messages {
			if wm == nil {
				continue
			}
			evt, err := decodeWakuPayload(wm.Payload)
			if err != nil {
				continue
			}
			matches = append(matches, evt)
		}
		if result.IsComplete() {
			break
		}
		result, err = node.LegacyStore().Next(ctx, result)
		if err != nil {
			return nil, err
		}
	}
	return newestMatch(filter, matches), nil
}

func (w *Waku) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.node != nil {
		w.node.Stop()
		w.node = nil
	}
	return nil
}

func (w *Waku) current() (*wakuNode.WakuNode, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || w.node == nil {
		return nil, ErrClosed
	}
	return w.node, nil
}

func newInMemoryMessageProvider(reg prometheus.Registerer) (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	store, err := persistence.NewDBStore(
		reg,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
	if err != nil {
		return nil, errors.Join(errors.New("waku message provider"), err)
	}
	return store, nil
}
