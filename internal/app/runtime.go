package app

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"pika-chat/go-core/internal/platform/privacylog"
	"pika-chat/go-core/pkg/models"
)

// mailbox is an unbounded FIFO. Producers never block; one consumer drains it
// in batches after each wake.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{wake: make(chan struct{}, 1)}
}

// push reports false once the mailbox is closed.
func (m *mailbox[T]) push(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()
	m.signal()
	return true
}

// drain takes every queued item. When closed is true no further items will
// ever arrive.
func (m *mailbox[T]) drain() (items []T, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items = m.items
	m.items = nil
	return items, m.closed
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Listener receives every update emitted after it was attached, starting
// with a full snapshot.
type Listener interface {
	Reconcile(update models.AppUpdate)
}

type ListenerFunc func(models.AppUpdate)

func (f ListenerFunc) Reconcile(update models.AppUpdate) { f(update) }

// listenerSink paces one listener on its own goroutine so a slow listener
// never stalls the actor or other listeners. Nothing is dropped.
type listenerSink struct {
	listener Listener
	box      *mailbox[models.AppUpdate]
	logger   *slog.Logger
	done     chan struct{}
}

func newListenerSink(l Listener, logger *slog.Logger) *listenerSink {
	s := &listenerSink{
		listener: l,
		box:      newMailbox[models.AppUpdate](),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *listenerSink) push(u models.AppUpdate) {
	s.box.push(u)
}

func (s *listenerSink) stop() {
	s.box.close()
}

func (s *listenerSink) run() {
	defer close(s.done)
	for range s.box.wake {
		items, closed := s.box.drain()
		for _, u := range items {
			s.deliver(u)
		}
		if closed {
			return
		}
	}
}

func (s *listenerSink) deliver(u models.AppUpdate) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked", "component", "app", "operation", "reconcile", "rev", u.Rev, "panic", r)
		}
	}()
	s.listener.Reconcile(u)
}

// DefaultLogger writes JSON to stderr through the privacy sanitizer. Stdout
// is left to hosts that stream updates there.
func DefaultLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, opts)))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
