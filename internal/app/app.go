package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"pika-chat/go-core/internal/config"
	"pika-chat/go-core/internal/platform/ratelimiter"
	"pika-chat/go-core/internal/relay"
	"pika-chat/go-core/internal/storage"
	"pika-chat/go-core/pkg/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultPageSize = 50

type Option func(*App)

// WithLogger replaces the default JSON logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithTransport injects the transport instead of building one from config.
// The network must still be enabled in config for it to be used. The caller
// keeps ownership and closes it.
func WithTransport(t relay.Transport) Option {
	return func(a *App) { a.transport = t }
}

func WithClock(now func() time.Time) Option {
	return func(a *App) {
		if now != nil {
			a.now = now
		}
	}
}

// coreMsg is one queue item: an action, an internal event, a state request
// or a listener registration.
type coreMsg struct {
	action     *models.AppAction
	event      internalEvent
	stateReply chan models.AppState
	listener   *listenerSink
}

type facet uint8

const (
	facetRouter facet = 1 << iota
	facetAuth
	facetChatList
	facetCurrentChat
	facetToast
)

// App is the reconciliation actor. It is the only writer of AppState; every
// mutation happens on its loop goroutine.
type App struct {
	dataDir       string
	cfg           config.Config
	logger        *slog.Logger
	metrics       *Metrics
	transport     relay.Transport
	ownsTransport bool
	profiles      *storage.ProfileCache
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mbox   *mailbox[coreMsg]
	done   chan struct{}
	work   *workCoordinator

	closeOnce  sync.Once
	finalMu    sync.Mutex
	final      *models.AppState
	finalReady chan struct{}

	// Loop-owned fields below.
	state        models.AppState
	dirty        facet
	forceFull    bool
	listeners    []*listenerSink
	sess         *session
	generation   uint64
	profileMap   map[string]storage.Profile
	lastChecked  map[string]time.Time
	pendingPeers map[string]struct{}
}

// New loads configuration from dataDir, opens the profile cache and starts
// the actor loop. A malformed config file is logged and defaults are used.
func New(dataDir string, opts ...Option) (*App, error) {
	cfg, cfgErr := config.Load(dataDir)
	a := &App{
		dataDir:      dataDir,
		cfg:          cfg,
		metrics:      NewMetrics(),
		now:          time.Now,
		mbox:         newMailbox[coreMsg](),
		done:         make(chan struct{}),
		finalReady:   make(chan struct{}),
		state:        models.NewAppState(),
		profileMap:   map[string]storage.Profile{},
		lastChecked:  map[string]time.Time{},
		pendingPeers: map[string]struct{}{},
	}
	a.logger = DefaultLogger(cfg.LogLevel)
	for _, opt := range opts {
		opt(a)
	}
	if cfgErr != nil {
		a.logger.Warn("config load failed, using defaults", "component", "app", "operation", "load_config", "reason", cfgErr.Error())
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if a.cfg.DisableNetwork {
		a.transport = nil
	} else if a.transport == nil {
		t, err := buildTransport(a.cfg, a.metrics.Registry(), a.logger)
		if err != nil {
			a.cancel()
			return nil, fmt.Errorf("transport %s: %w", a.cfg.Transport, err)
		}
		a.transport = t
		a.ownsTransport = true
	}

	profiles, err := storage.OpenProfileCache(a.ctx, profilePath(dataDir))
	if err != nil {
		a.cancel()
		if a.ownsTransport {
			_ = a.transport.Close()
		}
		return nil, fmt.Errorf("open profile cache: %w", err)
	}
	a.profiles = profiles
	if warmed, err := profiles.LoadAll(a.ctx); err != nil {
		a.logger.Warn("profile cache warmup failed", "component", "app", "operation", "load_profiles", "reason", err.Error())
	} else {
		a.profileMap = warmed
	}

	a.work = &workCoordinator{
		post:           a.post,
		fetchLimiter:   ratelimiter.New(a.cfg.KeyPackageFetchRPS, a.cfg.KeyPackageFetchBurst, 10*time.Minute),
		publishTimeout: a.cfg.PublishTimeout,
		fetchTimeout:   a.cfg.FetchTimeout,
		logger:         a.logger,
		now:            a.now,
	}
	go a.run()
	return a, nil
}

func buildTransport(cfg config.Config, reg prometheus.Registerer, logger *slog.Logger) (relay.Transport, error) {
	switch cfg.Transport {
	case config.TransportBus:
		return relay.SharedBus(), nil
	case config.TransportWaku:
		return relay.NewWaku(cfg.Waku, reg, logger)
	default:
		relays := append(append([]string(nil), cfg.Relays...), cfg.KeyPackageRelays...)
		return relay.NewPool(relays, logger)
	}
}

// Dispatch enqueues an action. It never blocks.
func (a *App) Dispatch(action models.AppAction) {
	if !a.mbox.push(coreMsg{action: &action}) {
		a.logger.Debug("dispatch after close ignored", "component", "app", "kind", string(action.Kind))
	}
}

// State returns a snapshot taken after everything queued before the call
// has been processed.
func (a *App) State() models.AppState {
	reply := make(chan models.AppState, 1)
	if a.mbox.push(coreMsg{stateReply: reply}) {
		select {
		case s := <-reply:
			return s
		case <-a.finalReady:
		}
	}
	<-a.finalReady
	a.finalMu.Lock()
	defer a.finalMu.Unlock()
	return a.final.Clone()
}

// ListenForUpdates attaches l. It first receives FullState of the state at
// the point it was attached, then every later update in order.
func (a *App) ListenForUpdates(l Listener) {
	if l == nil {
		return
	}
	sink := newListenerSink(l, a.logger)
	if !a.mbox.push(coreMsg{listener: sink}) {
		sink.stop()
	}
}

// MetricsRegistry exposes the actor's prometheus registry to hosts.
func (a *App) MetricsRegistry() *prometheus.Registry {
	return a.metrics.Registry()
}

// Close stops the loop, cancels in-flight work and closes the stores.
// Listeners receive everything emitted before Close.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.mbox.close()
		<-a.done
		a.cancel()
		a.work.wait()
	})
	return nil
}

func (a *App) post(evt internalEvent) bool {
	return a.mbox.push(coreMsg{event: evt})
}

func (a *App) run() {
	defer close(a.done)
	for range a.mbox.wake {
		items, closed := a.mbox.drain()
		a.metrics.SetQueueDepth(len(items))
		for _, msg := range items {
			a.process(msg)
		}
		if closed {
			a.shutdown()
			return
		}
	}
}

func (a *App) shutdown() {
	a.closeSession()
	if a.profiles != nil {
		if err := a.profiles.Close(); err != nil {
			a.logger.Warn("close profile cache failed", "component", "app", "reason", err.Error())
		}
	}
	if a.ownsTransport {
		if err := a.transport.Close(); err != nil {
			a.logger.Warn("close transport failed", "component", "app", "reason", err.Error())
		}
	}
	final := a.state.Clone()
	a.finalMu.Lock()
	a.final = &final
	a.finalMu.Unlock()
	close(a.finalReady)
	for _, l := range a.listeners {
		l.stop()
	}
	for _, l := range a.listeners {
		<-l.done
	}
}

func (a *App) process(msg coreMsg) {
	switch {
	case msg.stateReply != nil:
		msg.stateReply <- a.state.Clone()
	case msg.listener != nil:
		msg.listener.push(models.FullStateUpdate(a.state))
		a.listeners = append(a.listeners, msg.listener)
		a.metrics.SetListeners(len(a.listeners))
	case msg.action != nil:
		a.metrics.RecordAction(string(msg.action.Kind))
		a.runItem(string(msg.action.Kind), func() error { return a.handleAction(*msg.action) })
	case msg.event != nil:
		stale := a.isStale(msg.event)
		a.metrics.RecordInternal(msg.event.kind(), stale)
		if stale {
			return
		}
		a.runItem(msg.event.kind(), func() error { return a.handleEvent(msg.event) })
	}
}

// runItem handles one queue item to completion. A failure or panic is
// contained to the item and surfaces as a toast.
func (a *App) runItem(operation string, fn func() error) {
	started := time.Now()
	correlationID := uuid.NewString()
	defer a.metrics.RecordOp(operation, started)
	defer a.flush()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("handler panicked", "component", "app", "operation", operation, "correlation_id", correlationID, "panic", r)
				err = apiError("internal error while handling %s", operation)
			}
		}()
		return fn()
	}()
	if err != nil {
		a.fail(operation, correlationID, err)
	}
}

func (a *App) fail(operation, correlationID string, err error) {
	category := errorCategory(err)
	a.metrics.RecordError(category)
	a.logger.Warn("operation failed", "component", "app", "operation", operation, "correlation_id", correlationID, "category", category, "reason", err.Error())
	a.setToast(err.Error())
}

func (a *App) isStale(evt internalEvent) bool {
	return a.sess == nil || evt.generation() != a.sess.gen
}

func (a *App) mark(f facet) {
	a.dirty |= f
}

// flush emits what the current item changed: one facet yields its own
// update, several yield FullState.
func (a *App) flush() {
	dirty := a.dirty
	force := a.forceFull
	a.dirty = 0
	a.forceFull = false
	if dirty == 0 && !force {
		return
	}
	a.state.Rev++
	if force || bits.OnesCount8(uint8(dirty)) > 1 {
		a.broadcast(models.FullStateUpdate(a.state))
		return
	}
	u := models.AppUpdate{Rev: a.state.Rev}
	switch dirty {
	case facetRouter:
		router := a.state.Router.Clone()
		u.Kind, u.Router = models.UpdateRouterChanged, &router
	case facetAuth:
		auth := a.state.Auth
		u.Kind, u.Auth = models.UpdateAuthChanged, &auth
	case facetChatList:
		u.Kind, u.ChatList = models.UpdateChatListChanged, models.CloneChatList(a.state.ChatList)
	case facetCurrentChat:
		u.Kind, u.CurrentChat = models.UpdateCurrentChatChanged, a.state.CurrentChat.Clone()
	case facetToast:
		u.Kind = models.UpdateToastChanged
		if a.state.Toast != nil {
			toast := *a.state.Toast
			u.Toast = &toast
		}
	}
	a.broadcast(u)
}

// emitNow sends u immediately with the next revision, ahead of whatever
// the current item flushes.
func (a *App) emitNow(build func(rev uint64) models.AppUpdate) {
	a.state.Rev++
	a.broadcast(build(a.state.Rev))
}

func (a *App) broadcast(u models.AppUpdate) {
	a.metrics.RecordUpdate(string(u.Kind))
	for _, l := range a.listeners {
		l.push(u)
	}
}

func (a *App) setToast(text string) {
	if a.state.Toast != nil && *a.state.Toast == text {
		return
	}
	a.state.Toast = models.StringPtr(text)
	a.mark(facetToast)
}

func (a *App) requireSession() (*session, error) {
	if a.sess == nil {
		return nil, apiError("not logged in")
	}
	return a.sess, nil
}
