package app

import (
	"context"
	"path/filepath"
	"strings"

	"pika-chat/go-core/internal/gateway"
	"pika-chat/go-core/internal/identity"
	"pika-chat/go-core/internal/identitystore"
	"pika-chat/go-core/internal/storage"
	"pika-chat/go-core/pkg/models"
)

const interruptedReason = "interrupted"

func profilePath(dataDir string) string {
	return filepath.Join(dataDir, storage.ProfileFileName)
}

// session is the logged-in identity. Async work spawned under it carries gen
// and is discarded once the session is gone.
type session struct {
	gen    uint64
	keys   identity.Keys
	npub   string
	store  *identitystore.Store
	gw     *gateway.Gateway
	ctx    context.Context
	cancel context.CancelFunc

	groupSubCancel context.CancelFunc
	groupSubKey    string
	// olderExhausted latches once LoadOlderMessages found nothing for the
	// open chat; it resets when a chat is opened.
	olderExhausted bool
}

// openSession opens the identity store of keys and starts its inbound
// subscriptions. The previous session, if any, is closed only after the new
// store opened, so a failure leaves the current session intact.
func (a *App) openSession(keys identity.Keys) (*session, error) {
	npub, err := keys.Npub()
	if err != nil {
		return nil, cryptoError(err)
	}
	store, err := identitystore.OpenOrCreate(a.ctx, a.dataDir, keys)
	if err != nil {
		return nil, storageError(err)
	}
	// A publish cut off by the previous logout or shutdown never reports back.
	failed, err := store.Chats().FailPending(a.ctx, interruptedReason)
	if err != nil {
		_ = store.Close()
		return nil, storageError(err)
	}
	if failed > 0 {
		a.logger.Info("pending messages marked failed", "component", "app", "operation", "open_session", "count", failed)
	}
	a.closeSession()

	a.generation++
	ctx, cancel := context.WithCancel(a.ctx)
	s := &session{
		gen:   a.generation,
		keys:  keys,
		npub:  npub,
		store: store,
		gw: gateway.New(keys, store.Groups(), a.transport, gateway.Options{
			DisableNetwork: a.cfg.DisableNetwork,
			Logger:         a.logger,
			Now:            a.now,
		}),
		ctx:    ctx,
		cancel: cancel,
	}
	a.sess = s
	a.logger.Info("session opened", "component", "app", "operation", "open_session", "pubkey", keys.Pubkey, "offline", s.gw.Offline())

	a.work.publishKeyPackage(s.ctx, s.gen, s.gw)
	a.work.subscribeGiftWraps(s.ctx, s.gen, s.gw)
	a.restartGroupSubscription()
	return s, nil
}

func (a *App) closeSession() {
	s := a.sess
	if s == nil {
		return
	}
	a.sess = nil
	s.cancel()
	if err := s.store.Close(); err != nil {
		a.logger.Warn("close identity store failed", "component", "app", "operation", "close_session", "reason", err.Error())
	}
	clear(a.pendingPeers)
	a.logger.Info("session closed", "component", "app", "operation", "close_session", "pubkey", s.keys.Pubkey)
}

// restartGroupSubscription resubscribes when the set of groups changed.
func (a *App) restartGroupSubscription() {
	s := a.sess
	if s == nil {
		return
	}
	ids := s.gw.GroupIDs()
	tags := make([]string, 0, len(ids))
	for _, id := range ids {
		tags = append(tags, identity.GroupTag(id))
	}
	key := strings.Join(tags, ",")
	if key == s.groupSubKey {
		return
	}
	if s.groupSubCancel != nil {
		s.groupSubCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.groupSubCancel = cancel
	s.groupSubKey = key
	a.work.subscribeGroups(ctx, s.gen, s.gw, ids)
}

// enterLoggedIn replaces every facet with the freshly opened session.
func (a *App) enterLoggedIn(s *session) error {
	list, err := a.loadChatList()
	if err != nil {
		return err
	}
	a.state.Auth = models.AuthState{Kind: models.AuthLoggedIn, Npub: s.npub, Pubkey: s.keys.Pubkey}
	a.state.Router = models.Router{DefaultScreen: models.ChatListScreen(), ScreenStack: []models.Screen{}}
	a.state.ChatList = list
	a.state.CurrentChat = nil
	a.forceFull = true
	a.refreshStaleProfiles()
	return nil
}
