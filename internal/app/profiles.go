package app

import (
	"fmt"

	"pika-chat/go-core/internal/storage"
)

// refreshProfile fetches the metadata of pubkey unless it was checked within
// the refresh interval. Checks are remembered in memory only, so every
// process start checks each peer once.
func (a *App) refreshProfile(pubkey string) {
	s := a.sess
	if s == nil || s.gw.Offline() || pubkey == "" {
		return
	}
	now := a.now()
	if last, ok := a.lastChecked[pubkey]; ok && now.Sub(last) < a.cfg.ProfileRefreshInterval {
		return
	}
	a.lastChecked[pubkey] = now
	a.work.fetchProfile(s.ctx, s.gen, s.gw, pubkey)
}

func (a *App) refreshStaleProfiles() {
	s := a.sess
	if s == nil {
		return
	}
	chats, err := s.store.Chats().Chats(a.ctx)
	if err != nil {
		a.logger.Warn("list chats for profile refresh failed", "component", "app", "operation", "refresh_profiles", "reason", err.Error())
		return
	}
	for _, rec := range chats {
		a.refreshProfile(rec.PeerPubkey)
	}
}

func (a *App) handleProfileFetched(e profileFetched) error {
	if e.err != "" {
		a.logger.Debug("profile fetch failed", "component", "app", "operation", e.kind(), "pubkey", e.pubkey, "reason", e.err)
		return nil
	}
	if e.event == nil || e.event.PubKey != e.pubkey {
		return nil
	}
	createdAt := int64(e.event.CreatedAt)
	if cached, ok := a.profileMap[e.pubkey]; ok && cached.EventCreatedAt >= createdAt {
		return nil
	}
	profile, err := storage.ProfileFromMetadata(e.pubkey, e.event.Content, createdAt)
	if err != nil {
		a.logger.Warn("dropping malformed profile", "component", "app", "operation", e.kind(), "pubkey", e.pubkey, "reason", err.Error())
		return nil
	}
	if err := a.profiles.Save(a.ctx, profile); err != nil {
		return storageError(fmt.Errorf("save profile: %w", err))
	}
	a.profileMap[e.pubkey] = profile

	if err := a.refreshChatList(); err != nil {
		return err
	}
	if view := a.state.CurrentChat; view != nil {
		rec, ok, err := a.sess.store.Chats().Chat(a.ctx, view.ChatID)
		if err != nil {
			return storageError(err)
		}
		if ok && rec.PeerPubkey == e.pubkey {
			name := a.peerName(e.pubkey)
			if !ptrEqual(view.PeerName, name) {
				view.PeerName = name
				a.mark(facetCurrentChat)
			}
		}
	}
	return nil
}

func (a *App) peerName(pubkey string) *string {
	p, ok := a.profileMap[pubkey]
	if !ok || p.DisplayName() == "" {
		return nil
	}
	name := p.DisplayName()
	return &name
}
