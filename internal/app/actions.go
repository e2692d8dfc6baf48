package app

import (
	"errors"
	"slices"
	"strings"

	"pika-chat/go-core/internal/identity"
	"pika-chat/go-core/internal/identitystore"
	"pika-chat/go-core/internal/storage"
	"pika-chat/go-core/pkg/models"
)

func (a *App) handleAction(action models.AppAction) error {
	a.logger.Debug("action", "component", "app", "operation", string(action.Kind), "chat_id", action.ChatID)
	switch action.Kind {
	case models.ActionCreateAccount:
		return a.createAccount()
	case models.ActionLogin, models.ActionRestoreSession:
		return a.restoreSession(action.Nsec)
	case models.ActionLogout:
		a.logout()
		return nil
	case models.ActionPushScreen:
		if action.Screen == nil {
			return apiError("push_screen needs a screen")
		}
		a.state.Router.ScreenStack = append(a.state.Router.ScreenStack, *action.Screen)
		a.mark(facetRouter)
		return nil
	case models.ActionUpdateScreenStack:
		a.state.Router.ScreenStack = append([]models.Screen{}, action.Stack...)
		a.mark(facetRouter)
		return nil
	case models.ActionCreateChat:
		return a.createChat(action.PeerNpub)
	case models.ActionOpenChat:
		return a.openChat(action.ChatID)
	case models.ActionSendMessage:
		return a.sendMessage(action.ChatID, action.Content)
	case models.ActionLoadOlderMessages:
		return a.loadOlderMessages(action.ChatID, action.BeforeMessageID, int(action.Limit))
	case models.ActionFollowPeer:
		return a.setFollow(action.PeerNpub, true)
	case models.ActionUnfollowPeer:
		return a.setFollow(action.PeerNpub, false)
	case models.ActionClearToast:
		if a.state.Toast != nil {
			a.state.Toast = nil
			a.mark(facetToast)
		}
		return nil
	case models.ActionWipeLocalData:
		return a.wipeLocalData()
	default:
		return apiError("unknown action %q", action.Kind)
	}
}

func (a *App) createAccount() error {
	keys, err := identity.Generate()
	if err != nil {
		return cryptoError(err)
	}
	nsec, err := keys.Nsec()
	if err != nil {
		return cryptoError(err)
	}
	s, err := a.openSession(keys)
	if err != nil {
		return err
	}
	if err := a.enterLoggedIn(s); err != nil {
		a.closeSession()
		return err
	}
	a.emitNow(func(rev uint64) models.AppUpdate {
		return models.AccountCreatedUpdate(rev, nsec, keys.Pubkey, s.npub)
	})
	return nil
}

func (a *App) restoreSession(secret string) error {
	keys, err := identity.Parse(secret)
	if err != nil {
		return apiError("invalid secret key")
	}
	if a.sess != nil && a.sess.keys.Pubkey == keys.Pubkey {
		return nil
	}
	s, err := a.openSession(keys)
	if err != nil {
		return err
	}
	if err := a.enterLoggedIn(s); err != nil {
		a.closeSession()
		return err
	}
	return nil
}

// logout detaches the identity. The profile cache is shared across
// identities and stays.
func (a *App) logout() {
	a.closeSession()
	if a.state.Auth.Kind != models.AuthLoggedOut {
		a.state.Auth = models.AuthState{Kind: models.AuthLoggedOut}
		a.mark(facetAuth)
	}
	if a.state.Router.DefaultScreen != models.LoginScreen() || len(a.state.Router.ScreenStack) > 0 {
		a.state.Router = models.Router{DefaultScreen: models.LoginScreen(), ScreenStack: []models.Screen{}}
		a.mark(facetRouter)
	}
	if len(a.state.ChatList) > 0 {
		a.state.ChatList = []models.ChatSummary{}
		a.mark(facetChatList)
	}
	if a.state.CurrentChat != nil {
		a.state.CurrentChat = nil
		a.mark(facetCurrentChat)
	}
}

func (a *App) wipeLocalData() error {
	var pubkey string
	if a.sess != nil {
		pubkey = a.sess.keys.Pubkey
	}
	a.logout()
	if err := a.profiles.ClearAll(a.ctx); err != nil {
		return storageError(err)
	}
	clear(a.profileMap)
	clear(a.lastChecked)
	if pubkey == "" {
		return nil
	}
	if err := identitystore.Wipe(a.dataDir, pubkey); err != nil {
		return storageError(err)
	}
	a.logger.Info("local data wiped", "component", "app", "operation", "wipe_local_data", "pubkey", pubkey)
	return nil
}

// createChat opens the note-to-self chat right away. Other peers need their
// key package first, so the chat appears once the fetch completes.
func (a *App) createChat(peerNpub string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	peer, err := identity.ParsePubkey(peerNpub)
	if err != nil {
		return apiError("invalid npub")
	}
	if peer == s.keys.Pubkey {
		info, err := s.gw.CreateSelfGroup()
		if err != nil {
			return cryptoError(err)
		}
		chatID, err := a.ensureChat(info.GroupID, peer)
		if err != nil {
			return err
		}
		a.pushChatScreen(chatID)
		return nil
	}
	rec, ok, err := s.store.Chats().ChatByPeer(a.ctx, peer)
	if err != nil {
		return storageError(err)
	}
	if ok {
		a.pushChatScreen(rec.ChatID)
		return nil
	}
	if _, pending := a.pendingPeers[peer]; pending {
		return nil
	}
	a.pendingPeers[peer] = struct{}{}
	a.work.fetchKeyPackage(s.ctx, s.gen, s.gw, peer)
	return nil
}

func (a *App) pushChatScreen(chatID string) {
	screen := models.ChatScreen(chatID)
	stack := a.state.Router.ScreenStack
	if n := len(stack); n > 0 && stack[n-1] == screen {
		return
	}
	a.state.Router.ScreenStack = append(stack, screen)
	a.mark(facetRouter)
}

func (a *App) openChat(chatID string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	chats := s.store.Chats()
	rec, ok, err := chats.Chat(a.ctx, chatID)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return apiError("chat not found")
	}
	msgs, err := chats.NewestMessages(a.ctx, chatID, defaultPageSize)
	if err != nil {
		return storageError(err)
	}
	canLoadOlder, err := a.hasOlder(chatID, msgs)
	if err != nil {
		return err
	}
	a.state.CurrentChat = &models.ChatViewState{
		ChatID:       chatID,
		PeerNpub:     rec.PeerNpub,
		PeerName:     a.peerName(rec.PeerPubkey),
		Messages:     msgs,
		CanLoadOlder: canLoadOlder,
	}
	s.olderExhausted = false
	a.mark(facetCurrentChat)
	if rec.UnreadCount > 0 {
		if err := chats.ResetUnread(a.ctx, chatID); err != nil {
			return storageError(err)
		}
		return a.refreshChatList()
	}
	return nil
}

// loadOlderMessages prepends up to limit messages older than beforeID to
// the open window. A cursor inside the window pages from the window head.
// Once the store had nothing older than the head the chat stays exhausted
// until it is opened again, and later calls are silent no-ops.
func (a *App) loadOlderMessages(chatID, beforeID string, limit int) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	view := a.state.CurrentChat
	if view == nil || view.ChatID != chatID {
		return apiError("chat is not open")
	}
	if s.olderExhausted {
		return nil
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	chats := s.store.Chats()
	cur, ok, err := chats.MessageCursor(a.ctx, chatID, beforeID)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return apiError("message not found")
	}
	if len(view.Messages) > 0 && containsMessage(view.Messages, beforeID) {
		head := view.Messages[0]
		cur = storage.Cursor{Timestamp: head.Timestamp, ID: head.ID}
	}
	older, err := chats.MessagesBefore(a.ctx, chatID, cur, limit)
	if err != nil {
		return storageError(err)
	}
	if len(older) == 0 {
		s.olderExhausted = true
		if view.CanLoadOlder {
			view.CanLoadOlder = false
			a.mark(facetCurrentChat)
		}
		return nil
	}
	older = slices.DeleteFunc(older, func(m models.ChatMessage) bool {
		return containsMessage(view.Messages, m.ID)
	})
	view.Messages = append(older, view.Messages...)
	sortMessages(view.Messages)
	view.CanLoadOlder, err = a.hasOlder(chatID, view.Messages)
	if err != nil {
		return err
	}
	a.mark(facetCurrentChat)
	return nil
}

func (a *App) hasOlder(chatID string, window []models.ChatMessage) (bool, error) {
	if len(window) == 0 {
		return false, nil
	}
	first := window[0]
	ok, err := a.sess.store.Chats().HasOlder(a.ctx, chatID, storage.Cursor{Timestamp: first.Timestamp, ID: first.ID})
	if err != nil {
		return false, storageError(err)
	}
	return ok, nil
}

// sendMessage stores the message as pending, encrypts it on the actor to
// keep the sender chain ordered and leaves publishing to the coordinator.
func (a *App) sendMessage(chatID, content string) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return apiError("message is empty")
	}
	chats := s.store.Chats()
	rec, ok, err := chats.Chat(a.ctx, chatID)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return apiError("chat not found")
	}
	id, err := storage.NewMessageID()
	if err != nil {
		return storageError(err)
	}
	msg := models.ChatMessage{
		ID:           id,
		SenderPubkey: s.keys.Pubkey,
		Content:      content,
		Timestamp:    a.now().Unix(),
		IsMine:       true,
		Delivery:     models.Pending(),
	}
	evt, encErr := s.gw.EncryptMessage(rec.GroupID, id, content, msg.Timestamp)
	if encErr != nil {
		msg.Delivery = models.Failed(encErr.Error())
		a.logger.Warn("encrypt message failed", "component", "app", "operation", "send_message", "chat_id", chatID, "message_id", id, "reason", encErr.Error())
	}
	if _, err := chats.AppendMessage(a.ctx, chatID, msg); err != nil {
		return storageError(err)
	}
	a.insertIntoOpenChat(chatID, msg)
	if err := a.refreshChatList(); err != nil {
		return err
	}
	if encErr == nil {
		a.work.publishMessage(s.ctx, s.gen, s.gw, chatID, id, evt)
	}
	return nil
}

func (a *App) setFollow(peerNpub string, follow bool) error {
	s, err := a.requireSession()
	if err != nil {
		return err
	}
	peer, err := identity.ParsePubkey(peerNpub)
	if err != nil {
		return apiError("invalid npub")
	}
	chats := s.store.Chats()
	if follow {
		err = chats.Follow(a.ctx, peer)
	} else {
		err = chats.Unfollow(a.ctx, peer)
	}
	if err != nil {
		return storageError(err)
	}
	follows, err := chats.Follows(a.ctx)
	if err != nil {
		return storageError(err)
	}
	a.work.publishFollowList(s.ctx, s.gen, s.gw, follows)
	return nil
}

// ensureChat persists the chat for groupID and returns its id. A newly
// created chat refreshes the chat list and the group subscription.
func (a *App) ensureChat(groupID []byte, peerPubkey string) (string, error) {
	s := a.sess
	peerNpub, err := identity.EncodeNpub(peerPubkey)
	if err != nil {
		return "", cryptoError(err)
	}
	chatID := identity.ChatIDFromGroup(groupID)
	created, err := s.store.Chats().UpsertChat(a.ctx, storage.ChatRecord{
		ChatID:     chatID,
		GroupID:    groupID,
		PeerPubkey: peerPubkey,
		PeerNpub:   peerNpub,
		CreatedAt:  a.now().Unix(),
	})
	if err != nil {
		return "", storageError(err)
	}
	if !created {
		return chatID, nil
	}
	a.logger.Info("chat created", "component", "app", "operation", "ensure_chat", "chat_id", chatID, "peer_pubkey", peerPubkey)
	if err := a.refreshChatList(); err != nil {
		return "", err
	}
	a.restartGroupSubscription()
	a.refreshProfile(peerPubkey)
	return chatID, nil
}

func (a *App) loadChatList() ([]models.ChatSummary, error) {
	list, err := a.sess.store.Chats().ListChats(a.ctx)
	if err != nil {
		return nil, storageError(err)
	}
	for i := range list {
		if pubkey, err := identity.ParsePubkey(list[i].PeerNpub); err == nil {
			list[i].PeerName = a.peerName(pubkey)
		}
	}
	return list, nil
}

func (a *App) refreshChatList() error {
	list, err := a.loadChatList()
	if err != nil {
		return err
	}
	if !chatListEqual(a.state.ChatList, list) {
		a.state.ChatList = list
		a.mark(facetChatList)
	}
	return nil
}

// insertIntoOpenChat adds msg to the open window when chatID is open.
func (a *App) insertIntoOpenChat(chatID string, msg models.ChatMessage) {
	view := a.state.CurrentChat
	if view == nil || view.ChatID != chatID || containsMessage(view.Messages, msg.ID) {
		return
	}
	view.Messages = append(view.Messages, msg)
	sortMessages(view.Messages)
	if view.Messages[0].ID == msg.ID {
		canLoadOlder, err := a.hasOlder(chatID, view.Messages)
		if err != nil {
			a.logger.Warn("recompute older rows failed", "component", "app", "operation", "insert_message", "chat_id", chatID, "reason", err.Error())
		} else {
			view.CanLoadOlder = canLoadOlder
		}
	}
	a.mark(facetCurrentChat)
}

func containsMessage(msgs []models.ChatMessage, id string) bool {
	return slices.ContainsFunc(msgs, func(m models.ChatMessage) bool { return m.ID == id })
}

func sortMessages(msgs []models.ChatMessage) {
	slices.SortStableFunc(msgs, func(x, y models.ChatMessage) int {
		if x.Timestamp != y.Timestamp {
			if x.Timestamp < y.Timestamp {
				return -1
			}
			return 1
		}
		return strings.Compare(x.ID, y.ID)
	})
}

func chatListEqual(x, y []models.ChatSummary) bool {
	return slices.EqualFunc(x, y, func(p, q models.ChatSummary) bool {
		return p.ChatID == q.ChatID &&
			p.PeerNpub == q.PeerNpub &&
			p.UnreadCount == q.UnreadCount &&
			ptrEqual(p.PeerName, q.PeerName) &&
			ptrEqual(p.LastMessage, q.LastMessage) &&
			ptrEqual(p.LastMessageAt, q.LastMessageAt)
	})
}

func ptrEqual[T comparable](x, y *T) bool {
	if x == nil || y == nil {
		return x == y
	}
	return *x == *y
}

var errNoKeyPackage = errors.New("peer has not published a key package")
