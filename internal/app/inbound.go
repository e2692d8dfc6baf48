package app

import (
	"errors"
	"fmt"

	"pika-chat/go-core/internal/groupengine"
	"pika-chat/go-core/internal/identity"
	"pika-chat/go-core/pkg/models"

	"github.com/nbd-wtf/go-nostr"
)

func (a *App) handleEvent(evt internalEvent) error {
	switch e := evt.(type) {
	case giftWrapReceived:
		a.handleGiftWrap(e)
		return nil
	case groupMessageReceived:
		return a.handleGroupMessage(e.event)
	case publishMessageResult:
		return a.handlePublishResult(e)
	case keyPackagePublished:
		if !e.ok {
			return networkError(fmt.Errorf("could not publish key package: %s", e.err))
		}
		a.logger.Debug("key package published", "component", "app", "operation", e.kind())
		return nil
	case peerKeyPackageFetched:
		return a.handlePeerKeyPackage(e)
	case welcomePublished:
		if !e.ok {
			return networkError(fmt.Errorf("could not deliver chat invite: %s", e.err))
		}
		return nil
	case profileFetched:
		return a.handleProfileFetched(e)
	case followListPublished:
		if !e.ok {
			return networkError(fmt.Errorf("could not publish follow list: %s", e.err))
		}
		return nil
	case toastEvent:
		a.setToast(e.text)
		return nil
	default:
		return apiError("unhandled internal event %s", evt.kind())
	}
}

// handleGiftWrap joins the group of a welcome addressed to us. Anything that
// does not open cleanly is logged and dropped.
func (a *App) handleGiftWrap(e giftWrapReceived) {
	s := a.sess
	rumor := e.rumor
	if rumor.Kind != groupengine.KindWelcome {
		a.logger.Debug("ignoring rumor", "component", "app", "operation", e.kind(), "event_id", e.wrapper.ID, "rumor_kind", rumor.Kind)
		return
	}
	info, err := s.gw.AcceptWelcome(rumor)
	if err != nil {
		a.logger.Warn("dropping welcome", "component", "app", "operation", e.kind(), "event_id", e.wrapper.ID, "reason", err.Error())
		return
	}
	peer := rumor.PubKey
	for _, member := range info.Members {
		if member != s.keys.Pubkey {
			peer = member
			break
		}
	}
	if _, err := a.ensureChat(info.GroupID, peer); err != nil {
		a.logger.Warn("could not store chat from welcome", "component", "app", "operation", e.kind(), "group_id", identity.GroupTag(info.GroupID), "reason", err.Error())
		return
	}
	a.restartGroupSubscription()
}

// handleGroupMessage stores a decrypted message. Our own messages come back
// as echoes and confirm delivery of the optimistic copy.
func (a *App) handleGroupMessage(evt nostr.Event) error {
	s := a.sess
	gm, err := s.gw.DecryptGroupMessage(evt)
	if err != nil {
		if errors.Is(err, groupengine.ErrReplayDetected) {
			a.logger.Debug("duplicate group message", "component", "app", "operation", "group_message_received", "event_id", evt.ID)
		} else {
			a.logger.Warn("dropping group message", "component", "app", "operation", "group_message_received", "event_id", evt.ID, "reason", err.Error())
		}
		return nil
	}
	msg := gm.Message
	if msg.ID == "" || msg.Sender == "" {
		a.logger.Warn("dropping group message without id", "component", "app", "operation", "group_message_received", "event_id", evt.ID)
		return nil
	}
	chats := s.store.Chats()
	chatID := identity.ChatIDFromGroup(gm.GroupID)
	if _, ok, err := chats.Chat(a.ctx, chatID); err != nil {
		return storageError(err)
	} else if !ok {
		if _, err := a.ensureChat(gm.GroupID, msg.Sender); err != nil {
			return err
		}
	}

	mine := msg.Sender == s.keys.Pubkey
	if _, exists, err := chats.MessageCursor(a.ctx, chatID, msg.ID); err != nil {
		return storageError(err)
	} else if exists {
		if mine {
			return a.applyDelivery(chatID, msg.ID, models.Sent())
		}
		return nil
	}
	ts := msg.CreatedAt
	if ts == 0 {
		ts = int64(evt.CreatedAt)
	}
	stored := models.ChatMessage{
		ID:           msg.ID,
		SenderPubkey: msg.Sender,
		Content:      msg.Content,
		Timestamp:    ts,
		IsMine:       mine,
		Delivery:     models.Sent(),
	}
	if _, err := chats.AppendMessage(a.ctx, chatID, stored); err != nil {
		a.logger.Warn("dropping group message", "component", "app", "operation", "group_message_received", "message_id", msg.ID, "reason", err.Error())
		return nil
	}
	open := a.state.CurrentChat != nil && a.state.CurrentChat.ChatID == chatID
	switch {
	case open:
		a.insertIntoOpenChat(chatID, stored)
	case !mine:
		if err := chats.IncrementUnread(a.ctx, chatID); err != nil {
			return storageError(err)
		}
	}
	return a.refreshChatList()
}

func (a *App) handlePublishResult(e publishMessageResult) error {
	next := models.Sent()
	if !e.ok {
		next = models.Failed(e.err)
		a.logger.Warn("publish message failed", "component", "app", "operation", e.kind(), "chat_id", e.chatID, "message_id", e.rumorID, "reason", e.err)
	}
	return a.applyDelivery(e.chatID, e.rumorID, next)
}

// applyDelivery records next for messageID wherever it lives and mirrors the
// change into the open window.
func (a *App) applyDelivery(chatID, messageID string, next models.DeliveryState) error {
	changed, err := a.sess.store.Chats().UpdateDelivery(a.ctx, messageID, next)
	if err != nil {
		return storageError(err)
	}
	if !changed {
		return nil
	}
	view := a.state.CurrentChat
	if view == nil || view.ChatID != chatID {
		return nil
	}
	for i := range view.Messages {
		if view.Messages[i].ID == messageID {
			view.Messages[i].Delivery = next
			a.mark(facetCurrentChat)
			break
		}
	}
	return nil
}

// handlePeerKeyPackage forms the group once the peer's key package is known
// and sends them the welcome.
func (a *App) handlePeerKeyPackage(e peerKeyPackageFetched) error {
	s := a.sess
	delete(a.pendingPeers, e.peerPubkey)
	if e.err != "" {
		return networkError(fmt.Errorf("could not create chat: %s", e.err))
	}
	if e.keyPackage == nil {
		return networkError(fmt.Errorf("could not create chat: %w", errNoKeyPackage))
	}
	if e.keyPackage.PubKey != e.peerPubkey {
		return cryptoError(fmt.Errorf("could not create chat: %w", groupengine.ErrInvalidKeyPackage))
	}
	if rec, ok, err := s.store.Chats().ChatByPeer(a.ctx, e.peerPubkey); err != nil {
		return storageError(err)
	} else if ok {
		a.pushChatScreen(rec.ChatID)
		return nil
	}
	info, wrap, err := s.gw.FormGroup(*e.keyPackage)
	if err != nil {
		return cryptoError(fmt.Errorf("could not create chat: %w", err))
	}
	chatID, err := a.ensureChat(info.GroupID, e.peerPubkey)
	if err != nil {
		return err
	}
	a.pushChatScreen(chatID)
	a.work.publishWelcome(s.ctx, s.gen, s.gw, chatID, wrap)
	return nil
}
