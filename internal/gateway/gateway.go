// Package gateway is the thin layer between the app actor and the group
// engine plus transport: publish, fetch, unwrap and decrypt.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"pika-chat/go-core/internal/groupengine"
	"pika-chat/go-core/internal/identity"
	"pika-chat/go-core/internal/relay"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/nbd-wtf/go-nostr/nip59"
)

const (
	KindMetadata    = 0
	KindContactList = 3
	KindGiftWrap    = 1059
)

var (
	ErrNotWelcome = errors.New("gift wrap does not carry a welcome")
	ErrNoEngine   = errors.New("group engine is not available")
)

// GroupMessage is a decrypted application message and the group it belongs to.
type GroupMessage struct {
	GroupID []byte
	Message groupengine.Message
}

type Options struct {
	DisableNetwork bool
	Logger         *slog.Logger
	Now            func() time.Time
}

type Gateway struct {
	keys      identity.Keys
	engine    *groupengine.Engine
	transport relay.Transport
	offline   bool
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a gateway. transport may be nil when the network is disabled.
func New(keys identity.Keys, engine *groupengine.Engine, transport relay.Transport, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		keys:      keys,
		engine:    engine,
		transport: transport,
		offline:   opts.DisableNetwork || transport == nil,
		logger:    logger,
		now:       now,
	}
}

func (g *Gateway) Offline() bool { return g.offline }

func (g *Gateway) Pubkey() string { return g.keys.Pubkey }

// PublishKeyPackage creates a fresh key package and announces it.
func (g *Gateway) PublishKeyPackage(ctx context.Context) error {
	if g.engine == nil {
		return ErrNoEngine
	}
	kp, err := g.engine.CreateKeyPackage()
	if err != nil {
		return err
	}
	return g.Publish(ctx, kp)
}

// FetchKeyPackage returns the newest key package of peerPubkey, or nil when
// none is published (always nil offline).
func (g *Gateway) FetchKeyPackage(ctx context.Context, peerPubkey string) (*nostr.Event, error) {
	if g.offline {
		return nil, nil
	}
	return g.transport.QuerySingle(ctx, nostr.Filter{
		Kinds:   []int{groupengine.KindKeyPackage},
		Authors: []string{peerPubkey},
	})
}

// FormGroup creates a group with the owner of keyPackage and returns the
// gift-wrapped welcome that still has to be published to them.
func (g *Gateway) FormGroup(keyPackage nostr.Event) (groupengine.GroupInfo, nostr.Event, error) {
	if g.engine == nil {
		return groupengine.GroupInfo{}, nostr.Event{}, ErrNoEngine
	}
	info, welcome, err := g.engine.CreateGroup(keyPackage)
	if err != nil {
		return groupengine.GroupInfo{}, nostr.Event{}, err
	}
	welcome.Tags = append(welcome.Tags, nostr.Tag{"p", keyPackage.PubKey})
	welcome.ID = welcome.GetID()
	wrap, err := g.giftWrap(welcome, keyPackage.PubKey)
	if err != nil {
		return groupengine.GroupInfo{}, nostr.Event{}, err
	}
	return info, wrap, nil
}

func (g *Gateway) CreateSelfGroup() (groupengine.GroupInfo, error) {
	if g.engine == nil {
		return groupengine.GroupInfo{}, ErrNoEngine
	}
	return g.engine.CreateSelfGroup()
}

// EncryptMessage seals content for groupID under the stable message id.
func (g *Gateway) EncryptMessage(groupID []byte, messageID, content string, createdAt int64) (nostr.Event, error) {
	if g.engine == nil {
		return nostr.Event{}, ErrNoEngine
	}
	return g.engine.Encrypt(groupID, groupengine.Message{ID: messageID, Content: content, CreatedAt: createdAt})
}

// Publish sends evt. Offline it reports immediate success.
func (g *Gateway) Publish(ctx context.Context, evt nostr.Event) error {
	if g.offline {
		return nil
	}
	return g.transport.Publish(ctx, evt)
}

// UnwrapGiftWrap opens a gift wrap addressed to us and returns its rumor.
func (g *Gateway) UnwrapGiftWrap(wrap nostr.Event) (nostr.Event, error) {
	if wrap.Kind != KindGiftWrap {
		return nostr.Event{}, fmt.Errorf("%w: kind %d", relay.ErrInvalidEvent, wrap.Kind)
	}
	return nip59.GiftUnwrap(wrap, func(otherPubkey, ciphertext string) (string, error) {
		key, err := nip44.GenerateConversationKey(otherPubkey, g.keys.Secret)
		if err != nil {
			return "", err
		}
		return nip44.Decrypt(ciphertext, key)
	})
}

// AcceptWelcome joins the group carried by a welcome rumor.
func (g *Gateway) AcceptWelcome(rumor nostr.Event) (groupengine.GroupInfo, error) {
	if g.engine == nil {
		return groupengine.GroupInfo{}, ErrNoEngine
	}
	if rumor.Kind != groupengine.KindWelcome {
		return groupengine.GroupInfo{}, ErrNotWelcome
	}
	return g.engine.AcceptWelcome(rumor)
}

func (g *Gateway) DecryptGroupMessage(evt nostr.Event) (GroupMessage, error) {
	if g.engine == nil {
		return GroupMessage{}, ErrNoEngine
	}
	groupID, msg, err := g.engine.Decrypt(evt)
	if err != nil {
		return GroupMessage{}, err
	}
	return GroupMessage{GroupID: groupID, Message: msg}, nil
}

// GroupIDs lists the groups inbound subscriptions should cover.
func (g *Gateway) GroupIDs() [][]byte {
	if g.engine == nil {
		return nil
	}
	return g.engine.GroupIDs()
}

// FetchProfile returns the newest kind 0 metadata event of pubkey.
func (g *Gateway) FetchProfile(ctx context.Context, pubkey string) (*nostr.Event, error) {
	if g.offline {
		return nil, nil
	}
	return g.transport.QuerySingle(ctx, nostr.Filter{
		Kinds:   []int{KindMetadata},
		Authors: []string{pubkey},
	})
}

// PublishFollowList replaces our contact list with pubkeys.
func (g *Gateway) PublishFollowList(ctx context.Context, pubkeys []string) error {
	sorted := slices.Clone(pubkeys)
	slices.Sort(sorted)
	tags := make(nostr.Tags, 0, len(sorted))
	for _, pk := range slices.Compact(sorted) {
		tags = append(tags, nostr.Tag{"p", pk})
	}
	evt := nostr.Event{
		Kind:      KindContactList,
		CreatedAt: nostr.Timestamp(g.now().Unix()),
		Tags:      tags,
	}
	if err := g.keys.Sign(&evt); err != nil {
		return err
	}
	return g.Publish(ctx, evt)
}

// SubscribeGiftWraps delivers gift wraps addressed to us until ctx ends.
func (g *Gateway) SubscribeGiftWraps(ctx context.Context, handler func(nostr.Event)) error {
	if g.offline {
		return nil
	}
	return g.transport.Subscribe(ctx, nostr.Filter{
		Kinds: []int{KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{g.keys.Pubkey}},
	}, handler)
}

// SubscribeGroups delivers group messages for groupIDs until ctx ends.
func (g *Gateway) SubscribeGroups(ctx context.Context, groupIDs [][]byte, handler func(nostr.Event)) error {
	if g.offline || len(groupIDs) == 0 {
		return nil
	}
	tags := make([]string, 0, len(groupIDs))
	for _, id := range groupIDs {
		tags = append(tags, identity.GroupTag(id))
	}
	return g.transport.Subscribe(ctx, nostr.Filter{
		Kinds: []int{groupengine.KindGroupMessage},
		Tags:  nostr.TagMap{"h": tags},
	}, handler)
}

func (g *Gateway) giftWrap(rumor nostr.Event, recipient string) (nostr.Event, error) {
	return nip59.GiftWrap(
		rumor,
		recipient,
		func(plaintext string) (string, error) {
			key, err := nip44.GenerateConversationKey(recipient, g.keys.Secret)
			if err != nil {
				return "", err
			}
			return nip44.Encrypt(plaintext, key)
		},
		func(evt *nostr.Event) error {
			return g.keys.Sign(evt)
		},
		nil,
	)
}
