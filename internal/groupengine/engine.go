// Package groupengine is the group encryption engine: key packages, group
// creation through welcomes, and per-sender chain encryption of group
// messages.
package groupengine

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"pika-chat/go-core/internal/identity"
	"pika-chat/go-core/internal/securestore"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/crypto/curve25519"
)

const (
	KindKeyPackage   = 443
	KindWelcome      = 444
	KindGroupMessage = 445

	maxInitKeys = 16
)

var (
	ErrInvalidKeyPackage = errors.New("invalid key package")
	ErrInvalidWelcome    = errors.New("invalid welcome")
	ErrUnknownInitKey    = errors.New("welcome is not addressed to any of our key packages")
	ErrGroupNotFound     = errors.New("group not found")
	ErrNotMember         = errors.New("sender is not a group member")
	ErrReplayDetected    = errors.New("replay detected")
	ErrInvalidChainIndex = errors.New("invalid chain index")
	ErrInvalidMessage    = errors.New("invalid group message")
)

// GroupInfo is the public view of a group.
type GroupInfo struct {
	GroupID []byte
	Members []string
}

// Message is the plaintext carried inside a group message event.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type welcomePayload struct {
	GroupID string   `json:"group_id"`
	Secret  []byte   `json:"secret"`
	Members []string `json:"members"`
}

type header struct {
	Sender string `json:"sender"`
	Index  uint64 `json:"idx"`
	Body   []byte `json:"body"`
}

type Engine struct {
	mu    sync.Mutex
	keys  identity.Keys
	store Store
	state State
	now   func() time.Time
}

func New(keys identity.Keys, store Store) (*Engine, error) {
	if store == nil {
		store = NewInMemoryStore()
	}
	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	if state.Groups == nil {
		state.Groups = map[string]GroupState{}
	}
	return &Engine{keys: keys, store: store, state: state, now: time.Now}, nil
}

// CreateKeyPackage makes a fresh X25519 init key and returns the signed
// key package event advertising it.
func (e *Engine) CreateKeyPackage() (nostr.Event, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nostr.Event{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nostr.Event{}, err
	}
	evt := nostr.Event{
		Kind:      KindKeyPackage,
		CreatedAt: nostr.Timestamp(e.now().Unix()),
		Tags:      nostr.Tags{{"encoding", "hex"}, {"client", "pika"}},
		Content:   hex.EncodeToString(pub),
	}
	if err := e.keys.Sign(&evt); err != nil {
		return nostr.Event{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := cloneState(e.state)
	next.InitKeys = append(next.InitKeys, initKey{EventID: evt.ID, Private: priv, CreatedAt: int64(evt.CreatedAt)})
	if len(next.InitKeys) > maxInitKeys {
		next.InitKeys = next.InitKeys[len(next.InitKeys)-maxInitKeys:]
	}
	if err := e.commitLocked(next); err != nil {
		return nostr.Event{}, err
	}
	return evt, nil
}

// CreateGroup forms a two-member group with the owner of keyPackage and
// returns the unsigned welcome rumor for them.
func (e *Engine) CreateGroup(keyPackage nostr.Event) (GroupInfo, nostr.Event, error) {
	initPub, err := parseKeyPackage(keyPackage)
	if err != nil {
		return GroupInfo{}, nostr.Event{}, err
	}
	groupID := make([]byte, 32)
	secret := make([]byte, 32)
	if _, err := rand.Read(groupID); err != nil {
		return GroupInfo{}, nostr.Event{}, err
	}
	if _, err := rand.Read(secret); err != nil {
		return GroupInfo{}, nostr.Event{}, err
	}
	members := []string{e.keys.Pubkey, keyPackage.PubKey}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return GroupInfo{}, nostr.Event{}, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return GroupInfo{}, nostr.Event{}, err
	}
	shared, err := curve25519.X25519(ephPriv, initPub)
	if err != nil {
		return GroupInfo{}, nostr.Event{}, err
	}
	payload, err := json.Marshal(welcomePayload{GroupID: identity.GroupTag(groupID), Secret: secret, Members: members})
	if err != nil {
		return GroupInfo{}, nostr.Event{}, err
	}
	sealed, err := securestore.Seal(kdf32(shared, []byte("pika/welcome/v1")), payload, []byte(keyPackage.ID))
	if err != nil {
		return GroupInfo{}, nostr.Event{}, err
	}
	rumor := nostr.Event{
		Kind:      KindWelcome,
		PubKey:    e.keys.Pubkey,
		CreatedAt: nostr.Timestamp(e.now().Unix()),
		Tags:      nostr.Tags{{"e", keyPackage.ID}},
		Content:   base64.StdEncoding.EncodeToString(append(ephPub, sealed...)),
	}
	rumor.ID = rumor.GetID()

	info, err := e.addGroup(groupID, secret, members)
	if err != nil {
		return GroupInfo{}, nostr.Event{}, err
	}
	return info, rumor, nil
}

// CreateSelfGroup returns the note-to-self group, creating it on first use.
// Its id and secret derive from the identity so every device agrees.
func (e *Engine) CreateSelfGroup() (GroupInfo, error) {
	groupID := identity.SelfGroupID(e.keys.Pubkey)
	secretKey, err := hex.DecodeString(e.keys.Secret)
	if err != nil {
		return GroupInfo{}, err
	}
	return e.addGroup(groupID, kdf32(secretKey, []byte("pika/self-group/secret/v1")), []string{e.keys.Pubkey})
}

// AcceptWelcome joins the group described by a welcome rumor addressed to
// one of our key packages. Accepting the same welcome twice is harmless.
func (e *Engine) AcceptWelcome(rumor nostr.Event) (GroupInfo, error) {
	if rumor.Kind != KindWelcome {
		return GroupInfo{}, ErrInvalidWelcome
	}
	kpID := TagValue(rumor.Tags, "e")
	raw, err := base64.StdEncoding.DecodeString(rumor.Content)
	if err != nil || len(raw) <= curve25519.PointSize {
		return GroupInfo{}, ErrInvalidWelcome
	}

	e.mu.Lock()
	var initPriv []byte
	for _, k := range e.state.InitKeys {
		if k.EventID == kpID {
			initPriv = append([]byte(nil), k.Private...)
		}
	}
	e.mu.Unlock()
	if initPriv == nil {
		return GroupInfo{}, ErrUnknownInitKey
	}

	shared, err := curve25519.X25519(initPriv, raw[:curve25519.PointSize])
	if err != nil {
		return GroupInfo{}, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}
	plain, err := securestore.Open(kdf32(shared, []byte("pika/welcome/v1")), raw[curve25519.PointSize:], []byte(kpID))
	if err != nil {
		return GroupInfo{}, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}
	var payload welcomePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return GroupInfo{}, ErrInvalidWelcome
	}
	groupID, err := identity.GroupIDFromTag(payload.GroupID)
	if err != nil || len(payload.Secret) != 32 {
		return GroupInfo{}, ErrInvalidWelcome
	}
	if !slices.Contains(payload.Members, rumor.PubKey) || !slices.Contains(payload.Members, e.keys.Pubkey) {
		return GroupInfo{}, ErrInvalidWelcome
	}
	return e.addGroup(groupID, payload.Secret, payload.Members)
}

// Group reports a known group.
func (e *Engine) Group(groupID []byte) (GroupInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.state.Groups[identity.GroupTag(groupID)]
	if !ok {
		return GroupInfo{}, false
	}
	return GroupInfo{GroupID: append([]byte(nil), groupID...), Members: append([]string(nil), g.Members...)}, true
}

// GroupIDs lists every group this identity belongs to, sorted by hex id.
func (e *Engine) GroupIDs() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	tags := make([]string, 0, len(e.state.Groups))
	for tag := range e.state.Groups {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	out := make([][]byte, 0, len(tags))
	for _, tag := range tags {
		if id, err := identity.GroupIDFromTag(tag); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Encrypt seals msg for the group and returns a kind 445 event signed by a
// one-off key, so relays never see who wrote it.
func (e *Engine) Encrypt(groupID []byte, msg Message) (nostr.Event, error) {
	tag := identity.GroupTag(groupID)
	e.mu.Lock()
	defer e.mu.Unlock()

	g, ok := e.state.Groups[tag]
	if !ok {
		return nostr.Event{}, ErrGroupNotFound
	}
	msg.Sender = e.keys.Pubkey
	if msg.CreatedAt == 0 {
		msg.CreatedAt = e.now().Unix()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nostr.Event{}, err
	}

	next := cloneState(e.state)
	group := next.Groups[tag]
	msgKey, idx := group.Send.next()
	sealedBody, err := securestore.Seal(msgKey, body, bodyAAD(tag, msg.Sender, idx))
	if err != nil {
		return nostr.Event{}, err
	}
	hdr, err := json.Marshal(header{Sender: msg.Sender, Index: idx, Body: sealedBody})
	if err != nil {
		return nostr.Event{}, err
	}
	sealedHdr, err := securestore.Seal(headerKey(g.Secret), hdr, []byte(tag))
	if err != nil {
		return nostr.Event{}, err
	}
	evt := nostr.Event{
		Kind:      KindGroupMessage,
		CreatedAt: nostr.Timestamp(msg.CreatedAt),
		Tags:      nostr.Tags{{"h", tag}},
		Content:   base64.StdEncoding.EncodeToString(sealedHdr),
	}
	if err := evt.Sign(nostr.GeneratePrivateKey()); err != nil {
		return nostr.Event{}, err
	}
	next.Groups[tag] = group
	if err := e.commitLocked(next); err != nil {
		return nostr.Event{}, err
	}
	return evt, nil
}

// Decrypt opens a kind 445 event of a known group. Our own messages are
// readable too, which lets echoes be matched against what we sent.
func (e *Engine) Decrypt(evt nostr.Event) ([]byte, Message, error) {
	if evt.Kind != KindGroupMessage {
		return nil, Message{}, ErrInvalidMessage
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		return nil, Message{}, ErrInvalidMessage
	}
	tag := TagValue(evt.Tags, "h")
	groupID, err := identity.GroupIDFromTag(tag)
	if err != nil {
		return nil, Message{}, ErrInvalidMessage
	}
	raw, err := base64.StdEncoding.DecodeString(evt.Content)
	if err != nil {
		return nil, Message{}, ErrInvalidMessage
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.state.Groups[tag]
	if !ok {
		return nil, Message{}, ErrGroupNotFound
	}
	hdrPlain, err := securestore.Open(headerKey(g.Secret), raw, []byte(tag))
	if err != nil {
		return nil, Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var hdr header
	if err := json.Unmarshal(hdrPlain, &hdr); err != nil {
		return nil, Message{}, ErrInvalidMessage
	}
	if !slices.Contains(g.Members, hdr.Sender) {
		return nil, Message{}, ErrNotMember
	}

	chain, ok := g.Recv[hdr.Sender]
	if !ok {
		chain = newChain(g.Secret, hdr.Sender)
	}
	msgKey, advanced, err := chain.keyAt(hdr.Index)
	if err != nil {
		return nil, Message{}, err
	}
	body, err := securestore.Open(msgKey, hdr.Body, bodyAAD(tag, hdr.Sender, hdr.Index))
	if err != nil {
		return nil, Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil || msg.Sender != hdr.Sender || msg.ID == "" {
		return nil, Message{}, ErrInvalidMessage
	}
	if seen(g.SeenIDs, msg.ID) {
		return nil, Message{}, ErrReplayDetected
	}

	next := cloneState(e.state)
	group := next.Groups[tag]
	group.Recv[hdr.Sender] = advanced
	group.SeenIDs = appendSeen(group.SeenIDs, msg.ID, maxSeenMessageIDs)
	next.Groups[tag] = group
	if err := e.commitLocked(next); err != nil {
		return nil, Message{}, err
	}
	return groupID, msg, nil
}

func (e *Engine) addGroup(groupID, secret []byte, members []string) (GroupInfo, error) {
	tag := identity.GroupTag(groupID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.state.Groups[tag]; ok {
		return GroupInfo{GroupID: append([]byte(nil), groupID...), Members: append([]string(nil), g.Members...)}, nil
	}
	next := cloneState(e.state)
	next.Groups[tag] = GroupState{
		GroupID:   tag,
		Secret:    append([]byte(nil), secret...),
		Members:   append([]string(nil), members...),
		Send:      newChain(secret, e.keys.Pubkey),
		Recv:      map[string]chainState{},
		SeenIDs:   []string{},
		CreatedAt: e.now().Unix(),
	}
	if err := e.commitLocked(next); err != nil {
		return GroupInfo{}, err
	}
	return GroupInfo{GroupID: append([]byte(nil), groupID...), Members: append([]string(nil), members...)}, nil
}

// commitLocked persists next before making it current, so a failed save
// leaves the in-memory chains where the stored ones are.
func (e *Engine) commitLocked(next State) error {
	if err := e.store.Save(next); err != nil {
		return err
	}
	e.state = next
	return nil
}

func parseKeyPackage(evt nostr.Event) ([]byte, error) {
	if evt.Kind != KindKeyPackage {
		return nil, ErrInvalidKeyPackage
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		return nil, ErrInvalidKeyPackage
	}
	pub, err := hex.DecodeString(evt.Content)
	if err != nil || len(pub) != curve25519.PointSize {
		return nil, ErrInvalidKeyPackage
	}
	return pub, nil
}

func headerKey(secret []byte) []byte {
	return kdf32(secret, []byte("pika/group/header/v1"))
}

func bodyAAD(groupTag, sender string, idx uint64) []byte {
	b := make([]byte, 0, len(groupTag)+len(sender)+10)
	b = append(b, groupTag...)
	b = append(b, 0)
	b = append(b, sender...)
	b = append(b, 0)
	return appendUint64Suffix(b, idx)
}

// TagValue returns the value of the first tag named key, or "".
func TagValue(tags nostr.Tags, key string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}
