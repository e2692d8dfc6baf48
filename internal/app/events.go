package app

import (
	"github.com/nbd-wtf/go-nostr"
)

// internalEvent is a result of async work or inbound traffic. Each carries
// the session generation that produced it; results of an earlier session are
// dropped.
type internalEvent interface {
	generation() uint64
	kind() string
}

type eventBase struct {
	gen uint64
}

func (e eventBase) generation() uint64 { return e.gen }

type giftWrapReceived struct {
	eventBase
	wrapper nostr.Event
	rumor   nostr.Event
}

type groupMessageReceived struct {
	eventBase
	event nostr.Event
}

type publishMessageResult struct {
	eventBase
	chatID  string
	rumorID string
	ok      bool
	err     string
}

type keyPackagePublished struct {
	eventBase
	ok  bool
	err string
}

type peerKeyPackageFetched struct {
	eventBase
	peerPubkey string
	keyPackage *nostr.Event
	err        string
}

type welcomePublished struct {
	eventBase
	chatID string
	ok     bool
	err    string
}

type profileFetched struct {
	eventBase
	pubkey string
	event  *nostr.Event
	err    string
}

type followListPublished struct {
	eventBase
	ok  bool
	err string
}

type toastEvent struct {
	eventBase
	text string
}

func (giftWrapReceived) kind() string      { return "gift_wrap_received" }
func (groupMessageReceived) kind() string  { return "group_message_received" }
func (publishMessageResult) kind() string  { return "publish_message_result" }
func (keyPackagePublished) kind() string   { return "key_package_published" }
func (peerKeyPackageFetched) kind() string { return "peer_key_package_fetched" }
func (welcomePublished) kind() string      { return "welcome_published" }
func (profileFetched) kind() string        { return "profile_fetched" }
func (followListPublished) kind() string   { return "follow_list_published" }
func (toastEvent) kind() string            { return "toast" }
