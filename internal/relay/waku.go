package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/nbd-wtf/go-nostr"
)

var ErrWakuUnavailable = errors.New("waku transport is not compiled in; build with -tags real_waku")

// ValidateBootstrapNodes parses every bootstrap node as a multiaddr and
// returns the normalized, de-duplicated list.
func ValidateBootstrapNodes(nodes []string) ([]string, error) {
	out := make([]string, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	for _, raw := range nodes {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap node %q: %w", raw, err)
		}
		norm := addr.String()
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out, nil
}

// encodeWakuPayload carries one nostr event per waku message.
func encodeWakuPayload(evt nostr.Event) ([]byte, error) {
	if evt.ID == "" {
		return nil, ErrInvalidEvent
	}
	return json.Marshal(evt)
}

func decodeWakuPayload(payload []byte) (nostr.Event, error) {
	var evt nostr.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		return nostr.Event{}, ErrInvalidEvent
	}
	return evt, nil
}
