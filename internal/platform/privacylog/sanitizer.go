// Package privacylog keeps identifiers and secrets out of structured logs.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()
	// Identifiers are logged as per-process fingerprints so lines can still
	// be correlated within one run.
	fingerprintKeys = map[string]struct{}{
		"chat_id":        {},
		"message_id":     {},
		"rumor_id":       {},
		"group_id":       {},
		"event_id":       {},
		"pubkey":         {},
		"peer_pubkey":    {},
		"sender_pubkey":  {},
		"npub":           {},
		"peer_npub":      {},
		"correlation_id": {},
	}
	sensitiveKeyParts = []string{"nsec", "secret", "mnemonic", "password", "passphrase", "content"}
)

// SanitizingHandler rewrites attributes before they reach next.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, redactSecrets(rec.Message), rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts secrets, fingerprints identifiers and recurses into
// groups. A string value that embeds a bech32 secret key is redacted under
// any key, which covers error reasons that quote user input.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	attr.Value = attr.Value.Resolve()
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	switch {
	case isSensitiveKey(lowerKey):
		return slog.String(key, redactedValue)
	case isFingerprintKey(lowerKey):
		return slog.String(key+"_fp", fingerprint(valueToString(attr.Value)))
	case attr.Value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(attr.Value.Group())...)}
	case attr.Value.Kind() == slog.KindString:
		return slog.String(key, redactSecrets(attr.Value.String()))
	case attr.Value.Kind() == slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok {
			return slog.String(key, redactSecrets(err.Error()))
		}
	}
	return attr
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

// redactSecrets replaces every whitespace-separated token that contains an
// nsec1 key.
func redactSecrets(s string) string {
	if !strings.Contains(s, "nsec1") {
		return s
	}
	fields := strings.Fields(s)
	for i, f := range fields {
		if strings.Contains(f, "nsec1") {
			fields[i] = redactedValue
		}
	}
	return strings.Join(fields, " ")
}

func isFingerprintKey(key string) bool {
	_, ok := fingerprintKeys[key]
	return ok
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return fmt.Sprint(v.Any())
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
