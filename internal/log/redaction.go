package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// sensitiveKeys are substrings of attribute keys whose values never reach
// the log. Keys are matched case-insensitively.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"key",
	"hash",
	"ticket",
	"cred",
	"keytab",
	"authorization",
	"challenge",
	"proof",
}

// allowedKeys are exact keys that would match a sensitive substring but
// carry no secret material.
var allowedKeys = map[string]struct{}{
	"in_len":        {},
	"out_len":       {},
	"token_len":     {},
	"max_token":     {},
	"key_exchange":  {},
	"hash_algo":     {},
	"access_tokens": {},
}

// RedactingHandler is a slog.Handler that strips credential material from
// records: attributes with sensitive keys and raw byte slices such as
// handshake tokens.
type RedactingHandler struct {
	next slog.Handler
}

// NewRedactingHandler wraps next.
func NewRedactingHandler(next slog.Handler) *RedactingHandler {
	return &RedactingHandler{next: next}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(redacted)}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		redacted := make([]any, len(group))
		for i, attr := range group {
			redacted[i] = redactAttr(attr)
		}
		return slog.Group(a.Key, redacted...)
	}

	if isSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindAny {
		if b, ok := a.Value.Any().([]byte); ok {
			return slog.String(a.Key, fmt.Sprintf("[REDACTED %d bytes]", len(b)))
		}
	}
	return a
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := allowedKeys[lower]; ok {
		return false
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
