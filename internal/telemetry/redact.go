package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Redacted replaces secret values in log output.
const Redacted = "***REDACTED***"

// RedactHandler wraps a slog handler and scrubs registered secret values
// from the message and from string and error attributes.
type RedactHandler struct {
	inner   slog.Handler
	mu      *sync.RWMutex
	secrets map[string]bool
}

// NewRedactHandler wraps inner.
func NewRedactHandler(inner slog.Handler, secrets ...string) *RedactHandler {
	h := &RedactHandler{
		inner:   inner,
		mu:      &sync.RWMutex{},
		secrets: make(map[string]bool),
	}
	for _, s := range secrets {
		h.AddSecret(s)
	}
	return h
}

// AddSecret registers a value to redact. Empty values are ignored.
func (h *RedactHandler) AddSecret(value string) {
	if value == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.secrets[value] = true
}

// Enabled delegates to the inner handler.
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactHandler) Handle(ctx context.Context, record slog.Record) error {
	secrets := h.snapshot()
	if len(secrets) == 0 {
		return h.inner.Handle(ctx, record)
	}

	redacted := slog.NewRecord(record.Time, record.Level, scrub(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return h.inner.Handle(ctx, redacted)
}

// WithAttrs shares the secret set with the parent.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := h.snapshot()
	for i, a := range attrs {
		attrs[i] = redactAttr(a, secrets)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(attrs), mu: h.mu, secrets: h.secrets}
}

// WithGroup shares the secret set with the parent.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), mu: h.mu, secrets: h.secrets}
}

func (h *RedactHandler) snapshot() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.secrets))
	for s := range h.secrets {
		out = append(out, s)
	}
	return out
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(v.String(), secrets))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, 0, len(group))
		for _, g := range group {
			out = append(out, redactAttr(g, secrets))
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, scrub(err.Error(), secrets))
		}
	}
	return a
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}
