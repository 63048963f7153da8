// Package conversation defines the per-user conversation-state store that
// holds dialogue history behind an opaque Handle.
package conversation

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of dialogue history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Handle references one conversation thread owned by a user. Handles are
// minted in memory; nothing is persisted until messages are appended.
type Handle struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
}

// IsZero reports whether h was never minted.
func (h Handle) IsZero() bool {
	return h.ThreadID == ""
}

// NewHandle mints a fresh handle for userID. It performs no I/O.
func NewHandle(userID string) Handle {
	return Handle{UserID: userID, ThreadID: "thr_" + ulid.Make().String()}
}

// Store manages conversation history. Deletes tolerate absent data.
type Store interface {
	// NewHandle mints a handle without touching the backend.
	NewHandle(userID string) Handle

	// Load returns the history of the thread, oldest first.
	Load(ctx context.Context, h Handle) ([]Message, error)

	// Append adds messages to the thread, applying the backend's
	// retention window.
	Append(ctx context.Context, h Handle, messages ...Message) error

	// Discard drops everything stored for one thread.
	Discard(ctx context.Context, h Handle) error

	// DeleteAll drops every thread owned by userID.
	DeleteAll(ctx context.Context, userID string) error
}

// DefaultMaxMessages is the retention window used when none is configured.
const DefaultMaxMessages = 50

func stamp(messages []Message, now time.Time) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		out[i] = m
	}
	return out
}
