package conversation

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store with a fixed-size window per thread and
// FIFO eviction.
type Memory struct {
	mu          sync.Mutex
	maxMessages int
	threads     map[string][]Message
	owners      map[string]map[string]struct{} // user id -> thread ids
}

// NewMemory creates an in-memory store keeping at most maxMessages per
// thread.
func NewMemory(maxMessages int) *Memory {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Memory{
		maxMessages: maxMessages,
		threads:     make(map[string][]Message),
		owners:      make(map[string]map[string]struct{}),
	}
}

// NewHandle implements Store.
func (m *Memory) NewHandle(userID string) Handle {
	return NewHandle(userID)
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, h Handle) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.threads[h.ThreadID]
	result := make([]Message, len(msgs))
	copy(result, msgs)
	return result, nil
}

// Append implements Store.
func (m *Memory) Append(_ context.Context, h Handle, messages ...Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := append(m.threads[h.ThreadID], stamp(messages, time.Now())...)
	if len(existing) > m.maxMessages {
		existing = existing[len(existing)-m.maxMessages:]
	}
	m.threads[h.ThreadID] = existing

	owned, ok := m.owners[h.UserID]
	if !ok {
		owned = make(map[string]struct{})
		m.owners[h.UserID] = owned
	}
	owned[h.ThreadID] = struct{}{}
	return nil
}

// Discard implements Store.
func (m *Memory) Discard(_ context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, h.ThreadID)
	if owned, ok := m.owners[h.UserID]; ok {
		delete(owned, h.ThreadID)
		if len(owned) == 0 {
			delete(m.owners, h.UserID)
		}
	}
	return nil
}

// DeleteAll implements Store.
func (m *Memory) DeleteAll(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for thread := range m.owners[userID] {
		delete(m.threads, thread)
	}
	delete(m.owners, userID)
	return nil
}

// Threads returns the number of threads holding history for userID.
func (m *Memory) Threads(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners[userID])
}
