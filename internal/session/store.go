package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/szaher/designs/sessiond/internal/conversation"
	"github.com/szaher/designs/sessiond/internal/policy"
)

// Store is the in-memory session table. All methods are safe for
// concurrent use and never block on I/O: handles that stop being live are
// queued for DrainRetired instead of being discarded inline.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	retired []conversation.Handle

	now        func() time.Time
	ttls       policy.TTLs
	classifier policy.Classifier
	handles    HandleMinter
	observer   Observer
	logger     *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:    make(map[string]*Record),
		now:        time.Now,
		ttls:       policy.DefaultTTLs(),
		classifier: policy.NewKeywords(),
		handles:    minterFunc(conversation.NewHandle),
		observer:   nopObserver{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock reads the time source, never going back before prev. Must be
// called with s.mu held so later calls observe later times.
func (s *Store) clock(prev time.Time) time.Time {
	now := s.now()
	if now.Before(prev) {
		return prev
	}
	return now
}

// GetOrCreate returns the live handle for userID. A missing record is
// created with the Long class. An expired record is replaced: its handle
// is retired and a new one minted. A live record is touched.
func (s *Store) GetOrCreate(userID string) conversation.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		now := s.now()
		rec = s.newRecord(userID, now)
		s.records[userID] = rec
		s.observer.SessionCreated()
		s.logger.Debug("session created", "user_id", userID, "thread_id", rec.Handle.ThreadID)
		return rec.Handle
	}

	now := s.clock(rec.LastActive)
	if rec.expired(now, s.ttls) {
		old := rec.Handle
		s.retired = append(s.retired, old)
		rec = s.newRecord(userID, now)
		s.records[userID] = rec
		s.observer.SessionReplaced()
		s.logger.Info("expired session replaced",
			"user_id", userID, "old_thread_id", old.ThreadID, "thread_id", rec.Handle.ThreadID)
		return rec.Handle
	}

	rec.LastActive = now
	return rec.Handle
}

func (s *Store) newRecord(userID string, now time.Time) *Record {
	return &Record{
		UserID:     userID,
		Handle:     s.handles.NewHandle(userID),
		Expiry:     policy.Long,
		LastActive: now,
		CreatedAt:  now,
	}
}

// Touch marks userID active. The TTL class is left unchanged.
func (s *Store) Touch(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		s.logger.Debug("touch for missing session ignored", "user_id", userID)
		return
	}
	rec.LastActive = s.clock(rec.LastActive)
}

// RecordResponse classifies the agent's reply to set the TTL class and
// marks userID active.
func (s *Store) RecordResponse(userID, text string) {
	class := s.classifier.Classify(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		s.logger.Debug("response for missing session ignored", "user_id", userID)
		return
	}
	rec.Expiry = class
	rec.LastActive = s.clock(rec.LastActive)
	rec.Turns++
}

// Remove deletes the record for userID and reports whether one existed.
// External resources are left for the caller to clean up.
func (s *Store) Remove(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return false
	}
	delete(s.records, userID)
	s.retired = append(s.retired, rec.Handle)
	s.observer.SessionRemoved()
	return true
}

// SnapshotExpired removes every record expired at now and returns their
// user ids in sorted order. Detection and removal happen in one critical
// section, so an id is never reported twice.
func (s *Store) SnapshotExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.records {
		if !rec.expired(now, s.ttls) {
			continue
		}
		delete(s.records, id)
		s.retired = append(s.retired, rec.Handle)
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		s.observer.SessionsExpired(len(ids))
	}
	sort.Strings(ids)
	return ids
}

// DrainRetired returns and clears the handles retired since the last call.
func (s *Store) DrainRetired() []conversation.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.retired
	s.retired = nil
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Stats counts records by class and how many are expired at now but not
// yet swept.
func (s *Store) Stats(now time.Time) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Active: len(s.records)}
	for _, rec := range s.records {
		if rec.Expiry == policy.Short {
			st.Short++
		} else {
			st.Long++
		}
		if rec.expired(now, s.ttls) {
			st.Expired++
		}
	}
	return st
}

// Lookup returns a copy of the record for userID.
func (s *Store) Lookup(userID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}
