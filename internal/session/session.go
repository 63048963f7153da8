// Package session tracks the live conversation of every user and decides
// when an idle one has expired.
package session

import (
	"log/slog"
	"time"

	"github.com/szaher/designs/sessiond/internal/conversation"
	"github.com/szaher/designs/sessiond/internal/policy"
)

// Record is the bookkeeping kept for one active user.
type Record struct {
	UserID     string              `json:"user_id"`
	Handle     conversation.Handle `json:"handle"`
	Expiry     policy.Class        `json:"-"`
	LastActive time.Time           `json:"last_active"`
	CreatedAt  time.Time           `json:"created_at"`
	Turns      int                 `json:"turns"`
}

func (r *Record) expired(now time.Time, ttls policy.TTLs) bool {
	return now.Sub(r.LastActive) > ttls.Duration(r.Expiry)
}

// Stats summarizes the store at one instant.
type Stats struct {
	Active  int `json:"active"`
	Short   int `json:"short"`
	Long    int `json:"long"`
	Expired int `json:"expired_pending"`
}

// HandleMinter creates conversation handles. Minting must not block.
type HandleMinter interface {
	NewHandle(userID string) conversation.Handle
}

type minterFunc func(userID string) conversation.Handle

func (f minterFunc) NewHandle(userID string) conversation.Handle { return f(userID) }

// Observer is notified of record lifecycle changes. Calls are made while
// the store lock is held and must return quickly.
type Observer interface {
	SessionCreated()
	SessionReplaced()
	SessionsExpired(n int)
	SessionRemoved()
}

type nopObserver struct{}

func (nopObserver) SessionCreated()     {}
func (nopObserver) SessionReplaced()    {}
func (nopObserver) SessionsExpired(int) {}
func (nopObserver) SessionRemoved()     {}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTTLs sets the idle timeout per class.
func WithTTLs(ttls policy.TTLs) Option {
	return func(s *Store) { s.ttls = ttls }
}

// WithClassifier replaces the keyword classifier.
func WithClassifier(c policy.Classifier) Option {
	return func(s *Store) { s.classifier = c }
}

// WithHandles sets where conversation handles come from.
func WithHandles(m HandleMinter) Option {
	return func(s *Store) { s.handles = m }
}

// WithObserver registers lifecycle callbacks, typically metrics.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}
