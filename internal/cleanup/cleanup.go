// Package cleanup reclaims the external resources a user accumulated
// during a session: uploaded files, the search index and conversation
// history.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szaher/designs/sessiond/internal/conversation"
	"github.com/szaher/designs/sessiond/internal/telemetry"
)

// Collaborator names used in logs, metrics and reports.
const (
	Files        = "files"
	SearchIndex  = "search_index"
	Conversation = "conversation"
)

// DefaultTimeout bounds each collaborator call.
const DefaultTimeout = 30 * time.Second

// FileStore deletes a user's uploaded files. Deleting nothing succeeds.
type FileStore interface {
	DeleteAll(ctx context.Context, userID string) error
}

// Index deletes a user's search index. Deleting nothing succeeds.
type Index interface {
	DeleteAll(ctx context.Context, userID string) error
}

// ConversationStore drops conversation history.
type ConversationStore interface {
	Discard(ctx context.Context, h conversation.Handle) error
	DeleteAll(ctx context.Context, userID string) error
}

// Failure is one collaborator call that failed, panicked or timed out.
type Failure struct {
	Collaborator string
	UserID       string
	Err          error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("cleanup %s for %s: %v", f.Collaborator, f.UserID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Report describes one cleanup run.
type Report struct {
	UserID   string
	Failures []*Failure
	Duration time.Duration
	// Shared is set when the run was coalesced with a concurrent call for
	// the same user.
	Shared bool
}

// OK reports whether every collaborator succeeded.
func (r Report) OK() bool { return len(r.Failures) == 0 }

// Coordinator runs the collaborators for a user, isolating their failures
// from each other. It never returns an error.
type Coordinator struct {
	files FileStore
	index Index
	conv  ConversationStore

	timeout time.Duration
	group   singleflight.Group
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the per-collaborator timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithMetrics records call durations and failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer emits a span per cleanup run.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator. A nil collaborator is skipped.
func New(files FileStore, index Index, conv ConversationStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		files:   files,
		index:   index,
		conv:    conv,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cleanup reclaims the files and search index of a user whose session
// expired. Conversation history is left alone: the expired thread was
// retired by the session store and goes through DiscardHandles, so a
// thread the user started after expiry survives. Failures are logged and
// counted, never returned.
func (c *Coordinator) Cleanup(ctx context.Context, userID string) {
	c.do(ctx, userID, false)
}

// CleanupReport deletes every resource owned by userID, all conversation
// history included, and reports what happened. It serves explicit deletes.
func (c *Coordinator) CleanupReport(ctx context.Context, userID string) Report {
	return c.do(ctx, userID, true)
}

// do coalesces concurrent runs of the same kind for the same user. The run
// is detached from the caller's cancellation and bounded by the
// per-collaborator timeout instead.
func (c *Coordinator) do(ctx context.Context, userID string, history bool) Report {
	ctx = context.WithoutCancel(ctx)
	key := "expire:" + userID
	if history {
		key = "delete:" + userID
	}
	v, _, shared := c.group.Do(key, func() (any, error) {
		return c.run(ctx, userID, history), nil
	})
	report := v.(Report)
	report.Shared = shared
	return report
}

func (c *Coordinator) run(ctx context.Context, userID string, history bool) Report {
	start := time.Now()
	ctx, span := c.tracer.StartSpan(ctx, "cleanup", telemetry.CleanupTags(userID))

	report := Report{UserID: userID}
	steps := []struct {
		name string
		fn   func(context.Context) error
		ok   bool
	}{
		{Files, func(ctx context.Context) error { return c.files.DeleteAll(ctx, userID) }, c.files != nil},
		{SearchIndex, func(ctx context.Context) error { return c.index.DeleteAll(ctx, userID) }, c.index != nil},
		{Conversation, func(ctx context.Context) error { return c.conv.DeleteAll(ctx, userID) }, history && c.conv != nil},
	}
	for _, step := range steps {
		if !step.ok {
			continue
		}
		if f := c.call(ctx, step.name, userID, step.fn); f != nil {
			report.Failures = append(report.Failures, f)
		}
	}
	report.Duration = time.Since(start)

	status := "ok"
	if !report.OK() {
		status = "partial"
	}
	c.tracer.EndSpan(span, status)
	c.logger.Info("user resources cleaned up",
		"user_id", userID,
		"failures", len(report.Failures),
		"duration", report.Duration)
	return report
}

// DiscardHandles drops the history behind handles retired by the session
// store and returns how many were discarded. The handles have already left
// the store, so the calls are detached from ctx cancellation like Cleanup.
func (c *Coordinator) DiscardHandles(ctx context.Context, handles []conversation.Handle) int {
	if c.conv == nil {
		return 0
	}
	ctx = context.WithoutCancel(ctx)
	n := 0
	for _, h := range handles {
		f := c.call(ctx, Conversation, h.UserID, func(ctx context.Context) error {
			return c.conv.Discard(ctx, h)
		})
		if f == nil {
			n++
		}
	}
	c.metrics.HandlesDiscarded(n)
	return n
}

// call runs fn with its own timeout. A panic or a timeout becomes a
// Failure. fn keeps running in the background after a timeout if it
// ignores its context.
func (c *Coordinator) call(ctx context.Context, name, userID string, fn func(context.Context) error) *Failure {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timed out after %s: %w", c.timeout, ctx.Err())
	}

	c.metrics.RecordCleanup(name, time.Since(start), err != nil)
	if err == nil {
		return nil
	}
	f := &Failure{Collaborator: name, UserID: userID, Err: err}
	c.logger.Error("cleanup step failed",
		"collaborator", name,
		"user_id", userID,
		"error", err)
	return f
}
