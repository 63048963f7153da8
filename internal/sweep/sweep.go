// Package sweep periodically reclaims expired sessions.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/szaher/designs/sessiond/internal/conversation"
	"github.com/szaher/designs/sessiond/internal/telemetry"
)

// Defaults for the sweep loop.
const (
	DefaultInterval    = 30 * time.Minute
	DefaultConcurrency = 4
)

// Store is the part of the session store the sweep needs.
type Store interface {
	SnapshotExpired(now time.Time) []string
	DrainRetired() []conversation.Handle
	Now() time.Time
}

// Cleaner reclaims a user's resources. Implementations never fail.
// Cleanup must leave conversation history alone: it reaches the expired
// thread through DiscardHandles, after the user may already have started a
// new one.
type Cleaner interface {
	Cleanup(ctx context.Context, userID string)
	DiscardHandles(ctx context.Context, handles []conversation.Handle) int
}

// TickResult summarizes one sweep pass.
type TickResult struct {
	Expired   []string
	Retired   int
	Discarded int
	Duration  time.Duration
}

// Scheduler runs Tick on a fixed interval. Ticks never overlap.
type Scheduler struct {
	store   Store
	cleaner Cleaner

	interval    time.Duration
	concurrency int
	limit       rate.Limit

	onExpired func(userID string)

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the time between ticks.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithConcurrency bounds how many users are cleaned up at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = n }
}

// WithRate caps cleanups started per second. Zero or less means no cap.
func WithRate(perSecond float64) Option {
	return func(s *Scheduler) {
		if perSecond > 0 {
			s.limit = rate.Limit(perSecond)
		} else {
			s.limit = rate.Inf
		}
	}
}

// WithOnExpired calls fn for every expired user before its cleanup is
// dispatched. fn must not block.
func WithOnExpired(fn func(userID string)) Option {
	return func(s *Scheduler) { s.onExpired = fn }
}

// WithMetrics records tick counts and durations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer emits a span per tick.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a stopped scheduler.
func New(store Store, cleaner Cleaner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		cleaner:     cleaner,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		limit:       rate.Inf,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// Tick runs one sweep: expired sessions are removed from the store, their
// resources cleaned up with bounded concurrency, and retired handles
// discarded. No store lock is held while cleanup runs.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	start := time.Now()
	ctx = telemetry.WithCorrelationID(ctx, "")
	ctx, span := s.tracer.StartSpan(ctx, "sweep", nil)

	expired := s.store.SnapshotExpired(s.store.Now())

	var limiter *rate.Limiter
	if s.limit != rate.Inf {
		limiter = rate.NewLimiter(s.limit, 1)
	}
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, userID := range expired {
		if s.onExpired != nil {
			s.onExpired(userID)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				// The sessions are already gone from the store, so the
				// remaining cleanups still run, just unpaced.
				s.logger.Warn("sweep pacing abandoned", "error", err)
				limiter = nil
			}
		}
		g.Go(func() error {
			s.cleaner.Cleanup(ctx, userID)
			return nil
		})
	}
	_ = g.Wait()

	retired := s.store.DrainRetired()
	discarded := s.cleaner.DiscardHandles(ctx, retired)

	result := TickResult{
		Expired:   expired,
		Retired:   len(retired),
		Discarded: discarded,
		Duration:  time.Since(start),
	}
	span.Tags = telemetry.SweepTags(len(expired), len(retired))
	s.tracer.EndSpan(span, "")
	s.metrics.RecordSweep(result.Duration)

	level := slog.LevelDebug
	if len(expired) > 0 || len(retired) > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "sweep finished",
		"expired", len(expired),
		"retired", len(retired),
		"discarded", discarded,
		"duration", result.Duration)
	return result
}

// Start schedules Tick every interval until Stop. Ticks use ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweep already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := c.AddFunc(spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweep scheduled", "interval", s.interval, "concurrency", s.concurrency)
	return nil
}

// Stop prevents further ticks and waits for a running tick to finish or
// for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweep to stop: %w", ctx.Err())
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
