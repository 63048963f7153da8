// Package runtime wires the session store, cleanup, the sweep and the
// configured backends into a running sessiond process.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/szaher/designs/sessiond/internal/cleanup"
	"github.com/szaher/designs/sessiond/internal/config"
	"github.com/szaher/designs/sessiond/internal/conversation"
	"github.com/szaher/designs/sessiond/internal/filestore"
	"github.com/szaher/designs/sessiond/internal/searchindex"
	"github.com/szaher/designs/sessiond/internal/session"
	"github.com/szaher/designs/sessiond/internal/sweep"
	"github.com/szaher/designs/sessiond/internal/telemetry"
)

// Runtime manages the full lifecycle of a sessiond process.
type Runtime struct {
	config  *config.Config
	store   *session.Store
	cleaner *cleanup.Coordinator
	sweeper *sweep.Scheduler
	server  *Server
	metrics *telemetry.Metrics
	logger  *slog.Logger
	closers []func() error
}

// Options configures the runtime.
type Options struct {
	Logger *slog.Logger
	// Agent answers chat turns. Defaults to EchoAgent.
	Agent Agent
	// Backends overrides the stores built from configuration.
	Backends *Backends
	// Clock overrides time.Now for session bookkeeping.
	Clock func() time.Time
}

// New builds every component described by cfg. Backends that need a
// network connection are opened here.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agent := opts.Agent
	if agent == nil {
		agent = EchoAgent{}
	}
	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{config: cfg, logger: logger}

	var backends Backends
	if opts.Backends != nil {
		backends = *opts.Backends
	} else if backends, err = rt.openBackends(ctx); err != nil {
		_ = rt.close()
		return nil, err
	}

	tracer := telemetry.NewTracer(telemetry.LogExporter(logger))
	var store *session.Store
	rt.metrics = telemetry.NewMetrics(func() float64 { return float64(store.Len()) })
	storeOpts := []session.Option{
		session.WithTTLs(cfg.TTLs()),
		session.WithClassifier(classifier),
		session.WithHandles(backends.Conversation),
		session.WithObserver(rt.metrics),
		session.WithLogger(logger),
	}
	if opts.Clock != nil {
		storeOpts = append(storeOpts, session.WithClock(opts.Clock))
	}
	store = session.NewStore(storeOpts...)
	rt.store = store

	rt.cleaner = cleanup.New(backends.Files, backends.Index, backends.Conversation,
		cleanup.WithTimeout(cfg.CleanupTimeout()),
		cleanup.WithMetrics(rt.metrics),
		cleanup.WithTracer(tracer),
		cleanup.WithLogger(logger),
	)
	serverOpts := []ServerOption{
		WithLogger(logger),
		WithMetrics(rt.metrics),
		WithRateLimit(cfg.Server.RequestsPerSecond, cfg.Server.Burst),
	}
	if cfg.Server.APIKey != "" {
		serverOpts = append(serverOpts, WithAPIKey(cfg.Server.APIKey))
	} else {
		logger.Warn("no API key configured: requests are not authenticated")
	}
	rt.server = NewServer(store, backends, rt.cleaner, agent, serverOpts...)

	rt.sweeper = sweep.New(store, rt.cleaner,
		sweep.WithInterval(cfg.SweepInterval()),
		sweep.WithConcurrency(cfg.Sweep.Concurrency),
		sweep.WithRate(cfg.Sweep.RatePerSecond),
		sweep.WithOnExpired(rt.server.limiter.Forget),
		sweep.WithMetrics(rt.metrics),
		sweep.WithTracer(tracer),
		sweep.WithLogger(logger),
	)
	return rt, nil
}

func (rt *Runtime) openBackends(ctx context.Context) (Backends, error) {
	cfg := rt.config
	var b Backends

	switch cfg.Conversation.Backend {
	case config.BackendSQLite:
		db, err := conversation.OpenSQLite(conversation.SQLiteConfig{
			Path:        cfg.Conversation.SQLitePath,
			MaxMessages: cfg.Conversation.MaxMessages,
			Logger:      rt.logger,
		})
		if err != nil {
			return b, err
		}
		rt.closers = append(rt.closers, db.Close)
		b.Conversation = db
	case config.BackendPostgres:
		db, pool, err := conversation.OpenPostgres(ctx, cfg.Conversation.PostgresURL,
			conversation.WithPostgresMaxMessages(cfg.Conversation.MaxMessages),
			conversation.WithPostgresLogger(rt.logger))
		if err != nil {
			return b, err
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		b.Conversation = db
	default:
		b.Conversation = conversation.NewMemory(cfg.Conversation.MaxMessages)
	}

	switch cfg.Files.Backend {
	case config.BackendS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return b, fmt.Errorf("load AWS config: %w", err)
		}
		b.Files = filestore.NewS3(s3.NewFromConfig(awsCfg), cfg.Files.S3Bucket, cfg.Files.S3Prefix, rt.logger)
	default:
		b.Files = filestore.NewLocal(cfg.Files.Root, rt.logger)
	}

	switch cfg.Index.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Index.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return b, fmt.Errorf("connect redis %s: %w", cfg.Index.RedisAddr, err)
		}
		rt.closers = append(rt.closers, client.Close)
		b.Index = searchindex.NewRedis(client, "", rt.logger)
	default:
		b.Index = searchindex.NewLocal(cfg.Index.Root, rt.logger)
	}
	return b, nil
}

// Start starts the sweep and serves HTTP until Shutdown.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.sweeper.Start(ctx); err != nil {
		return err
	}
	err := rt.server.ListenAndServe(rt.config.Server.Addr)
	// Shutdown may have run before the sweep started.
	_ = rt.sweeper.Stop(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for a running sweep and closes
// the backends.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.logger.Info("shutting down runtime")

	if err := rt.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := rt.sweeper.Stop(ctx); err != nil {
		return fmt.Errorf("stop sweep: %w", err)
	}
	return rt.close()
}

func (rt *Runtime) close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Handler returns the HTTP handler.
func (rt *Runtime) Handler() http.Handler {
	return rt.server.Handler()
}

// Store returns the session store.
func (rt *Runtime) Store() *session.Store {
	return rt.store
}

// Sweep runs one sweep immediately.
func (rt *Runtime) Sweep(ctx context.Context) sweep.TickResult {
	return rt.sweeper.Tick(ctx)
}
