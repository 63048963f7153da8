package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/sessiond/internal/config"
	"github.com/szaher/designs/sessiond/internal/runtime"
	"github.com/szaher/designs/sessiond/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level, err := telemetry.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger := telemetry.NewLogger(os.Stdout, level, cfg.Secrets()...)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- rt.Start(ctx) }()

			select {
			case err := <-errCh:
				_ = rt.Shutdown(context.Background())
				return err
			case <-ctx.Done():
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if err := rt.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown failed", "error", err)
				return err
			}
			return <-errCh
		},
	}
}
