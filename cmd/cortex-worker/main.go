// Command cortex-worker runs a job executor. Workers are stateless: they
// share nothing with the brain except the bus and scale by running more
// copies of this binary against the same Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cortex/internal/bus"
	"cortex/internal/config"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cortex-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, _, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	defer logging.Close()
	logger := logging.NewComponentLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(observability.Config{
		ServiceName:    "cortex-worker",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(flushCtx); err != nil {
			logger.Warn("Observability shutdown: %v", err)
		}
	}()

	conn, err := bus.Connect(ctx, cfg.RedisURL, logging.NewComponentLogger("bus"))
	if err != nil {
		return err
	}
	defer conn.Close()

	w := worker.New(worker.Config{
		BrainURL:  cfg.BrainURL,
		AuthToken: cfg.AuthToken,
	}, conn, obs, logging.NewComponentLogger("worker"))

	logger.Info("Worker %s (version %s) joining the jobs stream", w.ID(), version)
	if err := w.Run(ctx); err != nil {
		return err
	}
	logger.Info("Worker %s stopped", w.ID())
	return nil
}
