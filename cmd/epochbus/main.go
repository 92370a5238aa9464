// Command epochbus hosts an in-process epochbus instance.
// It loads the bus definition, builds every queue and topic it declares, and
// keeps them alive until SIGINT or SIGTERM, optionally serving metrics.
//
// Usage:
//
//	epochbus [--config path/to/epochbus.yaml] [--stats-interval 30s]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snehjoshi/epochbus/internal/broker"
	"github.com/snehjoshi/epochbus/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "epochbus: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "epochbus.yaml", "path to config file")
	statsInterval := flag.Duration("stats-interval", 0, "log an entity depth table at this interval (0 disables)")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	slog.Info("epochbus starting",
		"config", *configPath,
		"queues", len(cfg.Queues),
		"topics", len(cfg.Topics),
		"archive", cfg.Archive.Enabled,
	)

	// ── 3. Build the broker (scheduler + metrics + entities) ─────────────────
	b, err := broker.New(cfg, broker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}
	logEntities(b)

	// ── 4. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	serveErr := make(chan error, 1)
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", b.Metrics().Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	// ── 5. Periodic stats ────────────────────────────────────────────────────
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if *statsInterval > 0 {
		go func() {
			t := time.NewTicker(*statsInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					logEntities(b)
				}
			}
		}()
	}

	// ── 6. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		runErr = fmt.Errorf("metrics server: %w", err)
	}
	stop()

	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if err := b.Close(); err != nil {
		slog.Warn("broker close error", "err", err)
	}

	slog.Info("epochbus stopped")
	return runErr
}

// logEntities writes one log line per entity with its current depth.
func logEntities(b *broker.Broker) {
	for _, e := range b.Stats() {
		slog.Info("entity",
			"name", e.Name,
			"kind", e.Kind.String(),
			"ready", e.Stats.Ready,
			"locked", e.Stats.Locked,
			"deferred", e.Stats.Deferred,
			"scheduled", e.Stats.Scheduled,
			"dlq", e.DLQDepth,
		)
		for _, s := range e.Subscriptions {
			slog.Info("subscription",
				"topic", e.Name,
				"name", s.Name,
				"ready", s.Stats.Ready,
				"locked", s.Stats.Locked,
				"deferred", s.Stats.Deferred,
				"dlq", s.DLQDepth,
			)
		}
	}
	sum := b.Summary()
	slog.Info("bus summary",
		"queues", sum.Queues,
		"topics", sum.Topics,
		"subscriptions", sum.Subscriptions,
		"depth", sum.TotalDepth,
		"scheduled", sum.TotalScheduled,
		"dlq_alerts", sum.DLQAlerts,
	)
}
