// dhan-mirror replicates orders from a leader DhanHQ account into a
// follower account, sized to the follower's capital.
//
// Architecture:
//
//	cmd/mirror/main.go      — entry point: config, logging, signal handling
//	engine/engine.go        — supervisor: session validation, stream → worker pipeline, recovery, drain
//	strategy/replicator.go  — translates leader order events into follower placements, modifies, cancels
//	strategy/sizer.go       — pure quantity sizing: capital-proportional, fixed-ratio, risk-based
//	strategy/recovery.go    — replays leader orders missed while the stream was down
//	market/instruments.go   — lot size / tick size cache with store persistence and REST fallback
//	risk/funds.go           — TTL-cached fund limits per account
//	exchange/client.go      — authenticated REST client with rate limiting and a circuit breaker
//	exchange/ws.go          — order-update stream consumer with heartbeats and reconnect backoff
//	store/store.go          — SQLite persistence: orders, mappings, bracket legs, cursor, audit log
//	api/server.go           — operator endpoints: /healthz and /status
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"dhan-mirror/internal/api"
	"dhan-mirror/internal/config"
	"dhan-mirror/internal/engine"
)

func main() {
	// A .env file is optional; deployments usually set env vars directly.
	_ = godotenv.Load()

	configPath := "configs/config.yaml"
	if p := os.Getenv("DHAN_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", configPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var ops *api.Server
	if cfg.Ops.ListenAddr != "" {
		ops = api.NewServer(cfg.Ops.ListenAddr, eng, logger)
		go func() {
			if err := ops.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	logger.Info("dhan-mirror starting",
		"leader", cfg.Leader.ClientID,
		"follower", cfg.Follower.ClientID,
		"sizing", string(cfg.Replication.SizingStrategy),
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := eng.Run(ctx)

	// The ops server outlives the engine so /status stays readable while
	// draining; stop it only once Run has returned.
	if ops != nil {
		if err := ops.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("engine stopped with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
