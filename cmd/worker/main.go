// Cross-venue arbitrage worker — detects risk-free two-leg arbitrage across
// binary prediction markets and sportsbook moneylines.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the worker, waits for SIGINT/SIGTERM
//	worker/worker.go     — lifecycle: component wiring, refresh loop, config polling, shutdown
//	worker/heartbeat.go  — decoupled heartbeat writer (skip-not-block on slow KV)
//	venue/conn.go        — shared WebSocket core: reconnect, resubscribe, parse accounting
//	venue/{kalshi,polymarket,sxbet} — per-venue protocols and REST market discovery
//	pricecache/cache.go  — sharded price cache with monotonic-observed writes
//	match/matcher.go     — rule-based cross-venue event matching
//	registry/registry.go — tracked event set with diffing and lifecycle tagging
//	subs/manager.go      — debounced subscription reconciliation per venue
//	arb/evaluator.go     — price-triggered opportunity evaluation
//	safety/safety.go     — freshness/skew/slippage/profit gates + circuit breaker
//	kv/store.go          — runtime config, heartbeat, and opportunity log in Redis
//	ops/server.go        — /healthz, /metrics, /status, /opportunities.csv
//
// How it finds money:
//
//	Two venues listing the same real-world event sometimes disagree enough
//	that buying YES on one and NO on the other costs less than the guaranteed
//	$1 payout. The worker streams prices from every venue, matches listings
//	to shared events, and emits any pair whose combined cost clears the
//	profit threshold after safety checks.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crossarb/internal/config"
	"crossarb/internal/kv"
	"crossarb/internal/worker"
)

func main() {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store := kv.New(cfg.Redis)
	defer store.Close()

	w := worker.New(cfg, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	logger.Info("arbitrage worker started", "ops_port", cfg.Ops.Port)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// The worker gets the grace window to run its stop sequence; past that
	// the process force-exits so the supervisor can restart it.
	select {
	case err := <-done:
		if err != nil {
			logger.Error("worker exited with error", "error", err)
			os.Exit(1)
		}
	case <-time.After(cfg.Worker.ShutdownGrace):
		logger.Error("shutdown grace exceeded, forcing exit")
		os.Exit(2)
	}
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
