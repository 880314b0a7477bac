// Omen Backend — the trading venue for tokenized real-world assets.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the app, waits for SIGINT/SIGTERM
//	app/app.go              — composition root: wires storage, engines, workers, the API server
//	matching/               — order ingress, validation and price-time matching
//	lifecycle/              — market state machine from registration to on-chain activation
//	settlement/             — trade settlement worker and the scheduled reconciler
//	swap/                   — cross-token swap quoting and bridge execution
//	jobs/                   — Redis-backed job fabric: queues, workers, scheduler
//	ingress/                — entity-permissions webhook and fallback poller
//	api/                    — HTTP edge and the WebSocket event feed
//	chain/                  — Sapphire client for deploys, settlement and views
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"omen-backend/internal/app"
	"omen-backend/internal/config"
)

func main() {
	cfgPath := os.Getenv("OMEN_CONFIG")

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to wire backend", "error", err)
		os.Exit(1)
	}
	if err := backend.Start(); err != nil {
		logger.Error("failed to start backend", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	backend.Stop()
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
