// Intraday options trading engine for Indian index options (NIFTY, SENSEX).
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go         — orchestrator: market tick → exits → entries, meta tick, reconcile tick
//	marketdata/manager.go    — spot, option chains, technicals; unified snapshots with staleness
//	strategy/*.go            — signal generators (momentum, mean reversion, opening breakout)
//	meta/controller.go       — policy-network capital allocation across strategy groups
//	risk/manager.go          — sizing, exit ladder, daily-loss and streak circuit breakers
//	orders/manager.go        — paper and live execution, position book, feed-driven MTM
//	reconcile/reconciler.go  — broker-vs-engine book diff: orphan kill, phantom abandon
//	broker/client.go         — REST client for the Upstox-style broker API
//	feed/feed.go             — market data push socket with auto-reconnect
//	storage/storage.go       — GORM persistence: positions, trades, chains, allocations
//	notify/telegram.go       — Telegram alerts for fills and breaker trips
//
// The engine is long-only and strictly intraday: every position is squared
// off by 15:20 IST.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"options-engine/internal/config"
	"options-engine/internal/engine"
	"options-engine/internal/notify"
)

func main() {
	// Optional .env for local runs; real deployments set env vars directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OPT_CONFIG"); p != "" {
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

	notifier, closeNotifier := buildNotifier(cfg, logger)

	eng, err := engine.New(cfg, notifier, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.LiveTradingArmed() {
		logger.Warn("PAPER MODE — no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	closeNotifier()
}

// buildNotifier always includes the log notifier; Telegram joins when a
// token is configured. The returned func flushes and closes any external
// transport.
func buildNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, func()) {
	logN := notify.NewLogNotifier(logger)
	if cfg.Notify.TelegramToken == "" {
		return logN, func() {}
	}
	tg, err := notify.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, logger)
	if err != nil {
		logger.Error("telegram notifier disabled", "error", err)
		return logN, func() {}
	}
	return notify.Multi{logN, tg}, tg.Close
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
