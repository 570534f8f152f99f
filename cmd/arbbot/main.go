// arbbot runs the 15-minute Up/Down arbitrage strategy: accumulate matched
// Up+Down share pairs at a combined cost below $1.00 so the $1.00 settlement
// payout locks guaranteed profit.
//
// Architecture:
//
//	cmd/arbbot            — entry point: config, wiring, signal handling
//	engine/engine.go      — orchestrator: scanner → cores → exchange, market lifecycle
//	arbitrage/core.go     — the mode-arbitrated strategy state machine
//	arbitrage/balancing.go — micro trigger-hedge engine with dilution math
//	ledger/ledger.go      — authoritative (market, side) → (qty, cost) position map
//	orders/tracker.go     — pending-order map fed by the user WS channel
//	market/               — Gamma scanner + local order book mirror
//	exchange/             — CLOB REST/WS clients, signing, relayer, executor
//	risk/manager.go       — exposure limits and the price-shock kill switch
//	store/store.go        — SQLite persistence (recovery/reporting only)
//
// The sibling shockbot binary runs the sports shock-fade strategy; the two
// are independent processes and never share state.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polyarb/internal/api"
	"polyarb/internal/arbitrage"
	"polyarb/internal/config"
	"polyarb/internal/engine"
	"polyarb/internal/ledger"
	"polyarb/internal/market"
	"polyarb/internal/orders"
	"polyarb/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
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
	if err := cfg.ValidateArbitrage(); err != nil {
		slog.Error("invalid arbitrage config", "error", err)
		os.Exit(1)
	}
	if cfg.Scanner.Vertical == "" {
		cfg.Scanner.Vertical = types.VerticalCrypto
	}

	logger := newLogger(cfg.Logging)
	led := ledger.New()

	var eng *engine.Engine
	factory := func(info types.MarketInfo, book *market.Book, alloc types.MarketAllocation) engine.Core {
		core := arbitrage.NewCore(cfg.Arbitrage, info, book, led, eng.Executor(), alloc.MaxPositionUSD, logger)
		core.FillSink = func(f orders.Fill) {
			if err := eng.Store().RecordFill(f.OrderID, f.TradeID, info.ConditionID, f.TokenID, string(f.Side), f.Size, f.Price); err != nil {
				logger.Error("persist fill failed", "error", err)
			}
		}
		core.BaselineSink = func(b types.Baseline) {
			if err := eng.Store().SaveBaseline(b); err != nil {
				logger.Error("persist baseline failed", "error", err)
			}
		}
		return core
	}

	eng, err = engine.New(*cfg, led, factory, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("arbitrage bot started",
		"markets_max", cfg.Risk.MaxMarketsActive,
		"base_trade_size", cfg.Arbitrage.BaseTradeSizeUSD,
		"pair_cost_target", cfg.Arbitrage.PairCostTarget,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
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
