// shockbot runs the sports shock-fade strategy: pre-split USDC into both
// outcome tokens of a moneyline market, detect mid-game price shocks via a
// rolling z-score, classify them against the live league feed, and sell the
// spiked token back through a laddered stack of GTC offers.
//
// SIGHUP reloads the config file without dropping open cycles: the new
// parameters apply only to cycles opened after the reload.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"polyarb/internal/api"
	"polyarb/internal/config"
	"polyarb/internal/engine"
	"polyarb/internal/leagueapi"
	"polyarb/internal/ledger"
	"polyarb/internal/market"
	"polyarb/internal/orders"
	"polyarb/internal/risk"
	"polyarb/internal/shockfade"
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
	if err := cfg.ValidateShockFade(); err != nil {
		slog.Error("invalid shockfade config", "error", err)
		os.Exit(1)
	}
	if cfg.Scanner.Vertical == "" {
		cfg.Scanner.Vertical = types.VerticalSports
	}

	logger := newLogger(cfg.Logging)
	led := ledger.New()
	breakers := risk.NewBreakers(
		cfg.ShockFade.MaxConcurrentGames,
		cfg.ShockFade.MaxConcurrentCyclesPerGame,
		cfg.ShockFade.ConsecutiveLossLimit,
		cfg.ShockFade.SessionLossLimitUSD,
		logger,
	)

	politeGap := cfg.LeagueAPI.PoliteGap
	if politeGap <= 0 {
		politeGap = 2 * time.Second
	}

	// Track running cores so SIGHUP can stage config reloads into them.
	var coresMu sync.Mutex
	var cores []*shockfade.Core

	var eng *engine.Engine
	factory := func(info types.MarketInfo, book *market.Book, alloc types.MarketAllocation) engine.Core {
		league := leagueForMarket(info)
		feed := leagueapi.FeedFor(league, politeGap)
		classifier := leagueapi.NewClassifier(feed, politeGap, logger)

		core := shockfade.NewCore(cfg.ShockFade, info, book, led, eng.Executor(), classifier, feed, breakers, logger)
		core.FillSink = func(f orders.Fill) {
			if err := eng.Store().RecordFill(f.OrderID, f.TradeID, info.ConditionID, f.TokenID, string(f.Side), f.Size, f.Price); err != nil {
				logger.Error("persist fill failed", "error", err)
			}
		}
		core.CycleSink = func(c types.Cycle) {
			if err := eng.Store().SaveCycle(c); err != nil {
				logger.Error("persist cycle failed", "error", err)
			}
		}

		coresMu.Lock()
		cores = append(cores, core)
		coresMu.Unlock()
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

	logger.Info("shockfade bot started",
		"presplit_usd", cfg.ShockFade.PresplitUSD,
		"z_threshold", cfg.ShockFade.ZThreshold,
		"ladder_levels", cfg.ShockFade.LadderLevels,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reloaded, err := config.Load(cfgPath)
			if err != nil {
				logger.Error("config reload failed, keeping current config", "error", err)
				continue
			}
			if err := reloaded.ValidateShockFade(); err != nil {
				logger.Error("reloaded config invalid, keeping current config", "error", err)
				continue
			}
			coresMu.Lock()
			for _, core := range cores {
				core.UpdateConfig(reloaded.ShockFade)
			}
			coresMu.Unlock()
			logger.Info("config reloaded, applies to new cycles only")
			continue
		}

		logger.Info("received shutdown signal", "signal", sig.String())
		break
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

// leagueForMarket guesses the league feed from the market slug; ESPN/NFL is
// the fallback for anything unrecognized.
func leagueForMarket(info types.MarketInfo) leagueapi.League {
	slug := strings.ToLower(info.Slug + " " + info.Question)
	switch {
	case strings.Contains(slug, "nhl"):
		return leagueapi.LeagueNHL
	case strings.Contains(slug, "nba"):
		return leagueapi.LeagueNBA
	case strings.Contains(slug, "mlb"):
		return leagueapi.LeagueMLB
	case strings.Contains(slug, "nfl"):
		return leagueapi.LeagueNFL
	case strings.Contains(slug, "soccer"), strings.Contains(slug, "premier-league"), strings.Contains(slug, "epl"):
		return leagueapi.LeagueSoccer
	default:
		return leagueapi.LeagueNFL
	}
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
