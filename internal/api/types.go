package api

import (
	"time"

	"polyarb/internal/config"
)

// DashboardSnapshot represents the complete dashboard state
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Active markets
	Markets []MarketStatus `json:"markets"`

	// Aggregate P&L
	TotalRealized   float64 `json:"total_realized"`
	TotalUnrealized float64 `json:"total_unrealized"`
	TotalPnL        float64 `json:"total_pnl"`

	// Risk status
	Risk RiskSnapshot `json:"risk"`

	// Configuration
	Config ConfigSummary `json:"config"`

	// Scanner info
	Scanner ScannerInfo `json:"scanner"`
}

// MarketStatus represents per-market state
type MarketStatus struct {
	ConditionID string `json:"condition_id"`
	Slug        string `json:"slug"`
	Question    string `json:"question"`

	// Book state (quoted for the UP / Team-A token)
	MidPrice    float64   `json:"mid_price"`
	BestBid     float64   `json:"best_bid"`
	BestAsk     float64   `json:"best_ask"`
	Spread      float64   `json:"spread"`
	SpreadBps   float64   `json:"spread_bps"` // Spread in basis points
	LastUpdated time.Time `json:"last_updated"`
	IsStale     bool      `json:"is_stale"`

	// Position
	Position PositionSnapshot `json:"position"`

	// Strategy state
	Mode       string       `json:"mode,omitempty"`  // arbitrage mode, empty for shock-fade
	Cycle      *CycleStatus `json:"cycle,omitempty"` // open shock-fade cycle, nil for arbitrage
	OpenOrders int          `json:"open_orders"`

	// Market metadata
	TickSize  float64   `json:"tick_size"`
	EndDate   time.Time `json:"end_date"`
	Liquidity float64   `json:"liquidity"`
	Volume24h float64   `json:"volume_24h"`
}

// PositionSnapshot represents pair inventory and P&L for a market
type PositionSnapshot struct {
	UpQty            float64   `json:"up_qty"`
	DownQty          float64   `json:"down_qty"`
	AvgUp            float64   `json:"avg_up"`
	AvgDown          float64   `json:"avg_down"`
	PairCost         float64   `json:"pair_cost"`
	HedgedPairs      float64   `json:"hedged_pairs"`
	GuaranteedProfit float64   `json:"guaranteed_profit"`
	CumulativeProfit float64   `json:"cumulative_profit"`
	Imbalance        float64   `json:"imbalance"`
	LastUpdated      time.Time `json:"last_updated"`
}

// CycleStatus is the open shock-fade cycle for a market
type CycleStatus struct {
	ID           string    `json:"id"`
	PresplitUSD  float64   `json:"presplit_usd"`
	ShockedSide  string    `json:"shocked_side,omitempty"`
	EntryPrice   float64   `json:"entry_price,omitempty"`
	LadderResting int      `json:"ladder_resting"`
	CreatedAt    time.Time `json:"created_at"`
}

// QuoteInfo represents a single quote (bid or ask)
type QuoteInfo struct {
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	OrderID   string    `json:"order_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RiskSnapshot represents aggregate risk metrics
type RiskSnapshot struct {
	// Exposure
	GlobalExposure      float64 `json:"global_exposure"`
	MaxGlobalExposure   float64 `json:"max_global_exposure"`
	ExposurePct         float64 `json:"exposure_pct"`          // % of max
	UnhedgedExposureUSD float64 `json:"unhedged_exposure_usd"` // directional tail across markets

	// Kill switch
	KillSwitchActive bool      `json:"kill_switch_active"`
	KillSwitchUntil  time.Time `json:"kill_switch_until,omitempty"`
	KillSwitchReason string    `json:"kill_switch_reason,omitempty"`

	// P&L tracking
	TotalRealizedPnL   float64 `json:"total_realized_pnl"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`

	// Limits
	MaxPositionPerMarket float64 `json:"max_position_per_market"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxMarketsActive     int     `json:"max_markets_active"`
	CurrentMarketsActive int     `json:"current_markets_active"`

	// Shock-fade circuit breakers. The risk-snapshot conversion does not fill
	// these, so they are zero in both processes.
	ConsecutiveLosses int     `json:"consecutive_losses,omitempty"`
	SessionLossUSD    float64 `json:"session_loss_usd,omitempty"`
	ActiveGames       int     `json:"active_games,omitempty"`
}

// ConfigSummary represents strategy and risk configuration
type ConfigSummary struct {
	// Arbitrage parameters
	BaseTradeSizeUSD float64 `json:"base_trade_size_usd"`
	BudgetPct        float64 `json:"budget_pct"`
	PairCostTarget   float64 `json:"pair_cost_target"`
	StopMinute       int     `json:"stop_minute"`
	MaxCapitalPct    float64 `json:"max_capital_pct"`
	RiskAversion     float64 `json:"risk_aversion_gamma"`

	// Shock-fade parameters
	PresplitUSD        float64 `json:"presplit_usd"`
	ZThreshold         float64 `json:"z_threshold"`
	AbsThresholdCents  float64 `json:"abs_threshold_cents"`
	LadderLevels       int     `json:"ladder_levels"`
	LadderSpacingCents float64 `json:"ladder_spacing_cents"`
	FadeWindow         string  `json:"fade_window"`

	// Risk parameters
	MaxPositionPerMarket float64 `json:"max_position_per_market"`
	MaxGlobalExposure    float64 `json:"max_global_exposure"`
	MaxMarketsActive     int     `json:"max_markets_active"`
	KillSwitchDropPct    float64 `json:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int     `json:"kill_switch_window_sec"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	CooldownAfterKill    string  `json:"cooldown_after_kill"`

	// Scanner parameters
	ScannerPollInterval string  `json:"scanner_poll_interval"`
	MinLiquidity        float64 `json:"min_liquidity"`
	MinVolume24h        float64 `json:"min_volume_24h"`
	MinSpread           float64 `json:"min_spread"`
	MaxEndDateDays      int     `json:"max_end_date_days"`

	// Operational
	DryRun bool `json:"dry_run"`
}

// ScannerInfo represents scanner state
type ScannerInfo struct {
	LastScanTime    time.Time `json:"last_scan_time"`
	MarketsScanned  int       `json:"markets_scanned"`
	MarketsFiltered int       `json:"markets_filtered"`
	MarketsSelected int       `json:"markets_selected"`
}

// NewConfigSummary creates config summary from config
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		// Arbitrage
		BaseTradeSizeUSD: cfg.Arbitrage.BaseTradeSizeUSD,
		BudgetPct:        cfg.Arbitrage.BudgetPct,
		PairCostTarget:   cfg.Arbitrage.PairCostTarget,
		StopMinute:       cfg.Arbitrage.StopMinute,
		MaxCapitalPct:    cfg.Arbitrage.MaxCapitalPct,
		RiskAversion:     cfg.Arbitrage.RiskAversionGamma,

		// Shock-fade
		PresplitUSD:        cfg.ShockFade.PresplitUSD,
		ZThreshold:         cfg.ShockFade.ZThreshold,
		AbsThresholdCents:  cfg.ShockFade.AbsThresholdCents,
		LadderLevels:       cfg.ShockFade.LadderLevels,
		LadderSpacingCents: cfg.ShockFade.LadderSpacingCents,
		FadeWindow:         cfg.ShockFade.FadeWindow.String(),

		// Risk
		MaxPositionPerMarket: cfg.Risk.MaxPositionPerMarket,
		MaxGlobalExposure:    cfg.Risk.MaxGlobalExposure,
		MaxMarketsActive:     cfg.Risk.MaxMarketsActive,
		KillSwitchDropPct:    cfg.Risk.KillSwitchDropPct,
		KillSwitchWindowSec:  cfg.Risk.KillSwitchWindowSec,
		MaxDailyLoss:         cfg.Risk.MaxDailyLoss,
		CooldownAfterKill:    cfg.Risk.CooldownAfterKill.String(),

		// Scanner
		ScannerPollInterval: cfg.Scanner.PollInterval.String(),
		MinLiquidity:        cfg.Scanner.MinLiquidity,
		MinVolume24h:        cfg.Scanner.MinVolume24h,
		MinSpread:           cfg.Scanner.MinSpread,
		MaxEndDateDays:      cfg.Scanner.MaxEndDateDays,

		// Operational
		DryRun: cfg.DryRun,
	}
}
