// Package risk enforces portfolio-level limits across all active markets.
//
// The manager runs as a standalone goroutine consuming PositionReports the
// engine derives from the ledger each cycle. A pair book has an unusual risk
// shape: min(up, down) pairs are settlement-protected (they pay $1 at
// resolution no matter what), so raw notional overstates what can actually
// be lost. The checks therefore split exposure in two:
//
//   - Capital limits: total USD committed per market and globally — the
//     bankroll cap, protected pairs included.
//   - Unhedged-tail limit: |up - down| shares valued at the live price.
//     This is the slice a bad settlement wipes out. The tail is always a
//     subset of total exposure, so it gets a tighter budget: half the
//     per-market cap may sit unhedged.
//   - Session drawdown: locked PnL plus the guaranteed profit sitting in
//     held pairs, killed when it sinks past MaxDailyLoss.
//   - Rapid mid movement: a mid swinging more than KillSwitchDropPct inside
//     KillSwitchWindowSec smells like news; stop quoting into it.
//
// When a limit is breached, the manager emits a KillSignal on KillCh(). The
// engine reads it and cancels orders (globally or per-market). After a kill,
// the switch stays engaged for CooldownAfterKill, during which cores skip
// quoting. Shock-fade's cycle-level breakers live in breakers.go; this file
// is the always-on exposure layer both processes share.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polyarb/internal/config"
)

// PositionReport is one market's ledger state as the engine sees it each
// reporting cycle. MidPrice is the mid of the UP (Team-A) token; the DOWN
// side is valued at its complement.
type PositionReport struct {
	MarketID         string
	UpQty            float64
	DownQty          float64
	MidPrice         float64
	ExposureUSD      float64 // up*mid + down*(1-mid), total capital at work
	HedgedPairs      float64 // min(up, down), settlement-protected
	PairCost         float64 // realized average cost of one pair
	GuaranteedProfit float64 // hedged_pairs - total_cost when positive
	LockedPnL        float64 // cumulative profit already merged/realized
	Timestamp        time.Time
}

// UnhedgedUSD values the directional tail: the shares one side holds beyond
// the other, marked at that side's live price.
func (r PositionReport) UnhedgedUSD() float64 {
	diff := r.UpQty - r.DownQty
	switch {
	case diff > 0:
		return diff * r.MidPrice
	case diff < 0:
		return -diff * (1 - r.MidPrice)
	default:
		return 0
	}
}

// KillSignal tells the engine to cancel all orders. If MarketID is empty,
// it means cancel across ALL markets (global kill).
type KillSignal struct {
	MarketID string // empty = kill ALL markets
	Reason   string
}

// midAnchor is a reference mid at a point in time, for detecting rapid
// price movement within a rolling window.
type midAnchor struct {
	mid float64
	at  time.Time
}

// Manager aggregates position reports, checks limits, and emits kill
// signals when they breach.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.RWMutex
	positions        map[string]PositionReport // latest report per market
	killSwitchActive bool                      // true while in cooldown
	killSwitchUntil  time.Time                 // when cooldown expires
	anchors          map[string]midAnchor      // reference mids per market

	reportCh chan PositionReport // the engine writes here
	killCh   chan KillSignal     // the engine reads kill signals from here
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		positions: make(map[string]PositionReport),
		anchors:   make(map[string]midAnchor),
		reportCh:  make(chan PositionReport, 100),
		killCh:    make(chan KillSignal, 10),
	}
}

// Run starts the risk monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	// Periodic check clears the kill switch even when no reports arrive.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking; risk reports are derived
// state, the next cycle re-derives them).
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report",
			"market", report.MarketID)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// RemoveMarket cleans up state for a stopped market.
func (rm *Manager) RemoveMarket(marketID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.positions, marketID)
	delete(rm.anchors, marketID)
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// RemainingBudget returns how much additional USD exposure is allowed for
// the given market: the minimum of per-market headroom and global headroom,
// floored at zero.
func (rm *Manager) RemainingBudget(marketID string) float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var current float64
	if pos, ok := rm.positions[marketID]; ok {
		current = pos.ExposureUSD
	}

	remaining := rm.cfg.MaxPositionPerMarket - current
	if global := rm.cfg.MaxGlobalExposure - rm.totalExposureLocked(); global < remaining {
		remaining = global
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (rm *Manager) totalExposureLocked() float64 {
	var total float64
	for _, pos := range rm.positions {
		total += pos.ExposureUSD
	}
	return total
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.positions[report.MarketID] = report

	totalExposure := rm.totalExposureLocked()
	var sessionPnL float64
	for _, pos := range rm.positions {
		sessionPnL += pos.LockedPnL + pos.GuaranteedProfit
	}

	if report.ExposureUSD > rm.cfg.MaxPositionPerMarket {
		rm.emitKill(report.MarketID, "per-market capital limit breached")
	}
	if unhedged := report.UnhedgedUSD(); unhedged > rm.cfg.MaxPositionPerMarket/2 {
		rm.emitKill(report.MarketID, fmt.Sprintf(
			"unhedged exposure $%.0f exceeds directional budget", unhedged))
	}
	if totalExposure > rm.cfg.MaxGlobalExposure {
		rm.emitKill("", "global exposure limit breached")
	}
	if sessionPnL < -rm.cfg.MaxDailyLoss {
		rm.emitKill("", "max daily loss breached")
	}

	rm.checkMidMovement(report)
}

// checkMidMovement detects rapid mid swings using a rolling anchor. On each
// report the mid is compared to the anchor set at the start of the window;
// an expired anchor resets to the current mid. A move past KillSwitchDropPct
// fires the kill switch for that market.
func (rm *Manager) checkMidMovement(report PositionReport) {
	window := time.Duration(rm.cfg.KillSwitchWindowSec) * time.Second

	anchor, ok := rm.anchors[report.MarketID]
	if !ok || report.Timestamp.Sub(anchor.at) > window {
		rm.anchors[report.MarketID] = midAnchor{mid: report.MidPrice, at: report.Timestamp}
		return
	}
	if anchor.mid == 0 {
		return
	}

	pct := (report.MidPrice - anchor.mid) / anchor.mid
	if pct < 0 {
		pct = -pct
	}
	if pct > rm.cfg.KillSwitchDropPct {
		rm.emitKill(report.MarketID, fmt.Sprintf(
			"rapid mid movement: %.1f%% in %ds",
			pct*100, rm.cfg.KillSwitchWindowSec,
		))
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKill activates the kill switch, starts the cooldown timer, and sends
// a KillSignal to the engine. If the kill channel is full, the stale signal
// is drained first so the latest reason is always delivered.
func (rm *Manager) emitKill(marketID, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)

	rm.logger.Error("KILL SWITCH",
		"market", marketID,
		"reason", reason,
		"cooldown_until", rm.killSwitchUntil,
	)

	sig := KillSignal{MarketID: marketID, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}

// RiskSnapshot is the aggregate view served to the dashboard.
type RiskSnapshot struct {
	GlobalExposure       float64
	MaxGlobalExposure    float64
	ExposurePct          float64
	TotalUnhedgedUSD     float64
	KillSwitchActive     bool
	KillSwitchUntil      time.Time
	KillSwitchReason     string
	TotalLockedPnL       float64
	TotalGuaranteedPnL   float64
	MaxPositionPerMarket float64
	MaxDailyLoss         float64
	MaxMarketsActive     int
	CurrentMarketsActive int
}

// GetRiskSnapshot returns current aggregate risk metrics.
func (rm *Manager) GetRiskSnapshot() RiskSnapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var locked, guaranteed, unhedged float64
	for _, pos := range rm.positions {
		locked += pos.LockedPnL
		guaranteed += pos.GuaranteedProfit
		unhedged += pos.UnhedgedUSD()
	}

	total := rm.totalExposureLocked()
	var exposurePct float64
	if rm.cfg.MaxGlobalExposure > 0 {
		exposurePct = (total / rm.cfg.MaxGlobalExposure) * 100
	}

	var killReason string
	if rm.killSwitchActive {
		killReason = "cooldown"
	}

	return RiskSnapshot{
		GlobalExposure:       total,
		MaxGlobalExposure:    rm.cfg.MaxGlobalExposure,
		ExposurePct:          exposurePct,
		TotalUnhedgedUSD:     unhedged,
		KillSwitchActive:     rm.killSwitchActive,
		KillSwitchUntil:      rm.killSwitchUntil,
		KillSwitchReason:     killReason,
		TotalLockedPnL:       locked,
		TotalGuaranteedPnL:   guaranteed,
		MaxPositionPerMarket: rm.cfg.MaxPositionPerMarket,
		MaxDailyLoss:         rm.cfg.MaxDailyLoss,
		MaxMarketsActive:     rm.cfg.MaxMarketsActive,
		CurrentMarketsActive: len(rm.positions),
	}
}
