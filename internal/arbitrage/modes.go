// modes.go implements mode arbitration: at every tick the core computes its
// operating mode with strict priority PROFIT_LOCK > BALANCING >
// PAIR_IMPROVEMENT > NORMAL.
package arbitrage

import (
	"github.com/shopspring/decimal"

	"polyarb/internal/ledger"
	"polyarb/pkg/types"
)

// Mode is the arbitrage core's operating mode.
type Mode int

const (
	// ModeNormal is the default: multi-level bilateral accumulation.
	ModeNormal Mode = iota
	// ModeBalancing is the micro trigger-hedge engine working off an
	// imbalance.
	ModeBalancing
	// ModePairImprovement buys both sides below their averages to pull a
	// pair cost that ended up at or above $1 back under it.
	ModePairImprovement
	// ModeProfitLock buys the deficit side aggressively and merges pairs
	// the moment doing so locks more profit than last seen.
	ModeProfitLock
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeBalancing:
		return "balancing"
	case ModePairImprovement:
		return "pair_improvement"
	case ModeProfitLock:
		return "profit_lock"
	default:
		return "unknown"
	}
}

// Imbalance trigger floor: an absolute share imbalance at or above this
// fires balancing regardless of the ratio threshold, and a relative move
// from baseline below it blocks re-entry.
const absImbalanceTrigger = 110.0

// DynamicImbalanceThreshold returns the imbalance-ratio trigger as a
// piecewise-linear function of total shares held. Small books tolerate huge
// ratios (a 10-share position is always "imbalanced"); big books trip on
// small ones. Monotonically non-increasing, floored at 5%.
func DynamicImbalanceThreshold(totalShares float64) float64 {
	switch {
	case totalShares <= 0:
		return 1.00
	case totalShares <= 100:
		return 1.00 + (0.86-1.00)*(totalShares/100)
	case totalShares <= 500:
		return 0.86 + (0.30-0.86)*((totalShares-100)/400)
	case totalShares <= 2000:
		return 0.30 + (0.05-0.30)*((totalShares-500)/1500)
	default:
		return 0.05
	}
}

// modeInputs is everything arbitration reads at one tick.
type modeInputs struct {
	snap            ledger.Snapshot
	upAsk, downAsk  float64
	baseline        *types.Baseline
	lastLockedPnL   decimal.Decimal
	improvementOpen bool // a balancing exit left pair cost >= $1
	target          decimal.Decimal
}

// decideMode applies the strict mode priority.
func decideMode(in modeInputs) Mode {
	if lockable, _ := profitLockGain(in.snap, in.upAsk, in.downAsk, in.lastLockedPnL); lockable {
		return ModeProfitLock
	}
	if shouldBalance(in) {
		return ModeBalancing
	}
	if in.improvementOpen && in.snap.PairCost.GreaterThanOrEqual(decimal.NewFromInt(1)) &&
		in.snap.UpQty.IsPositive() && in.snap.DownQty.IsPositive() {
		return ModePairImprovement
	}
	return ModeNormal
}

// profitLockGain checks whether buying the deficit side at ask+1¢ and
// merging would lock strictly more profit than the last lock, and that the
// lock is positive. Returns the prospective locked PnL.
func profitLockGain(snap ledger.Snapshot, upAsk, downAsk float64, lastLocked decimal.Decimal) (bool, decimal.Decimal) {
	if snap.Imbalance.IsZero() {
		return false, decimal.Zero
	}
	deficitAsk := upAsk
	if snap.UpQty.GreaterThan(snap.DownQty) {
		deficitAsk = downAsk
	}
	if deficitAsk <= 0 {
		return false, decimal.Zero
	}

	fillPrice := decimal.NewFromFloat(deficitAsk).Add(dec001)
	maxQty := decimal.Max(snap.UpQty, snap.DownQty)
	costAfter := snap.TotalCost.Add(snap.Imbalance.Mul(fillPrice))
	locked := maxQty.Sub(costAfter)

	if locked.GreaterThan(lastLocked) && locked.IsPositive() {
		return true, locked
	}
	return false, locked
}

// shouldBalance checks the three balancing entry conditions: the imbalance
// trips the dynamic ratio threshold (or the absolute floor), the deficit
// side is still expensive enough to be worth chasing, and any saved baseline
// shows this is a NEW imbalance rather than the one just resolved.
func shouldBalance(in modeInputs) bool {
	snap := in.snap
	total := snap.UpQty.Add(snap.DownQty)
	if total.IsZero() || snap.Imbalance.IsZero() {
		return false
	}

	totalF, _ := total.Float64()
	imbF, _ := snap.Imbalance.Float64()
	ratio := imbF / totalF
	if ratio < DynamicImbalanceThreshold(totalF) && imbF < absImbalanceTrigger {
		return false
	}

	deficitAsk := in.upAsk
	if snap.UpQty.GreaterThan(snap.DownQty) {
		deficitAsk = in.downAsk
	}
	if deficitAsk <= 0.50 {
		return false
	}

	if in.baseline != nil {
		if abs(imbF-in.baseline.ImbalanceShares) < absImbalanceTrigger {
			return false
		}
	}
	return true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
