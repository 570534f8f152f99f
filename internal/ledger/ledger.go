// Package ledger is the single authoritative in-memory position store.
// It tracks quantity and cost per (market, side), derives hedged pairs and
// guaranteed profit, and records merge/redeem bookkeeping. It is mutated
// only by observed fills and explicit merge/redeem events, never by placing
// or cancelling an order.
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/xerrors"
	"polyarb/pkg/types"
)

// Position is per-side holdings: shares owned and USDC paid for them.
type Position struct {
	Qty  decimal.Decimal
	Cost decimal.Decimal
}

// AvgPrice returns Cost/Qty, or zero if Qty is zero.
func (p Position) AvgPrice() decimal.Decimal {
	if p.Qty.IsZero() {
		return decimal.Zero
	}
	return p.Cost.Div(p.Qty)
}

// MarketState holds both sides of a market plus its cumulative counters and
// the last-known balanced baseline.
type MarketState struct {
	Up               Position
	Down             Position
	CumulativeCost   decimal.Decimal
	CumulativeProfit decimal.Decimal
	FlipCount        int
	ProfitLockCount  int
	LastMergeAttempt time.Time
	Baseline         *types.Baseline
}

// Snapshot is a read-only view of a market's ledger state, as returned by
// Ledger.Snapshot for strategy decisions and dashboard reporting.
type Snapshot struct {
	MarketID         string
	UpQty            decimal.Decimal
	DownQty          decimal.Decimal
	UpCost           decimal.Decimal
	DownCost         decimal.Decimal
	AvgUp            decimal.Decimal
	AvgDown          decimal.Decimal
	PairCost         decimal.Decimal
	HedgedPairs      decimal.Decimal
	TotalCost        decimal.Decimal
	GuaranteedProfit decimal.Decimal
	Imbalance        decimal.Decimal
	CumulativeProfit decimal.Decimal
	ProfitLockCount  int
}

// Ledger is the process-wide position map. One Ledger instance belongs to
// exactly one strategy core process; the two cores never share state.
type Ledger struct {
	mu      sync.RWMutex
	markets map[string]*MarketState
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{markets: make(map[string]*MarketState)}
}

func (l *Ledger) stateLocked(marketID string) *MarketState {
	st, ok := l.markets[marketID]
	if !ok {
		st = &MarketState{}
		l.markets[marketID] = st
	}
	return st
}

func sidePosition(st *MarketState, side types.OutcomeSide) *Position {
	if side == types.SideUp {
		return &st.Up
	}
	return &st.Down
}

// ApplyFill records an observed fill: qty += size; cost += size*price.
// This is the only path by which a position grows.
func (l *Ledger) ApplyFill(marketID string, side types.OutcomeSide, size, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(marketID)
	pos := sidePosition(st, side)
	pos.Qty = pos.Qty.Add(size)
	pos.Cost = pos.Cost.Add(size.Mul(price))
	st.CumulativeCost = st.CumulativeCost.Add(size.Mul(price))
}

// ApplySell records a sell fill: qty -= size, cost reduced proportionally,
// and the realized delta is added to cumulative profit. Used by shock-fade
// ladder exits and PROFIT_LOCK-adjacent unwinds where a side is sold rather
// than merged away.
func (l *Ledger) ApplySell(marketID string, side types.OutcomeSide, size, price decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(marketID)
	pos := sidePosition(st, side)
	if size.GreaterThan(pos.Qty) {
		return decimal.Zero, xerrors.New(xerrors.InvariantViolation, "apply_sell",
			errTooMuch(size, pos.Qty))
	}

	avg := pos.AvgPrice()
	costRemoved := avg.Mul(size)
	proceeds := price.Mul(size)
	realized := proceeds.Sub(costRemoved)

	pos.Qty = pos.Qty.Sub(size)
	pos.Cost = pos.Cost.Sub(costRemoved)
	if pos.Qty.IsZero() {
		pos.Cost = decimal.Zero
	}
	st.CumulativeProfit = st.CumulativeProfit.Add(realized)
	return realized, nil
}

// RecordMerge converts N pairs (N units of both sides) back into USDC.
// On each side cost_removed = cost * pairs/qty; qty -= pairs; cost -=
// cost_removed; cumulative profit increases by pairs minus the total cost
// removed.
func (l *Ledger) RecordMerge(marketID string, pairs decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(marketID)
	if pairs.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if pairs.GreaterThan(st.Up.Qty) || pairs.GreaterThan(st.Down.Qty) {
		return xerrors.New(xerrors.InvariantViolation, "record_merge",
			errTooMuch(pairs, decimal.Min(st.Up.Qty, st.Down.Qty)))
	}

	upCostRemoved := st.Up.AvgPrice().Mul(pairs)
	downCostRemoved := st.Down.AvgPrice().Mul(pairs)

	st.Up.Qty = st.Up.Qty.Sub(pairs)
	st.Up.Cost = st.Up.Cost.Sub(upCostRemoved)
	st.Down.Qty = st.Down.Qty.Sub(pairs)
	st.Down.Cost = st.Down.Cost.Sub(downCostRemoved)

	if st.Up.Qty.IsZero() {
		st.Up.Cost = decimal.Zero
	}
	if st.Down.Qty.IsZero() {
		st.Down.Cost = decimal.Zero
	}

	totalCostRemoved := upCostRemoved.Add(downCostRemoved)
	st.CumulativeProfit = st.CumulativeProfit.Add(pairs.Sub(totalCostRemoved))
	return nil
}

// RecordRedeem claims settlement payout for shares of the winning outcome.
// Calling it again for the same (market, side) after the first call has
// zeroed the position is a no-op that returns zero realized PnL and no
// error: redemption is idempotent at the ledger layer. A redeem for MORE
// shares than are held while the position is still open is a different
// animal — like ApplySell and RecordMerge it is refused whole with an
// invariant violation and zero mutation, because it means our share count
// and the chain's disagree and neither side should be "fixed" silently.
func (l *Ledger) RecordRedeem(marketID string, side types.OutcomeSide, shares, payout decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(marketID)
	pos := sidePosition(st, side)
	if pos.Qty.IsZero() {
		return decimal.Zero, nil
	}
	if shares.GreaterThan(pos.Qty) {
		return decimal.Zero, xerrors.New(xerrors.InvariantViolation, "record_redeem",
			errTooMuch(shares, pos.Qty))
	}

	avg := pos.AvgPrice()
	costRemoved := avg.Mul(shares)
	realized := payout.Sub(costRemoved)

	pos.Qty = pos.Qty.Sub(shares)
	pos.Cost = pos.Cost.Sub(costRemoved)
	if pos.Qty.IsZero() {
		pos.Cost = decimal.Zero
	}
	st.CumulativeProfit = st.CumulativeProfit.Add(realized)
	return realized, nil
}

// Snapshot returns the current ledger state for a market.
func (l *Ledger) Snapshot(marketID string) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.markets[marketID]
	if !ok {
		return Snapshot{MarketID: marketID}
	}

	avgUp := st.Up.AvgPrice()
	avgDown := st.Down.AvgPrice()
	pairCost := avgUp.Add(avgDown)
	hedged := decimal.Min(st.Up.Qty, st.Down.Qty)
	totalCost := st.Up.Cost.Add(st.Down.Cost)

	guaranteed := decimal.Zero
	if hedged.GreaterThanOrEqual(totalCost) {
		guaranteed = hedged.Sub(totalCost)
	}

	imbalance := st.Up.Qty.Sub(st.Down.Qty).Abs()

	return Snapshot{
		MarketID:         marketID,
		UpQty:            st.Up.Qty,
		DownQty:          st.Down.Qty,
		UpCost:           st.Up.Cost,
		DownCost:         st.Down.Cost,
		AvgUp:            avgUp,
		AvgDown:          avgDown,
		PairCost:         pairCost,
		HedgedPairs:      hedged,
		TotalCost:        totalCost,
		GuaranteedProfit: guaranteed,
		Imbalance:        imbalance,
		CumulativeProfit: st.CumulativeProfit,
		ProfitLockCount:  st.ProfitLockCount,
	}
}

// SetBaseline stores the last-known balanced imbalance, blocking balancing
// re-entry on the imbalance that was just resolved.
func (l *Ledger) SetBaseline(marketID string, b types.Baseline) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(marketID)
	bc := b
	st.Baseline = &bc
}

// Baseline returns the stored baseline for a market, if any.
func (l *Ledger) Baseline(marketID string) (types.Baseline, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.markets[marketID]
	if !ok || st.Baseline == nil {
		return types.Baseline{}, false
	}
	return *st.Baseline, true
}

// IncrementProfitLockCount bumps the per-market lock counter used by the
// normal-mode core-size decay.
func (l *Ledger) IncrementProfitLockCount(marketID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(marketID)
	st.ProfitLockCount++
	return st.ProfitLockCount
}

// NoteMergeAttempt records the wall-clock time of a merge attempt so callers
// can enforce the per-market relayer cooldown.
func (l *Ledger) NoteMergeAttempt(marketID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(marketID).LastMergeAttempt = at
}

// LastMergeAttempt returns the last recorded merge-attempt time for a market.
func (l *Ledger) LastMergeAttempt(marketID string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.markets[marketID]
	if !ok {
		return time.Time{}
	}
	return st.LastMergeAttempt
}

// RemoveMarket drops all ledger state for a market (used when a 15-minute
// market settles and its slot is torn down).
func (l *Ledger) RemoveMarket(marketID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.markets, marketID)
}

func errTooMuch(requested, available decimal.Decimal) error {
	return &underflowError{requested: requested, available: available}
}

type underflowError struct {
	requested decimal.Decimal
	available decimal.Decimal
}

func (e *underflowError) Error() string {
	return "requested " + e.requested.String() + " exceeds available " + e.available.String()
}
