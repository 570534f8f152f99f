// balancing.go implements the micro trigger-hedge engine: the algorithm
// that takes a lopsided position and walks it back to a balanced pair
// inventory at a pair cost under the target.
//
// The idea: the deficit side is bought passively ("triggers"), and every
// trigger fill spawns a proportional buy on the surplus side ("hedge") at a
// price low enough that the blended pair cost lands at the target. Because
// the existing surplus was often bought expensive, balancing usually needs
// to overshoot — buying MORE than the raw deficit on both sides dilutes the
// bad average down to the target. The dilution share count X solves
//
//	target * (basePairs + X) = costAfterFillingDeficit + X*(triggerAsk + hedgePrice)
//
// for the smallest X that brings the blended pair cost to target.
package arbitrage

import (
	"errors"

	"github.com/shopspring/decimal"

	"polyarb/internal/ledger"
	"polyarb/pkg/types"
)

var (
	// errNoHedgeRoom means the trigger ask already eats the whole target:
	// no hedge price above zero can land the pair under it.
	errNoHedgeRoom = errors.New("no profitable hedge price exists")
	// errNoDilution means the trigger+hedge pair would cost at least the
	// target, so buying more can never dilute the average down.
	errNoDilution = errors.New("trigger+hedge pair cost not below target")
)

var (
	dec001 = decimal.NewFromFloat(0.01)
	dec002 = decimal.NewFromFloat(0.02)
	dec005 = decimal.NewFromFloat(0.05)
	dec090 = decimal.NewFromFloat(0.90)
)

// BalancePlan is the one-time computation made on balancing entry. All
// sizes are in shares; TotalHedgeSize is capped forever by
// InitialHedgeTarget.
type BalancePlan struct {
	TriggerSide types.OutcomeSide // deficit side, bought via triggers
	HedgeSide   types.OutcomeSide // surplus side, bought proportionally

	Deficit    decimal.Decimal // |up - down| at plan time
	Target     decimal.Decimal // target pair cost, fixed during balancing
	TriggerAsk decimal.Decimal // deficit-side ask at plan time
	HedgePrice decimal.Decimal // planned hedge limit price
	DilutionX  decimal.Decimal // extra shares per side to dilute pair cost

	TotalTriggerSize   decimal.Decimal // deficit + max(0, X)
	TotalHedgeSize     decimal.Decimal // max(0, X), shrinks under freeze
	InitialHedgeTarget decimal.Decimal // hard cap on TotalHedgeSize, forever
}

// PlanBalancing computes the balancing plan from the current ledger state
// and top-of-book asks. Returns errNoHedgeRoom or errNoDilution when the
// position cannot be balanced profitably (caller hops to pair improvement).
func PlanBalancing(snap ledger.Snapshot, triggerAsk, hedgeAsk, target decimal.Decimal) (*BalancePlan, error) {
	var plan BalancePlan
	plan.Target = target
	plan.TriggerAsk = triggerAsk

	var surplusQty decimal.Decimal
	if snap.UpQty.LessThan(snap.DownQty) {
		plan.TriggerSide, plan.HedgeSide = types.SideUp, types.SideDown
		surplusQty = snap.DownQty
	} else {
		plan.TriggerSide, plan.HedgeSide = types.SideDown, types.SideUp
		surplusQty = snap.UpQty
	}
	plan.Deficit = snap.Imbalance

	// Hedge price: whatever of the target the trigger ask leaves, minus a
	// fill-probability buffer (tighter near the price ceiling where a cent
	// is a big fraction of the remaining room).
	maxHedgePrice := target.Sub(triggerAsk)
	buffer := dec005
	if triggerAsk.GreaterThan(dec090) {
		buffer = dec002
	}
	plan.HedgePrice = maxHedgePrice.Sub(buffer)
	if plan.HedgePrice.LessThanOrEqual(decimal.Zero) {
		return nil, errNoHedgeRoom
	}

	// Dilution: X = ceil((target*basePairs - costAfterFillingDeficit) /
	// (triggerAsk + hedgePrice - target)), denominator strictly negative.
	basePairs := surplusQty
	costAfterDeficit := snap.TotalCost.Add(plan.Deficit.Mul(triggerAsk))
	numerator := target.Mul(basePairs).Sub(costAfterDeficit)
	denominator := triggerAsk.Add(plan.HedgePrice).Sub(target)
	if denominator.GreaterThanOrEqual(decimal.Zero) {
		return nil, errNoDilution
	}
	plan.DilutionX = numerator.Div(denominator).Ceil()

	x := decimal.Max(decimal.Zero, plan.DilutionX)
	plan.TotalTriggerSize = plan.Deficit.Add(x)
	plan.TotalHedgeSize = x
	plan.InitialHedgeTarget = x
	return &plan, nil
}

// TriggerTier is one resting trigger bid in the tiered ladder.
type TriggerTier struct {
	Price float64
	Size  float64
}

// TriggerTiers lays the tiered trigger set around the current deficit-side
// bid: one core-size order a cent through the bid, then progressively larger
// slices resting below it to catch flushes.
func TriggerTiers(bid, coreSize, totalTriggerSize float64) []TriggerTier {
	return []TriggerTier{
		{Price: bid + 0.01, Size: coreSize},
		{Price: bid, Size: 0.02 * totalTriggerSize},
		{Price: bid - 0.05, Size: 0.05 * totalTriggerSize},
		{Price: bid - 0.15, Size: 0.08 * totalTriggerSize},
	}
}

// balanceRun is the mutable state of one balancing episode.
type balanceRun struct {
	plan *BalancePlan

	accumulator   decimal.Decimal // fractional hedge shares owed
	triggerFilled decimal.Decimal // cumulative trigger fill shares
	triggerCost   decimal.Decimal // cumulative trigger fill cost
	hedgeFilled   decimal.Decimal // cumulative hedge fill shares
	hedgeOrdered  decimal.Decimal // cumulative hedge shares sent to the book
	frozen        bool            // triggers complete, hedge target only shrinks
	chaseBid      float64         // highest deficit-side bid the tiers chased
}

func newBalanceRun(plan *BalancePlan) *balanceRun {
	return &balanceRun{plan: plan}
}

// hedgeRatio is TotalHedgeSize / TotalTriggerSize.
func (b *balanceRun) hedgeRatio() decimal.Decimal {
	if b.plan.TotalTriggerSize.IsZero() {
		return decimal.Zero
	}
	return b.plan.TotalHedgeSize.Div(b.plan.TotalTriggerSize)
}

// avgTriggerPrice is the realized average of trigger fills so far.
func (b *balanceRun) avgTriggerPrice() decimal.Decimal {
	if b.triggerFilled.IsZero() {
		return decimal.Zero
	}
	return b.triggerCost.Div(b.triggerFilled)
}

// onTriggerFill advances the fractional accumulator by fill*ratio and
// returns the whole hedge shares to order now, plus their limit price:
// target minus the realized trigger average minus a nickel of edge. The
// fractional remainder stays in the accumulator.
func (b *balanceRun) onTriggerFill(size, price decimal.Decimal) (hedgeShares, hedgePrice decimal.Decimal) {
	b.triggerFilled = b.triggerFilled.Add(size)
	b.triggerCost = b.triggerCost.Add(size.Mul(price))

	b.accumulator = b.accumulator.Add(size.Mul(b.hedgeRatio()))
	hedgeShares = b.accumulator.Floor()
	b.accumulator = b.accumulator.Sub(hedgeShares)

	// Respect the (possibly frozen) hedge target.
	room := b.plan.TotalHedgeSize.Sub(b.hedgeOrdered)
	if hedgeShares.GreaterThan(room) {
		hedgeShares = decimal.Max(decimal.Zero, room)
	}

	hedgePrice = b.plan.Target.Sub(b.avgTriggerPrice()).Sub(dec005)
	return hedgeShares, hedgePrice
}

// noteHedgeOrdered records hedge shares actually sent to the book and
// resyncs if ordering ever overshot the target.
func (b *balanceRun) noteHedgeOrdered(size decimal.Decimal) {
	b.hedgeOrdered = b.hedgeOrdered.Add(size)
	if b.hedgeOrdered.GreaterThan(b.plan.TotalHedgeSize) {
		b.hedgeOrdered = b.plan.TotalHedgeSize
		b.accumulator = decimal.Zero
	}
}

// onHedgeFill records a hedge-side fill.
func (b *balanceRun) onHedgeFill(size decimal.Decimal) {
	b.hedgeFilled = b.hedgeFilled.Add(size)
}

// triggersComplete reports whether cumulative trigger fills reached the plan.
func (b *balanceRun) triggersComplete() bool {
	return b.triggerFilled.GreaterThanOrEqual(b.plan.TotalTriggerSize)
}

// applyFreeze caps hedge growth once triggers complete: the hedge target can
// only shrink toward what balance still needs, and never exceeds the initial
// target. Prevents the trigger→hedge→trigger spiral where each side keeps
// chasing the other's fills.
func (b *balanceRun) applyFreeze(triggerSideQty, hedgeSideQty decimal.Decimal) {
	if !b.triggersComplete() {
		return
	}
	b.frozen = true

	need := decimal.Max(decimal.Zero, triggerSideQty.Sub(hedgeSideQty))
	maxTarget := b.hedgeFilled.Add(need)
	if maxTarget.LessThan(b.plan.TotalHedgeSize) {
		b.plan.TotalHedgeSize = maxTarget
	}
	if b.plan.TotalHedgeSize.GreaterThan(b.plan.InitialHedgeTarget) {
		b.plan.TotalHedgeSize = b.plan.InitialHedgeTarget
	}
	if b.hedgeOrdered.GreaterThan(b.plan.TotalHedgeSize) {
		b.hedgeOrdered = b.plan.TotalHedgeSize
		b.accumulator = decimal.Zero
	}
}

// FinalHedge computes the balance-completing order once triggers are done:
// size is what balance still needs net of resting hedges, price is the
// highest still-profitable price capped by the ask — or the ask itself when
// no profitable price exists (accept a small loss to get flat).
func FinalHedge(triggerQty, hedgeQty, pendingHedgeQty, totalCost, pendingCost decimal.Decimal, hedgeAsk decimal.Decimal) (size, price decimal.Decimal, ok bool) {
	need := triggerQty.Sub(hedgeQty).Sub(pendingHedgeQty)
	if need.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, false
	}

	maxProfitable := triggerQty.Sub(totalCost).Sub(pendingCost).Div(need)
	price = hedgeAsk
	if maxProfitable.GreaterThan(decimal.Zero) && maxProfitable.LessThan(hedgeAsk) {
		price = maxProfitable
	}
	return need, price, true
}
