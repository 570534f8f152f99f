package arbitrage

import (
	"testing"

	"github.com/shopspring/decimal"

	"polyarb/internal/ledger"
	"polyarb/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// snapFor builds a ledger snapshot from raw holdings the way Snapshot would.
func snapFor(upQty, upCost, downQty, downCost float64) ledger.Snapshot {
	up, uc := d(upQty), d(upCost)
	down, dc := d(downQty), d(downCost)
	avgUp, avgDown := decimal.Zero, decimal.Zero
	if !up.IsZero() {
		avgUp = uc.Div(up)
	}
	if !down.IsZero() {
		avgDown = dc.Div(down)
	}
	return ledger.Snapshot{
		UpQty: up, DownQty: down, UpCost: uc, DownCost: dc,
		AvgUp: avgUp, AvgDown: avgDown,
		PairCost:    avgUp.Add(avgDown),
		HedgedPairs: decimal.Min(up, down),
		TotalCost:   uc.Add(dc),
		Imbalance:   up.Sub(down).Abs(),
	}
}

// The canonical micro-balance worked example: a 100/300 book with an
// expensive surplus side needs 340 dilution shares per side to pull the
// blended pair cost down to $0.99.
func TestPlanBalancingDilution(t *testing.T) {
	snap := snapFor(100, 50, 300, 120)

	plan, err := PlanBalancing(snap, d(0.72), d(0.25), d(0.99))
	if err != nil {
		t.Fatalf("PlanBalancing: %v", err)
	}

	if plan.TriggerSide != types.SideUp || plan.HedgeSide != types.SideDown {
		t.Errorf("sides = %v/%v, want UP trigger, DOWN hedge", plan.TriggerSide, plan.HedgeSide)
	}
	if !plan.Deficit.Equal(d(200)) {
		t.Errorf("deficit = %v, want 200", plan.Deficit)
	}
	// max hedge price 0.99-0.72 = 0.27, buffer 0.05 (ask below 0.90)
	if !plan.HedgePrice.Equal(d(0.22)) {
		t.Errorf("hedge price = %v, want 0.22", plan.HedgePrice)
	}
	// X = ceil((0.99*300 - (170 + 200*0.72)) / (0.72 + 0.22 - 0.99))
	//   = ceil(-17 / -0.05) = 340
	if !plan.DilutionX.Equal(d(340)) {
		t.Errorf("dilution X = %v, want 340", plan.DilutionX)
	}
	if !plan.TotalTriggerSize.Equal(d(540)) {
		t.Errorf("total trigger = %v, want 540", plan.TotalTriggerSize)
	}
	if !plan.TotalHedgeSize.Equal(d(340)) {
		t.Errorf("total hedge = %v, want 340", plan.TotalHedgeSize)
	}
	if !plan.InitialHedgeTarget.Equal(plan.TotalHedgeSize) {
		t.Errorf("initial hedge target = %v, want %v", plan.InitialHedgeTarget, plan.TotalHedgeSize)
	}
}

// Working the full plan at plan prices lands near-balanced holdings with
// roughly $5 of locked profit.
func TestPlanBalancingEndState(t *testing.T) {
	snap := snapFor(100, 50, 300, 120)
	plan, err := PlanBalancing(snap, d(0.72), d(0.25), d(0.99))
	if err != nil {
		t.Fatalf("PlanBalancing: %v", err)
	}

	upQty := snap.UpQty.Add(plan.TotalTriggerSize)
	downQty := snap.DownQty.Add(plan.TotalHedgeSize)
	totalCost := snap.TotalCost.
		Add(plan.TotalTriggerSize.Mul(d(0.72))).
		Add(plan.TotalHedgeSize.Mul(plan.HedgePrice))

	if !upQty.Equal(d(640)) || !downQty.Equal(d(640)) {
		t.Errorf("end qty = %v/%v, want 640/640", upQty, downQty)
	}
	pairs := decimal.Min(upQty, downQty)
	profit, _ := pairs.Sub(totalCost).Float64()
	if profit < 4 || profit > 6 {
		t.Errorf("guaranteed profit = %v, want ~5", profit)
	}
}

func TestPlanBalancingAbortsWithoutHedgeRoom(t *testing.T) {
	snap := snapFor(100, 80, 300, 240)
	// Trigger ask 0.97: max hedge price 0.02, buffer 0.02 -> 0 room.
	if _, err := PlanBalancing(snap, d(0.97), d(0.05), d(0.99)); err != errNoHedgeRoom {
		t.Errorf("err = %v, want errNoHedgeRoom", err)
	}
}

func TestPlanBalancingTightBufferNearCeiling(t *testing.T) {
	snap := snapFor(100, 50, 300, 120)
	// Above a $0.90 trigger ask the buffer tightens to 2¢:
	// hedge price = 0.99 - 0.92 - 0.02 = 0.05.
	plan, err := PlanBalancing(snap, d(0.92), d(0.05), d(0.99))
	if err != nil {
		t.Fatalf("PlanBalancing: %v", err)
	}
	if !plan.HedgePrice.Equal(d(0.05)) {
		t.Errorf("hedge price = %v, want 0.05 (2-cent buffer above $0.90)", plan.HedgePrice)
	}
}

// The fractional accumulator trace: ratio 340/540, trigger fills of 10, 11,
// and 10 shares yield hedge orders of 6, 7, and 6 shares.
func TestProportionalHedgeAccumulator(t *testing.T) {
	plan := &BalancePlan{
		TotalTriggerSize:   d(540),
		TotalHedgeSize:     d(340),
		InitialHedgeTarget: d(340),
		Target:             d(0.99),
	}
	run := newBalanceRun(plan)

	fills := []float64{10, 11, 10}
	wantHedges := []float64{6, 7, 6}
	var totalHedge float64

	for i, f := range fills {
		shares, _ := run.onTriggerFill(d(f), d(0.72))
		got, _ := shares.Float64()
		if got != wantHedges[i] {
			t.Errorf("fill %d: hedge shares = %v, want %v", i+1, got, wantHedges[i])
		}
		run.noteHedgeOrdered(shares)
		totalHedge += got
	}

	if totalHedge != 19 {
		t.Errorf("total hedges = %v, want 19", totalHedge)
	}
	// Remainder stays fractional: 31 * 340/540 = 19.5185..., so the
	// accumulator holds ~0.5185.
	acc, _ := run.accumulator.Float64()
	if acc < 0.51 || acc > 0.53 {
		t.Errorf("accumulator = %v, want ~0.5185", acc)
	}
}

func TestHedgePriceTracksTriggerAverage(t *testing.T) {
	plan := &BalancePlan{
		TotalTriggerSize:   d(100),
		TotalHedgeSize:     d(50),
		InitialHedgeTarget: d(50),
		Target:             d(0.99),
	}
	run := newBalanceRun(plan)

	_, price := run.onTriggerFill(d(10), d(0.70))
	// 0.99 - 0.70 - 0.05 = 0.24
	if !price.Equal(d(0.24)) {
		t.Errorf("hedge price = %v, want 0.24", price)
	}

	// Second fill at a higher price raises the average, lowering the price.
	_, price = run.onTriggerFill(d(10), d(0.80))
	want := d(0.99).Sub(d(0.75)).Sub(d(0.05)) // avg = 0.75
	if !price.Equal(want) {
		t.Errorf("hedge price = %v, want %v", price, want)
	}
}

// Freeze: once triggers complete, the hedge target only shrinks toward what
// balance still needs, and never exceeds the initial target.
func TestFreezeShrinksHedgeTarget(t *testing.T) {
	plan := &BalancePlan{
		TriggerSide:        types.SideUp,
		HedgeSide:          types.SideDown,
		TotalTriggerSize:   d(100),
		TotalHedgeSize:     d(60),
		InitialHedgeTarget: d(60),
		Target:             d(0.99),
	}
	run := newBalanceRun(plan)

	// Not yet complete: freeze is a no-op.
	run.onTriggerFill(d(50), d(0.70))
	run.applyFreeze(d(150), d(120))
	if run.frozen {
		t.Fatal("frozen before triggers complete")
	}
	if !plan.TotalHedgeSize.Equal(d(60)) {
		t.Fatalf("hedge target changed before freeze: %v", plan.TotalHedgeSize)
	}

	// Complete the triggers; hedge side already caught up to within 30.
	run.onTriggerFill(d(50), d(0.70))
	run.onHedgeFill(d(20))
	run.applyFreeze(d(200), d(170)) // need = 30; max = 20 filled + 30 = 50
	if !run.frozen {
		t.Fatal("not frozen after triggers complete")
	}
	if !plan.TotalHedgeSize.Equal(d(50)) {
		t.Errorf("hedge target = %v, want 50", plan.TotalHedgeSize)
	}

	// Target is monotonically non-increasing under further freezes.
	run.onHedgeFill(d(10))
	run.applyFreeze(d(200), d(185)) // need = 15; max = 30 + 15 = 45
	if !plan.TotalHedgeSize.Equal(d(45)) {
		t.Errorf("hedge target = %v, want 45", plan.TotalHedgeSize)
	}
	run.applyFreeze(d(200), d(140)) // need grows, but target may not
	if plan.TotalHedgeSize.GreaterThan(d(45)) {
		t.Errorf("hedge target grew under freeze: %v", plan.TotalHedgeSize)
	}
	if plan.TotalHedgeSize.GreaterThan(plan.InitialHedgeTarget) {
		t.Errorf("hedge target %v exceeds initial %v", plan.TotalHedgeSize, plan.InitialHedgeTarget)
	}
}

func TestOvershootResync(t *testing.T) {
	plan := &BalancePlan{
		TotalTriggerSize:   d(100),
		TotalHedgeSize:     d(10),
		InitialHedgeTarget: d(10),
		Target:             d(0.99),
	}
	run := newBalanceRun(plan)
	run.accumulator = d(0.7)

	run.noteHedgeOrdered(d(15)) // more than the target
	if !run.hedgeOrdered.Equal(d(10)) {
		t.Errorf("hedgeOrdered = %v, want resynced to 10", run.hedgeOrdered)
	}
	if !run.accumulator.IsZero() {
		t.Errorf("accumulator = %v, want reset to 0", run.accumulator)
	}
}

func TestFinalHedge(t *testing.T) {
	// trigger 640, hedge 600, pending 10: need 30.
	// maxP = (640 - 600 - 2.5) / 30 = 1.25 -> capped by ask 0.25.
	size, price, ok := FinalHedge(d(640), d(600), d(10), d(600), d(2.5), d(0.25))
	if !ok {
		t.Fatal("FinalHedge returned !ok")
	}
	if !size.Equal(d(30)) {
		t.Errorf("size = %v, want 30", size)
	}
	if !price.Equal(d(0.25)) {
		t.Errorf("price = %v, want ask 0.25", price)
	}

	// No profitable price: cost already exceeds trigger qty. Accept the ask.
	_, price, ok = FinalHedge(d(100), d(60), d(0), d(120), d(0), d(0.30))
	if !ok || !price.Equal(d(0.30)) {
		t.Errorf("loss-accepting hedge price = %v ok=%v, want ask 0.30", price, ok)
	}

	// Already balanced: nothing to do.
	if _, _, ok := FinalHedge(d(100), d(90), d(10), d(50), d(2), d(0.30)); ok {
		t.Error("FinalHedge ok for fully-pended balance, want !ok")
	}
}

func TestTriggerTiers(t *testing.T) {
	tiers := TriggerTiers(0.70, 25, 540)
	if len(tiers) != 4 {
		t.Fatalf("got %d tiers, want 4", len(tiers))
	}
	wants := []TriggerTier{
		{Price: 0.71, Size: 25},
		{Price: 0.70, Size: 10.8},
		{Price: 0.65, Size: 27},
		{Price: 0.55, Size: 43.2},
	}
	for i, w := range wants {
		if diff := tiers[i].Price - w.Price; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("tier %d price = %v, want %v", i, tiers[i].Price, w.Price)
		}
		if diff := tiers[i].Size - w.Size; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("tier %d size = %v, want %v", i, tiers[i].Size, w.Size)
		}
	}
}
