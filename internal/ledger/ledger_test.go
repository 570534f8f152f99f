package ledger

import (
	"testing"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

const mktID = "market-1"

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApplyFillBuyUp(t *testing.T) {
	t.Parallel()
	l := New()

	l.ApplyFill(mktID, types.SideUp, d("10"), d("0.50"))

	snap := l.Snapshot(mktID)
	if !snap.UpQty.Equal(d("10")) {
		t.Errorf("UpQty = %v, want 10", snap.UpQty)
	}
	if !snap.AvgUp.Equal(d("0.50")) {
		t.Errorf("AvgUp = %v, want 0.50", snap.AvgUp)
	}
}

func TestApplyFillBuyUpMultiple(t *testing.T) {
	t.Parallel()
	l := New()

	l.ApplyFill(mktID, types.SideUp, d("10"), d("0.50"))
	l.ApplyFill(mktID, types.SideUp, d("10"), d("0.60"))

	snap := l.Snapshot(mktID)
	if !snap.UpQty.Equal(d("20")) {
		t.Errorf("UpQty = %v, want 20", snap.UpQty)
	}
	if !snap.AvgUp.Equal(d("0.55")) {
		t.Errorf("AvgUp = %v, want 0.55", snap.AvgUp)
	}
}

func TestHedgedPairsAndGuaranteedProfit(t *testing.T) {
	t.Parallel()
	l := New()

	l.ApplyFill(mktID, types.SideUp, d("100"), d("0.40"))
	l.ApplyFill(mktID, types.SideDown, d("100"), d("0.45"))

	snap := l.Snapshot(mktID)
	if !snap.HedgedPairs.Equal(d("100")) {
		t.Errorf("HedgedPairs = %v, want 100", snap.HedgedPairs)
	}
	// total cost = 40 + 45 = 85; guaranteed = 100 - 85 = 15
	if !snap.GuaranteedProfit.Equal(d("15")) {
		t.Errorf("GuaranteedProfit = %v, want 15", snap.GuaranteedProfit)
	}
	if !snap.PairCost.Equal(d("0.85")) {
		t.Errorf("PairCost = %v, want 0.85", snap.PairCost)
	}
}

func TestApplySellRealizesPnL(t *testing.T) {
	t.Parallel()
	l := New()

	l.ApplyFill(mktID, types.SideUp, d("10"), d("0.40"))
	realized, err := l.ApplySell(mktID, types.SideUp, d("10"), d("0.50"))
	if err != nil {
		t.Fatalf("ApplySell: %v", err)
	}
	if !realized.Equal(d("1")) {
		t.Errorf("realized = %v, want 1", realized)
	}

	snap := l.Snapshot(mktID)
	if !snap.UpQty.IsZero() {
		t.Errorf("UpQty = %v, want 0 after full close", snap.UpQty)
	}
	if !snap.UpCost.IsZero() {
		t.Errorf("UpCost = %v, want 0 after full close", snap.UpCost)
	}
}

func TestApplySellMoreThanHeldIsInvariantViolation(t *testing.T) {
	t.Parallel()
	l := New()

	l.ApplyFill(mktID, types.SideUp, d("5"), d("0.40"))
	_, err := l.ApplySell(mktID, types.SideUp, d("10"), d("0.50"))
	if err == nil {
		t.Fatal("expected an error selling more than held")
	}
}

func TestRecordMergeReducesBothSidesAndTracksProfit(t *testing.T) {
	t.Parallel()
	l := New()

	l.ApplyFill(mktID, types.SideUp, d("100"), d("0.40"))
	l.ApplyFill(mktID, types.SideDown, d("100"), d("0.45"))

	if err := l.RecordMerge(mktID, d("40")); err != nil {
		t.Fatalf("RecordMerge: %v", err)
	}

	snap := l.Snapshot(mktID)
	if !snap.UpQty.Equal(d("60")) {
		t.Errorf("UpQty = %v, want 60", snap.UpQty)
	}
	if !snap.DownQty.Equal(d("60")) {
		t.Errorf("DownQty = %v, want 60", snap.DownQty)
	}
	// cumulative profit = 40 - (40*0.40 + 40*0.45) = 40 - 34 = 6
	if !snap.CumulativeProfit.Equal(d("6")) {
		t.Errorf("CumulativeProfit = %v, want 6", snap.CumulativeProfit)
	}
}

func TestRecordMergeMoreThanAvailableIsInvariantViolation(t *testing.T) {
	t.Parallel()
	l := New()

	l.ApplyFill(mktID, types.SideUp, d("10"), d("0.40"))
	l.ApplyFill(mktID, types.SideDown, d("5"), d("0.45"))

	if err := l.RecordMerge(mktID, d("6")); err == nil {
		t.Fatal("expected an error merging more pairs than hedged")
	}
}

func TestRecordRedeemIsIdempotent(t *testing.T) {
	t.Parallel()
	l := New()

	l.ApplyFill(mktID, types.SideUp, d("10"), d("0.40"))

	first, err := l.RecordRedeem(mktID, types.SideUp, d("10"), d("10"))
	if err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if !first.Equal(d("6")) {
		t.Errorf("first realized = %v, want 6", first)
	}

	second, err := l.RecordRedeem(mktID, types.SideUp, d("10"), d("10"))
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if !second.IsZero() {
		t.Errorf("second realized = %v, want 0 (already redeemed)", second)
	}

	snap := l.Snapshot(mktID)
	if !snap.UpQty.IsZero() {
		t.Errorf("UpQty = %v, want 0 after redemption", snap.UpQty)
	}
}

func TestRecordRedeemRefusesOverRequest(t *testing.T) {
	t.Parallel()
	l := New()

	l.ApplyFill(mktID, types.SideUp, d("10"), d("0.40"))

	// Redeeming more than is held on an OPEN position is an invariant
	// violation: refuse whole, mutate nothing.
	if _, err := l.RecordRedeem(mktID, types.SideUp, d("15"), d("15")); err == nil {
		t.Fatal("over-redeem succeeded, want invariant violation")
	}
	snap := l.Snapshot(mktID)
	if !snap.UpQty.Equal(d("10")) || !snap.UpCost.Equal(d("4")) {
		t.Errorf("position mutated by refused redeem: qty=%v cost=%v", snap.UpQty, snap.UpCost)
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	t.Parallel()
	l := New()

	if _, ok := l.Baseline(mktID); ok {
		t.Fatal("expected no baseline before SetBaseline")
	}

	l.SetBaseline(mktID, types.Baseline{MarketID: mktID, ImbalanceShares: 42, UpQty: 100, DownQty: 58})

	b, ok := l.Baseline(mktID)
	if !ok {
		t.Fatal("expected baseline after SetBaseline")
	}
	if b.ImbalanceShares != 42 {
		t.Errorf("ImbalanceShares = %v, want 42", b.ImbalanceShares)
	}
}
