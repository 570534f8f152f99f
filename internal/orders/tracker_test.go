package orders

import (
	"testing"
	"time"

	"polyarb/pkg/types"
)

func addOrder(t *Tracker, id, token string, side types.Side, price, size float64) {
	t.Add(Pending{
		ID:      id,
		TokenID: token,
		Side:    side,
		Role:    types.RoleAccumulation,
		Price:   price,
		Size:    size,
	})
}

func TestAddForcesZeroFilled(t *testing.T) {
	tr := NewTracker()
	tr.Add(Pending{ID: "0xABC", TokenID: "tok", Side: types.BUY, Price: 0.5, Size: 100, Filled: 42})

	p, ok := tr.Get("0xabc")
	if !ok {
		t.Fatal("order not found by lowercased ID")
	}
	if p.Filled != 0 {
		t.Errorf("Filled = %v, want 0 (REST create response fill counts are ignored)", p.Filled)
	}
}

func TestCaseInsensitiveLookup(t *testing.T) {
	tr := NewTracker()
	addOrder(tr, "0xAbCdEf", "tok", types.BUY, 0.5, 100)

	for _, id := range []string{"0xabcdef", "0xABCDEF", "0xAbCdEf"} {
		if _, ok := tr.Get(id); !ok {
			t.Errorf("Get(%q) = not found, want found", id)
		}
	}
}

func TestApplyTradeTakerSumsMakerOrders(t *testing.T) {
	tr := NewTracker()
	addOrder(tr, "0xtaker", "tok", types.BUY, 0.55, 100)

	// Taker order swept three makers. Top-level size is the REQUESTED
	// amount (100) — the actual fill is 30+25+10 = 65.
	fills := tr.ApplyTrade(types.WSTradeEvent{
		EventType:    "trade",
		ID:           "trade-1",
		TakerOrderID: "0xTAKER",
		AssetID:      "tok",
		Side:         "BUY",
		Size:         "100",
		Price:        "0.55",
		Status:       "MATCHED",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "0xm1", MatchedAmount: "30", Price: "0.55"},
			{OrderID: "0xm2", MatchedAmount: "25", Price: "0.55"},
			{OrderID: "0xm3", MatchedAmount: "10", Price: "0.55"},
		},
	})

	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
	if fills[0].Size != 65 {
		t.Errorf("fill size = %v, want 65 (sum of matched_amount, not top-level size)", fills[0].Size)
	}
	p, _ := tr.Get("0xtaker")
	if p.Filled != 65 {
		t.Errorf("cumulative filled = %v, want 65", p.Filled)
	}
}

func TestApplyTradeMakerSideUsesOwnEntry(t *testing.T) {
	tr := NewTracker()
	addOrder(tr, "0xmine", "tok", types.BUY, 0.52, 200)

	fills := tr.ApplyTrade(types.WSTradeEvent{
		EventType:    "trade",
		ID:           "trade-2",
		TakerOrderID: "0xsomeoneelse",
		Side:         "SELL",
		Size:         "500",
		Price:        "0.52",
		Status:       "MATCHED",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "0xnotmine", MatchedAmount: "300", Price: "0.53"},
			{OrderID: "0xMINE", MatchedAmount: "40", Price: "0.52"},
		},
	})

	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
	f := fills[0]
	if f.Size != 40 || f.Price != 0.52 {
		t.Errorf("fill = %v @ %v, want 40 @ 0.52", f.Size, f.Price)
	}
	if f.Side != types.BUY {
		t.Errorf("fill side = %v, want our resting side BUY, not the taker's SELL", f.Side)
	}
}

func TestApplyTradeIgnoresSettlementRebroadcasts(t *testing.T) {
	tr := NewTracker()
	addOrder(tr, "0xmine", "tok", types.BUY, 0.5, 100)

	evt := types.WSTradeEvent{
		EventType:    "trade",
		ID:           "trade-3",
		TakerOrderID: "0xtaker",
		Status:       "MATCHED",
		MakerOrders:  []types.WSMakerOrder{{OrderID: "0xmine", MatchedAmount: "20", Price: "0.5"}},
	}
	if got := tr.ApplyTrade(evt); len(got) != 1 {
		t.Fatalf("MATCHED trade: got %d fills, want 1", len(got))
	}

	// The venue re-sends the same trade as it mines/confirms on-chain.
	for _, status := range []string{"MINED", "CONFIRMED"} {
		evt.Status = status
		if got := tr.ApplyTrade(evt); len(got) != 0 {
			t.Errorf("%s rebroadcast produced %d fills, want 0", status, len(got))
		}
	}
	p, _ := tr.Get("0xmine")
	if p.Filled != 20 {
		t.Errorf("filled = %v after rebroadcasts, want 20", p.Filled)
	}
}

func TestEvictionAtNinetyPercent(t *testing.T) {
	tr := NewTracker()
	addOrder(tr, "0xmine", "tok", types.BUY, 0.5, 100)

	evt := func(amt string) types.WSTradeEvent {
		return types.WSTradeEvent{
			EventType: "trade", ID: "t", Status: "MATCHED",
			MakerOrders: []types.WSMakerOrder{{OrderID: "0xmine", MatchedAmount: amt, Price: "0.5"}},
		}
	}

	tr.ApplyTrade(evt("50"))
	if _, ok := tr.Get("0xmine"); !ok {
		t.Fatal("order evicted at 50% fill")
	}
	tr.ApplyTrade(evt("39.9"))
	if _, ok := tr.Get("0xmine"); !ok {
		t.Fatal("order evicted at 89.9% fill")
	}
	tr.ApplyTrade(evt("0.2"))
	if _, ok := tr.Get("0xmine"); ok {
		t.Error("order still tracked at 90.1% fill, want evicted")
	}
}

func TestOrderEventsOnlyRemoveOnTerminal(t *testing.T) {
	tr := NewTracker()
	addOrder(tr, "0xmine", "tok", types.BUY, 0.5, 100)

	// MATCHED order events can carry zero or bogus size_matched; they must
	// not change fill state and must not remove the order.
	if _, term := tr.ApplyOrderEvent(types.WSOrderEvent{ID: "0xMINE", Type: "UPDATE", Status: "MATCHED", SizeMatched: "0"}); term {
		t.Error("MATCHED order event treated as terminal")
	}
	if p, ok := tr.Get("0xmine"); !ok || p.Filled != 0 {
		t.Errorf("order state changed by order event: ok=%v filled=%v", ok, p.Filled)
	}

	removed, term := tr.ApplyOrderEvent(types.WSOrderEvent{ID: "0xMINE", Type: "CANCELLATION", Status: "CANCELLED"})
	if !term || removed.ID != "0xmine" {
		t.Errorf("cancellation: terminal=%v removed=%q, want true/0xmine", term, removed.ID)
	}
	if tr.Len() != 0 {
		t.Errorf("tracker len = %d after cancellation, want 0", tr.Len())
	}
}

func TestReconcileDropsVanishedOrders(t *testing.T) {
	tr := NewTracker()
	old := time.Now().Add(-5 * time.Minute)
	tr.Add(Pending{ID: "0xgone", TokenID: "tok", Side: types.BUY, Price: 0.5, Size: 100, CreatedAt: old})
	tr.Add(Pending{ID: "0xalive", TokenID: "tok", Side: types.BUY, Price: 0.5, Size: 100, CreatedAt: old})
	tr.Add(Pending{ID: "0xfresh", TokenID: "tok", Side: types.BUY, Price: 0.5, Size: 100}) // just placed

	dropped := tr.Reconcile([]types.OpenOrder{{ID: "0xALIVE"}})

	if len(dropped) != 1 || dropped[0].ID != "0xgone" {
		t.Fatalf("dropped = %+v, want only 0xgone", dropped)
	}
	if _, ok := tr.Get("0xalive"); !ok {
		t.Error("venue-confirmed order dropped")
	}
	// A just-placed order may not be visible in the venue's list yet; it
	// must survive reconciliation.
	if _, ok := tr.Get("0xfresh"); !ok {
		t.Error("freshly placed order dropped by reconciliation")
	}
}

func TestPendingSizeAndCost(t *testing.T) {
	tr := NewTracker()
	tr.Add(Pending{ID: "a", TokenID: "tok", Side: types.BUY, Role: types.RoleHedge, Price: 0.25, Size: 100})
	tr.Add(Pending{ID: "b", TokenID: "tok", Side: types.BUY, Role: types.RoleHedge, Price: 0.30, Size: 50})
	tr.Add(Pending{ID: "c", TokenID: "tok", Side: types.BUY, Role: types.RoleTrigger, Price: 0.70, Size: 40})

	if got := tr.PendingSize(types.RoleHedge); got != 150 {
		t.Errorf("PendingSize(hedge) = %v, want 150", got)
	}
	wantCost := 100*0.25 + 50*0.30
	if got := tr.PendingCost(types.RoleHedge); got != wantCost {
		t.Errorf("PendingCost(hedge) = %v, want %v", got, wantCost)
	}
	if got := tr.PendingSize(""); got != 190 {
		t.Errorf("PendingSize(all) = %v, want 190", got)
	}
}
