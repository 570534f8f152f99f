package arbitrage

import (
	"math"
	"testing"
	"time"
)

func TestReservationPriceSkew(t *testing.T) {
	// Flat inventory: reservation equals the bid.
	if r := reservationPrice(0.50, 100, 100, 0.5, 0.02, 0.8); r != 0.50 {
		t.Errorf("balanced reservation = %v, want 0.50", r)
	}

	// Long this side: reservation drops below the bid.
	long := reservationPrice(0.50, 300, 100, 0.5, 0.02, 0.8)
	if long >= 0.50 {
		t.Errorf("long-side reservation = %v, want below bid", long)
	}

	// Short this side: reservation rises above the bid.
	short := reservationPrice(0.50, 100, 300, 0.5, 0.02, 0.8)
	if short <= 0.50 {
		t.Errorf("short-side reservation = %v, want above bid", short)
	}

	// Skew scales with sigma^2.
	calm := 0.50 - reservationPrice(0.50, 300, 100, 0.5, 0.01, 0.8)
	wild := 0.50 - reservationPrice(0.50, 300, 100, 0.5, 0.04, 0.8)
	if wild <= calm {
		t.Errorf("skew calm=%v wild=%v, want wild > calm", calm, wild)
	}
}

func TestPlanNormalLevelsPairCostFilter(t *testing.T) {
	p := normalParams{
		gamma:           0.5,
		levelsPerSide:   3,
		levelGrowth:     1.1,
		minOrderValue:   1,
		pairCostCeiling: 0.99,
	}

	// Far-side average 0.55: no level may exceed 0.99-0.55-0.01 = 0.43,
	// even though the reservation says 0.60.
	levels := planNormalLevels(p, 0.60, 0.50, 0.55, 50)
	if len(levels) == 0 {
		t.Fatal("no levels planned")
	}
	for _, lvl := range levels {
		if lvl.price > 0.43+1e-9 {
			t.Errorf("level at %v breaches max price 0.43", lvl.price)
		}
	}
}

func TestPlanNormalLevelsSizeGrowth(t *testing.T) {
	p := normalParams{
		gamma:           0.5,
		levelsPerSide:   3,
		levelGrowth:     1.1,
		minOrderValue:   1,
		pairCostCeiling: 0.99,
	}

	// Average entry 0.50, reservation 0.48: levels at 0.48/0.47/0.46 sit
	// 2/3/4 cents below average and scale 1.1^cents.
	levels := planNormalLevels(p, 0.48, 0.50, 0.30, 100)
	if len(levels) != 3 {
		t.Fatalf("got %d levels, want 3", len(levels))
	}
	for i, wantCents := range []float64{2, 3, 4} {
		want := 100 * math.Pow(1.1, wantCents)
		if diff := levels[i].size - want; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("level %d size = %v, want %v", i, levels[i].size, want)
		}
	}
	// Deeper levels are strictly larger.
	if !(levels[2].size > levels[1].size && levels[1].size > levels[0].size) {
		t.Error("level sizes do not grow with depth")
	}
}

func TestPlanNormalLevelsDropsDust(t *testing.T) {
	p := normalParams{
		gamma:           0.5,
		levelsPerSide:   3,
		levelGrowth:     1.1,
		minOrderValue:   1,
		pairCostCeiling: 0.99,
	}
	// 2 shares at ~0.05 is $0.10 of notional: below the venue floor.
	levels := planNormalLevels(p, 0.05, 0, 0.50, 2)
	if len(levels) != 0 {
		t.Errorf("dust levels survived: %+v", levels)
	}
}

func TestCoreOrderSizeDecay(t *testing.T) {
	// $1000 AUM, 50% budget, 25 trades at $0.50: base 40 shares.
	base := coreOrderSize(1000, 0.5, 25, 0.50, 3*time.Minute, 0, 1)
	if diff := base - 40; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("base size = %v, want 40", base)
	}

	// Minute 8: two minutes past the knee, x0.8^2.
	late := coreOrderSize(1000, 0.5, 25, 0.50, 8*time.Minute, 0, 1)
	if diff := late - 40*0.64; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("minute-8 size = %v, want %v", late, 40*0.64)
	}

	// Two profit locks: x0.7^2 on top.
	locked := coreOrderSize(1000, 0.5, 25, 0.50, 3*time.Minute, 2, 1)
	if diff := locked - 40*0.49; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("post-lock size = %v, want %v", locked, 40*0.49)
	}

	// Decay never goes below the venue minimum.
	tiny := coreOrderSize(1000, 0.5, 25, 0.50, 60*time.Minute, 10, 1)
	if tiny < 1/0.50 {
		t.Errorf("decayed size %v below venue minimum %v", tiny, 1/0.50)
	}
}

func TestMarketDecided(t *testing.T) {
	tests := []struct {
		up, down float64
		want     bool
	}{
		{0.50, 0.48, false},
		{0.98, 0.01, true},  // up pinned high
		{0.02, 0.97, true},  // up pinned low
		{0.97, 0.02, true},  // down pinned low
		{0, 0.50, false},    // unknown bid is not a decision
	}
	for _, tt := range tests {
		if got := marketDecided(tt.up, tt.down); got != tt.want {
			t.Errorf("marketDecided(%v, %v) = %v, want %v", tt.up, tt.down, got, tt.want)
		}
	}
}

func TestVolWindow(t *testing.T) {
	w := NewVolWindow(10)
	if w.Sigma() != 0 {
		t.Error("sigma nonzero on empty window")
	}

	now := time.Now()
	for i, mid := range []float64{0.50, 0.50, 0.50, 0.50} {
		w.Observe(mid, now.Add(time.Duration(i)*time.Second))
	}
	if w.Sigma() != 0 {
		t.Errorf("sigma = %v on constant mids, want 0", w.Sigma())
	}

	w2 := NewVolWindow(10)
	for i, mid := range []float64{0.50, 0.52, 0.48, 0.53, 0.47} {
		w2.Observe(mid, now.Add(time.Duration(i)*time.Second))
	}
	if w2.Sigma() <= 0 {
		t.Errorf("sigma = %v on jumpy mids, want > 0", w2.Sigma())
	}

	// Window evicts: capacity 3 keeps only the last 3 samples.
	w3 := NewVolWindow(3)
	for i := 0; i < 10; i++ {
		w3.Observe(0.5, now.Add(time.Duration(i)*time.Second))
	}
	if w3.Len() != 3 {
		t.Errorf("window len = %d, want 3", w3.Len())
	}
}
