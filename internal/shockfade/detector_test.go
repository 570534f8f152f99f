package shockfade

import (
	"testing"
	"time"
)

func newTestDetector() *Detector {
	// 60s window, z >= 2.0, 3-cent absolute floor, band [0.07, 0.85], 10s cooldown.
	return NewDetector(60*time.Second, 2.0, 3, 0.07, 0.85, 10*time.Second)
}

// feedQuiet seeds a token with a stable tape: mids oscillating a tenth of a
// cent around base.
func feedQuiet(d *Detector, token string, base float64, start time.Time, n int) time.Time {
	at := start
	for i := 0; i < n; i++ {
		jitter := 0.001
		if i%2 == 0 {
			jitter = -0.001
		}
		if s := d.Observe(token, base+jitter, at); s != nil {
			panic("quiet tape produced a shock")
		}
		at = at.Add(time.Second)
	}
	return at
}

func TestDetectorFiresOnJump(t *testing.T) {
	d := newTestDetector()
	at := feedQuiet(d, "tok", 0.40, time.Now(), 20)

	shock := d.Observe("tok", 0.44, at) // +4 cents against a ~0.1-cent sigma
	if shock == nil {
		t.Fatal("no shock on a 4-cent jump against a quiet tape")
	}
	if shock.Delta <= 0.03 {
		t.Errorf("delta = %v, want > 0.03", shock.Delta)
	}
	if shock.Z < 2.0 {
		t.Errorf("z = %v, want >= 2.0", shock.Z)
	}
}

func TestDetectorAbsoluteFloorBlocksSmallMoves(t *testing.T) {
	d := newTestDetector()
	at := feedQuiet(d, "tok", 0.40, time.Now(), 20)

	// +2 cents is dozens of sigmas on this tape but under the 3-cent floor.
	if s := d.Observe("tok", 0.42, at); s != nil {
		t.Errorf("shock fired on a 2-cent move: %+v", s)
	}
}

func TestDetectorZThresholdBlocksNoisyTape(t *testing.T) {
	d := NewDetector(60*time.Second, 2.0, 3, 0.07, 0.85, 10*time.Second)
	// A violent tape: swings of +-5 cents are the norm.
	at := time.Now()
	mids := []float64{0.40, 0.45, 0.38, 0.44, 0.37, 0.45, 0.39, 0.44}
	for _, m := range mids {
		d.Observe("tok", m, at)
		at = at.Add(time.Second)
	}
	// +4 cents vs mean is within the regime's sigma band.
	if s := d.Observe("tok", 0.455, at); s != nil && s.Z >= 2.0 {
		t.Errorf("z = %v on a tape whose sigma should absorb the move", s.Z)
	}
}

func TestDetectorPriceBand(t *testing.T) {
	d := newTestDetector()

	// Above the 0.85 ceiling: thin books give poor fills, never sell there.
	at := feedQuiet(d, "hi", 0.86, time.Now(), 20)
	if s := d.Observe("hi", 0.90, at); s != nil {
		t.Error("shock fired above the price ceiling")
	}

	at = feedQuiet(d, "lo", 0.03, time.Now(), 20)
	if s := d.Observe("lo", 0.065, at); s != nil {
		t.Error("shock fired below the price floor")
	}
}

func TestDetectorCooldown(t *testing.T) {
	d := newTestDetector()
	at := feedQuiet(d, "tok", 0.40, time.Now(), 20)

	if s := d.Observe("tok", 0.44, at); s == nil {
		t.Fatal("first shock missing")
	}
	// 5s later, another qualifying move: still inside the 10s cooldown.
	at = at.Add(5 * time.Second)
	if s := d.Observe("tok", 0.48, at); s != nil {
		t.Error("second shock inside cooldown")
	}
	// A different token has its own cooldown clock.
	at2 := feedQuiet(d, "other", 0.40, time.Now(), 20)
	if s := d.Observe("other", 0.44, at2); s == nil {
		t.Error("cooldown leaked across tokens")
	}
}

func TestDetectorWindowEviction(t *testing.T) {
	d := newTestDetector()
	start := time.Now()
	at := feedQuiet(d, "tok", 0.40, start, 10)

	// Jump ahead past the window: the old regime is gone, so there are too
	// few samples to call anything a shock.
	at = at.Add(2 * time.Minute)
	if s := d.Observe("tok", 0.44, at); s != nil {
		t.Error("shock fired against an evicted window")
	}
}

func TestPlanLadder(t *testing.T) {
	levels := PlanLadder(0.44, 3, 3, 85, 0.01, 0.85)
	if len(levels) != 3 {
		t.Fatalf("got %d levels, want 3", len(levels))
	}
	wantPrices := []float64{0.47, 0.50, 0.53}
	for i, w := range wantPrices {
		if diff := levels[i].Price - w; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("level %d price = %v, want %v", i, levels[i].Price, w)
		}
		if levels[i].Size != 29 { // ceil(85/3)
			t.Errorf("level %d size = %v, want 29", i, levels[i].Size)
		}
	}
}

func TestPlanLadderClampsToCeiling(t *testing.T) {
	// Shock at 0.82 with 3-cent spacing: 0.85 / 0.88 / 0.91 all clamp to
	// the 0.85 ceiling and merge into one level carrying the full size.
	levels := PlanLadder(0.82, 3, 3, 90, 0.01, 0.85)
	if len(levels) != 1 {
		t.Fatalf("want 1 merged level, got %+v", levels)
	}
	if diff := levels[0].Price - 0.85; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("merged level price = %v, want 0.85", levels[0].Price)
	}
	if levels[0].Size != 90 {
		t.Errorf("merged level size = %v, want 90", levels[0].Size)
	}
}
