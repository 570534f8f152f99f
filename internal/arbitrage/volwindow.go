// volwindow.go estimates tick-to-tick volatility over a rolling window of
// observed mid prices. The reservation-price skew in normal mode scales
// with sigma^2, so a quiet market quotes tight and a jumpy one backs off.
package arbitrage

import (
	"math"
	"time"
)

type volSample struct {
	mid float64
	at  time.Time
}

// VolWindow keeps the last N mid-price observations and computes the
// standard deviation of tick-to-tick returns.
type VolWindow struct {
	samples []volSample
	max     int
}

// NewVolWindow creates a window holding up to max samples.
func NewVolWindow(max int) *VolWindow {
	if max < 2 {
		max = 2
	}
	return &VolWindow{max: max}
}

// Observe appends a mid-price sample, evicting the oldest when full.
func (w *VolWindow) Observe(mid float64, at time.Time) {
	w.samples = append(w.samples, volSample{mid: mid, at: at})
	if len(w.samples) > w.max {
		w.samples = w.samples[len(w.samples)-w.max:]
	}
}

// Sigma returns the standard deviation of successive mid-price changes, or
// zero with fewer than three samples.
func (w *VolWindow) Sigma() float64 {
	if len(w.samples) < 3 {
		return 0
	}

	diffs := make([]float64, 0, len(w.samples)-1)
	for i := 1; i < len(w.samples); i++ {
		diffs = append(diffs, w.samples[i].mid-w.samples[i-1].mid)
	}

	var mean float64
	for _, d := range diffs {
		mean += d
	}
	mean /= float64(len(diffs))

	var variance float64
	for _, d := range diffs {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(diffs))
	return math.Sqrt(variance)
}

// Len returns the number of held samples.
func (w *VolWindow) Len() int {
	return len(w.samples)
}
