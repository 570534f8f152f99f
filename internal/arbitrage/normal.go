// normal.go implements normal-mode accumulation: resting bids laid on both
// sides below an inventory-skewed reservation price, sized up the further
// they sit below the side's realized average, and always filtered so a fill
// can never push the pair cost to the danger line.
package arbitrage

import (
	"math"
	"time"
)

// normalParams collects the tunables normal-mode quoting reads.
type normalParams struct {
	gamma           float64 // risk aversion
	levelsPerSide   int     // max resting bids per side
	levelGrowth     float64 // per-cent-below-average size multiplier
	maxLevelUSD     float64 // hard cap on one level's notional
	minOrderValue   float64 // venue floor on size*price
	pairCostCeiling float64 // 0.99: a fill must keep pair cost below this
}

// reservationPrice computes the side's quoting anchor:
//
//	r = bid - q * gamma * sigma^2 * T
//
// where q is the inventory skew toward this side in [-1, 1] and T is the
// fraction of the market window remaining. Holding a surplus of this side
// pushes its quotes down (accumulate less), a deficit pulls them up.
func reservationPrice(bid, qtySide, qtyOther, gamma, sigma, fracRemaining float64) float64 {
	total := qtySide + qtyOther
	var q float64
	if total > 0 {
		q = (qtySide - qtyOther) / total
	}
	return bid - q*gamma*sigma*sigma*fracRemaining
}

// bidLevel is one planned normal-mode resting bid.
type bidLevel struct {
	price float64
	size  float64
}

// planNormalLevels lays up to levelsPerSide bids at 1¢ intervals walking
// down from the reservation price. Sizes grow levelGrowth^cents-below-avg
// (deeper discounts earn bigger orders), capped at maxLevelUSD. Every
// candidate is filtered through maxPrice = ceiling - avgOther - 1¢ so that
// even a full fill keeps the pair cost below the ceiling. Levels whose
// notional would fall below the venue minimum are dropped.
func planNormalLevels(p normalParams, reservation, avgSide, avgOther, coreSize float64) []bidLevel {
	maxPrice := p.pairCostCeiling - avgOther - 0.01
	if avgOther == 0 {
		// No inventory on the far side yet: the only bound is the ceiling
		// against a worst-case $0 far-side average.
		maxPrice = p.pairCostCeiling - 0.01
	}

	var levels []bidLevel
	for i := 0; i < p.levelsPerSide; i++ {
		price := roundCents(reservation - float64(i)*0.01)
		if price > maxPrice {
			price = roundCents(maxPrice)
		}
		if price <= 0.01 {
			break
		}

		size := coreSize
		if avgSide > 0 && price < avgSide {
			centsBelow := (avgSide - price) * 100
			size = coreSize * math.Pow(p.levelGrowth, centsBelow)
		}
		if p.maxLevelUSD > 0 && size*price > p.maxLevelUSD {
			size = p.maxLevelUSD / price
		}
		if size*price < p.minOrderValue {
			continue
		}

		// Dedup against a previous level clamped to the same price.
		if n := len(levels); n > 0 && levels[n-1].price == price {
			continue
		}
		levels = append(levels, bidLevel{price: price, size: size})
	}
	return levels
}

// coreOrderSize derives the base order size in shares from the capital
// budget, decayed late in the market window and after each profit lock:
//
//	base = (aum * budgetPct / targetTrades) / price
//	     * 0.8^(minutesElapsed - 6)   after minute 6
//	     * 0.7^lockCount
//
// never below the venue's minimum order value.
func coreOrderSize(aumUSD, budgetPct float64, targetTrades int, price float64, elapsed time.Duration, lockCount int, minOrderValue float64) float64 {
	if price <= 0 || targetTrades <= 0 {
		return 0
	}
	base := aumUSD * budgetPct / float64(targetTrades) / price

	minutes := elapsed.Minutes()
	if minutes > 6 {
		base *= math.Pow(0.8, minutes-6)
	}
	if lockCount > 0 {
		base *= math.Pow(0.7, float64(lockCount))
	}

	if floor := minOrderValue / price; base < floor {
		base = floor
	}
	return base
}

// marketDecided reports the market-exit price condition: either side's bid
// pinned at the extremes means the outcome is effectively known and there
// is nothing left to make.
func marketDecided(upBid, downBid float64) bool {
	pinned := func(bid float64) bool {
		return bid > 0 && (bid <= 0.02 || bid >= 0.98)
	}
	return pinned(upBid) || pinned(downBid)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
