// Package orders tracks the in-memory pending-order map shared by a strategy
// core and its user-channel event stream. It normalizes provider trade/order
// events into fills:
//
//   - order IDs are compared case-insensitively (lowercased at every boundary)
//   - a newly stored order always starts with zero filled amount, regardless
//     of what the REST create response claimed; the user channel reports
//     every fill
//   - only trade events carry authoritative fill sizes; order events are used
//     solely to detect cancellation and expiry
//   - a taker order swept across several makers produces one maker_orders
//     entry per maker, and the actual filled quantity is the sum of their
//     matched_amount fields, never the trade's top-level size
package orders

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"polyarb/pkg/types"
)

// fillEvictionRatio is the cumulative-fill fraction at which a pending order
// is considered done and dropped from the map. The venue occasionally rounds
// the final partial fill, so waiting for exactly 100% leaks entries.
const fillEvictionRatio = 0.90

// Pending is one of our resting or in-flight orders.
type Pending struct {
	ID        string // lowercased order ID
	TokenID   string
	Side      types.Side
	Role      types.OrderRole
	Price     float64
	Size      float64 // original requested size in shares
	Filled    float64 // cumulative observed fill, starts at 0
	CreatedAt time.Time
}

// Fill is a normalized, per-maker-entry fill derived from one trade event.
type Fill struct {
	OrderID string // lowercased
	TradeID string
	TokenID string
	Side    types.Side
	Role    types.OrderRole
	Size    float64
	Price   float64
}

// Tracker is the pending-order map. All mutation happens from the strategy
// core's event loop; the mutex exists for dashboard/CLI readers.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*Pending)}
}

// Add stores a new pending order. The ID is lowercased and the filled amount
// is forced to zero: fills arrive only via the user channel.
func (t *Tracker) Add(p Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.ID = strings.ToLower(p.ID)
	p.Filled = 0
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	t.pending[p.ID] = &p
}

// Get returns a copy of the pending order with the given ID, if tracked.
func (t *Tracker) Get(id string) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[strings.ToLower(id)]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Remove drops an order from the map (cancel confirmed, expiry, teardown).
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, strings.ToLower(id))
}

// Len returns the number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Open returns copies of all tracked orders, optionally filtered by role.
// An empty role matches everything.
func (t *Tracker) Open(role types.OrderRole) []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Pending, 0, len(t.pending))
	for _, p := range t.pending {
		if role != "" && p.Role != role {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// OpenIDs returns the IDs of all tracked orders, optionally filtered by role.
func (t *Tracker) OpenIDs(role types.OrderRole) []string {
	open := t.Open(role)
	ids := make([]string, len(open))
	for i, p := range open {
		ids[i] = p.ID
	}
	return ids
}

// PendingSize returns the unfilled share total across tracked orders with
// the given role (all roles if empty).
func (t *Tracker) PendingSize(role types.OrderRole) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, p := range t.pending {
		if role != "" && p.Role != role {
			continue
		}
		if rem := p.Size - p.Filled; rem > 0 {
			total += rem
		}
	}
	return total
}

// PendingCost returns the unfilled share total times limit price across
// tracked orders with the given role (all roles if empty).
func (t *Tracker) PendingCost(role types.OrderRole) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, p := range t.pending {
		if role != "" && p.Role != role {
			continue
		}
		if rem := p.Size - p.Filled; rem > 0 {
			total += rem * p.Price
		}
	}
	return total
}

// ApplyTrade expands one trade event into normalized fills for every order
// of ours it touches. If our order is the taker, the fill size is the sum of
// matched_amount over all maker entries; each maker order of ours yields its
// own fill at that maker's price. The trade's top-level size field is the
// requested amount and is never used.
//
// Only MATCHED trades are processed; the venue re-sends the same trade ID at
// MINED/CONFIRMED as the transaction settles, and counting those again would
// double fills.
func (t *Tracker) ApplyTrade(evt types.WSTradeEvent) []Fill {
	if evt.Status != "" && !strings.EqualFold(evt.Status, "MATCHED") {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var fills []Fill

	if takerID := strings.ToLower(evt.TakerOrderID); takerID != "" {
		if p, ok := t.pending[takerID]; ok {
			var matched float64
			for _, mo := range evt.MakerOrders {
				matched += parseFloat(mo.MatchedAmount)
			}
			if matched > 0 {
				fills = append(fills, Fill{
					OrderID: takerID,
					TradeID: evt.ID,
					TokenID: p.TokenID,
					Side:    p.Side,
					Role:    p.Role,
					Size:    matched,
					Price:   parseFloat(evt.Price),
				})
				t.applyFillLocked(p, matched)
			}
		}
	}

	for _, mo := range evt.MakerOrders {
		makerID := strings.ToLower(mo.OrderID)
		p, ok := t.pending[makerID]
		if !ok {
			continue
		}
		matched := parseFloat(mo.MatchedAmount)
		if matched <= 0 {
			continue
		}
		price := parseFloat(mo.Price)
		if price == 0 {
			price = p.Price
		}
		fills = append(fills, Fill{
			OrderID: makerID,
			TradeID: evt.ID,
			TokenID: p.TokenID,
			Side:    p.Side,
			Role:    p.Role,
			Size:    matched,
			Price:   price,
		})
		t.applyFillLocked(p, matched)
	}

	return fills
}

func (t *Tracker) applyFillLocked(p *Pending, size float64) {
	p.Filled += size
	if p.Size > 0 && p.Filled >= p.Size*fillEvictionRatio {
		delete(t.pending, p.ID)
	}
}

// ApplyOrderEvent handles an order lifecycle event. Order events never carry
// authoritative fill sizes (size_matched is unreliable outside GTC); they are
// consulted only to detect terminal CANCELLED/EXPIRED states, on which the
// order is dropped from the map. Returns the removed order and true when a
// terminal state was observed.
func (t *Tracker) ApplyOrderEvent(evt types.WSOrderEvent) (Pending, bool) {
	id := strings.ToLower(evt.ID)
	terminal := strings.EqualFold(evt.Type, "CANCELLATION") ||
		strings.EqualFold(evt.Status, "CANCELLED") ||
		strings.EqualFold(evt.Status, "EXPIRED")
	if !terminal {
		return Pending{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return Pending{}, false
	}
	delete(t.pending, id)
	return *p, true
}

// Reconcile compares the tracked map against the venue's authoritative
// open-order list and drops entries the venue no longer knows — orders that
// terminated during a user-feed gap. Fills that happened in the gap are
// gone either way (the ledger catches up from the venue's position truth at
// restart); what must not persist is a phantom resting order the strategy
// keeps counting as pending. Returns the dropped orders.
func (t *Tracker) Reconcile(open []types.OpenOrder) []Pending {
	alive := make(map[string]bool, len(open))
	for _, o := range open {
		alive[strings.ToLower(o.ID)] = true
	}

	// Orders younger than this may simply not have reached the venue's
	// open-order view yet; leave them alone.
	const minAge = 30 * time.Second
	cutoff := time.Now().Add(-minAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []Pending
	for id, p := range t.pending {
		if !alive[id] && p.CreatedAt.Before(cutoff) {
			dropped = append(dropped, *p)
			delete(t.pending, id)
		}
	}
	return dropped
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
