// Package market provides local order book management and market discovery.
//
// Book mirrors the CLOB order book for every outcome token of a market. It
// is updated from two sources:
//   - REST snapshots via ApplyBookResponse (initial load)
//   - WebSocket events via ApplyBookEvent (full snapshots) and
//     ApplyPriceChange (incremental level deltas)
//
// The Book is concurrency-safe (RWMutex protected) and implements the
// OrderBookFeed contract: best_bid/best_ask per token and cumulative depth
// via AvailableQuantityAtPrice (component A).
package market

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"polyarb/pkg/types"
)

// tokenBook is one token's bid/ask ladder, kept sorted: bids descending by
// price (best bid first), asks ascending by price (best ask first).
type tokenBook struct {
	bids []types.PriceLevel
	asks []types.PriceLevel
	hash string
}

// Book maintains a local mirror of the order book for every token in one
// market.
type Book struct {
	mu       sync.RWMutex
	marketID string
	books    map[string]*tokenBook // token ID -> ladder
	updated  time.Time             // last time any book data arrived for this market
}

// NewBook creates a new local order book mirror for the given token IDs.
func NewBook(marketID string, tokenIDs ...string) *Book {
	b := &Book{
		marketID: marketID,
		books:    make(map[string]*tokenBook, len(tokenIDs)),
	}
	for _, t := range tokenIDs {
		b.books[t] = &tokenBook{}
	}
	return b
}

// ApplyBookEvent replaces the book for one token with a full snapshot.
// A fresh snapshot always wins over incremental deltas applied earlier;
// reconnect does not flush cached books until a fresh snapshot arrives, so
// a snapshot is the authoritative reset point.
func (b *Book) ApplyBookEvent(event types.WSBookEvent) {
	b.applySnapshot(event.AssetID, event.Buys, event.Sells, event.Hash)
}

// ApplyBookResponse applies a REST API book response.
func (b *Book) ApplyBookResponse(resp *types.BookResponse) {
	b.applySnapshot(resp.AssetID, resp.Bids, resp.Asks, resp.Hash)
}

func (b *Book) applySnapshot(assetID string, bids, asks []types.PriceLevel, hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.tokenLocked(assetID)
	tb.bids = sortLevels(bids, true)
	tb.asks = sortLevels(asks, false)
	tb.hash = hash
	b.updated = time.Now()
}

// ApplyPriceChange applies incremental level deltas in arrival order, never
// reordering. Each change upserts a single price level; a size of zero
// removes the level.
func (b *Book) ApplyPriceChange(event types.WSPriceChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pc := range event.PriceChanges {
		tb := b.tokenLocked(pc.AssetID)
		price := parsePrice(pc.Price)
		size := parsePrice(pc.Size)

		if pc.Side == string(types.BUY) {
			tb.bids = upsertLevel(tb.bids, price, size, true)
		} else {
			tb.asks = upsertLevel(tb.asks, price, size, false)
		}
		tb.hash = pc.Hash
	}
	b.updated = time.Now()
}

func (b *Book) tokenLocked(assetID string) *tokenBook {
	tb, ok := b.books[assetID]
	if !ok {
		tb = &tokenBook{}
		b.books[assetID] = tb
	}
	return tb
}

// BestBid returns the best (highest) bid price for a token, 0 if unknown.
func (b *Book) BestBid(token string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tb, ok := b.books[token]
	if !ok || len(tb.bids) == 0 {
		return 0
	}
	return parsePrice(tb.bids[0].Price)
}

// BestAsk returns the best (lowest) ask price for a token, 0 if unknown.
func (b *Book) BestAsk(token string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tb, ok := b.books[token]
	if !ok || len(tb.asks) == 0 {
		return 0
	}
	return parsePrice(tb.asks[0].Price)
}

// BestBidAsk returns the best bid and ask for a token.
func (b *Book) BestBidAsk(token string) (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tb, exists := b.books[token]
	if !exists || len(tb.bids) == 0 || len(tb.asks) == 0 {
		return 0, 0, false
	}
	return parsePrice(tb.bids[0].Price), parsePrice(tb.asks[0].Price), true
}

// MidPrice returns (bestBid+bestAsk)/2 for a token. Returns false if either
// side of the book is empty.
func (b *Book) MidPrice(token string) (float64, bool) {
	bid, ask, ok := b.BestBidAsk(token)
	if !ok {
		return 0, false
	}
	if bid == 0 && ask == 0 {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// AvailableQuantityAtPrice returns cumulative depth up to and including
// price on the requested side: for SELL it sums ask sizes where ask<=price;
// for BUY it sums bid sizes where bid>=price.
func (b *Book) AvailableQuantityAtPrice(token string, price float64, side types.Side) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tb, ok := b.books[token]
	if !ok {
		return 0
	}

	var total float64
	if side == types.SELL {
		for _, lvl := range tb.asks {
			p := parsePrice(lvl.Price)
			if p <= price {
				total += parsePrice(lvl.Size)
			}
		}
	} else {
		for _, lvl := range tb.bids {
			p := parsePrice(lvl.Price)
			if p >= price {
				total += parsePrice(lvl.Size)
			}
		}
	}
	return total
}

// IsStale returns true if no token in this market has been updated within
// maxAge. A stale book is reported to subscribers but never synthesized.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book update for this market.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func sortLevels(levels []types.PriceLevel, descending bool) []types.PriceLevel {
	out := make([]types.PriceLevel, len(levels))
	copy(out, levels)
	sort.Slice(out, func(i, j int) bool {
		pi, pj := parsePrice(out[i].Price), parsePrice(out[j].Price)
		if descending {
			return pi > pj
		}
		return pi < pj
	})
	return out
}

// upsertLevel inserts, updates, or removes a single price level, keeping the
// ladder sorted (descending for bids, ascending for asks).
func upsertLevel(levels []types.PriceLevel, price, size float64, descending bool) []types.PriceLevel {
	idx := -1
	for i, lvl := range levels {
		if parsePrice(lvl.Price) == price {
			idx = i
			break
		}
	}

	priceStr := strconv.FormatFloat(price, 'f', -1, 64)
	sizeStr := strconv.FormatFloat(size, 'f', -1, 64)

	if size <= 0 {
		if idx >= 0 {
			return append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if idx >= 0 {
		levels[idx].Size = sizeStr
		return levels
	}

	levels = append(levels, types.PriceLevel{Price: priceStr, Size: sizeStr})
	sort.Slice(levels, func(i, j int) bool {
		pi, pj := parsePrice(levels[i].Price), parsePrice(levels[j].Price)
		if descending {
			return pi > pj
		}
		return pi < pj
	})
	return levels
}
