package market

import (
	"testing"
	"time"

	"polyarb/pkg/types"
)

const (
	testUpToken   = "up-token-123"
	testDownToken = "down-token-456"
	testMarket    = "market-abc"
)

func newTestBook() *Book {
	return NewBook(testMarket, testUpToken, testDownToken)
}

func TestApplyBookResponse(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookResponse(&types.BookResponse{
		AssetID: testUpToken,
		Bids:    []types.PriceLevel{{Price: "0.55", Size: "100"}, {Price: "0.54", Size: "200"}},
		Asks:    []types.PriceLevel{{Price: "0.57", Size: "150"}},
		Hash:    "abc123",
	})

	bid, ask, ok := b.BestBidAsk(testUpToken)
	if !ok {
		t.Fatal("BestBidAsk returned ok=false after applying snapshot")
	}
	if bid != 0.55 {
		t.Errorf("bid = %v, want 0.55", bid)
	}
	if ask != 0.57 {
		t.Errorf("ask = %v, want 0.57", ask)
	}
}

func TestApplyWSBookEvent(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookEvent(types.WSBookEvent{
		AssetID: testUpToken,
		Buys:    []types.PriceLevel{{Price: "0.60", Size: "50"}},
		Sells:   []types.PriceLevel{{Price: "0.62", Size: "75"}},
		Hash:    "ws-hash",
	})

	bid, ask, ok := b.BestBidAsk(testUpToken)
	if !ok {
		t.Fatal("BestBidAsk returned ok=false")
	}
	if bid != 0.60 {
		t.Errorf("bid = %v, want 0.60", bid)
	}
	if ask != 0.62 {
		t.Errorf("ask = %v, want 0.62", ask)
	}
}

func TestMidPrice(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	mid, ok := b.MidPrice(testUpToken)
	if ok {
		t.Error("MidPrice should return false for empty book")
	}
	if mid != 0 {
		t.Errorf("mid = %v, want 0 for empty book", mid)
	}

	b.ApplyBookResponse(&types.BookResponse{
		AssetID: testUpToken,
		Bids:    []types.PriceLevel{{Price: "0.50", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.60", Size: "100"}},
		Hash:    "h1",
	})

	mid, ok = b.MidPrice(testUpToken)
	if !ok {
		t.Fatal("MidPrice returned false for populated book")
	}
	if mid != 0.55 {
		t.Errorf("mid = %v, want 0.55", mid)
	}
}

func TestBestBidAskEmpty(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	_, _, ok := b.BestBidAsk(testUpToken)
	if ok {
		t.Error("BestBidAsk should return ok=false for empty book")
	}
}

func TestBestBidAskOneSided(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookResponse(&types.BookResponse{
		AssetID: testUpToken,
		Bids:    []types.PriceLevel{{Price: "0.50", Size: "100"}},
		Asks:    nil,
		Hash:    "h1",
	})

	_, _, ok := b.BestBidAsk(testUpToken)
	if ok {
		t.Error("BestBidAsk should return ok=false with only bids")
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	if !b.IsStale(time.Second) {
		t.Error("new book should be stale")
	}

	b.ApplyBookResponse(&types.BookResponse{
		AssetID: testUpToken,
		Bids:    []types.PriceLevel{{Price: "0.50", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.60", Size: "100"}},
		Hash:    "h1",
	})

	if b.IsStale(time.Second) {
		t.Error("just-updated book should not be stale")
	}

	time.Sleep(50 * time.Millisecond)
	if !b.IsStale(10 * time.Millisecond) {
		t.Error("book should be stale after maxAge")
	}
}

func TestApplyPriceChangeUpsertsLevel(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookResponse(&types.BookResponse{
		AssetID: testUpToken,
		Bids:    []types.PriceLevel{{Price: "0.50", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.60", Size: "100"}},
		Hash:    "h1",
	})

	b.ApplyPriceChange(types.WSPriceChangeEvent{
		PriceChanges: []types.WSPriceChange{
			{AssetID: testUpToken, Price: "0.58", Size: "40", Side: "SELL", Hash: "h2"},
		},
	})

	qty := b.AvailableQuantityAtPrice(testUpToken, 0.60, types.SELL)
	if qty != 140 {
		t.Errorf("AvailableQuantityAtPrice = %v, want 140 (100 @ 0.60 + 40 @ 0.58)", qty)
	}
}

func TestApplyPriceChangeRemovesLevelOnZeroSize(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookResponse(&types.BookResponse{
		AssetID: testUpToken,
		Bids:    []types.PriceLevel{{Price: "0.50", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.60", Size: "100"}, {Price: "0.61", Size: "50"}},
		Hash:    "h1",
	})

	b.ApplyPriceChange(types.WSPriceChangeEvent{
		PriceChanges: []types.WSPriceChange{
			{AssetID: testUpToken, Price: "0.60", Size: "0", Side: "SELL", Hash: "h2"},
		},
	})

	ask := b.BestAsk(testUpToken)
	if ask != 0.61 {
		t.Errorf("BestAsk = %v, want 0.61 after 0.60 level removed", ask)
	}
}

func TestAvailableQuantityAtPriceBuySide(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookResponse(&types.BookResponse{
		AssetID: testUpToken,
		Bids:    []types.PriceLevel{{Price: "0.50", Size: "100"}, {Price: "0.55", Size: "30"}},
		Asks:    []types.PriceLevel{{Price: "0.60", Size: "100"}},
		Hash:    "h1",
	})

	qty := b.AvailableQuantityAtPrice(testUpToken, 0.52, types.BUY)
	if qty != 30 {
		t.Errorf("AvailableQuantityAtPrice(BUY) = %v, want 30 (only 0.55 level >= 0.52)", qty)
	}
}
