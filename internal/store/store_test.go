package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"polyarb/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPositionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.SavePosition("m1", "UP", "tok-up", 100, 50.5); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	if err := s.SavePosition("m1", "DOWN", "tok-down", 300, 120); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	// Upsert overwrites.
	if err := s.SavePosition("m1", "UP", "tok-up", 150, 80); err != nil {
		t.Fatalf("SavePosition overwrite: %v", err)
	}

	rows, err := s.LoadPositions()
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	byKey := make(map[string]PositionRow)
	for _, r := range rows {
		byKey[r.MarketID+"/"+r.Side] = r
	}
	if up := byKey["m1/UP"]; up.Qty != 150 || up.Cost != 80 || up.TokenID != "tok-up" {
		t.Errorf("UP = %+v, want qty 150 cost 80 token tok-up", up)
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.LoadBaseline("m1"); err != nil || ok {
		t.Fatalf("fresh baseline: ok=%v err=%v, want absent", ok, err)
	}

	saved := types.Baseline{
		MarketID:        "m1",
		ImbalanceShares: 200,
		UpQty:           640,
		DownQty:         440,
		SavedAt:         time.Now(),
	}
	if err := s.SaveBaseline(saved); err != nil {
		t.Fatalf("SaveBaseline: %v", err)
	}

	got, ok, err := s.LoadBaseline("m1")
	if err != nil || !ok {
		t.Fatalf("LoadBaseline: ok=%v err=%v", ok, err)
	}
	if got.ImbalanceShares != 200 || got.UpQty != 640 || got.DownQty != 440 {
		t.Errorf("baseline = %+v, want imbalance 200 up 640 down 440", got)
	}
}

func TestRedemptionAttemptsAreMonotonic(t *testing.T) {
	s := openTestStore(t)

	if ok, _ := s.HasRedemptionAttempt("0xcond", 0); ok {
		t.Fatal("attempt present before any mark")
	}
	if err := s.MarkRedemptionAttempt("0xcond", 0); err != nil {
		t.Fatalf("MarkRedemptionAttempt: %v", err)
	}
	// Duplicate mark is a no-op, not an error.
	if err := s.MarkRedemptionAttempt("0xcond", 0); err != nil {
		t.Fatalf("duplicate mark: %v", err)
	}
	if ok, err := s.HasRedemptionAttempt("0xcond", 0); err != nil || !ok {
		t.Errorf("HasRedemptionAttempt = %v, %v, want true", ok, err)
	}
	if ok, _ := s.HasRedemptionAttempt("0xcond", 1); ok {
		t.Error("other outcome index reported attempted")
	}
}

func TestFillAndTradeAppend(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordTrade("t1", "m1", "tok", "BUY", "trigger", 0.72, 10); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}
	if err := s.RecordFill("0xorder", "t1", "m1", "tok", "BUY", 10, 0.72); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	if err := s.RecordMonitorTrade("m1", "tok", "SELL", 0.55, 3); err != nil {
		t.Fatalf("RecordMonitorTrade: %v", err)
	}
}

func TestCycleLifecycle(t *testing.T) {
	s := openTestStore(t)

	c := types.Cycle{
		ID:           "cyc-1",
		ConditionID:  "0xcond",
		GameID:       "game-42",
		PresplitUSDC: 85,
		SplitTxHash:  "0xsplit",
		CreatedAt:    time.Now(),
	}
	if err := s.SaveCycle(c); err != nil {
		t.Fatalf("SaveCycle: %v", err)
	}

	open, err := s.LoadOpenCycles()
	if err != nil {
		t.Fatalf("LoadOpenCycles: %v", err)
	}
	if len(open) != 1 || open[0].ID != "cyc-1" {
		t.Fatalf("open cycles = %+v, want [cyc-1]", open)
	}

	c.ShockedSide = types.SideUp
	c.EntryPrice = 0.44
	c.Outcome = types.CycleWon
	c.MergeTxHash = "0xmerge"
	c.ClosedAt = time.Now()
	if err := s.SaveCycle(c); err != nil {
		t.Fatalf("SaveCycle close: %v", err)
	}

	open, err = s.LoadOpenCycles()
	if err != nil {
		t.Fatalf("LoadOpenCycles after close: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open cycles after close = %+v, want none", open)
	}
}
