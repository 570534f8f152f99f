// Package store persists strategy state to a single embedded SQLite
// database. The schema is append-oriented: positions, trades, fills,
// baselines, redemption attempts, monitor trades, and shock-fade cycles are
// written as they happen, but the live strategy never reads them back for
// decisions — the database is a recovery and reporting aid only (the CLI's
// aum/status verbs and post-crash reconciliation read it).
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"polyarb/pkg/types"
)

// Store wraps the SQLite connection.
type Store struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{sql: sqlDB, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sql.Close()
}

func (s *Store) migrate() error {
	version := 0
	s.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS positions (
				market_id  TEXT NOT NULL,
				side       TEXT NOT NULL,
				token_id   TEXT NOT NULL DEFAULT '',
				qty        REAL NOT NULL DEFAULT 0,
				cost       REAL NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (market_id, side)
			);

			CREATE TABLE IF NOT EXISTS trades (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				trade_id   TEXT NOT NULL,
				market_id  TEXT NOT NULL,
				token_id   TEXT NOT NULL,
				side       TEXT NOT NULL,
				role       TEXT NOT NULL DEFAULT '',
				price      REAL NOT NULL,
				size       REAL NOT NULL,
				created_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id, created_at);

			CREATE TABLE IF NOT EXISTS fills (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				order_id   TEXT NOT NULL,
				trade_id   TEXT NOT NULL,
				market_id  TEXT NOT NULL,
				token_id   TEXT NOT NULL,
				side       TEXT NOT NULL,
				size       REAL NOT NULL,
				price      REAL NOT NULL,
				created_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
			CREATE INDEX IF NOT EXISTS idx_fills_market ON fills(market_id, created_at);

			CREATE TABLE IF NOT EXISTS baselines (
				market_id TEXT PRIMARY KEY,
				imbalance REAL NOT NULL,
				up_qty    REAL NOT NULL,
				down_qty  REAL NOT NULL,
				saved_at  TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS redemption_attempts (
				condition_id  TEXT NOT NULL,
				outcome_index INTEGER NOT NULL,
				attempted_at  TEXT NOT NULL,
				PRIMARY KEY (condition_id, outcome_index)
			);

			CREATE TABLE IF NOT EXISTS monitor_trades (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				market_id   TEXT NOT NULL,
				token_id    TEXT NOT NULL,
				side        TEXT NOT NULL,
				price       REAL NOT NULL,
				size        REAL NOT NULL,
				observed_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_monitor_market ON monitor_trades(market_id, observed_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		s.logger.Info("applied migration v1")
	}

	if version < 2 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS cycles (
				id           TEXT PRIMARY KEY,
				condition_id TEXT NOT NULL,
				game_id      TEXT NOT NULL DEFAULT '',
				presplit_usd REAL NOT NULL,
				split_tx     TEXT NOT NULL DEFAULT '',
				shocked_side TEXT NOT NULL DEFAULT '',
				entry_price  REAL NOT NULL DEFAULT 0,
				outcome      TEXT NOT NULL DEFAULT '',
				merge_tx     TEXT NOT NULL DEFAULT '',
				created_at   TEXT NOT NULL,
				closed_at    TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_cycles_game ON cycles(game_id, created_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (2);
		`)
		if err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		s.logger.Info("applied migration v2 (shock-fade cycles)")
	}

	return nil
}

// PositionRow is one (market, side) holding as persisted.
type PositionRow struct {
	MarketID  string
	Side      string
	TokenID   string
	Qty       float64
	Cost      float64
	UpdatedAt time.Time
}

// SavePosition upserts the persisted position for one (market, side).
func (s *Store) SavePosition(marketID, side, tokenID string, qty, cost float64) error {
	_, err := s.sql.Exec(`
		INSERT INTO positions (market_id, side, token_id, qty, cost, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id, side) DO UPDATE SET
			token_id = excluded.token_id, qty = excluded.qty, cost = excluded.cost,
			updated_at = excluded.updated_at`,
		marketID, side, tokenID, qty, cost, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// LoadPositions returns all persisted positions, most recent write wins.
func (s *Store) LoadPositions() ([]PositionRow, error) {
	rows, err := s.sql.Query(`SELECT market_id, side, token_id, qty, cost, updated_at FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		var ts string
		if err := rows.Scan(&r.MarketID, &r.Side, &r.TokenID, &r.Qty, &r.Cost, &ts); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordTrade appends a trade row.
func (s *Store) RecordTrade(tradeID, marketID, tokenID, side, role string, price, size float64) error {
	_, err := s.sql.Exec(`
		INSERT INTO trades (trade_id, market_id, token_id, side, role, price, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tradeID, marketID, tokenID, side, role, price, size,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

// RecordFill appends a fill row.
func (s *Store) RecordFill(orderID, tradeID, marketID, tokenID, side string, size, price float64) error {
	_, err := s.sql.Exec(`
		INSERT INTO fills (order_id, trade_id, market_id, token_id, side, size, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		orderID, tradeID, marketID, tokenID, side, size, price,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record fill: %w", err)
	}
	return nil
}

// SaveBaseline upserts the balanced-imbalance baseline for a market.
func (s *Store) SaveBaseline(b types.Baseline) error {
	_, err := s.sql.Exec(`
		INSERT INTO baselines (market_id, imbalance, up_qty, down_qty, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			imbalance = excluded.imbalance, up_qty = excluded.up_qty,
			down_qty = excluded.down_qty, saved_at = excluded.saved_at`,
		b.MarketID, b.ImbalanceShares, b.UpQty, b.DownQty,
		b.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// LoadBaseline returns the stored baseline for a market, if any.
func (s *Store) LoadBaseline(marketID string) (types.Baseline, bool, error) {
	var b types.Baseline
	var ts string
	err := s.sql.QueryRow(`
		SELECT market_id, imbalance, up_qty, down_qty, saved_at
		FROM baselines WHERE market_id = ?`, marketID).
		Scan(&b.MarketID, &b.ImbalanceShares, &b.UpQty, &b.DownQty, &ts)
	if err == sql.ErrNoRows {
		return types.Baseline{}, false, nil
	}
	if err != nil {
		return types.Baseline{}, false, fmt.Errorf("load baseline: %w", err)
	}
	b.SavedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return b, true, nil
}

// MarkRedemptionAttempt records a redeem submission for (condition, outcome).
// Duplicate marks are harmless.
func (s *Store) MarkRedemptionAttempt(conditionID string, outcomeIndex int) error {
	_, err := s.sql.Exec(`
		INSERT OR IGNORE INTO redemption_attempts (condition_id, outcome_index, attempted_at)
		VALUES (?, ?, ?)`,
		conditionID, outcomeIndex, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark redemption attempt: %w", err)
	}
	return nil
}

// HasRedemptionAttempt reports whether a redeem was ever submitted for
// (condition, outcome).
func (s *Store) HasRedemptionAttempt(conditionID string, outcomeIndex int) (bool, error) {
	var one int
	err := s.sql.QueryRow(`
		SELECT 1 FROM redemption_attempts WHERE condition_id = ? AND outcome_index = ?`,
		conditionID, outcomeIndex).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has redemption attempt: %w", err)
	}
	return true, nil
}

// RecordMonitorTrade appends an observed market trade (tape monitoring).
func (s *Store) RecordMonitorTrade(marketID, tokenID, side string, price, size float64) error {
	_, err := s.sql.Exec(`
		INSERT INTO monitor_trades (market_id, token_id, side, price, size, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		marketID, tokenID, side, price, size,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record monitor trade: %w", err)
	}
	return nil
}

// SaveCycle upserts a shock-fade cycle row. Called at split time and again
// on every state change until the cycle closes.
func (s *Store) SaveCycle(c types.Cycle) error {
	var closedAt any
	if !c.ClosedAt.IsZero() {
		closedAt = c.ClosedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.sql.Exec(`
		INSERT INTO cycles (id, condition_id, game_id, presplit_usd, split_tx,
			shocked_side, entry_price, outcome, merge_tx, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			split_tx = excluded.split_tx, shocked_side = excluded.shocked_side,
			entry_price = excluded.entry_price, outcome = excluded.outcome,
			merge_tx = excluded.merge_tx, closed_at = excluded.closed_at`,
		c.ID, c.ConditionID, c.GameID, c.PresplitUSDC, c.SplitTxHash,
		string(c.ShockedSide), c.EntryPrice, string(c.Outcome), c.MergeTxHash,
		c.CreatedAt.UTC().Format(time.RFC3339Nano), closedAt)
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}
	return nil
}

// LoadOpenCycles returns cycles that never closed, for post-crash cleanup.
func (s *Store) LoadOpenCycles() ([]types.Cycle, error) {
	rows, err := s.sql.Query(`
		SELECT id, condition_id, game_id, presplit_usd, split_tx, shocked_side,
			entry_price, outcome, merge_tx, created_at
		FROM cycles WHERE closed_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("load open cycles: %w", err)
	}
	defer rows.Close()

	var out []types.Cycle
	for rows.Next() {
		var c types.Cycle
		var side, outcome, createdAt string
		if err := rows.Scan(&c.ID, &c.ConditionID, &c.GameID, &c.PresplitUSDC,
			&c.SplitTxHash, &side, &c.EntryPrice, &outcome, &c.MergeTxHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.ShockedSide = types.OutcomeSide(side)
		c.Outcome = types.CycleOutcome(outcome)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
