package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"riskdesk/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ ExecutionStore = (*SQLiteStore)(nil)
var _ AlarmStore = (*SQLiteStore)(nil)

// SQLiteStore implements ExecutionStore and AlarmStore backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		perm_id            TEXT PRIMARY KEY,
		symbol             TEXT NOT NULL,
		side               TEXT NOT NULL,
		shares             REAL NOT NULL,
		avg_price          REAL NOT NULL,
		adjusted_avg_price REAL NOT NULL,
		commission         REAL NOT NULL,
		time_ms            INTEGER NOT NULL,
		opens_position     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS executions_symbol_time ON executions(symbol, time_ms)`,
	`CREATE TABLE IF NOT EXISTS alarms (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol     TEXT NOT NULL,
		message    TEXT NOT NULL,
		active     INTEGER NOT NULL DEFAULT 1,
		created_ms INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alarms_active_message ON alarms(message) WHERE active = 1`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// ExecutionStore implementation
// ---------------------------------------------------------------------------

// SaveExecutions inserts fills whose perm id is not yet stored.
func (s *SQLiteStore) SaveExecutions(ctx context.Context, fills []domain.AggregatedFill) (int, error) {
	if len(fills) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO executions
		(perm_id, symbol, side, shares, avg_price, adjusted_avg_price, commission, time_ms, opens_position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, f := range fills {
		res, err := stmt.ExecContext(ctx, f.PermID, f.Symbol, string(f.Side), f.Shares, f.AvgPrice,
			f.AdjustedAvgPrice, f.Commission, f.Time.UnixMilli(), boolToInt(f.OpensPosition))
		if err != nil {
			return 0, fmt.Errorf("inserting execution %s: %w", f.PermID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

// MarkOpening sets opens_position on the execution.
func (s *SQLiteStore) MarkOpening(ctx context.Context, permID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET opens_position = 1 WHERE perm_id = ?`, permID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not found", permID)
	}
	return nil
}

// ListExecutions returns executions at or after since, oldest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, since time.Time) ([]domain.AggregatedFill, error) {
	return s.queryExecutions(ctx, `SELECT perm_id, symbol, side, shares, avg_price, adjusted_avg_price, commission, time_ms, opens_position
		FROM executions WHERE time_ms >= ? ORDER BY time_ms, perm_id`, since.UnixMilli())
}

// OpeningExecutions returns the most recent opening execution per symbol.
func (s *SQLiteStore) OpeningExecutions(ctx context.Context) (map[string]domain.AggregatedFill, error) {
	rows, err := s.queryExecutions(ctx, `SELECT perm_id, symbol, side, shares, avg_price, adjusted_avg_price, commission, time_ms, opens_position
		FROM executions WHERE opens_position = 1 ORDER BY time_ms, perm_id`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.AggregatedFill, len(rows))
	for _, f := range rows {
		out[f.Symbol] = f
	}
	return out, nil
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.AggregatedFill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AggregatedFill
	for rows.Next() {
		var (
			f     domain.AggregatedFill
			side  string
			ms    int64
			opens int
		)
		if err := rows.Scan(&f.PermID, &f.Symbol, &side, &f.Shares, &f.AvgPrice, &f.AdjustedAvgPrice, &f.Commission, &ms, &opens); err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		f.Time = time.UnixMilli(ms).UTC()
		f.OpensPosition = opens != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// AlarmStore implementation
// ---------------------------------------------------------------------------

// RaiseAlarm inserts an active alarm unless the same message is already
// active.
func (s *SQLiteStore) RaiseAlarm(ctx context.Context, symbol, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO alarms (symbol, message, active, created_ms) VALUES (?, ?, 1, ?)`,
		symbol, message, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("raising alarm for %s: %w", symbol, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListAlarms returns alarms newest first.
func (s *SQLiteStore) ListAlarms(ctx context.Context, activeOnly bool) ([]domain.Alarm, error) {
	q := `SELECT id, symbol, message, active, created_ms FROM alarms`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Alarm
	for rows.Next() {
		var (
			a      domain.Alarm
			active int
			ms     int64
		)
		if err := rows.Scan(&a.ID, &a.Symbol, &a.Message, &active, &ms); err != nil {
			return nil, err
		}
		a.Active = active != 0
		a.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAlarm deactivates an alarm so the same message can be raised again.
func (s *SQLiteStore) ResolveAlarm(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alarms SET active = 0 WHERE id = ?`, id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
