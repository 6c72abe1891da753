package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmorrisey/threadfall/internal/crawl"
)

// LedgerConfig controls the Postgres connection for one retry ledger table.
type LedgerConfig struct {
	DSN   string
	Table string
}

// Ledger is a Postgres-backed crawl.RetryLedger. One instance serves one
// table; the service runs two (failed fetches and failed enrichments).
type Ledger struct {
	pool  db
	table string
}

// NewLedger connects to Postgres and ensures the ledger table exists.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	ledger := &Ledger{pool: pool, table: cfg.Table}
	if err := ledger.setup(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return ledger, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily
// for testing). The table is not created.
func NewLedgerWithPool(pool db, table string) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{pool: pool, table: table}, nil
}

func (l *Ledger) setup(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	item_id TEXT PRIMARY KEY,
	unit TEXT NOT NULL,
	parent_id TEXT,
	attempt_count INT NOT NULL,
	last_attempt TIMESTAMPTZ NOT NULL,
	last_error TEXT NOT NULL,
	first_seen TIMESTAMPTZ NOT NULL
)`, l.table)
	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// RecordFailure upserts a failure for the item: the attempt count is
// incremented and last_attempt/last_error overwritten, while unit,
// parent_id and first_seen keep their insert-time values.
func (l *Ledger) RecordFailure(ctx context.Context, entry crawl.RetryEntry) error {
	if entry.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	lastAttempt := entry.LastAttempt
	if lastAttempt.IsZero() {
		lastAttempt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (item_id, unit, parent_id, attempt_count, last_attempt, last_error, first_seen)
VALUES ($1, $2, $3, 1, $4, $5, $4)
ON CONFLICT (item_id) DO UPDATE SET
	attempt_count = %s.attempt_count + 1,
	last_attempt = EXCLUDED.last_attempt,
	last_error = EXCLUDED.last_error`, l.table, l.table)

	_, err := l.pool.Exec(ctx, query,
		entry.ItemID,
		entry.Unit,
		nullableString(entry.ParentID),
		lastAttempt,
		entry.LastError,
	)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// ListRetryable returns entries still under the attempt cap, oldest attempt
// first. Entries at the cap stay in the table for manual triage but are
// never returned here.
func (l *Ledger) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]crawl.RetryEntry, error) {
	query := fmt.Sprintf(`
SELECT item_id, unit, parent_id, attempt_count, last_attempt, last_error, first_seen
FROM %s
WHERE attempt_count < $1
ORDER BY last_attempt
LIMIT $2`, l.table)
	rows, err := l.pool.Query(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	defer rows.Close()

	var out []crawl.RetryEntry
	for rows.Next() {
		var (
			entry    crawl.RetryEntry
			parentID *string
		)
		err := rows.Scan(
			&entry.ItemID,
			&entry.Unit,
			&parentID,
			&entry.AttemptCount,
			&entry.LastAttempt,
			&entry.LastError,
			&entry.FirstSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		if parentID != nil {
			entry.ParentID = *parentID
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger rows: %w", err)
	}
	return out, nil
}

// Clear deletes the entry for an item. Deleting an absent entry is not an
// error, so Clear can be called on every success.
func (l *Ledger) Clear(ctx context.Context, itemID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE item_id = $1", l.table)
	if _, err := l.pool.Exec(ctx, query, itemID); err != nil {
		return fmt.Errorf("clear ledger entry: %w", err)
	}
	return nil
}

// Depth counts all entries, frozen ones included.
func (l *Ledger) Depth(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", l.table)
	var depth int64
	if err := l.pool.QueryRow(ctx, query).Scan(&depth); err != nil {
		return 0, fmt.Errorf("ledger depth: %w", err)
	}
	return depth, nil
}
