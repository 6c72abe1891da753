// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmorrisey/threadfall/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RecordStoreConfig controls the Postgres connection used for record rows.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RecordStore upserts normalized records into Postgres. The raw payload is
// kept opaque in a JSONB column; only the identifier, unit and enrichment
// fields are promoted to columns.
type RecordStore struct {
	pool  db
	table string
}

// NewRecordStore connects to Postgres and ensures the records table exists.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &RecordStore{pool: pool, table: table}
	if err := store.setup(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool
// (primarily for testing). The table is not created.
func NewRecordStoreWithPool(pool db, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

func (s *RecordStore) setup(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	unit TEXT NOT NULL,
	parent_id TEXT,
	payload JSONB NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL,
	enrich_attempted BOOLEAN NOT NULL DEFAULT FALSE,
	enrich_class TEXT,
	enrich_confidence DOUBLE PRECISION,
	enriched_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %s_unit_collected_idx ON %s (unit, collected_at);
`, s.table, s.table, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert writes a record keyed by its ID. Re-upserting the same ID replaces
// the payload; enrichment columns are only overwritten by an attempted
// result, so a plain re-fetch never erases an earlier classification.
func (s *RecordStore) Upsert(ctx context.Context, record crawl.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, unit, parent_id, payload, collected_at,
	enrich_attempted, enrich_class, enrich_confidence, enriched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
	unit = EXCLUDED.unit,
	parent_id = EXCLUDED.parent_id,
	payload = EXCLUDED.payload,
	collected_at = EXCLUDED.collected_at,
	enrich_attempted = %s.enrich_attempted OR EXCLUDED.enrich_attempted,
	enrich_class = CASE WHEN EXCLUDED.enrich_attempted THEN EXCLUDED.enrich_class ELSE %s.enrich_class END,
	enrich_confidence = CASE WHEN EXCLUDED.enrich_attempted THEN EXCLUDED.enrich_confidence ELSE %s.enrich_confidence END,
	enriched_at = CASE WHEN EXCLUDED.enrich_attempted THEN EXCLUDED.enriched_at ELSE %s.enriched_at END`,
		s.table, s.table, s.table, s.table, s.table)

	args := upsertArgs(record)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// UpsertBatch writes records one by one, collecting per-item failures so a
// bad record never aborts its siblings.
func (s *RecordStore) UpsertBatch(ctx context.Context, records []crawl.Record) error {
	var firstErr error
	for _, record := range records {
		if err := s.Upsert(ctx, record); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("upsert %s: %w", record.ID, err)
		}
	}
	return firstErr
}

// SetEnrichment attaches a classification result to an existing record.
func (s *RecordStore) SetEnrichment(ctx context.Context, id string, enrichment crawl.Enrichment) error {
	if id == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	enrich_attempted = $2,
	enrich_class = $3,
	enrich_confidence = $4,
	enriched_at = $5
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		id,
		enrichment.Attempted,
		nullableClass(enrichment),
		nullableConfidence(enrichment),
		nullableProcessedAt(enrichment),
	)
	if err != nil {
		return fmt.Errorf("set enrichment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s not found", id)
	}
	return nil
}

// ListByTimeRange returns records for a unit collected within [from, to].
func (s *RecordStore) ListByTimeRange(ctx context.Context, unit string, from, to time.Time, limit int) ([]crawl.Record, error) {
	query := fmt.Sprintf(`
SELECT id, unit, parent_id, payload, collected_at,
	enrich_attempted, enrich_class, enrich_confidence, enriched_at
FROM %s
WHERE unit = $1 AND collected_at >= $2 AND collected_at <= $3
ORDER BY collected_at
LIMIT $4`, s.table)
	rows, err := s.pool.Query(ctx, query, unit, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list records by time range: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListMissingEnrichment returns records never run through the classifier.
// Records carrying the attempted-but-failed sentinel are excluded: they were
// scored and came back unusable.
func (s *RecordStore) ListMissingEnrichment(ctx context.Context, unit string, limit int) ([]crawl.Record, error) {
	query := fmt.Sprintf(`
SELECT id, unit, parent_id, payload, collected_at,
	enrich_attempted, enrich_class, enrich_confidence, enriched_at
FROM %s
WHERE unit = $1 AND NOT enrich_attempted
ORDER BY collected_at
LIMIT $2`, s.table)
	rows, err := s.pool.Query(ctx, query, unit, limit)
	if err != nil {
		return nil, fmt.Errorf("list records missing enrichment: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Stats aggregates stored record counts per unit.
func (s *RecordStore) Stats(ctx context.Context) ([]crawl.UnitStats, error) {
	query := fmt.Sprintf(`
SELECT unit,
	COUNT(*),
	COUNT(*) FILTER (WHERE enrich_attempted),
	MIN(collected_at),
	MAX(collected_at)
FROM %s
GROUP BY unit
ORDER BY unit`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("record stats: %w", err)
	}
	defer rows.Close()

	var out []crawl.UnitStats
	for rows.Next() {
		var st crawl.UnitStats
		if err := rows.Scan(&st.Unit, &st.Records, &st.Enriched, &st.Oldest, &st.Newest); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats rows: %w", err)
	}
	return out, nil
}

func upsertArgs(record crawl.Record) []any {
	return []any{
		record.ID,
		record.Unit,
		nullableString(record.ParentID),
		[]byte(record.Payload),
		record.CollectedAt,
		record.Enrichment.Attempted,
		nullableClass(record.Enrichment),
		nullableConfidence(record.Enrichment),
		nullableProcessedAt(record.Enrichment),
	}
}

func scanRecords(rows pgx.Rows) ([]crawl.Record, error) {
	var out []crawl.Record
	for rows.Next() {
		var (
			record      crawl.Record
			parentID    *string
			class       *string
			confidence  *float64
			processedAt *time.Time
		)
		err := rows.Scan(
			&record.ID,
			&record.Unit,
			&parentID,
			&record.Payload,
			&record.CollectedAt,
			&record.Enrichment.Attempted,
			&class,
			&confidence,
			&processedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if parentID != nil {
			record.ParentID = *parentID
		}
		if class != nil {
			record.Enrichment.Class = *class
		}
		if confidence != nil {
			record.Enrichment.Confidence = *confidence
		}
		if processedAt != nil {
			record.Enrichment.ProcessedAt = *processedAt
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record rows: %w", err)
	}
	return out, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableClass(e crawl.Enrichment) *string {
	if !e.Attempted {
		return nil
	}
	return &e.Class
}

func nullableConfidence(e crawl.Enrichment) *float64 {
	if !e.Attempted {
		return nil
	}
	return &e.Confidence
}

func nullableProcessedAt(e crawl.Enrichment) *time.Time {
	if !e.Attempted {
		return nil
	}
	return &e.ProcessedAt
}
