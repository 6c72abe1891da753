package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/bmorrisey/threadfall/internal/crawl"
)

func newTestRecordStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRecordStoreWithPool(mock, "records")
	require.NoError(t, err)
	return store, mock
}

func TestUpsertWithoutEnrichment(t *testing.T) {
	t.Parallel()
	store, mock := newTestRecordStore(t)

	now := time.Unix(1700000000, 0).UTC()
	record := crawl.Record{
		ID:          "t1",
		Unit:        "pol",
		Payload:     json.RawMessage(`{"id":"t1","text":"hello"}`),
		CollectedAt: now,
	}

	mock.ExpectExec("INSERT INTO records").
		WithArgs(
			"t1",
			"pol",
			(*string)(nil),
			[]byte(`{"id":"t1","text":"hello"}`),
			now,
			false,
			(*string)(nil),
			(*float64)(nil),
			(*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), record))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWithEnrichment(t *testing.T) {
	t.Parallel()
	store, mock := newTestRecordStore(t)

	now := time.Unix(1700000000, 0).UTC()
	class := "normal"
	confidence := 0.93
	record := crawl.Record{
		ID:          "c9",
		Unit:        "pol",
		ParentID:    "t1",
		Payload:     json.RawMessage(`{"id":"c9"}`),
		CollectedAt: now,
		Enrichment: crawl.Enrichment{
			Attempted:   true,
			Class:       class,
			Confidence:  confidence,
			ProcessedAt: now,
		},
	}
	parent := "t1"

	mock.ExpectExec("INSERT INTO records").
		WithArgs(
			"c9",
			"pol",
			&parent,
			[]byte(`{"id":"c9"}`),
			now,
			true,
			&class,
			&confidence,
			&now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), record))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresID(t *testing.T) {
	t.Parallel()
	store, _ := newTestRecordStore(t)
	err := store.Upsert(context.Background(), crawl.Record{Unit: "pol"})
	require.Error(t, err)
}

func TestSetEnrichmentMissingRecord(t *testing.T) {
	t.Parallel()
	store, mock := newTestRecordStore(t)

	mock.ExpectExec("UPDATE records SET").
		WithArgs("nope", true, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SetEnrichment(context.Background(), "nope", crawl.Sentinel(time.Now()))
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMissingEnrichment(t *testing.T) {
	t.Parallel()
	store, mock := newTestRecordStore(t)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "unit", "parent_id", "payload", "collected_at",
		"enrich_attempted", "enrich_class", "enrich_confidence", "enriched_at",
	}).AddRow(
		"c1", "pol", (*string)(nil), []byte(`{"id":"c1"}`), now,
		false, (*string)(nil), (*float64)(nil), (*time.Time)(nil),
	)

	mock.ExpectQuery("SELECT id, unit, parent_id, payload, collected_at").
		WithArgs("pol", 100).
		WillReturnRows(rows)

	records, err := store.ListMissingEnrichment(context.Background(), "pol", 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "c1", records[0].ID)
	require.False(t, records[0].Enrichment.Attempted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	t.Parallel()
	store, mock := newTestRecordStore(t)

	oldest := time.Unix(1690000000, 0).UTC()
	newest := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"unit", "count", "enriched", "min", "max"}).
		AddRow("pol", int64(120), int64(12), oldest, newest)

	mock.ExpectQuery("SELECT unit,").WillReturnRows(rows)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(120), stats[0].Records)
	require.Equal(t, int64(12), stats[0].Enriched)
	require.NoError(t, mock.ExpectationsWereMet())
}
