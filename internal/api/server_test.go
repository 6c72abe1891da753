package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bmorrisey/threadfall/internal/crawl"
	"github.com/bmorrisey/threadfall/internal/storage/memory"
)

type fakeSeeder struct {
	seeded    []string
	backfills []string
	err       error
}

func (f *fakeSeeder) Seed(_ context.Context, unit string) error {
	if f.err != nil {
		return f.err
	}
	f.seeded = append(f.seeded, unit)
	return nil
}

func (f *fakeSeeder) SeedBackfill(_ context.Context, unit string) error {
	if f.err != nil {
		return f.err
	}
	f.backfills = append(f.backfills, unit)
	return nil
}

func newTestServer(t *testing.T) (*Server, *memory.RecordStore, *memory.Ledger, *fakeSeeder) {
	t.Helper()
	records := memory.NewRecordStore()
	fetchLedger := memory.NewLedger()
	enrichLedger := memory.NewLedger()
	seeder := &fakeSeeder{}
	return NewServer(records, fetchLedger, enrichLedger, seeder, zap.NewNop()), records, fetchLedger, seeder
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetStats(t *testing.T) {
	t.Parallel()
	srv, records, _, _ := newTestServer(t)
	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, records.Upsert(context.Background(), crawl.Record{
		ID: "t1", Unit: "pol", Payload: json.RawMessage(`{}`), CollectedAt: now,
		Enrichment: crawl.Enrichment{Attempted: true, Class: "normal", Confidence: 0.4},
	}))
	require.NoError(t, records.Upsert(context.Background(), crawl.Record{
		ID: "t2", Unit: "pol", Payload: json.RawMessage(`{}`), CollectedAt: now,
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Units, 1)
	require.Equal(t, "pol", resp.Units[0].Unit)
	require.Equal(t, int64(2), resp.Units[0].Records)
	require.Equal(t, int64(1), resp.Units[0].Enriched)
}

func TestGetLedgers(t *testing.T) {
	t.Parallel()
	srv, _, fetchLedger, _ := newTestServer(t)
	require.NoError(t, fetchLedger.RecordFailure(context.Background(), crawl.RetryEntry{
		ItemID: "t1", Unit: "pol", LastError: "x",
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ledgers", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"fetch":1,"enrich":0}`, rec.Body.String())
}

func TestSeedUnit(t *testing.T) {
	t.Parallel()
	srv, _, _, seeder := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/units/pol/seed", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"pol"}, seeder.seeded)
}

func TestBackfillUnit(t *testing.T) {
	t.Parallel()
	srv, _, _, seeder := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/units/news/backfill", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"news"}, seeder.backfills)
}

func TestSeedFailureReturns500(t *testing.T) {
	t.Parallel()
	srv, _, _, seeder := newTestServer(t)
	seeder.err = fmt.Errorf("queue down")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/units/pol/seed", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
