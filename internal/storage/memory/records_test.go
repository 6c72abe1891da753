package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bmorrisey/threadfall/internal/crawl"
)

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRecordStore()

	first := crawl.Record{
		ID:          "t1",
		Unit:        "pol",
		Payload:     json.RawMessage(`{"rev":1}`),
		CollectedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, store.Upsert(ctx, first))

	second := first
	second.Payload = json.RawMessage(`{"rev":2}`)
	second.CollectedAt = second.CollectedAt.Add(time.Minute)
	require.NoError(t, store.Upsert(ctx, second))

	require.Equal(t, 1, store.Len())
	got, ok := store.Get("t1")
	require.True(t, ok)
	require.JSONEq(t, `{"rev":2}`, string(got.Payload))
}

func TestUpsertPreservesEnrichmentOnRefetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRecordStore()

	now := time.Unix(1700000000, 0).UTC()
	enriched := crawl.Record{
		ID:          "c1",
		Unit:        "pol",
		Payload:     json.RawMessage(`{}`),
		CollectedAt: now,
		Enrichment: crawl.Enrichment{
			Attempted:   true,
			Class:       "normal",
			Confidence:  0.8,
			ProcessedAt: now,
		},
	}
	require.NoError(t, store.Upsert(ctx, enriched))

	refetch := enriched
	refetch.Enrichment = crawl.Enrichment{}
	require.NoError(t, store.Upsert(ctx, refetch))

	got, ok := store.Get("c1")
	require.True(t, ok)
	require.True(t, got.Enrichment.Attempted)
	require.Equal(t, "normal", got.Enrichment.Class)
}

func TestListMissingEnrichment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRecordStore()

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.Upsert(ctx, crawl.Record{
		ID: "plain", Unit: "pol", Payload: json.RawMessage(`{}`), CollectedAt: now,
	}))
	require.NoError(t, store.Upsert(ctx, crawl.Record{
		ID: "scored", Unit: "pol", Payload: json.RawMessage(`{}`), CollectedAt: now,
		Enrichment: crawl.Enrichment{Attempted: true, Class: crawl.ClassNA, Confidence: -1},
	}))

	missing, err := store.ListMissingEnrichment(ctx, "pol", 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, "plain", missing[0].ID)
}

func TestListByTimeRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRecordStore()

	base := time.Unix(1700000000, 0).UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Upsert(ctx, crawl.Record{
			ID: id, Unit: "pol", Payload: json.RawMessage(`{}`),
			CollectedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	got, err := store.ListByTimeRange(ctx, "pol", base, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, "b", got[1].ID)
}

func TestStatsAggregatesPerUnit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRecordStore()

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.Upsert(ctx, crawl.Record{
		ID: "a", Unit: "pol", Payload: json.RawMessage(`{}`), CollectedAt: now,
		Enrichment: crawl.Enrichment{Attempted: true, Class: "normal", Confidence: 0.5},
	}))
	require.NoError(t, store.Upsert(ctx, crawl.Record{
		ID: "b", Unit: "pol", Payload: json.RawMessage(`{}`), CollectedAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.Upsert(ctx, crawl.Record{
		ID: "c", Unit: "news", Payload: json.RawMessage(`{}`), CollectedAt: now,
	}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "news", stats[0].Unit)
	require.Equal(t, "pol", stats[1].Unit)
	require.Equal(t, int64(2), stats[1].Records)
	require.Equal(t, int64(1), stats[1].Enriched)
	require.Equal(t, now, stats[1].Oldest)
	require.Equal(t, now.Add(time.Hour), stats[1].Newest)
}
