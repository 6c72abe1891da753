package crawl

import (
	"context"
	"time"
)

// RecordStore persists normalized records with upsert-by-ID semantics.
type RecordStore interface {
	Upsert(ctx context.Context, record Record) error
	UpsertBatch(ctx context.Context, records []Record) error
	SetEnrichment(ctx context.Context, id string, enrichment Enrichment) error
	ListByTimeRange(ctx context.Context, unit string, from, to time.Time, limit int) ([]Record, error)
	ListMissingEnrichment(ctx context.Context, unit string, limit int) ([]Record, error)
	Stats(ctx context.Context) ([]UnitStats, error)
}

// RetryLedger tracks items whose most recent attempt failed. An item appears
// in the ledger iff its last attempt failed; entries at the attempt cap are
// kept frozen for manual triage rather than deleted.
type RetryLedger interface {
	RecordFailure(ctx context.Context, entry RetryEntry) error
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]RetryEntry, error)
	Clear(ctx context.Context, itemID string) error
	Depth(ctx context.Context) (int64, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Scorer classifies item text. Implementations never return an error:
// classification failure degrades to the sentinel result so it cannot block
// the fetch/persist path.
type Scorer interface {
	MaybeScore(ctx context.Context, text string) (Enrichment, bool)
	Score(ctx context.Context, text string) Enrichment
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
