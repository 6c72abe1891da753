// Package crawl defines the shared domain types and component interfaces
// for the crawl pipeline.
package crawl

import (
	"encoding/json"
	"time"
)

// Kind distinguishes container items (catalogs, listings) from leaf items
// (threads, comment trees).
type Kind string

const (
	// KindContainer marks an item whose children are discoverable.
	KindContainer Kind = "container"
	// KindLeaf marks a terminal crawlable unit.
	KindLeaf Kind = "leaf"
)

// Item is a unit of crawlable work.
type Item struct {
	Unit     string
	ID       string
	Kind     Kind
	ParentID string
}

// Record is a normalized payload fetched from the source API. Records are
// uniquely identified by ID within their unit; persistence is upsert-based
// so re-fetching the same ID never creates duplicates.
type Record struct {
	ID          string
	Unit        string
	ParentID    string
	Payload     json.RawMessage
	CollectedAt time.Time
	Enrichment  Enrichment
}

// ClassNA is the enrichment class reported when classification was attempted
// but produced nothing usable.
const ClassNA = "NA"

// Enrichment carries the result of a classification call. Attempted stays
// false for records the sampler skipped, which keeps "excluded" distinct
// from the attempted-but-failed sentinel.
type Enrichment struct {
	Attempted   bool
	Class       string
	Confidence  float64
	ProcessedAt time.Time
}

// Sentinel returns the attempted-but-failed enrichment result.
func Sentinel(now time.Time) Enrichment {
	return Enrichment{
		Attempted:   true,
		Class:       ClassNA,
		Confidence:  -1,
		ProcessedAt: now,
	}
}

// RetryEntry is a ledger row for an item whose most recent attempt failed.
type RetryEntry struct {
	ItemID       string
	Unit         string
	ParentID     string
	AttemptCount int
	LastAttempt  time.Time
	LastError    string
	FirstSeen    time.Time
}

// UnitStats summarizes stored data for one source unit.
type UnitStats struct {
	Unit     string
	Records  int64
	Enriched int64
	Oldest   time.Time
	Newest   time.Time
}
