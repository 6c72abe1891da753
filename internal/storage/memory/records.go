// Package memory provides in-memory persistence implementations for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bmorrisey/threadfall/internal/crawl"
)

// RecordStore is a mutex-guarded crawl.RecordStore.
type RecordStore struct {
	mu      sync.Mutex
	records map[string]crawl.Record
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]crawl.Record)}
}

// Upsert stores a record keyed by ID, replacing any existing payload.
// Enrichment survives a re-fetch that carries none, matching the Postgres
// store's behavior.
func (s *RecordStore) Upsert(_ context.Context, record crawl.Record) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[record.ID]; ok && !record.Enrichment.Attempted {
		record.Enrichment = existing.Enrichment
	}
	s.records[record.ID] = record
	return nil
}

// UpsertBatch stores records one by one, returning the first failure.
func (s *RecordStore) UpsertBatch(ctx context.Context, records []crawl.Record) error {
	var firstErr error
	for _, record := range records {
		if err := s.Upsert(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetEnrichment attaches a classification result to an existing record.
func (s *RecordStore) SetEnrichment(_ context.Context, id string, enrichment crawl.Enrichment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	record.Enrichment = enrichment
	s.records[id] = record
	return nil
}

// ListByTimeRange returns a unit's records collected within [from, to].
func (s *RecordStore) ListByTimeRange(_ context.Context, unit string, from, to time.Time, limit int) ([]crawl.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawl.Record
	for _, record := range s.records {
		if record.Unit != unit {
			continue
		}
		if record.CollectedAt.Before(from) || record.CollectedAt.After(to) {
			continue
		}
		out = append(out, record)
	}
	sortByCollectedAt(out)
	return truncate(out, limit), nil
}

// ListMissingEnrichment returns records never run through the classifier.
func (s *RecordStore) ListMissingEnrichment(_ context.Context, unit string, limit int) ([]crawl.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawl.Record
	for _, record := range s.records {
		if record.Unit != unit || record.Enrichment.Attempted {
			continue
		}
		out = append(out, record)
	}
	sortByCollectedAt(out)
	return truncate(out, limit), nil
}

// Stats aggregates stored record counts per unit.
func (s *RecordStore) Stats(_ context.Context) ([]crawl.UnitStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUnit := make(map[string]*crawl.UnitStats)
	for _, record := range s.records {
		st, ok := byUnit[record.Unit]
		if !ok {
			st = &crawl.UnitStats{Unit: record.Unit, Oldest: record.CollectedAt, Newest: record.CollectedAt}
			byUnit[record.Unit] = st
		}
		st.Records++
		if record.Enrichment.Attempted {
			st.Enriched++
		}
		if record.CollectedAt.Before(st.Oldest) {
			st.Oldest = record.CollectedAt
		}
		if record.CollectedAt.After(st.Newest) {
			st.Newest = record.CollectedAt
		}
	}
	out := make([]crawl.UnitStats, 0, len(byUnit))
	for _, st := range byUnit {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out, nil
}

// Get returns a stored record, for tests.
func (s *RecordStore) Get(id string) (crawl.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	return record, ok
}

// Len reports the number of stored records, for tests.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func sortByCollectedAt(records []crawl.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CollectedAt.Equal(records[j].CollectedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CollectedAt.Before(records[j].CollectedAt)
	})
}

func truncate(records []crawl.Record, limit int) []crawl.Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
