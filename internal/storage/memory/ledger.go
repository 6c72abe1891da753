package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bmorrisey/threadfall/internal/crawl"
)

// Ledger is a mutex-guarded crawl.RetryLedger.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]crawl.RetryEntry
	now     func() time.Time
}

// NewLedger constructs an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string]crawl.RetryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RecordFailure upserts a failure, incrementing the attempt count and
// preserving unit, parent and first_seen from the original insert.
func (l *Ledger) RecordFailure(_ context.Context, entry crawl.RetryEntry) error {
	if entry.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := entry.LastAttempt
	if now.IsZero() {
		now = l.now()
	}
	existing, ok := l.entries[entry.ItemID]
	if !ok {
		l.entries[entry.ItemID] = crawl.RetryEntry{
			ItemID:       entry.ItemID,
			Unit:         entry.Unit,
			ParentID:     entry.ParentID,
			AttemptCount: 1,
			LastAttempt:  now,
			LastError:    entry.LastError,
			FirstSeen:    now,
		}
		return nil
	}
	existing.AttemptCount++
	existing.LastAttempt = now
	existing.LastError = entry.LastError
	l.entries[entry.ItemID] = existing
	return nil
}

// ListRetryable returns entries under the attempt cap, oldest attempt first.
func (l *Ledger) ListRetryable(_ context.Context, maxAttempts, limit int) ([]crawl.RetryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []crawl.RetryEntry
	for _, entry := range l.entries {
		if entry.AttemptCount < maxAttempts {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttempt.Before(out[j].LastAttempt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Clear deletes the entry for an item; absent entries are ignored.
func (l *Ledger) Clear(_ context.Context, itemID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, itemID)
	return nil
}

// Depth counts all entries, frozen ones included.
func (l *Ledger) Depth(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.entries)), nil
}

// Get returns a ledger entry, for tests.
func (l *Ledger) Get(itemID string) (crawl.RetryEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[itemID]
	return entry, ok
}
