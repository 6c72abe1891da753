// Package discovery computes new/dead item sets between successive
// snapshots of a container listing.
package discovery

import "sort"

// Snapshot is the ordered set of child item IDs observed for one source
// unit at a single discovery tick. A snapshot is immutable once captured;
// callers pass it forward explicitly as scheduling state, so it never
// outlives one generation.
type Snapshot []string

// NewSnapshot builds a snapshot from observed IDs, dropping duplicates
// while preserving first-seen order.
func NewSnapshot(ids []string) Snapshot {
	seen := make(map[string]struct{}, len(ids))
	out := make(Snapshot, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Diff returns the dead set: IDs present in previous but absent from
// current. A disappeared item is assumed complete and safe to crawl once.
// The result is sorted so job submission order is deterministic.
func Diff(previous, current Snapshot) []string {
	if len(previous) == 0 {
		return nil
	}
	alive := make(map[string]struct{}, len(current))
	for _, id := range current {
		alive[id] = struct{}{}
	}
	var dead []string
	for _, id := range previous {
		if _, ok := alive[id]; !ok {
			dead = append(dead, id)
		}
	}
	sort.Strings(dead)
	return dead
}
