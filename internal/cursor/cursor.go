// Package cursor decides which provider candidates are new for a pairing
// and moves the pairing's marker forward.
package cursor

import (
	"context"
	"sort"
	"time"

	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/storage"
)

// Store wraps a storage backend with the cursor semantics used by the detector
type Store struct {
	backend storage.CursorStore
}

// New creates a cursor store over backend
func New(backend storage.CursorStore) *Store {
	return &Store{backend: backend}
}

// LastMarker returns the marker of the most recent processed event, or area.NoMarker
func (s *Store) LastMarker(ctx context.Context, key area.PairingKey) (area.Marker, error) {
	return s.backend.LastMarker(ctx, key)
}

// SeenIDs returns the id set stored with the last membership snapshot, nil when none
func (s *Store) SeenIDs(ctx context.Context, key area.PairingKey) ([]string, error) {
	return s.backend.SeenIDs(ctx, key)
}

// AdvanceSnapshot moves the cursor and stores the id set with it
func (s *Store) AdvanceSnapshot(ctx context.Context, key area.PairingKey, marker area.Marker, seen []string) (bool, error) {
	if marker == area.NoMarker {
		return false, nil
	}
	return s.backend.AdvanceSnapshot(ctx, key, marker, seen)
}

// Advance moves the cursor to marker if it is strictly newer. Older or equal markers are a no-op.
func (s *Store) Advance(ctx context.Context, key area.PairingKey, marker area.Marker) (bool, error) {
	if marker == area.NoMarker {
		return false, nil
	}
	return s.backend.AdvanceMarker(ctx, key, marker)
}

// Sort orders events ascending by ordering key and drops duplicate keys
func Sort(events []area.RawEvent) []area.RawEvent {
	sorted := make([]area.RawEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })

	out := sorted[:0]
	var prev area.Marker
	for i, e := range sorted {
		if i > 0 && e.Key() == prev {
			continue
		}
		prev = e.Key()
		out = append(out, e)
	}
	return out
}

// Filter returns the events newer than last, oldest first.
//
// Without a marker the first-poll policy decides: FirstPollLatest keeps only the
// most recent candidate, FirstPollBaseline keeps nothing.
func Filter(events []area.RawEvent, last area.Marker, policy area.FirstPollPolicy) []area.RawEvent {
	sorted := Sort(events)
	if len(sorted) == 0 {
		return nil
	}

	if last == area.NoMarker {
		if policy == area.FirstPollBaseline {
			return nil
		}
		return sorted[len(sorted)-1:]
	}

	var fresh []area.RawEvent
	for _, e := range sorted {
		if e.Key().After(last) {
			fresh = append(fresh, e)
		}
	}
	return fresh
}

// Newest returns the maximal ordering key among events, or area.NoMarker
func Newest(events []area.RawEvent) area.Marker {
	newest := area.NoMarker
	for _, e := range events {
		if k := e.Key(); k.After(newest) {
			newest = k
		}
	}
	return newest
}

// MaxSeenIDs bounds the id set kept for a membership pairing
const MaxSeenIDs = 1000

// Snapshot is the result of diffing a membership listing against the stored id set
type Snapshot struct {
	// Fresh holds the added events in listing order
	Fresh []area.RawEvent
	// Seen is the id set to store: the current listing first, then earlier ids
	// that left it, up to MaxSeenIDs
	Seen []string
	// Marker is the synthetic position to advance to, area.NoMarker when nothing changed
	Marker area.Marker
}

// Additions diffs events, in the adapter's listing order, against the stored id set.
//
// A pairing without a marker applies the first-poll policy. A pairing with a marker
// but no stored set predates snapshots and is treated as a baseline. The marker is
// (observedAt, id of the last addition), kept strictly after last even if the clock
// went backward.
func Additions(events []area.RawEvent, last area.Marker, seen []string, policy area.FirstPollPolicy, observedAt time.Time) Snapshot {
	current := make([]area.RawEvent, 0, len(events))
	inListing := make(map[string]bool, len(events))
	for _, e := range events {
		if inListing[e.ID] {
			continue
		}
		inListing[e.ID] = true
		current = append(current, e)
	}

	next := make([]string, 0, len(current)+len(seen))
	for _, e := range current {
		next = append(next, e.ID)
	}
	for _, id := range seen {
		if !inListing[id] {
			next = append(next, id)
		}
	}
	if len(next) > MaxSeenIDs {
		next = next[:MaxSeenIDs]
	}

	var fresh []area.RawEvent
	switch {
	case last == area.NoMarker:
		if policy == area.FirstPollLatest && len(current) > 0 {
			fresh = current[len(current)-1:]
		}
	case seen == nil:
	default:
		known := make(map[string]bool, len(seen))
		for _, id := range seen {
			known[id] = true
		}
		for _, e := range current {
			if !known[e.ID] {
				fresh = append(fresh, e)
			}
		}
		if len(fresh) == 0 {
			return Snapshot{Seen: next}
		}
	}

	id := "~"
	if len(fresh) > 0 {
		id = fresh[len(fresh)-1].ID
	}
	marker := area.NewMarker(observedAt, id)
	if !marker.After(last) {
		marker = area.NewMarker(last.Time().Add(time.Nanosecond), id)
	}
	return Snapshot{Fresh: fresh, Seen: next, Marker: marker}
}
