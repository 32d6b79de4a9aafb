package area

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Marker is an opaque, lexicographically ordered cursor position.
// Format: 19-digit zero-padded unix nanoseconds, a colon, then the event id.
type Marker string

// NoMarker means the pairing has never been advanced
const NoMarker Marker = ""

// NewMarker builds the ordering key for an event observed at t with the given id
func NewMarker(t time.Time, id string) Marker {
	ns := t.UTC().UnixNano()
	if ns < 0 {
		ns = 0
	}
	return Marker(fmt.Sprintf("%019d:%s", ns, id))
}

// After reports whether m is strictly newer than other. Any marker is after NoMarker.
func (m Marker) After(other Marker) bool {
	if m == NoMarker {
		return false
	}
	if other == NoMarker {
		return true
	}
	return m > other
}

// Time returns the timestamp part of the marker
func (m Marker) Time() time.Time {
	ts, _, _ := strings.Cut(string(m), ":")
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// ParseMarker validates a stored marker string
func ParseMarker(s string) (Marker, error) {
	if s == "" {
		return NoMarker, nil
	}
	ts, _, ok := strings.Cut(s, ":")
	if !ok || len(ts) != 19 {
		return NoMarker, fmt.Errorf("malformed marker %q", s)
	}
	if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
		return NoMarker, fmt.Errorf("malformed marker %q: %w", s, err)
	}
	return Marker(s), nil
}
