package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
)

// legacyThroughID sorts after any alphanumeric event id, so a bare timestamp
// marks every event observed at that instant as processed
const legacyThroughID = "~"

// ImportLegacyCursors migrates an "already processed" JSON file into the cursor store.
//
// Format: {"<user>": {"<service>/<trigger>": "<value>"}} where value is a marker,
// an RFC 3339 time, or "<RFC 3339 time>#<event id>". Cursors only ever move forward.
// Returns the number of cursors that advanced.
func ImportLegacyCursors(ctx context.Context, store CursorStore, r io.Reader) (int, error) {
	var raw map[string]map[string]string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return 0, fmt.Errorf("parsing legacy cursor file: %w", err)
	}

	users := make([]string, 0, len(raw))
	for user := range raw {
		users = append(users, user)
	}
	sort.Strings(users)

	advanced := 0
	for _, user := range users {
		for pairing, value := range raw[user] {
			service, trigger, ok := strings.Cut(pairing, "/")
			if !ok || service == "" || trigger == "" {
				return advanced, fmt.Errorf("legacy cursor %s/%s: key must be <service>/<trigger>", user, pairing)
			}
			marker, err := parseLegacyValue(value)
			if err != nil {
				return advanced, fmt.Errorf("legacy cursor %s/%s: %w", user, pairing, err)
			}

			key := area.PairingKey{UserID: user, ServiceID: area.ServiceID(service), TriggerID: area.TriggerID(trigger)}
			moved, err := store.AdvanceMarker(ctx, key, marker)
			if err != nil {
				return advanced, err
			}
			if moved {
				advanced++
			}
			internal.LogDebugWithFields("storage", "Imported legacy cursor", map[string]any{
				"pairing": key.String(),
				"marker":  string(marker),
				"moved":   moved,
			})
		}
	}
	return advanced, nil
}

func parseLegacyValue(value string) (area.Marker, error) {
	if m, err := area.ParseMarker(value); err == nil && m != area.NoMarker {
		return m, nil
	}

	ts, id, hasID := strings.Cut(value, "#")
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return area.NoMarker, fmt.Errorf("value %q is neither a marker nor an RFC 3339 time", value)
	}
	if !hasID || id == "" {
		id = legacyThroughID
	}
	return area.NewMarker(t, id), nil
}
