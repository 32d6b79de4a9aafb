package provider

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/dgellow/area/internal/area"
)

// RenderParams expands {{.field}} placeholders in reaction params against the event payload.
// Besides payload fields, templates can use event_id, occurred_at, service and trigger.
func RenderParams(params map[string]string, event area.DetectedEvent) (map[string]string, error) {
	data := make(map[string]string, len(event.Payload)+4)
	data["event_id"] = event.EventID
	data["occurred_at"] = event.OccurredAt.UTC().Format(time.RFC3339)
	data["service"] = string(event.ServiceID)
	data["trigger"] = string(event.TriggerID)
	for k, v := range event.Payload {
		data[k] = v
	}

	rendered := make(map[string]string, len(params))
	for name, text := range params {
		if !strings.Contains(text, "{{") {
			rendered[name] = text
			continue
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("param %s: %v: %w", name, err, area.ErrInvalidParams)
		}
		var b strings.Builder
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, fmt.Errorf("param %s: %v: %w", name, err, area.ErrInvalidParams)
		}
		rendered[name] = b.String()
	}
	return rendered, nil
}

// CheckParams verifies that every required param of reaction is present and non-empty
func CheckParams(reaction area.Reaction, params map[string]string) error {
	var missing []string
	for _, name := range reaction.Params {
		if strings.TrimSpace(params[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("reaction %s missing params %s: %w", reaction.ID, strings.Join(missing, ", "), area.ErrInvalidParams)
	}
	return nil
}

func invalidParam(name, reason string) error {
	return fmt.Errorf("param %s %s: %w", name, reason, area.ErrInvalidParams)
}

// sortEvents orders events ascending by ordering key
func sortEvents(events []area.RawEvent) []area.RawEvent {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Key() < events[j].Key() })
	return events
}
