package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/cursor"
	"github.com/dgellow/area/internal/provider"
	"github.com/dgellow/area/internal/rules"
	"github.com/dgellow/area/internal/storage"
)

// State is the position of a pairing in its poll cycle
type State string

const (
	StateIdle         State = "idle"
	StatePolling      State = "polling"
	StateDispatching  State = "dispatching"
	StateNoNewEvents  State = "no_new_events"
	StateNewEvents    State = "new_events"
	StateNotConnected State = "not_connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// CycleReport describes one completed or abandoned poll cycle
type CycleReport struct {
	Pairing      area.PairingKey      `json:"pairing"`
	State        State                `json:"state"`
	Candidates   int                  `json:"candidates"`
	Detected     []area.DetectedEvent `json:"detected"`
	Outcomes     []area.Outcome       `json:"outcomes"`
	MarkerBefore area.Marker          `json:"marker_before"`
	MarkerAfter  area.Marker          `json:"marker_after"`
	Err          error                `json:"-"`
	Error        string               `json:"error,omitempty"`
	NextDelay    time.Duration        `json:"next_delay,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	Duration     time.Duration        `json:"duration"`
}

// DetectorDeps are the collaborators of a Detector
type DetectorDeps struct {
	Credentials storage.CredentialStore
	Cursors     *cursor.Store
	Providers   *provider.Registry
	Rules       *rules.Registry
	Refresher   TokenRefresher
	Dispatcher  *Dispatcher
}

// Detector runs the fetch → filter → dispatch → advance cycle of a pairing
type Detector struct {
	deps        DetectorDeps
	callTimeout time.Duration
	now         func() time.Time

	// observe, when set, is told about state transitions
	observe func(key area.PairingKey, state State)
}

// NewDetector creates a detector bounding every provider call by callTimeout
func NewDetector(deps DetectorDeps, callTimeout time.Duration) *Detector {
	return &Detector{deps: deps, callTimeout: callTimeout, now: time.Now}
}

func (d *Detector) transition(key area.PairingKey, state State) {
	if d.observe != nil {
		d.observe(key, state)
	}
}

// RunCycle polls one pairing once. The cursor is only advanced once every new
// event has been dispatched; a cycle cancelled earlier leaves it untouched.
func (d *Detector) RunCycle(ctx context.Context, key area.PairingKey) CycleReport {
	report := CycleReport{Pairing: key, StartedAt: d.now()}
	d.transition(key, StatePolling)
	report = d.cycle(ctx, key, report)

	report.Duration = d.now().Sub(report.StartedAt)
	if report.Err != nil {
		report.Error = report.Err.Error()
	}
	cyclesTotal.WithLabelValues(string(key.ServiceID), string(report.State)).Inc()
	d.transition(key, report.State)

	fields := map[string]any{
		"pairing":    key.String(),
		"state":      report.State,
		"candidates": report.Candidates,
		"detected":   len(report.Detected),
		"duration":   report.Duration.String(),
	}
	switch {
	case report.State == StateFailed:
		fields["error"] = report.Error
		internal.LogWarnWithFields("detector", "Poll cycle failed", fields)
	case report.Err != nil:
		fields["error"] = report.Error
		internal.LogWarnWithFields("detector", "Poll cycle degraded", fields)
	case len(report.Detected) > 0:
		internal.LogInfoWithFields("detector", "Poll cycle detected events", fields)
	default:
		internal.LogDebugWithFields("detector", "Poll cycle complete", fields)
	}
	return report
}

func (d *Detector) cycle(ctx context.Context, key area.PairingKey, report CycleReport) CycleReport {
	failed := func(err error) CycleReport {
		report.State = StateFailed
		report.Err = err
		return report
	}

	trigger, err := d.deps.Providers.Trigger(key.ServiceID, key.TriggerID)
	if err != nil {
		return failed(err)
	}
	adapter, err := d.deps.Providers.Get(key.ServiceID)
	if err != nil {
		return failed(err)
	}

	before, err := d.deps.Cursors.LastMarker(ctx, key)
	if err != nil {
		return failed(fmt.Errorf("reading cursor: %w", err))
	}
	report.MarkerBefore, report.MarkerAfter = before, before

	cred, err := d.deps.Refresher.EnsureValid(ctx, key.UserID, key.ServiceID)
	switch {
	case errors.Is(err, area.ErrNotConnected):
		report.State = StateNotConnected
		return report
	case errors.Is(err, area.ErrRefreshFatal):
		markDisconnected(ctx, d.deps.Credentials, key.UserID, key.ServiceID, err)
		report.State = StateDisconnected
		report.Err = err
		return report
	case errors.Is(err, area.ErrDisconnected):
		report.State = StateDisconnected
		return report
	case err != nil:
		return failed(err)
	}

	events, err := d.fetch(ctx, adapter, cred, key, before)
	switch {
	case ctx.Err() != nil:
		return failed(ctx.Err())
	case errors.Is(err, area.ErrDisconnected):
		report.State = StateDisconnected
		report.Err = err
		return report
	case errors.Is(err, area.ErrInvalidResponse):
		// a malformed payload must not move the cursor
		report.State = StateNoNewEvents
		report.Err = err
		return report
	case err != nil:
		return failed(err)
	}

	report.Candidates = len(events)
	report.State = StateNoNewEvents
	next, err := d.plan(ctx, key, trigger, before, events)
	if err != nil {
		return failed(err)
	}

	if len(next.fresh) > 0 {
		if err := d.dispatchAll(ctx, key, next.fresh, &report); err != nil {
			return failed(err)
		}
		report.State = StateNewEvents
	}

	if !next.marker.After(before) {
		return report
	}
	// dispatch is complete, the advance must not be lost to a late cancellation
	advanceCtx := context.WithoutCancel(ctx)
	if next.seen != nil {
		_, err = d.deps.Cursors.AdvanceSnapshot(advanceCtx, key, next.marker, next.seen)
	} else {
		_, err = d.deps.Cursors.Advance(advanceCtx, key, next.marker)
	}
	if err != nil {
		report.Err = fmt.Errorf("advancing cursor: %w", err)
		internal.LogErrorWithFields("detector", "Failed to advance cursor", map[string]any{
			"pairing": key.String(),
			"marker":  string(next.marker),
			"error":   err.Error(),
		})
		return report
	}
	report.MarkerAfter = next.marker
	return report
}

// cyclePlan is what a cycle dispatches and where it leaves the cursor.
// seen is set for membership triggers and stored with the marker.
type cyclePlan struct {
	fresh  []area.RawEvent
	marker area.Marker
	seen   []string
}

func (d *Detector) plan(ctx context.Context, key area.PairingKey, trigger area.Trigger, before area.Marker, events []area.RawEvent) (cyclePlan, error) {
	if !trigger.Membership {
		sorted := cursor.Sort(events)
		return cyclePlan{
			fresh:  cursor.Filter(sorted, before, trigger.FirstPoll),
			marker: cursor.Newest(sorted),
		}, nil
	}

	seen, err := d.deps.Cursors.SeenIDs(ctx, key)
	if err != nil {
		return cyclePlan{}, fmt.Errorf("reading snapshot: %w", err)
	}
	snap := cursor.Additions(events, before, seen, trigger.FirstPoll, d.now())
	return cyclePlan{fresh: snap.Fresh, marker: snap.Marker, seen: snap.Seen}, nil
}

// dispatchAll hands every fresh event to the dispatcher, oldest first
func (d *Detector) dispatchAll(ctx context.Context, key area.PairingKey, fresh []area.RawEvent, report *CycleReport) error {
	d.transition(key, StateDispatching)
	snap, err := d.deps.Rules.Snapshot(ctx, key.UserID)
	if err != nil {
		return err
	}
	detectedTotal.WithLabelValues(string(key.ServiceID), string(key.TriggerID)).Add(float64(len(fresh)))
	for _, e := range fresh {
		event := area.DetectedEvent{
			UserID:     key.UserID,
			ServiceID:  key.ServiceID,
			TriggerID:  key.TriggerID,
			EventID:    e.ID,
			OccurredAt: e.OccurredAt,
			Payload:    e.Payload,
		}
		report.Detected = append(report.Detected, event)
		report.Outcomes = append(report.Outcomes, d.deps.Dispatcher.Dispatch(ctx, snap, event)...)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// fetch calls the adapter, refreshing the credential and retrying exactly once on AuthExpired.
// A second AuthExpired or an impossible refresh disconnects the credential.
func (d *Detector) fetch(ctx context.Context, adapter provider.Adapter, cred area.Credential, key area.PairingKey, since area.Marker) ([]area.RawEvent, error) {
	events, err := d.call(ctx, adapter, cred, key.TriggerID, since)
	if !errors.Is(err, area.ErrAuthExpired) {
		return events, err
	}

	cred, err = d.deps.Refresher.OnAuthExpired(ctx, key.UserID, key.ServiceID)
	if errors.Is(err, area.ErrRefreshFatal) {
		markDisconnected(ctx, d.deps.Credentials, key.UserID, key.ServiceID, err)
		return nil, fmt.Errorf("%w: %w", area.ErrDisconnected, err)
	}
	if err != nil {
		return nil, err
	}

	events, err = d.call(ctx, adapter, cred, key.TriggerID, since)
	if errors.Is(err, area.ErrAuthExpired) {
		markDisconnected(ctx, d.deps.Credentials, key.UserID, key.ServiceID, err)
		return nil, fmt.Errorf("refreshed token rejected: %w: %w", area.ErrDisconnected, err)
	}
	return events, err
}

func (d *Detector) call(ctx context.Context, adapter provider.Adapter, cred area.Credential, trigger area.TriggerID, since area.Marker) ([]area.RawEvent, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	return adapter.FetchCandidates(callCtx, cred, trigger, since)
}
