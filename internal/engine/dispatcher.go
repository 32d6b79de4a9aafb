package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/provider"
	"github.com/dgellow/area/internal/rules"
	"github.com/dgellow/area/internal/storage"
	"github.com/google/uuid"
)

// Dispatcher invokes the reactions bound to a detected event.
// Each binding is attempted once, independently of its siblings, and yields exactly one outcome.
type Dispatcher struct {
	creds       storage.CredentialStore
	outcomes    storage.OutcomeStore
	providers   *provider.Registry
	refresher   TokenRefresher
	callTimeout time.Duration

	now   func() time.Time
	newID func() string
}

// NewDispatcher creates a dispatcher
func NewDispatcher(creds storage.CredentialStore, outcomes storage.OutcomeStore, providers *provider.Registry, refresher TokenRefresher, callTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		creds:       creds,
		outcomes:    outcomes,
		providers:   providers,
		refresher:   refresher,
		callTimeout: callTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Dispatch runs every binding of the snapshot that event's trigger fires, in rule order.
// Bindings not yet attempted when ctx is cancelled produce no outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, snap *rules.Snapshot, event area.DetectedEvent) []area.Outcome {
	bindings := snap.RulesFor(event.ServiceID, event.TriggerID)
	outcomes := make([]area.Outcome, 0, len(bindings))
	for _, b := range bindings {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, d.record(ctx, d.invoke(ctx, b, event)))
	}
	return outcomes
}

func (d *Dispatcher) invoke(ctx context.Context, b rules.Binding, event area.DetectedEvent) area.Outcome {
	outcome := area.Outcome{
		UserID:          event.UserID,
		RuleID:          b.RuleID,
		TriggerID:       event.TriggerID,
		EventID:         event.EventID,
		ReactionID:      b.ReactionID,
		TargetServiceID: b.ServiceID,
	}
	fail := func(status area.OutcomeStatus, err error) area.Outcome {
		outcome.Status = status
		outcome.Reason = area.ReasonFor(err)
		return outcome
	}

	reaction, err := d.providers.Reaction(b.ServiceID, b.ReactionID)
	if err != nil {
		return fail(area.OutcomeFailed, err)
	}
	adapter, err := d.providers.Get(b.ServiceID)
	if err != nil {
		return fail(area.OutcomeFailed, err)
	}

	params, err := provider.RenderParams(b.Params, event)
	if err == nil {
		err = provider.CheckParams(reaction, params)
	}
	if err != nil {
		return fail(area.OutcomeFailed, err)
	}

	cred, err := d.refresher.EnsureValid(ctx, event.UserID, b.ServiceID)
	switch {
	case errors.Is(err, area.ErrRefreshFatal):
		markDisconnected(ctx, d.creds, event.UserID, b.ServiceID, err)
		return fail(area.OutcomeSkipped, err)
	case errors.Is(err, area.ErrNotConnected), errors.Is(err, area.ErrDisconnected):
		return fail(area.OutcomeSkipped, err)
	case err != nil:
		return fail(area.OutcomeFailed, err)
	}

	result, err := d.call(ctx, adapter, cred, b.ReactionID, params, event)
	if errors.Is(err, area.ErrAuthExpired) {
		cred, err = d.refresher.OnAuthExpired(ctx, event.UserID, b.ServiceID)
		if errors.Is(err, area.ErrRefreshFatal) {
			markDisconnected(ctx, d.creds, event.UserID, b.ServiceID, err)
			return fail(area.OutcomeFailed, err)
		}
		if err == nil {
			result, err = d.call(ctx, adapter, cred, b.ReactionID, params, event)
			if errors.Is(err, area.ErrAuthExpired) {
				markDisconnected(ctx, d.creds, event.UserID, b.ServiceID, err)
				return fail(area.OutcomeFailed, area.ErrDisconnected)
			}
		}
	}
	if err != nil {
		return fail(area.OutcomeFailed, err)
	}

	outcome.Status = area.OutcomeSuccess
	internal.LogDebugWithFields("dispatcher", "Reaction result", map[string]any{
		"user":        event.UserID,
		"reaction":    b.ReactionID,
		"external_id": result.ExternalID,
		"url":         result.URL,
	})
	return outcome
}

func (d *Dispatcher) call(ctx context.Context, adapter provider.Adapter, cred area.Credential, reaction area.ReactionID, params map[string]string, event area.DetectedEvent) (area.ReactionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	return adapter.InvokeReaction(callCtx, cred, reaction, params, event)
}

// record stamps, persists, logs and counts an outcome
func (d *Dispatcher) record(ctx context.Context, outcome area.Outcome) area.Outcome {
	outcome.ID = d.newID()
	outcome.Timestamp = d.now().UTC()

	outcomesTotal.WithLabelValues(string(outcome.TargetServiceID), string(outcome.Status), outcome.Reason).Inc()

	fields := map[string]any{
		"user":           outcome.UserID,
		"rule":           outcome.RuleID,
		"trigger":        outcome.TriggerID,
		"event":          outcome.EventID,
		"reaction":       outcome.ReactionID,
		"target_service": outcome.TargetServiceID,
		"status":         outcome.Status,
	}
	if outcome.Reason != "" {
		fields["reason"] = outcome.Reason
	}
	if outcome.Status == area.OutcomeFailed {
		internal.LogWarnWithFields("dispatcher", "Reaction failed", fields)
	} else {
		internal.LogInfoWithFields("dispatcher", "Reaction dispatched", fields)
	}

	if err := d.outcomes.RecordOutcome(context.WithoutCancel(ctx), outcome); err != nil {
		internal.LogErrorWithFields("dispatcher", "Failed to record outcome", map[string]any{
			"user":  outcome.UserID,
			"error": err.Error(),
		})
	}
	return outcome
}
