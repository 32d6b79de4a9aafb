// Package engine detects new trigger events and dispatches the reactions bound to them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/config"
	"github.com/dgellow/area/internal/cursor"
	"github.com/dgellow/area/internal/provider"
	"github.com/dgellow/area/internal/rules"
	"github.com/dgellow/area/internal/storage"
)

// TokenRefresher yields usable credentials and rotates rejected ones
type TokenRefresher interface {
	EnsureValid(ctx context.Context, userID string, service area.ServiceID) (area.Credential, error)
	OnAuthExpired(ctx context.Context, userID string, service area.ServiceID) (area.Credential, error)
}

// Options tunes the engine
type Options struct {
	Workers          int
	DefaultInterval  time.Duration
	ServiceIntervals map[area.ServiceID]time.Duration
	CallTimeout      time.Duration
	ResyncInterval   time.Duration
	MaxBackoff       time.Duration
}

// OptionsFromConfig converts the engine section of the configuration
func OptionsFromConfig(cfg config.EngineConfig) Options {
	intervals := make(map[area.ServiceID]time.Duration, len(cfg.ServiceIntervals))
	for service, d := range cfg.ServiceIntervals {
		intervals[area.ServiceID(service)] = d.Std()
	}
	return Options{
		Workers:          cfg.Workers,
		DefaultInterval:  cfg.DefaultInterval.Std(),
		ServiceIntervals: intervals,
		CallTimeout:      cfg.CallTimeout.Std(),
		ResyncInterval:   cfg.ResyncInterval.Std(),
		MaxBackoff:       cfg.MaxBackoff.Std(),
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 15 * time.Second
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 30 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 15 * time.Minute
	}
	return o
}

// IntervalFor returns the poll interval of service
func (o Options) IntervalFor(service area.ServiceID) time.Duration {
	if d, ok := o.ServiceIntervals[service]; ok && d > 0 {
		return d
	}
	return o.DefaultInterval
}

// Engine wires detection, dispatch and scheduling over one storage backend
type Engine struct {
	store     storage.Storage
	providers *provider.Registry
	rules     *rules.Registry

	Detector   *Detector
	Dispatcher *Dispatcher
	Scheduler  *Scheduler
}

// New creates an engine. Nothing runs until Run is called.
func New(store storage.Storage, providers *provider.Registry, refresher TokenRefresher, opts Options) *Engine {
	opts = opts.withDefaults()
	registry := rules.NewRegistry(store, providers)

	dispatcher := NewDispatcher(store, store, providers, refresher, opts.CallTimeout)
	detector := NewDetector(DetectorDeps{
		Credentials: store,
		Cursors:     cursor.New(store),
		Providers:   providers,
		Rules:       registry,
		Refresher:   refresher,
		Dispatcher:  dispatcher,
	}, opts.CallTimeout)

	return &Engine{
		store:      store,
		providers:  providers,
		rules:      registry,
		Detector:   detector,
		Dispatcher: dispatcher,
		Scheduler:  NewScheduler(detector, registry, opts),
	}
}

// Run schedules every pairing until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	return e.Scheduler.Run(ctx)
}

// PollNow runs one cycle of a pairing immediately and returns its report
func (e *Engine) PollNow(ctx context.Context, userID string, service area.ServiceID, trigger area.TriggerID) (CycleReport, error) {
	return e.Scheduler.PollNow(ctx, area.PairingKey{UserID: userID, ServiceID: service, TriggerID: trigger})
}

// ConnectionStatus reports whether userID can use service
func (e *Engine) ConnectionStatus(ctx context.Context, userID string, service area.ServiceID) (area.ConnectionStatus, error) {
	if _, err := e.providers.Get(service); err != nil {
		return "", err
	}
	cred, err := e.store.GetCredential(ctx, userID, service)
	switch {
	case errors.Is(err, area.ErrNotConnected):
		return area.StatusNotConnected, nil
	case err != nil:
		return "", fmt.Errorf("reading credential: %w", err)
	case !cred.Connected:
		return area.StatusDisconnected, nil
	default:
		return area.StatusConnected, nil
	}
}

// Outcomes returns the latest dispatch outcomes of userID, newest first
func (e *Engine) Outcomes(ctx context.Context, userID string, limit int) ([]area.Outcome, error) {
	return e.store.ListOutcomes(ctx, userID, limit)
}

// Catalog lists the services with their triggers and reactions
func (e *Engine) Catalog() []rules.ServiceCatalog {
	return e.rules.Catalog()
}

// Pairings lists the scheduled pairings with their last cycle
func (e *Engine) Pairings() []PairingStatus {
	return e.Scheduler.Pairings()
}

// StopPairing cancels a pairing and keeps it unscheduled until Resume
func (e *Engine) StopPairing(key area.PairingKey) {
	e.Scheduler.StopPairing(key)
}

// StopUser cancels every pairing of userID and keeps them unscheduled until Resume
func (e *Engine) StopUser(userID string) {
	e.Scheduler.StopUser(userID)
}

// Resume lets the next resync schedule userID's pairings again
func (e *Engine) Resume(userID string) {
	e.Scheduler.Resume(userID)
}

// markDisconnected flags a credential whose refresh is impossible. It never fails the caller.
func markDisconnected(ctx context.Context, creds storage.CredentialStore, userID string, service area.ServiceID, cause error) {
	disconnectsTotal.WithLabelValues(string(service)).Inc()
	if err := creds.MarkDisconnected(context.WithoutCancel(ctx), userID, service); err != nil && !errors.Is(err, area.ErrNotConnected) {
		internal.LogErrorWithFields("engine", "Failed to mark credential disconnected", map[string]any{
			"user":    userID,
			"service": service,
			"error":   err.Error(),
		})
		return
	}
	internal.LogWarnWithFields("engine", "Credential disconnected, re-authorization required", map[string]any{
		"user":    userID,
		"service": service,
		"cause":   cause.Error(),
	})
}
