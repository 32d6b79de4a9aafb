package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/rules"
)

type pairing struct {
	key      area.PairingKey
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	backoff  *backoff.ExponentialBackOff

	nextRun time.Time
	running bool
	state   State
	last    *CycleReport
}

// PairingStatus is a snapshot of a scheduled pairing
type PairingStatus struct {
	Pairing  area.PairingKey `json:"pairing"`
	State    State           `json:"state"`
	Interval time.Duration   `json:"interval"`
	NextRun  time.Time       `json:"next_run"`
	Last     *CycleReport    `json:"last,omitempty"`
}

// Scheduler polls every pairing derived from the users' rules on its own interval.
// Cycles of one pairing never overlap; different pairings run in parallel.
type Scheduler struct {
	detector *Detector
	rules    *rules.Registry
	opts     Options
	exec     *Executor
	now      func() time.Time

	mu        sync.Mutex
	pairings  map[area.PairingKey]*pairing
	stopped   map[area.PairingKey]bool
	stoppedBy map[string]bool
	root      context.Context
	wake      chan struct{}
}

// NewScheduler creates a scheduler; Run starts it
func NewScheduler(detector *Detector, registry *rules.Registry, opts Options) *Scheduler {
	opts = opts.withDefaults()
	s := &Scheduler{
		detector:  detector,
		rules:     registry,
		opts:      opts,
		exec:      NewExecutor(opts.Workers, 4),
		now:       time.Now,
		pairings:  make(map[area.PairingKey]*pairing),
		stopped:   make(map[area.PairingKey]bool),
		stoppedBy: make(map[string]bool),
		root:      context.Background(),
		wake:      make(chan struct{}, 1),
	}
	detector.observe = s.observe
	return s
}

// Run resynchronises pairings with the rules and submits due cycles until ctx is done.
// On return every in-flight cycle has finished or been abandoned.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.root = runCtx
	s.mu.Unlock()

	internal.LogInfoWithFields("scheduler", "Scheduler started", map[string]any{
		"workers":          s.opts.Workers,
		"default_interval": s.opts.DefaultInterval.String(),
		"resync_interval":  s.opts.ResyncInterval.String(),
	})

	s.resync(runCtx)
	resync := time.NewTicker(s.opts.ResyncInterval)
	defer resync.Stop()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			internal.Logf("Scheduler stopped")
			return nil
		case <-resync.C:
			s.resync(runCtx)
		case <-s.wake:
		case <-timer.C:
		}

		next := s.submitDue(runCtx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// resync starts pairings that appeared in the rules and stops those that disappeared
func (s *Scheduler) resync(ctx context.Context) {
	keys, err := s.rules.Pairings(ctx)
	if err != nil {
		internal.LogErrorWithFields("scheduler", "Failed to load pairings", map[string]any{"error": err.Error()})
		return
	}

	wanted := make(map[area.PairingKey]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added, removed := 0, 0
	for key := range wanted {
		if _, ok := s.pairings[key]; ok || s.isStoppedLocked(key) {
			continue
		}
		s.pairings[key] = s.newPairingLocked(key)
		added++
	}
	for key, p := range s.pairings {
		if !wanted[key] {
			p.cancel()
			delete(s.pairings, key)
			removed++
		}
	}
	pairingsGauge.Set(float64(len(s.pairings)))

	if added > 0 || removed > 0 {
		internal.LogInfoWithFields("scheduler", "Pairings resynchronised", map[string]any{
			"added":   added,
			"removed": removed,
			"total":   len(s.pairings),
		})
	}
}

func (s *Scheduler) newPairingLocked(key area.PairingKey) *pairing {
	ctx, cancel := context.WithCancel(s.root)
	interval := s.opts.IntervalFor(key.ServiceID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return &pairing{
		key:      key,
		ctx:      ctx,
		cancel:   cancel,
		interval: interval,
		backoff:  b,
		nextRun:  s.now(),
		state:    StateIdle,
	}
}

func (s *Scheduler) isStoppedLocked(key area.PairingKey) bool {
	return s.stopped[key] || s.stoppedBy[key.UserID]
}

// submitDue hands every due, idle pairing to the executor and returns the wait until the next one
func (s *Scheduler) submitDue(ctx context.Context) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := s.opts.ResyncInterval
	for _, p := range s.pairings {
		if p.running {
			continue
		}
		if wait := p.nextRun.Sub(now); wait > 0 {
			next = min(next, wait)
			continue
		}

		p.running = true
		pr := p
		err := s.exec.Submit(pr.ctx, pr.key.String(), JobFunc(func(jobCtx context.Context) {
			report := abortedCycle(pr.key)
			defer func() { s.complete(pr, report) }()
			report = s.detector.RunCycle(jobCtx, pr.key)
		}))
		if err != nil {
			p.running = false
			p.nextRun = now.Add(p.interval)
			next = min(next, p.interval)
			internal.LogWarnWithFields("scheduler", "Could not submit cycle", map[string]any{
				"pairing": p.key.String(),
				"error":   err.Error(),
			})
		}
	}
	if ctx.Err() != nil {
		return time.Hour
	}
	return max(next, 10*time.Millisecond)
}

// complete records a finished scheduled cycle and plans the next one
func (s *Scheduler) complete(p *pairing, report CycleReport) {
	s.mu.Lock()
	p.running = false
	report.NextDelay = s.nextDelay(p, report)
	p.nextRun = s.now().Add(report.NextDelay)
	p.last = &report
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextDelay is the pairing interval, stretched by exponential backoff while the provider rate limits
func (s *Scheduler) nextDelay(p *pairing, report CycleReport) time.Duration {
	if errors.Is(report.Err, area.ErrRateLimited) {
		delay := max(p.interval, p.backoff.NextBackOff(), area.RetryAfter(report.Err))
		internal.LogWarnWithFields("scheduler", "Pairing rate limited, backing off", map[string]any{
			"pairing": p.key.String(),
			"delay":   delay.String(),
		})
		return delay
	}
	if report.State == StateNoNewEvents || report.State == StateNewEvents {
		p.backoff.Reset()
	}
	return p.interval
}

// observe tracks cycle state transitions reported by the detector
func (s *Scheduler) observe(key area.PairingKey, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pairings[key]; ok {
		p.state = state
	}
}

// PollNow runs a cycle of key right away, queued behind any cycle of the same pairing, and waits for it
func (s *Scheduler) PollNow(ctx context.Context, key area.PairingKey) (CycleReport, error) {
	if _, err := s.detector.deps.Providers.Trigger(key.ServiceID, key.TriggerID); err != nil {
		return CycleReport{}, err
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	p, scheduled := s.pairings[key]
	if s.isStoppedLocked(key) {
		s.mu.Unlock()
		return CycleReport{}, ErrPairingStopped
	}
	s.mu.Unlock()
	if scheduled {
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()
	}

	done := make(chan CycleReport, 1)
	err := s.exec.Submit(cycleCtx, key.String(), JobFunc(func(jobCtx context.Context) {
		report := abortedCycle(key)
		defer func() { done <- report }()
		report = s.detector.RunCycle(jobCtx, key)
	}))
	if err != nil {
		return CycleReport{}, err
	}

	select {
	case report := <-done:
		if scheduled {
			s.mu.Lock()
			p.last = &report
			s.mu.Unlock()
		}
		return report, nil
	case <-cycleCtx.Done():
		return CycleReport{}, cycleCtx.Err()
	}
}

// errCycleAborted marks a cycle that never returned a report
var errCycleAborted = errors.New("poll cycle aborted")

// abortedCycle is the report of a cycle that panicked before producing one
func abortedCycle(key area.PairingKey) CycleReport {
	return CycleReport{Pairing: key, State: StateFailed, Err: errCycleAborted, Error: errCycleAborted.Error()}
}

// ErrPairingStopped is returned by PollNow for a pairing stopped with StopPairing or StopUser
var ErrPairingStopped = errors.New("pairing stopped")

// StopPairing cancels key. An in-flight cycle is abandoned before its cursor advance.
func (s *Scheduler) StopPairing(key area.PairingKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped[key] = true
	if p, ok := s.pairings[key]; ok {
		p.cancel()
		delete(s.pairings, key)
	}
	pairingsGauge.Set(float64(len(s.pairings)))
	internal.LogInfoWithFields("scheduler", "Pairing stopped", map[string]any{"pairing": key.String()})
}

// StopUser cancels every pairing of userID
func (s *Scheduler) StopUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stoppedBy[userID] = true
	for key, p := range s.pairings {
		if key.UserID == userID {
			p.cancel()
			delete(s.pairings, key)
		}
	}
	pairingsGauge.Set(float64(len(s.pairings)))
	internal.LogInfoWithFields("scheduler", "User pairings stopped", map[string]any{"user": userID})
}

// Resume clears the stops of userID; the next resync schedules its pairings again
func (s *Scheduler) Resume(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.stoppedBy, userID)
	for key := range s.stopped {
		if key.UserID == userID {
			delete(s.stopped, key)
		}
	}
}

// Pairings returns the status of every scheduled pairing
func (s *Scheduler) Pairings() []PairingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PairingStatus, 0, len(s.pairings))
	for _, p := range s.pairings {
		out = append(out, PairingStatus{Pairing: p.key, State: p.state, Interval: p.interval, NextRun: p.nextRun, Last: p.last})
	}
	return out
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	for _, p := range s.pairings {
		p.cancel()
	}
	s.mu.Unlock()
	s.exec.Stop()
}
