package engine

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerPollsPairings(t *testing.T) {
	h := newHarness(t, Options{Workers: 2, DefaultInterval: 20 * time.Millisecond, ResyncInterval: 20 * time.Millisecond})
	h.connect(t, sourceService, "src-token")
	h.connect(t, chatService, "chat-token")
	h.rule(t, "r1", "new_item", notify(chatService, "{{.event_id}}"))
	h.source.setCandidates(events(1, 2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		calls, _ := h.chat.calls()
		return len(calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.source.setCandidates(events(1, 2, 3))
	require.Eventually(t, func() bool {
		calls, _ := h.chat.calls()
		return len(calls) == 2
	}, 2*time.Second, 10*time.Millisecond)

	calls, _ := h.chat.calls()
	assert.Equal(t, "ev-c", calls[0].Params["text"])
	assert.Equal(t, "ev-d", calls[1].Params["text"])

	statuses := h.engine.Scheduler.Pairings()
	require.Len(t, statuses, 1)
	assert.Equal(t, h.key, statuses[0].Pairing)
	assert.Equal(t, 20*time.Millisecond, statuses[0].Interval)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	// stopped scheduler keeps the cursor where the last cycle left it
	assert.Equal(t, at(3).Key(), h.cursor(t, h.key))
}

func TestSchedulerDropsRemovedRules(t *testing.T) {
	h := newHarness(t, Options{DefaultInterval: time.Hour, ResyncInterval: 20 * time.Millisecond})
	h.connect(t, sourceService, "src-token")
	h.rule(t, "r1", "new_item", notify(chatService, "x"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.engine.Scheduler.Pairings()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.store.DeleteRule(h.ctx, "u1", "r1"))
	require.Eventually(t, func() bool { return len(h.engine.Scheduler.Pairings()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPollNow(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t, sourceService, "src-token")
	h.connect(t, chatService, "chat-token")
	h.rule(t, "r1", "new_item", notify(chatService, "x"))
	h.source.setCandidates(events(1, 2))

	report, err := h.engine.PollNow(h.ctx, "u1", sourceService, "new_item")
	require.NoError(t, err)
	assert.Equal(t, StateNewEvents, report.State)
	assert.Equal(t, []string{"ev-c"}, eventIDs(report.Detected))

	report, err = h.engine.PollNow(h.ctx, "u1", sourceService, "new_item")
	require.NoError(t, err)
	assert.Equal(t, StateNoNewEvents, report.State)

	_, err = h.engine.PollNow(h.ctx, "u1", sourceService, "unknown")
	assert.ErrorIs(t, err, area.ErrUnsupported)
}

func TestPollNowSurvivesPanickingCycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t, sourceService, "src-token")
	h.rule(t, "r1", "new_item", notify(chatService, "x"))
	h.source.panicFetch = true

	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	report, err := h.engine.PollNow(ctx, "u1", sourceService, "new_item")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, report.State)
	assert.ErrorIs(t, report.Err, errCycleAborted)
	assert.NoError(t, ctx.Err(), "report must arrive before the deadline")

	h.source.mu.Lock()
	h.source.panicFetch = false
	h.source.mu.Unlock()
	h.source.setCandidates(events(1))
	report, err = h.engine.PollNow(ctx, "u1", sourceService, "new_item")
	require.NoError(t, err)
	assert.Equal(t, StateNewEvents, report.State)
}

func TestPollNowStoppedPairing(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t, sourceService, "src-token")
	h.rule(t, "r1", "new_item", notify(chatService, "x"))

	h.engine.StopUser("u1")
	_, err := h.engine.PollNow(h.ctx, "u1", sourceService, "new_item")
	assert.ErrorIs(t, err, ErrPairingStopped)

	h.engine.Resume("u1")
	_, err = h.engine.PollNow(h.ctx, "u1", sourceService, "new_item")
	assert.NoError(t, err)

	h.engine.StopPairing(h.key)
	_, err = h.engine.PollNow(h.ctx, "u1", sourceService, "new_item")
	assert.ErrorIs(t, err, ErrPairingStopped)

	other := area.PairingKey{UserID: "u1", ServiceID: sourceService, TriggerID: "new_member"}
	_, err = h.engine.Scheduler.PollNow(h.ctx, other)
	assert.NoError(t, err, "stopping one pairing leaves the others")
}

func TestNextDelay(t *testing.T) {
	h := newHarness(t, Options{DefaultInterval: time.Minute, MaxBackoff: 15 * time.Minute})
	s := h.engine.Scheduler
	p := s.newPairingLocked(h.key)

	limited := func(retryAfter time.Duration) CycleReport {
		return CycleReport{State: StateFailed, Err: &area.ProviderError{
			Service:    sourceService,
			Op:         "fetch",
			Status:     http.StatusTooManyRequests,
			Kind:       area.ErrRateLimited,
			RetryAfter: retryAfter,
		}}
	}

	assert.GreaterOrEqual(t, s.nextDelay(p, limited(5*time.Minute)), 5*time.Minute)
	assert.GreaterOrEqual(t, s.nextDelay(p, limited(0)), time.Minute)
	third := s.nextDelay(p, limited(0))
	assert.Greater(t, third, time.Minute, "backoff grows while rate limited")
	assert.LessOrEqual(t, third, 15*time.Minute)

	assert.Equal(t, time.Minute, s.nextDelay(p, CycleReport{State: StateNoNewEvents}))
	assert.Equal(t, time.Minute, s.nextDelay(p, CycleReport{State: StateFailed, Err: errors.New("boom")}))
}

func TestOptions(t *testing.T) {
	cfg := config.EngineConfig{
		Workers:          3,
		DefaultInterval:  config.Duration(2 * time.Minute),
		CallTimeout:      config.Duration(5 * time.Second),
		ServiceIntervals: map[string]config.Duration{"github": config.Duration(30 * time.Second)},
	}

	opts := OptionsFromConfig(cfg).withDefaults()

	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 5*time.Second, opts.CallTimeout)
	assert.Equal(t, 30*time.Second, opts.ResyncInterval)
	assert.Equal(t, 15*time.Minute, opts.MaxBackoff)
	assert.Equal(t, 30*time.Second, opts.IntervalFor(area.ServiceGitHub))
	assert.Equal(t, 2*time.Minute, opts.IntervalFor(area.ServiceGmail))
}

func TestConnectionStatus(t *testing.T) {
	h := newHarness(t, Options{})

	status, err := h.engine.ConnectionStatus(h.ctx, "u1", chatService)
	require.NoError(t, err)
	assert.Equal(t, area.StatusNotConnected, status)

	h.connect(t, chatService, "chat-token")
	status, err = h.engine.ConnectionStatus(h.ctx, "u1", chatService)
	require.NoError(t, err)
	assert.Equal(t, area.StatusConnected, status)

	require.NoError(t, h.store.MarkDisconnected(h.ctx, "u1", chatService))
	status, err = h.engine.ConnectionStatus(h.ctx, "u1", chatService)
	require.NoError(t, err)
	assert.Equal(t, area.StatusDisconnected, status)

	_, err = h.engine.ConnectionStatus(h.ctx, "u1", "myspace")
	assert.ErrorIs(t, err, area.ErrUnsupported)
}
