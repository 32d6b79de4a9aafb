package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/dgellow/area/internal/area"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCred = area.Credential{UserID: "u1", ServiceID: area.ServiceGitHub, AccessToken: "tok", Connected: true}

// fakeAPI starts a provider double serving mux
func fakeAPI(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func assertKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, kind), "expected %v, got %v", kind, err)
}

func assertAscending(t *testing.T, events []area.RawEvent) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].Key().After(events[i-1].Key()), "event %d out of order", i)
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := Default(nil, nil)

	services := reg.Services()
	require.Len(t, services, 9)
	for i := 1; i < len(services); i++ {
		assert.Less(t, services[i-1].ID, services[i].ID)
	}

	trig, err := reg.Trigger(area.ServiceDiscord, "new_guild")
	require.NoError(t, err)
	assert.Equal(t, area.FirstPollBaseline, trig.FirstPoll)
	assert.True(t, trig.Membership)

	trig, err = reg.Trigger(area.ServiceReddit, "new_upvote")
	require.NoError(t, err)
	assert.True(t, trig.Membership)

	trig, err = reg.Trigger(area.ServiceGitHub, "new_issue")
	require.NoError(t, err)
	assert.Equal(t, area.FirstPollLatest, trig.FirstPoll)
	assert.False(t, trig.Membership)

	_, err = reg.Trigger(area.ServiceGitHub, "new_star")
	assert.ErrorIs(t, err, area.ErrUnsupported)

	re, err := reg.Reaction(area.ServiceGmail, "send_email")
	require.NoError(t, err)
	assert.Equal(t, []string{"to", "subject"}, re.Params)

	_, err = reg.Get("myspace")
	assert.ErrorIs(t, err, area.ErrUnsupported)

	for _, s := range services {
		a, err := reg.Get(s.ID)
		require.NoError(t, err)
		for _, tr := range a.Triggers() {
			assert.Equal(t, s.ID, tr.ServiceID)
		}
		for _, r := range a.Reactions() {
			assert.Equal(t, s.ID, r.ServiceID)
		}
	}
}

func TestRenderParams(t *testing.T) {
	event := area.DetectedEvent{
		UserID:     "u1",
		ServiceID:  area.ServiceGitHub,
		TriggerID:  "new_issue",
		EventID:    "42",
		OccurredAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Payload:    map[string]string{"title": "Broken build"},
	}

	t.Run("expands payload and event fields", func(t *testing.T) {
		out, err := RenderParams(map[string]string{
			"subject": "New issue: {{.title}}",
			"body":    "{{.event_id}} on {{.service}}/{{.trigger}} at {{.occurred_at}}",
			"to":      "me@example.com",
		}, event)
		require.NoError(t, err)
		assert.Equal(t, "New issue: Broken build", out["subject"])
		assert.Equal(t, "42 on github/new_issue at 2024-05-01T10:00:00Z", out["body"])
		assert.Equal(t, "me@example.com", out["to"])
	})

	t.Run("missing field", func(t *testing.T) {
		_, err := RenderParams(map[string]string{"subject": "{{.nope}}"}, event)
		assert.ErrorIs(t, err, area.ErrInvalidParams)
	})

	t.Run("bad template", func(t *testing.T) {
		_, err := RenderParams(map[string]string{"subject": "{{.title"}, event)
		assert.ErrorIs(t, err, area.ErrInvalidParams)
	})
}

func TestCheckParams(t *testing.T) {
	reaction := area.Reaction{ID: "send_email", Params: []string{"to", "subject"}}

	assert.NoError(t, CheckParams(reaction, map[string]string{"to": "a@b", "subject": "s"}))

	err := CheckParams(reaction, map[string]string{"to": "a@b", "subject": "  "})
	assert.ErrorIs(t, err, area.ErrInvalidParams)
	assert.Contains(t, err.Error(), "subject")
}

func TestRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{"none", http.Header{}, 0},
		{"retry-after seconds", http.Header{"Retry-After": {"12"}}, 12 * time.Second},
		{"retry-after date", http.Header{"Retry-After": {now.Add(time.Minute).UTC().Format(http.TimeFormat)}}, time.Minute},
		{"reset epoch", http.Header{"X-Ratelimit-Reset": {strconv.FormatInt(now.Unix()+90, 10)}}, 90 * time.Second},
		{"reset epoch in the past", http.Header{"X-Ratelimit-Reset": {strconv.FormatInt(now.Unix()-5, 10)}}, 0},
		{"reset delta", http.Header{"X-Ratelimit-Reset": {"2.5"}}, 2500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryAfter(tt.header, now))
		})
	}
}

func TestStatusError(t *testing.T) {
	t.Run("403 with exhausted quota is a rate limit", func(t *testing.T) {
		err := statusError(area.ServiceGitHub, "search", http.StatusForbidden, http.Header{
			"X-Ratelimit-Remaining": {"0"},
			"Retry-After":           {"30"},
		}, "")
		assertKind(t, err, area.ErrRateLimited)
		assert.Equal(t, 30*time.Second, area.RetryAfter(err))
	})

	t.Run("plain 403 is a rejection", func(t *testing.T) {
		err := statusError(area.ServiceGitHub, "search", http.StatusForbidden, http.Header{"X-Ratelimit-Remaining": {"12"}}, "forbidden")
		assertKind(t, err, area.ErrRejected)
	})
}

func TestTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	gh := NewGitHub(Options{BaseURL: base})
	_, err := gh.FetchCandidates(context.Background(), testCred, "new_issue", area.NoMarker)
	assertKind(t, err, area.ErrProviderUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gh.FetchCandidates(ctx, testCred, "new_issue", area.NoMarker)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, area.ErrProviderUnavailable))
}

func TestUnsupported(t *testing.T) {
	for _, a := range Default(nil, nil).adapters {
		_, err := a.FetchCandidates(context.Background(), testCred, "no_such_trigger", area.NoMarker)
		assert.ErrorIs(t, err, area.ErrUnsupported, "%s", a.Service().ID)

		_, err = a.InvokeReaction(context.Background(), testCred, "no_such_reaction", nil, area.DetectedEvent{})
		assert.ErrorIs(t, err, area.ErrUnsupported, "%s", a.Service().ID)
	}
}
