package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/dgellow/area/internal/area"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const githubSearchBody = `{
  "total_count": 3,
  "items": [
    {"id": 303, "number": 12, "title": "third", "html_url": "https://github.com/o/r/issues/12",
     "repository_url": "https://api.github.com/repos/o/r", "created_at": "2024-03-03T00:00:00Z", "user": {"login": "me"}},
    {"id": 101, "number": 10, "title": "first", "html_url": "https://github.com/o/r/issues/10",
     "repository_url": "https://api.github.com/repos/o/r", "created_at": "2024-03-01T00:00:00Z", "user": {"login": "me"}},
    {"id": 202, "number": 11, "title": "second", "html_url": "https://github.com/o/r/issues/11",
     "repository_url": "https://api.github.com/repos/o/r", "created_at": "2024-03-02T00:00:00Z", "user": {"login": "me"}}
  ]
}`

func TestGitHub_FetchCandidates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token tok", r.Header.Get("Authorization"))
		assert.Equal(t, "author:@me type:pr", r.URL.Query().Get("q"))
		writeJSON(w, http.StatusOK, githubSearchBody)
	})
	gh := NewGitHub(Options{BaseURL: fakeAPI(t, mux).URL})

	events, err := gh.FetchCandidates(context.Background(), testCred, "new_pull_request", area.NoMarker)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assertAscending(t, events)

	assert.Equal(t, "101", events[0].ID)
	assert.Equal(t, "303", events[2].ID)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), events[2].OccurredAt.UTC())
	assert.Equal(t, "o/r", events[2].Payload["repo"])
	assert.Equal(t, "12", events[2].Payload["number"])
	assert.Equal(t, "third", events[2].Payload["title"])
}

func TestGitHub_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  map[string]string
		body    string
		kind    error
		backoff time.Duration
	}{
		{name: "expired token", status: http.StatusUnauthorized, body: `{"message":"Bad credentials"}`, kind: area.ErrAuthExpired},
		{name: "too many requests", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "7"}, kind: area.ErrRateLimited, backoff: 7 * time.Second},
		{name: "secondary rate limit", status: http.StatusForbidden, header: map[string]string{"X-RateLimit-Remaining": "0", "Retry-After": "60"}, kind: area.ErrRateLimited, backoff: time.Minute},
		{name: "server error", status: http.StatusBadGateway, kind: area.ErrProviderUnavailable},
		{name: "validation", status: http.StatusUnprocessableEntity, body: `{"message":"Validation Failed"}`, kind: area.ErrRejected},
		{name: "garbage body", status: http.StatusOK, body: `<html>`, kind: area.ErrInvalidResponse},
		{name: "missing created_at", status: http.StatusOK, body: `{"items":[{"id":1,"title":"x"}]}`, kind: area.ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /search/issues", func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				writeJSON(w, tt.status, tt.body)
			})
			gh := NewGitHub(Options{BaseURL: fakeAPI(t, mux).URL})

			_, err := gh.FetchCandidates(context.Background(), testCred, "new_issue", area.NoMarker)
			assertKind(t, err, tt.kind)
			assert.Equal(t, tt.backoff, area.RetryAfter(err))
		})
	}
}

func TestGitHub_CreateIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/octo/hello/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token tok", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "From Gmail", body["title"])
		assert.Equal(t, "details", body["body"])
		writeJSON(w, http.StatusCreated, `{"id": 9001, "html_url": "https://github.com/octo/hello/issues/1"}`)
	})
	gh := NewGitHub(Options{BaseURL: fakeAPI(t, mux).URL})

	res, err := gh.InvokeReaction(context.Background(), testCred, "create_issue",
		map[string]string{"repo": "octo/hello", "title": "From Gmail", "body": "details"}, area.DetectedEvent{})
	require.NoError(t, err)
	assert.Equal(t, "9001", res.ExternalID)
	assert.Equal(t, "https://github.com/octo/hello/issues/1", res.URL)

	_, err = gh.InvokeReaction(context.Background(), testCred, "create_issue",
		map[string]string{"repo": "not-a-repo", "title": "x"}, area.DetectedEvent{})
	assert.ErrorIs(t, err, area.ErrInvalidParams)
}
