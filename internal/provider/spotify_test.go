package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/dgellow/area/internal/area"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpotify_FetchCandidatesBreaksTiesByID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /me/tracks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{"items": [
			{"added_at": "2024-02-01T10:00:00Z", "track": {"id": "zzz", "name": "Z", "artists": [{"name": "A"}, {"name": "B"}], "album": {"name": "LP"}}},
			{"added_at": "2024-02-01T10:00:00Z", "track": {"id": "aaa", "name": "A", "artists": [], "album": {"name": "LP"}}},
			{"added_at": "2024-01-01T10:00:00Z", "track": {"id": "mmm", "name": "M", "artists": [], "album": {"name": "EP"}}}
		]}`)
	})
	s := NewSpotify(Options{BaseURL: fakeAPI(t, mux).URL})

	events, err := s.FetchCandidates(context.Background(), testCred, "new_saved_track", area.NoMarker)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assertAscending(t, events)
	assert.Equal(t, []string{"mmm", "aaa", "zzz"}, []string{events[0].ID, events[1].ID, events[2].ID})
	assert.Equal(t, "A, B", events[2].Payload["artists"])
}

func TestSpotify_CreatePlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id": "user 1"}`)
	})
	mux.HandleFunc("POST /users/{id}/playlists", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user 1", r.PathValue("id"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Mix", body["name"])
		assert.Equal(t, false, body["public"])
		writeJSON(w, http.StatusCreated, `{"id": "pl1", "external_urls": {"spotify": "https://open.spotify.com/playlist/pl1"}}`)
	})
	s := NewSpotify(Options{BaseURL: fakeAPI(t, mux).URL})

	res, err := s.InvokeReaction(context.Background(), testCred, "create_playlist", map[string]string{"name": "Mix"}, area.DetectedEvent{})
	require.NoError(t, err)
	assert.Equal(t, "pl1", res.ExternalID)
	assert.Equal(t, "https://open.spotify.com/playlist/pl1", res.URL)
}

func TestSpotify_RateLimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /me/tracks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		writeJSON(w, http.StatusTooManyRequests, `{"error": {"status": 429}}`)
	})
	s := NewSpotify(Options{BaseURL: fakeAPI(t, mux).URL})

	_, err := s.FetchCandidates(context.Background(), testCred, "new_saved_track", area.NoMarker)
	assertKind(t, err, area.ErrRateLimited)
	assert.Equal(t, "3s", area.RetryAfter(err).String())
}
