package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/config"
	"github.com/dgellow/area/internal/engine"
	"github.com/dgellow/area/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEngine answers from canned data
type stubEngine struct {
	pollErr   error
	lastPoll  area.PairingKey
	lastLimit int
	statuses  map[area.ServiceID]area.ConnectionStatus
	outcomes  []area.Outcome
	pairings  []engine.PairingStatus
	catalog   []rules.ServiceCatalog
}

func (s *stubEngine) PollNow(_ context.Context, userID string, service area.ServiceID, trigger area.TriggerID) (engine.CycleReport, error) {
	s.lastPoll = area.PairingKey{UserID: userID, ServiceID: service, TriggerID: trigger}
	if s.pollErr != nil {
		return engine.CycleReport{}, s.pollErr
	}
	detected := area.DetectedEvent{UserID: userID, ServiceID: service, TriggerID: trigger, EventID: "ev-1"}
	return engine.CycleReport{
		Pairing:  s.lastPoll,
		State:    engine.StateNewEvents,
		Detected: []area.DetectedEvent{detected},
	}, nil
}

func (s *stubEngine) ConnectionStatus(_ context.Context, _ string, service area.ServiceID) (area.ConnectionStatus, error) {
	status, ok := s.statuses[service]
	if !ok {
		return "", fmt.Errorf("service %s: %w", service, area.ErrUnsupported)
	}
	return status, nil
}

func (s *stubEngine) Outcomes(_ context.Context, _ string, limit int) ([]area.Outcome, error) {
	s.lastLimit = limit
	return s.outcomes, nil
}

func (s *stubEngine) Catalog() []rules.ServiceCatalog { return s.catalog }

func (s *stubEngine) Pairings() []engine.PairingStatus { return s.pairings }

func newStubEngine() *stubEngine {
	return &stubEngine{
		statuses: map[area.ServiceID]area.ConnectionStatus{
			area.ServiceGitHub: area.StatusConnected,
			area.ServiceGmail:  area.StatusDisconnected,
		},
		outcomes: []area.Outcome{{ID: "o1", UserID: "u1", Status: area.OutcomeSuccess, Timestamp: time.Now()}},
		pairings: []engine.PairingStatus{
			{Pairing: area.PairingKey{UserID: "u2", ServiceID: area.ServiceGitHub, TriggerID: "new_issue"}, State: engine.StateIdle},
			{Pairing: area.PairingKey{UserID: "u1", ServiceID: area.ServiceSpotify, TriggerID: "new_saved_track"}, State: engine.StateIdle},
			{Pairing: area.PairingKey{UserID: "u1", ServiceID: area.ServiceGitHub, TriggerID: "new_issue"}, State: engine.StatePolling},
		},
		catalog: []rules.ServiceCatalog{{Service: area.Service{ID: area.ServiceGitHub, Name: "GitHub"}}},
	}
}

func newTestServer(t *testing.T, eng Engine, cfg config.APIConfig) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(eng, cfg, "test").Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, newStubEngine(), config.APIConfig{Tokens: []*config.ConfigValue{config.NewConfigValue("secret")}})

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", "")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "area", body["service"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, newStubEngine(), config.APIConfig{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCollaboratorRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, newStubEngine(), config.APIConfig{
		Realm:  "area",
		Tokens: []*config.ConfigValue{config.NewConfigValue("secret")},
	})

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/services", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Bearer realm="area"`, resp.Header.Get("WWW-Authenticate"))

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/services", "secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["services"], 1)
}

func TestPollNowEndpoint(t *testing.T) {
	eng := newStubEngine()
	srv := newTestServer(t, eng, config.APIConfig{})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/pairings/poll", "",
		`{"userId":"u1","serviceId":"github","triggerId":"new_issue"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, area.PairingKey{UserID: "u1", ServiceID: area.ServiceGitHub, TriggerID: "new_issue"}, eng.lastPoll)
	assert.Equal(t, string(engine.StateNewEvents), body["state"])
	assert.Len(t, body["detected"], 1)
}

func TestPollNowEndpointErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"malformed body", `{`, nil, http.StatusBadRequest, "bad_request"},
		{"missing trigger", `{"userId":"u1","serviceId":"github"}`, nil, http.StatusBadRequest, "bad_request"},
		{"unknown trigger", `{"userId":"u1","serviceId":"github","triggerId":"x"}`, fmt.Errorf("trigger x: %w", area.ErrUnsupported), http.StatusNotFound, "unsupported"},
		{"stopped pairing", `{"userId":"u1","serviceId":"github","triggerId":"new_issue"}`, engine.ErrPairingStopped, http.StatusConflict, "pairing_stopped"},
		{"provider down", `{"userId":"u1","serviceId":"github","triggerId":"new_issue"}`, area.NewStatusError(area.ServiceGitHub, "fetch", http.StatusBadGateway, ""), http.StatusBadGateway, "provider_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newStubEngine()
			eng.pollErr = tt.err
			srv := newTestServer(t, eng, config.APIConfig{})

			resp, body := do(t, http.MethodPost, srv.URL+"/v1/pairings/poll", "", tt.body)

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestConnectionStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, newStubEngine(), config.APIConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/users/u1/services/github/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "connected", body["status"])
	assert.Equal(t, "u1", body["userId"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/users/u1/services/gmail/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "disconnected", body["status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/users/u1/services/myspace/status", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOutcomesEndpoint(t *testing.T) {
	eng := newStubEngine()
	srv := newTestServer(t, eng, config.APIConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/users/u1/outcomes", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["outcomes"], 1)
	assert.Equal(t, defaultOutcomeLimit, eng.lastLimit)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/users/u1/outcomes?limit=10000", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, maxOutcomeLimit, eng.lastLimit)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/users/u1/outcomes?limit=zero", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPairingsEndpoint(t *testing.T) {
	srv := newTestServer(t, newStubEngine(), config.APIConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/pairings?user=u1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pairings := body["pairings"].([]any)
	require.Len(t, pairings, 2)
	first := pairings[0].(map[string]any)["pairing"].(map[string]any)
	assert.Equal(t, "github", first["ServiceID"])
}
