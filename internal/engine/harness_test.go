package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/provider"
	"github.com/dgellow/area/internal/refresh"
	"github.com/dgellow/area/internal/storage"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// at returns the n-th event of the fake timeline
func at(n int) area.RawEvent {
	id := string(rune('a' + n))
	return area.RawEvent{
		ID:         "ev-" + id,
		OccurredAt: t0.Add(time.Duration(n) * time.Minute),
		Payload:    map[string]string{"title": "event " + id},
	}
}

func events(ns ...int) []area.RawEvent {
	out := make([]area.RawEvent, len(ns))
	for i, n := range ns {
		out[i] = at(n)
	}
	return out
}

type invocation struct {
	Reaction area.ReactionID
	Token    string
	Params   map[string]string
	Event    area.DetectedEvent
}

// fakeAdapter is a scripted provider
type fakeAdapter struct {
	service   area.ServiceID
	triggers  []area.Trigger
	reactions []area.Reaction

	mu          sync.Mutex
	candidates  []area.RawEvent
	fetchErr    error
	rejectToken string // access token answered with AuthExpired
	rejectAll   bool
	fetchCalls  int
	panicFetch  bool
	invokeErr   error
	onInvoke    func()
	invocations []invocation
}

func newFakeAdapter(service area.ServiceID) *fakeAdapter {
	return &fakeAdapter{
		service: service,
		triggers: []area.Trigger{
			{ID: "new_item", ServiceID: service, FirstPoll: area.FirstPollLatest},
			{ID: "new_member", ServiceID: service, FirstPoll: area.FirstPollBaseline},
			{ID: "new_follow", ServiceID: service, FirstPoll: area.FirstPollBaseline, Membership: true},
		},
		reactions: []area.Reaction{
			{ID: "notify", ServiceID: service, Params: []string{"text"}},
		},
	}
}

func (f *fakeAdapter) Service() area.Service      { return area.Service{ID: f.service, Name: string(f.service)} }
func (f *fakeAdapter) Triggers() []area.Trigger   { return f.triggers }
func (f *fakeAdapter) Reactions() []area.Reaction { return f.reactions }

func (f *fakeAdapter) setCandidates(evs []area.RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = evs
}

func (f *fakeAdapter) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeAdapter) rejected(cred area.Credential, op string) error {
	if f.rejectAll || (f.rejectToken != "" && cred.AccessToken == f.rejectToken) {
		return area.NewStatusError(f.service, op, http.StatusUnauthorized, "token rejected")
	}
	return nil
}

func (f *fakeAdapter) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.panicFetch {
		panic("fetch exploded")
	}
	if err := f.rejected(cred, "fetch"); err != nil {
		return nil, err
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]area.RawEvent, len(f.candidates))
	copy(out, f.candidates)
	return out, nil
}

func (f *fakeAdapter) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, event area.DetectedEvent) (area.ReactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rejected(cred, "invoke"); err != nil {
		return area.ReactionResult{}, err
	}
	f.invocations = append(f.invocations, invocation{Reaction: reaction, Token: cred.AccessToken, Params: params, Event: event})
	if f.onInvoke != nil {
		f.onInvoke()
	}
	if f.invokeErr != nil {
		return area.ReactionResult{}, f.invokeErr
	}
	return area.ReactionResult{ExternalID: "x"}, nil
}

func (f *fakeAdapter) calls() ([]invocation, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]invocation, len(f.invocations))
	copy(out, f.invocations)
	return out, f.fetchCalls
}

// tokenServer is an OAuth token endpoint double
type tokenServer struct {
	hits   atomic.Int32
	status atomic.Int32
	body   atomic.Value
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(s.status.Load()))
	_, _ = w.Write([]byte(s.body.Load().(string)))
}

func (s *tokenServer) respond(status int, body string) {
	s.status.Store(int32(status))
	s.body.Store(body)
}

const (
	sourceService area.ServiceID = "source"
	mailService   area.ServiceID = "mail"
	chatService   area.ServiceID = "chat"
)

type harness struct {
	ctx    context.Context
	store  *storage.MemoryStorage
	source *fakeAdapter
	mail   *fakeAdapter
	chat   *fakeAdapter
	tokens *tokenServer
	engine *Engine
	key    area.PairingKey

	// configs is shared with the refresher
	configs map[area.ServiceID]*oauth2.Config
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	tokens := &tokenServer{}
	tokens.respond(http.StatusOK, `{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`)
	srv := httptest.NewServer(tokens)
	t.Cleanup(srv.Close)

	h := &harness{
		ctx:    context.Background(),
		store:  storage.NewMemoryStorage(),
		source: newFakeAdapter(sourceService),
		mail:   newFakeAdapter(mailService),
		chat:   newFakeAdapter(chatService),
		tokens: tokens,
		key:    area.PairingKey{UserID: "u1", ServiceID: sourceService, TriggerID: "new_item"},
	}

	configs := make(map[area.ServiceID]*oauth2.Config)
	for _, s := range []area.ServiceID{sourceService, mailService, chatService} {
		configs[s] = &oauth2.Config{
			ClientID: "client-" + string(s),
			Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
		}
	}

	if opts.CallTimeout == 0 {
		opts.CallTimeout = 2 * time.Second
	}
	h.configs = configs
	registry := provider.NewRegistry(h.source, h.mail, h.chat)
	h.engine = New(h.store, registry, refresh.New(h.store, configs), opts)
	return h
}

func (h *harness) connect(t *testing.T, service area.ServiceID, access string) {
	t.Helper()
	require.NoError(t, h.store.PutCredential(h.ctx, "u1", service, area.TokenSet{AccessToken: access, RefreshToken: "refresh-" + string(service)}))
}

func (h *harness) rule(t *testing.T, id string, trigger area.TriggerID, bindings ...area.ReactionBinding) {
	t.Helper()
	require.NoError(t, h.store.PutRule(h.ctx, area.Rule{
		ID:               id,
		UserID:           "u1",
		TriggerServiceID: sourceService,
		TriggerID:        trigger,
		Reactions:        bindings,
	}))
}

func notify(service area.ServiceID, text string) area.ReactionBinding {
	return area.ReactionBinding{ReactionID: "notify", ServiceID: service, Params: map[string]string{"text": text}}
}

func (h *harness) setCursor(t *testing.T, key area.PairingKey, e area.RawEvent) {
	t.Helper()
	moved, err := h.store.AdvanceMarker(h.ctx, key, e.Key())
	require.NoError(t, err)
	require.True(t, moved)
}

func (h *harness) cursor(t *testing.T, key area.PairingKey) area.Marker {
	t.Helper()
	m, err := h.store.LastMarker(h.ctx, key)
	require.NoError(t, err)
	return m
}

func (h *harness) run(key area.PairingKey) CycleReport {
	return h.engine.Detector.RunCycle(h.ctx, key)
}
