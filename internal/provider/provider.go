// Package provider adapts external service APIs to trigger polling and reaction calls.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/dgellow/area/internal/area"
)

// Adapter is the capability set of one external service.
// Adapters never retry; classification of failures follows area.ClassifyStatus.
type Adapter interface {
	Service() area.Service
	Triggers() []area.Trigger
	Reactions() []area.Reaction

	// FetchCandidates returns recent events for trigger, sorted ascending by ordering key.
	// Membership triggers return the current listing instead, oldest addition first.
	// since is a hint; callers filter against the cursor themselves.
	FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, since area.Marker) ([]area.RawEvent, error)

	// InvokeReaction performs reaction with already rendered params
	InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, event area.DetectedEvent) (area.ReactionResult, error)
}

// Options configures an adapter's transport
type Options struct {
	BaseURL    string       // overrides the service's public API root
	UserAgent  string       // required by some providers
	HTTPClient *http.Client // nil means http.DefaultClient; deadlines come from the context
}

func (o Options) baseURL(def string) string {
	if o.BaseURL != "" {
		return o.BaseURL
	}
	return def
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

// Registry is the dispatch table of adapters keyed by service id
type Registry struct {
	mu       sync.RWMutex
	adapters map[area.ServiceID]Adapter
}

// NewRegistry creates a registry holding adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[area.ServiceID]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter of its service
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Service().ID] = a
}

// Get returns the adapter of service
func (r *Registry) Get(service area.ServiceID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[service]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", service, area.ErrUnsupported)
	}
	return a, nil
}

// Services lists registered services ordered by id
func (r *Registry) Services() []area.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	services := make([]area.Service, 0, len(r.adapters))
	for _, a := range r.adapters {
		services = append(services, a.Service())
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services
}

// Trigger looks up a trigger of service
func (r *Registry) Trigger(service area.ServiceID, id area.TriggerID) (area.Trigger, error) {
	a, err := r.Get(service)
	if err != nil {
		return area.Trigger{}, err
	}
	for _, t := range a.Triggers() {
		if t.ID == id {
			if t.FirstPoll == "" {
				t.FirstPoll = area.FirstPollLatest
			}
			return t, nil
		}
	}
	return area.Trigger{}, fmt.Errorf("trigger %s/%s: %w", service, id, area.ErrUnsupported)
}

// Reaction looks up a reaction of service
func (r *Registry) Reaction(service area.ServiceID, id area.ReactionID) (area.Reaction, error) {
	a, err := r.Get(service)
	if err != nil {
		return area.Reaction{}, err
	}
	for _, re := range a.Reactions() {
		if re.ID == id {
			return re, nil
		}
	}
	return area.Reaction{}, fmt.Errorf("reaction %s/%s: %w", service, id, area.ErrUnsupported)
}

func unsupportedTrigger(service area.ServiceID, trigger area.TriggerID) error {
	return fmt.Errorf("trigger %s/%s: %w", service, trigger, area.ErrUnsupported)
}

func unsupportedReaction(service area.ServiceID, reaction area.ReactionID) error {
	return fmt.Errorf("reaction %s/%s: %w", service, reaction, area.ErrUnsupported)
}

// invalid reports a provider payload that lacks required fields
func invalid(service area.ServiceID, op, format string, args ...any) error {
	return &area.ProviderError{Service: service, Op: op, Kind: area.ErrInvalidResponse, Err: fmt.Errorf(format, args...)}
}
