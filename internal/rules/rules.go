// Package rules resolves users' trigger → reaction bindings and the service catalog.
package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/provider"
	"github.com/dgellow/area/internal/storage"
)

// Binding is one reaction to run for a detected event
type Binding struct {
	RuleID     string
	ReactionID area.ReactionID
	ServiceID  area.ServiceID
	Params     map[string]string
}

// Snapshot is a read-only view of one user's rules, taken once per cycle
type Snapshot struct {
	UserID string
	rules  []area.Rule
}

// RulesFor returns the bindings fired by trigger, in rule order then reaction order
func (s *Snapshot) RulesFor(service area.ServiceID, trigger area.TriggerID) []Binding {
	var bindings []Binding
	for _, rule := range s.rules {
		if rule.TriggerServiceID != service || rule.TriggerID != trigger {
			continue
		}
		for _, r := range rule.Reactions {
			bindings = append(bindings, Binding{
				RuleID:     rule.ID,
				ReactionID: r.ReactionID,
				ServiceID:  r.ServiceID,
				Params:     r.Params,
			})
		}
	}
	return bindings
}

// Rules returns the rules of the snapshot
func (s *Snapshot) Rules() []area.Rule {
	return s.rules
}

// Registry reads rules from storage and validates them against the adapter catalog
type Registry struct {
	store   storage.RuleStore
	catalog *provider.Registry
}

// NewRegistry creates a rule registry
func NewRegistry(store storage.RuleStore, catalog *provider.Registry) *Registry {
	return &Registry{store: store, catalog: catalog}
}

// Snapshot loads the current rules of userID
func (r *Registry) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	rules, err := r.store.ListRules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing rules of %s: %w", userID, err)
	}
	return &Snapshot{UserID: userID, rules: rules}, nil
}

// RulesFor is a one-shot Snapshot(...).RulesFor(...)
func (r *Registry) RulesFor(ctx context.Context, userID string, service area.ServiceID, trigger area.TriggerID) ([]Binding, error) {
	snap, err := r.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return snap.RulesFor(service, trigger), nil
}

// Pairings derives the distinct (user, service, trigger) units watched by all rules.
// Rules naming a trigger no adapter provides are logged and ignored.
func (r *Registry) Pairings(ctx context.Context) ([]area.PairingKey, error) {
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	seen := make(map[area.PairingKey]bool)
	var keys []area.PairingKey
	for _, user := range users {
		snap, err := r.Snapshot(ctx, user)
		if err != nil {
			return nil, err
		}
		for _, rule := range snap.rules {
			key := area.PairingKey{UserID: user, ServiceID: rule.TriggerServiceID, TriggerID: rule.TriggerID}
			if seen[key] {
				continue
			}
			if _, err := r.catalog.Trigger(key.ServiceID, key.TriggerID); err != nil {
				internal.LogWarnWithFields("rules", "Ignoring rule with unknown trigger", map[string]any{
					"user":    user,
					"rule":    rule.ID,
					"service": key.ServiceID,
					"trigger": key.TriggerID,
				})
				continue
			}
			seen[key] = true
			keys = append(keys, key)
		}
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// ListTriggersByService returns the triggers observable on service
func (r *Registry) ListTriggersByService(service area.ServiceID) ([]area.Trigger, error) {
	a, err := r.catalog.Get(service)
	if err != nil {
		return nil, err
	}
	return a.Triggers(), nil
}

// ListReactionsByService returns the reactions invocable on service
func (r *Registry) ListReactionsByService(service area.ServiceID) ([]area.Reaction, error) {
	a, err := r.catalog.Get(service)
	if err != nil {
		return nil, err
	}
	return a.Reactions(), nil
}

// ServiceCatalog is the catalog entry of one service
type ServiceCatalog struct {
	area.Service
	Triggers  []area.Trigger  `json:"triggers"`
	Reactions []area.Reaction `json:"reactions"`
}

// Catalog lists every registered service with its triggers and reactions
func (r *Registry) Catalog() []ServiceCatalog {
	services := r.catalog.Services()
	out := make([]ServiceCatalog, 0, len(services))
	for _, s := range services {
		a, err := r.catalog.Get(s.ID)
		if err != nil {
			continue
		}
		out = append(out, ServiceCatalog{Service: s, Triggers: a.Triggers(), Reactions: a.Reactions()})
	}
	return out
}

// Validate checks a rule against the catalog before it is stored
func (r *Registry) Validate(rule area.Rule) error {
	if _, err := r.catalog.Trigger(rule.TriggerServiceID, rule.TriggerID); err != nil {
		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	if len(rule.Reactions) == 0 {
		return fmt.Errorf("rule %s has no reactions", rule.ID)
	}
	for i, b := range rule.Reactions {
		reaction, err := r.catalog.Reaction(b.ServiceID, b.ReactionID)
		if err != nil {
			return fmt.Errorf("rule %s reaction %d: %w", rule.ID, i, err)
		}
		if err := provider.CheckParams(reaction, b.Params); err != nil {
			return fmt.Errorf("rule %s reaction %d: %w", rule.ID, i, err)
		}
	}
	return nil
}
