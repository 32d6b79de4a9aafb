package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/area/internal/area"
)

// MemoryStorage keeps everything in process memory. Used in development and tests.
type MemoryStorage struct {
	credentialsMutex sync.RWMutex
	credentials      map[string]area.Credential

	cursorsMutex sync.Mutex
	cursors      map[area.PairingKey]area.Marker
	snapshots    map[area.PairingKey][]string

	rulesMutex sync.RWMutex
	rules      map[string][]area.Rule // user id -> rules sorted by id

	outcomesMutex sync.RWMutex
	outcomes      map[string][]area.Outcome // user id -> append order

	now func() time.Time
}

// Ensure MemoryStorage implements Storage interface
var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		credentials: make(map[string]area.Credential),
		cursors:     make(map[area.PairingKey]area.Marker),
		snapshots:   make(map[area.PairingKey][]string),
		rules:       make(map[string][]area.Rule),
		outcomes:    make(map[string][]area.Outcome),
		now:         time.Now,
	}
}

// makeCredentialKey creates a key for the credential map
func (s *MemoryStorage) makeCredentialKey(userID string, service area.ServiceID) string {
	return userID + ":" + string(service)
}

// GetCredential retrieves a user's credential for a specific service
func (s *MemoryStorage) GetCredential(_ context.Context, userID string, service area.ServiceID) (area.Credential, error) {
	s.credentialsMutex.RLock()
	defer s.credentialsMutex.RUnlock()

	cred, exists := s.credentials[s.makeCredentialKey(userID, service)]
	if !exists {
		return area.Credential{}, area.ErrNotConnected
	}
	return cred, nil
}

// PutCredential stores or replaces a user's credential for a specific service
func (s *MemoryStorage) PutCredential(_ context.Context, userID string, service area.ServiceID, tokens area.TokenSet) error {
	if err := validateTokens(userID, service, tokens); err != nil {
		return err
	}

	s.credentialsMutex.Lock()
	defer s.credentialsMutex.Unlock()

	s.credentials[s.makeCredentialKey(userID, service)] = area.Credential{
		UserID:       userID,
		ServiceID:    service,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry,
		Connected:    true,
		UpdatedAt:    s.now(),
	}
	return nil
}

// MarkDisconnected flags the credential as requiring re-authorization
func (s *MemoryStorage) MarkDisconnected(_ context.Context, userID string, service area.ServiceID) error {
	s.credentialsMutex.Lock()
	defer s.credentialsMutex.Unlock()

	key := s.makeCredentialKey(userID, service)
	cred, exists := s.credentials[key]
	if !exists {
		return area.ErrNotConnected
	}
	cred.Connected = false
	cred.UpdatedAt = s.now()
	s.credentials[key] = cred
	return nil
}

// DeleteCredential removes a user's credential for a specific service
func (s *MemoryStorage) DeleteCredential(_ context.Context, userID string, service area.ServiceID) error {
	s.credentialsMutex.Lock()
	defer s.credentialsMutex.Unlock()

	delete(s.credentials, s.makeCredentialKey(userID, service))
	return nil
}

// ListCredentialServices returns all services for which a user has a credential
func (s *MemoryStorage) ListCredentialServices(_ context.Context, userID string) ([]area.ServiceID, error) {
	s.credentialsMutex.RLock()
	defer s.credentialsMutex.RUnlock()

	var services []area.ServiceID
	prefix := userID + ":"
	for key := range s.credentials {
		if strings.HasPrefix(key, prefix) {
			services = append(services, area.ServiceID(strings.TrimPrefix(key, prefix)))
		}
	}
	slices.Sort(services)
	return services, nil
}

// LastMarker returns the stored marker of a pairing
func (s *MemoryStorage) LastMarker(_ context.Context, key area.PairingKey) (area.Marker, error) {
	s.cursorsMutex.Lock()
	defer s.cursorsMutex.Unlock()

	return s.cursors[key], nil
}

// AdvanceMarker moves the cursor forward, never backward
func (s *MemoryStorage) AdvanceMarker(_ context.Context, key area.PairingKey, marker area.Marker) (bool, error) {
	s.cursorsMutex.Lock()
	defer s.cursorsMutex.Unlock()

	if !marker.After(s.cursors[key]) {
		return false, nil
	}
	s.cursors[key] = marker
	return true, nil
}

// SeenIDs returns the id set recorded with the pairing's last snapshot
func (s *MemoryStorage) SeenIDs(_ context.Context, key area.PairingKey) ([]string, error) {
	s.cursorsMutex.Lock()
	defer s.cursorsMutex.Unlock()

	return slices.Clone(s.snapshots[key]), nil
}

// AdvanceSnapshot moves the cursor forward and swaps the id set along with it
func (s *MemoryStorage) AdvanceSnapshot(_ context.Context, key area.PairingKey, marker area.Marker, seen []string) (bool, error) {
	s.cursorsMutex.Lock()
	defer s.cursorsMutex.Unlock()

	if !marker.After(s.cursors[key]) {
		return false, nil
	}
	s.cursors[key] = marker
	s.snapshots[key] = slices.Clone(seen)
	return true, nil
}

// ListUsers returns every user with at least one rule
func (s *MemoryStorage) ListUsers(_ context.Context) ([]string, error) {
	s.rulesMutex.RLock()
	defer s.rulesMutex.RUnlock()

	users := make([]string, 0, len(s.rules))
	for user, rules := range s.rules {
		if len(rules) > 0 {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users, nil
}

// ListRules returns a copy of the user's rules ordered by id
func (s *MemoryStorage) ListRules(_ context.Context, userID string) ([]area.Rule, error) {
	s.rulesMutex.RLock()
	defer s.rulesMutex.RUnlock()

	rules := make([]area.Rule, len(s.rules[userID]))
	for i, r := range s.rules[userID] {
		rules[i] = cloneRule(r)
	}
	return rules, nil
}

// PutRule creates or replaces a rule
func (s *MemoryStorage) PutRule(_ context.Context, rule area.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	s.rulesMutex.Lock()
	defer s.rulesMutex.Unlock()

	rules := slices.DeleteFunc(s.rules[rule.UserID], func(r area.Rule) bool { return r.ID == rule.ID })
	rules = append(rules, cloneRule(rule))
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	s.rules[rule.UserID] = rules
	return nil
}

// DeleteRule removes a rule
func (s *MemoryStorage) DeleteRule(_ context.Context, userID, ruleID string) error {
	s.rulesMutex.Lock()
	defer s.rulesMutex.Unlock()

	before := len(s.rules[userID])
	rules := slices.DeleteFunc(s.rules[userID], func(r area.Rule) bool { return r.ID == ruleID })
	if len(rules) == before {
		return ErrRuleNotFound
	}
	s.rules[userID] = rules
	return nil
}

// RecordOutcome appends an outcome
func (s *MemoryStorage) RecordOutcome(_ context.Context, outcome area.Outcome) error {
	s.outcomesMutex.Lock()
	defer s.outcomesMutex.Unlock()

	s.outcomes[outcome.UserID] = append(s.outcomes[outcome.UserID], outcome)
	return nil
}

// ListOutcomes returns the newest outcomes of a user first
func (s *MemoryStorage) ListOutcomes(_ context.Context, userID string, limit int) ([]area.Outcome, error) {
	s.outcomesMutex.RLock()
	defer s.outcomesMutex.RUnlock()

	limit = normalizeLimit(limit)
	all := s.outcomes[userID]
	result := make([]area.Outcome, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

// Close is a no-op for memory storage
func (s *MemoryStorage) Close() error {
	return nil
}

func cloneRule(r area.Rule) area.Rule {
	out := r
	out.Reactions = make([]area.ReactionBinding, len(r.Reactions))
	for i, b := range r.Reactions {
		out.Reactions[i] = b
		if b.Params != nil {
			out.Reactions[i].Params = make(map[string]string, len(b.Params))
			for k, v := range b.Params {
				out.Reactions[i].Params[k] = v
			}
		}
	}
	return out
}
