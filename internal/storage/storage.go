// Package storage persists credentials, cursors, rules and outcomes.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/area/internal/area"
)

// ErrRuleNotFound is returned when a rule doesn't exist
var ErrRuleNotFound = errors.New("rule not found")

// CredentialStore holds the OAuth token pair of each (user, service).
// GetCredential returns area.ErrNotConnected when nothing is on file.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string, service area.ServiceID) (area.Credential, error)
	// PutCredential atomically overwrites the tokens and marks the credential connected
	PutCredential(ctx context.Context, userID string, service area.ServiceID, tokens area.TokenSet) error
	MarkDisconnected(ctx context.Context, userID string, service area.ServiceID) error
	DeleteCredential(ctx context.Context, userID string, service area.ServiceID) error
	ListCredentialServices(ctx context.Context, userID string) ([]area.ServiceID, error)
}

// CursorStore holds the last processed marker of each pairing
type CursorStore interface {
	// LastMarker returns area.NoMarker when the pairing was never advanced
	LastMarker(ctx context.Context, key area.PairingKey) (area.Marker, error)
	// AdvanceMarker stores marker only if it is strictly after the stored one.
	// It reports whether the cursor moved.
	AdvanceMarker(ctx context.Context, key area.PairingKey, marker area.Marker) (bool, error)
	// SeenIDs returns the id set stored by the last AdvanceSnapshot of key, nil when none
	SeenIDs(ctx context.Context, key area.PairingKey) ([]string, error)
	// AdvanceSnapshot moves the cursor under the AdvanceMarker rule and, when it moved,
	// replaces the stored id set in the same write.
	AdvanceSnapshot(ctx context.Context, key area.PairingKey, marker area.Marker, seen []string) (bool, error)
}

// RuleStore enumerates users and their configured rules
type RuleStore interface {
	ListUsers(ctx context.Context) ([]string, error)
	ListRules(ctx context.Context, userID string) ([]area.Rule, error)
	PutRule(ctx context.Context, rule area.Rule) error
	DeleteRule(ctx context.Context, userID, ruleID string) error
}

// OutcomeStore records dispatch outcomes
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, outcome area.Outcome) error
	// ListOutcomes returns the newest outcomes of a user first
	ListOutcomes(ctx context.Context, userID string, limit int) ([]area.Outcome, error)
}

// Storage combines all storage capabilities needed by the engine
type Storage interface {
	CredentialStore
	CursorStore
	RuleStore
	OutcomeStore
	Close() error
}

// DefaultOutcomeLimit caps ListOutcomes when no limit is given
const DefaultOutcomeLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultOutcomeLimit
	}
	return limit
}

func validateTokens(userID string, service area.ServiceID, tokens area.TokenSet) error {
	if userID == "" || service == "" {
		return fmt.Errorf("credential requires a user and a service")
	}
	return area.Credential{UserID: userID, ServiceID: service, AccessToken: tokens.AccessToken, Connected: true}.Validate()
}

func validateRule(rule area.Rule) error {
	if rule.ID == "" || rule.UserID == "" {
		return fmt.Errorf("rule requires an id and a user")
	}
	if rule.TriggerServiceID == "" || rule.TriggerID == "" {
		return fmt.Errorf("rule %s requires a trigger service and a trigger", rule.ID)
	}
	return nil
}
