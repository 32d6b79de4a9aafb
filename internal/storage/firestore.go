package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/crypto"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStorage implements Storage using Google Cloud Firestore.
// Document ids are keyed HMACs of the logical key so user ids never appear in paths.
type FirestoreStorage struct {
	client    *firestore.Client
	prefix    string
	encryptor crypto.Encryptor
	idKey     []byte
	now       func() time.Time
}

var _ Storage = (*FirestoreStorage)(nil)

// CredentialDoc represents a credential document in Firestore
type CredentialDoc struct {
	UserID       string    `firestore:"user_id"`
	ServiceID    string    `firestore:"service_id"`
	AccessToken  string    `firestore:"access_token"`  // Encrypted
	RefreshToken string    `firestore:"refresh_token"` // Encrypted
	Expiry       time.Time `firestore:"expiry"`
	Connected    bool      `firestore:"connected"`
	UpdatedAt    time.Time `firestore:"updated_at"`
}

// CursorDoc represents a cursor document in Firestore
type CursorDoc struct {
	UserID    string    `firestore:"user_id"`
	ServiceID string    `firestore:"service_id"`
	TriggerID string    `firestore:"trigger_id"`
	Marker    string    `firestore:"marker"`
	Seen      []string  `firestore:"seen,omitempty"` // membership snapshot
	Snapshot  bool      `firestore:"snapshot,omitempty"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// RuleDoc represents a rule document in Firestore
type RuleDoc struct {
	UserID     string    `firestore:"user_id"`
	RuleID     string    `firestore:"rule_id"`
	Definition string    `firestore:"definition"` // JSON encoded area.Rule
	UpdatedAt  time.Time `firestore:"updated_at"`
}

// OutcomeDoc represents an outcome document in Firestore
type OutcomeDoc struct {
	ID              string    `firestore:"id"`
	UserID          string    `firestore:"user_id"`
	RuleID          string    `firestore:"rule_id"`
	TriggerID       string    `firestore:"trigger_id"`
	EventID         string    `firestore:"event_id"`
	ReactionID      string    `firestore:"reaction_id"`
	TargetServiceID string    `firestore:"target_service_id"`
	Status          string    `firestore:"status"`
	Reason          string    `firestore:"reason"`
	Timestamp       time.Time `firestore:"timestamp"`
}

// NewFirestoreStorage creates a new Firestore storage instance. Collections are named
// <prefix>_credentials, <prefix>_cursors, <prefix>_rules and <prefix>_outcomes.
func NewFirestoreStorage(ctx context.Context, projectID, database, prefix string, encryptor crypto.Encryptor, idKey []byte) (*FirestoreStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if len(idKey) == 0 {
		return nil, fmt.Errorf("document id key is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	internal.LogInfoWithFields("storage", "Firestore storage ready", map[string]any{
		"project":  projectID,
		"database": database,
		"prefix":   prefix,
	})

	return &FirestoreStorage{
		client:    client,
		prefix:    prefix,
		encryptor: encryptor,
		idKey:     idKey,
		now:       time.Now,
	}, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}

func (s *FirestoreStorage) collection(name string) *firestore.CollectionRef {
	return s.client.Collection(s.prefix + "_" + name)
}

func (s *FirestoreStorage) credentialRef(userID string, service area.ServiceID) *firestore.DocumentRef {
	return s.collection("credentials").Doc(crypto.DocumentID(s.idKey, userID, string(service)))
}

func (s *FirestoreStorage) cursorRef(key area.PairingKey) *firestore.DocumentRef {
	return s.collection("cursors").Doc(crypto.DocumentID(s.idKey, key.UserID, string(key.ServiceID), string(key.TriggerID)))
}

func (s *FirestoreStorage) ruleRef(userID, ruleID string) *firestore.DocumentRef {
	return s.collection("rules").Doc(crypto.DocumentID(s.idKey, userID, ruleID))
}

// GetCredential retrieves a user's credential for a specific service
func (s *FirestoreStorage) GetCredential(ctx context.Context, userID string, service area.ServiceID) (area.Credential, error) {
	doc, err := s.credentialRef(userID, service).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return area.Credential{}, area.ErrNotConnected
		}
		return area.Credential{}, fmt.Errorf("failed to get credential from Firestore: %w", err)
	}

	var credDoc CredentialDoc
	if err := doc.DataTo(&credDoc); err != nil {
		return area.Credential{}, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return credentialFromDoc(s.encryptor, credDoc)
}

// newCredentialDoc seals tokens into the document written by PutCredential
func newCredentialDoc(enc crypto.Encryptor, userID string, service area.ServiceID, tokens area.TokenSet, now time.Time) (CredentialDoc, error) {
	access, refresh, err := sealTokens(enc, tokens)
	if err != nil {
		return CredentialDoc{}, err
	}
	return CredentialDoc{
		UserID:       userID,
		ServiceID:    string(service),
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       tokens.Expiry,
		Connected:    true,
		UpdatedAt:    now,
	}, nil
}

func credentialFromDoc(enc crypto.Encryptor, d CredentialDoc) (area.Credential, error) {
	access, refresh, err := openTokens(enc, d.AccessToken, d.RefreshToken)
	if err != nil {
		return area.Credential{}, err
	}
	return area.Credential{
		UserID:       d.UserID,
		ServiceID:    area.ServiceID(d.ServiceID),
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       d.Expiry,
		Connected:    d.Connected,
		UpdatedAt:    d.UpdatedAt,
	}, nil
}

// PutCredential stores or replaces a user's credential with a single Set
func (s *FirestoreStorage) PutCredential(ctx context.Context, userID string, service area.ServiceID, tokens area.TokenSet) error {
	if err := validateTokens(userID, service, tokens); err != nil {
		return err
	}
	credDoc, err := newCredentialDoc(s.encryptor, userID, service, tokens, s.now())
	if err != nil {
		return err
	}

	_, err = s.credentialRef(userID, service).Set(ctx, credDoc)
	if err != nil {
		return fmt.Errorf("failed to store credential in Firestore: %w", err)
	}
	return nil
}

// MarkDisconnected flags the credential as requiring re-authorization
func (s *FirestoreStorage) MarkDisconnected(ctx context.Context, userID string, service area.ServiceID) error {
	_, err := s.credentialRef(userID, service).Update(ctx, []firestore.Update{
		{Path: "connected", Value: false},
		{Path: "updated_at", Value: s.now()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return area.ErrNotConnected
		}
		return fmt.Errorf("failed to mark credential disconnected: %w", err)
	}
	return nil
}

// DeleteCredential removes a user's credential for a specific service
func (s *FirestoreStorage) DeleteCredential(ctx context.Context, userID string, service area.ServiceID) error {
	if _, err := s.credentialRef(userID, service).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete credential from Firestore: %w", err)
	}
	return nil
}

// ListCredentialServices returns all services for which a user has a credential
func (s *FirestoreStorage) ListCredentialServices(ctx context.Context, userID string) ([]area.ServiceID, error) {
	iter := s.collection("credentials").Where("user_id", "==", userID).Documents(ctx)
	defer iter.Stop()

	var services []area.ServiceID
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate credentials: %w", err)
		}

		var credDoc CredentialDoc
		if err := doc.DataTo(&credDoc); err != nil {
			internal.LogError("Failed to unmarshal credential: %v", err)
			continue
		}
		services = append(services, area.ServiceID(credDoc.ServiceID))
	}
	sort.Slice(services, func(i, j int) bool { return services[i] < services[j] })
	return services, nil
}

// LastMarker returns the stored marker of a pairing
func (s *FirestoreStorage) LastMarker(ctx context.Context, key area.PairingKey) (area.Marker, error) {
	cursorDoc, err := s.getCursor(ctx, key)
	if err != nil || cursorDoc == nil {
		return area.NoMarker, err
	}
	return area.ParseMarker(cursorDoc.Marker)
}

// SeenIDs returns the id set recorded with the pairing's last snapshot
func (s *FirestoreStorage) SeenIDs(ctx context.Context, key area.PairingKey) ([]string, error) {
	cursorDoc, err := s.getCursor(ctx, key)
	if err != nil || cursorDoc == nil || !cursorDoc.Snapshot {
		return nil, err
	}
	if cursorDoc.Seen == nil {
		return []string{}, nil
	}
	return cursorDoc.Seen, nil
}

func (s *FirestoreStorage) getCursor(ctx context.Context, key area.PairingKey) (*CursorDoc, error) {
	doc, err := s.cursorRef(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cursor from Firestore: %w", err)
	}
	var cursorDoc CursorDoc
	if err := doc.DataTo(&cursorDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cursor: %w", err)
	}
	return &cursorDoc, nil
}

// AdvanceMarker compares and sets inside a transaction so concurrent writers never move the cursor back
func (s *FirestoreStorage) AdvanceMarker(ctx context.Context, key area.PairingKey, marker area.Marker) (bool, error) {
	return s.advance(ctx, key, marker, nil, false)
}

// AdvanceSnapshot moves the cursor and replaces the id set in the same document write
func (s *FirestoreStorage) AdvanceSnapshot(ctx context.Context, key area.PairingKey, marker area.Marker, seen []string) (bool, error) {
	return s.advance(ctx, key, marker, seen, true)
}

func (s *FirestoreStorage) advance(ctx context.Context, key area.PairingKey, marker area.Marker, seen []string, replaceSeen bool) (bool, error) {
	if marker == area.NoMarker {
		return false, nil
	}
	ref := s.cursorRef(key)
	advanced := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		advanced = false
		var current *CursorDoc
		doc, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			current = &CursorDoc{}
			if err := doc.DataTo(current); err != nil {
				return err
			}
		}

		next, ok := nextCursorDoc(key, current, marker, seen, replaceSeen, s.now())
		if !ok {
			return nil
		}
		advanced = true
		return tx.Set(ref, next)
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor %s: %w", key, err)
	}
	return advanced, nil
}

// nextCursorDoc decides the document replacing current. It reports false when
// marker is not strictly after the stored one. Without replaceSeen the stored
// id set is carried over.
func nextCursorDoc(key area.PairingKey, current *CursorDoc, marker area.Marker, seen []string, replaceSeen bool, now time.Time) (CursorDoc, bool) {
	stored := area.NoMarker
	if current != nil {
		stored = area.Marker(current.Marker)
	}
	if !marker.After(stored) {
		return CursorDoc{}, false
	}
	snapshot := replaceSeen
	if !replaceSeen && current != nil {
		seen, snapshot = current.Seen, current.Snapshot
	}
	return CursorDoc{
		UserID:    key.UserID,
		ServiceID: string(key.ServiceID),
		TriggerID: string(key.TriggerID),
		Marker:    string(marker),
		Seen:      seen,
		Snapshot:  snapshot,
		UpdatedAt: now,
	}, true
}

// ListUsers returns every user with at least one rule
func (s *FirestoreStorage) ListUsers(ctx context.Context) ([]string, error) {
	iter := s.collection("rules").Select("user_id").Documents(ctx)
	defer iter.Stop()

	seen := map[string]bool{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate rules: %w", err)
		}
		if user, ok := doc.Data()["user_id"].(string); ok {
			seen[user] = true
		}
	}

	users := make([]string, 0, len(seen))
	for user := range seen {
		users = append(users, user)
	}
	sort.Strings(users)
	return users, nil
}

// ListRules returns the user's rules ordered by id
func (s *FirestoreStorage) ListRules(ctx context.Context, userID string) ([]area.Rule, error) {
	iter := s.collection("rules").Where("user_id", "==", userID).Documents(ctx)
	defer iter.Stop()

	var rules []area.Rule
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate rules: %w", err)
		}

		var ruleDoc RuleDoc
		if err := doc.DataTo(&ruleDoc); err != nil {
			internal.LogError("Failed to unmarshal rule: %v", err)
			continue
		}
		rule, err := decodeRule([]byte(ruleDoc.Definition))
		if err != nil {
			internal.LogError("Failed to decode rule %s: %v", ruleDoc.RuleID, err)
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// PutRule creates or replaces a rule
func (s *FirestoreStorage) PutRule(ctx context.Context, rule area.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	def, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = s.ruleRef(rule.UserID, rule.ID).Set(ctx, RuleDoc{
		UserID:     rule.UserID,
		RuleID:     rule.ID,
		Definition: def,
		UpdatedAt:  s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to store rule in Firestore: %w", err)
	}
	return nil
}

// DeleteRule removes a rule
func (s *FirestoreStorage) DeleteRule(ctx context.Context, userID, ruleID string) error {
	ref := s.ruleRef(userID, ruleID)
	if _, err := ref.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrRuleNotFound
		}
		return fmt.Errorf("failed to get rule from Firestore: %w", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete rule from Firestore: %w", err)
	}
	return nil
}

// RecordOutcome appends an outcome
func (s *FirestoreStorage) RecordOutcome(ctx context.Context, o area.Outcome) error {
	_, err := s.collection("outcomes").Doc(o.ID).Set(ctx, newOutcomeDoc(o))
	if err != nil {
		return fmt.Errorf("failed to store outcome in Firestore: %w", err)
	}
	return nil
}

// ListOutcomes returns the newest outcomes of a user first
func (s *FirestoreStorage) ListOutcomes(ctx context.Context, userID string, limit int) ([]area.Outcome, error) {
	iter := s.collection("outcomes").
		Where("user_id", "==", userID).
		OrderBy("timestamp", firestore.Desc).
		Limit(normalizeLimit(limit)).
		Documents(ctx)
	defer iter.Stop()

	outcomes := []area.Outcome{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate outcomes: %w", err)
		}
		var d OutcomeDoc
		if err := doc.DataTo(&d); err != nil {
			internal.LogError("Failed to unmarshal outcome: %v", err)
			continue
		}
		outcomes = append(outcomes, d.outcome())
	}
	return outcomes, nil
}

func newOutcomeDoc(o area.Outcome) OutcomeDoc {
	return OutcomeDoc{
		ID:              o.ID,
		UserID:          o.UserID,
		RuleID:          o.RuleID,
		TriggerID:       string(o.TriggerID),
		EventID:         o.EventID,
		ReactionID:      string(o.ReactionID),
		TargetServiceID: string(o.TargetServiceID),
		Status:          string(o.Status),
		Reason:          o.Reason,
		Timestamp:       o.Timestamp,
	}
}

func (d OutcomeDoc) outcome() area.Outcome {
	return area.Outcome{
		ID:              d.ID,
		UserID:          d.UserID,
		RuleID:          d.RuleID,
		TriggerID:       area.TriggerID(d.TriggerID),
		EventID:         d.EventID,
		ReactionID:      area.ReactionID(d.ReactionID),
		TargetServiceID: area.ServiceID(d.TargetServiceID),
		Status:          area.OutcomeStatus(d.Status),
		Reason:          d.Reason,
		Timestamp:       d.Timestamp,
	}
}
