package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/crypto"
	_ "modernc.org/sqlite"
)

// SQLiteStorage is the single-node durable backend
type SQLiteStorage struct {
	db        *sql.DB
	encryptor crypto.Encryptor
	now       func() time.Time
}

var _ Storage = (*SQLiteStorage)(nil)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		user_id       TEXT NOT NULL,
		service_id    TEXT NOT NULL,
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expiry        INTEGER NOT NULL DEFAULT 0,
		connected     BOOLEAN NOT NULL DEFAULT 1,
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY (user_id, service_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cursors (
		user_id    TEXT NOT NULL,
		service_id TEXT NOT NULL,
		trigger_id TEXT NOT NULL,
		marker     TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, service_id, trigger_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cursor_snapshots (
		user_id    TEXT NOT NULL,
		service_id TEXT NOT NULL,
		trigger_id TEXT NOT NULL,
		seen       TEXT NOT NULL,
		PRIMARY KEY (user_id, service_id, trigger_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rules (
		user_id    TEXT NOT NULL,
		rule_id    TEXT NOT NULL,
		definition TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, rule_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		rule_id           TEXT NOT NULL,
		trigger_id        TEXT NOT NULL,
		event_id          TEXT NOT NULL,
		reaction_id       TEXT NOT NULL,
		target_service_id TEXT NOT NULL,
		status            TEXT NOT NULL,
		reason            TEXT NOT NULL DEFAULT '',
		ts                INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_user_ts ON outcomes(user_id, ts)`,
}

// NewSQLiteStorage opens (or creates) the database at path and applies the schema
func NewSQLiteStorage(path string, encryptor crypto.Encryptor) (*SQLiteStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	internal.LogInfoWithFields("storage", "SQLite storage ready", map[string]any{"path": path})
	return &SQLiteStorage{db: db, encryptor: encryptor, now: time.Now}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// GetCredential retrieves a user's credential for a specific service
func (s *SQLiteStorage) GetCredential(ctx context.Context, userID string, service area.ServiceID) (area.Credential, error) {
	var access, refresh string
	var expiry, updated int64
	var connected bool
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expiry, connected, updated_at
		FROM credentials WHERE user_id = ? AND service_id = ?`, userID, string(service)).
		Scan(&access, &refresh, &expiry, &connected, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return area.Credential{}, area.ErrNotConnected
	}
	if err != nil {
		return area.Credential{}, fmt.Errorf("get credential %s/%s: %w", userID, service, err)
	}

	access, refresh, err = openTokens(s.encryptor, access, refresh)
	if err != nil {
		return area.Credential{}, err
	}
	return area.Credential{
		UserID:       userID,
		ServiceID:    service,
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       fromNanos(expiry),
		Connected:    connected,
		UpdatedAt:    fromNanos(updated),
	}, nil
}

// PutCredential stores or replaces a user's credential for a specific service
func (s *SQLiteStorage) PutCredential(ctx context.Context, userID string, service area.ServiceID, tokens area.TokenSet) error {
	if err := validateTokens(userID, service, tokens); err != nil {
		return err
	}
	access, refresh, err := sealTokens(s.encryptor, tokens)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, service_id, access_token, refresh_token, expiry, connected, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (user_id, service_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			connected = 1,
			updated_at = excluded.updated_at`,
		userID, string(service), access, refresh, nanos(tokens.Expiry), nanos(s.now()))
	if err != nil {
		return fmt.Errorf("put credential %s/%s: %w", userID, service, err)
	}
	return nil
}

// MarkDisconnected flags the credential as requiring re-authorization
func (s *SQLiteStorage) MarkDisconnected(ctx context.Context, userID string, service area.ServiceID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET connected = 0, updated_at = ?
		WHERE user_id = ? AND service_id = ?`, nanos(s.now()), userID, string(service))
	if err != nil {
		return fmt.Errorf("mark disconnected %s/%s: %w", userID, service, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return area.ErrNotConnected
	}
	return nil
}

// DeleteCredential removes a user's credential for a specific service
func (s *SQLiteStorage) DeleteCredential(ctx context.Context, userID string, service area.ServiceID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ? AND service_id = ?`, userID, string(service))
	if err != nil {
		return fmt.Errorf("delete credential %s/%s: %w", userID, service, err)
	}
	return nil
}

// ListCredentialServices returns all services for which a user has a credential
func (s *SQLiteStorage) ListCredentialServices(ctx context.Context, userID string) ([]area.ServiceID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT service_id FROM credentials WHERE user_id = ? ORDER BY service_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credential services: %w", err)
	}
	defer rows.Close()

	var services []area.ServiceID
	for rows.Next() {
		var service string
		if err := rows.Scan(&service); err != nil {
			return nil, err
		}
		services = append(services, area.ServiceID(service))
	}
	return services, rows.Err()
}

// LastMarker returns the stored marker of a pairing
func (s *SQLiteStorage) LastMarker(ctx context.Context, key area.PairingKey) (area.Marker, error) {
	var marker string
	err := s.db.QueryRowContext(ctx, `
		SELECT marker FROM cursors WHERE user_id = ? AND service_id = ? AND trigger_id = ?`,
		key.UserID, string(key.ServiceID), string(key.TriggerID)).Scan(&marker)
	if errors.Is(err, sql.ErrNoRows) {
		return area.NoMarker, nil
	}
	if err != nil {
		return area.NoMarker, fmt.Errorf("get cursor %s: %w", key, err)
	}
	return area.ParseMarker(marker)
}

const sqliteAdvanceCursor = `
	INSERT INTO cursors (user_id, service_id, trigger_id, marker, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (user_id, service_id, trigger_id) DO UPDATE SET
		marker = excluded.marker,
		updated_at = excluded.updated_at
	WHERE cursors.marker < excluded.marker`

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStorage) advance(ctx context.Context, db sqlExecer, key area.PairingKey, marker area.Marker) (bool, error) {
	res, err := db.ExecContext(ctx, sqliteAdvanceCursor,
		key.UserID, string(key.ServiceID), string(key.TriggerID), string(marker), nanos(s.now()))
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AdvanceMarker moves the cursor forward in a single upsert, never backward
func (s *SQLiteStorage) AdvanceMarker(ctx context.Context, key area.PairingKey, marker area.Marker) (bool, error) {
	if marker == area.NoMarker {
		return false, nil
	}
	return s.advance(ctx, s.db, key, marker)
}

// SeenIDs returns the id set recorded with the pairing's last snapshot
func (s *SQLiteStorage) SeenIDs(ctx context.Context, key area.PairingKey) ([]string, error) {
	var seen string
	err := s.db.QueryRowContext(ctx, `
		SELECT seen FROM cursor_snapshots WHERE user_id = ? AND service_id = ? AND trigger_id = ?`,
		key.UserID, string(key.ServiceID), string(key.TriggerID)).Scan(&seen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	return decodeSeen([]byte(seen))
}

// AdvanceSnapshot moves the cursor and replaces the id set in one transaction
func (s *SQLiteStorage) AdvanceSnapshot(ctx context.Context, key area.PairingKey, marker area.Marker, seen []string) (bool, error) {
	if marker == area.NoMarker {
		return false, nil
	}
	data, err := encodeSeen(seen)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin snapshot %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	moved, err := s.advance(ctx, tx, key, marker)
	if err != nil || !moved {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cursor_snapshots (user_id, service_id, trigger_id, seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, service_id, trigger_id) DO UPDATE SET seen = excluded.seen`,
		key.UserID, string(key.ServiceID), string(key.TriggerID), data); err != nil {
		return false, fmt.Errorf("store snapshot %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit snapshot %s: %w", key, err)
	}
	return true, nil
}

// ListUsers returns every user with at least one rule
func (s *SQLiteStorage) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM rules ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ListRules returns the user's rules ordered by id
func (s *SQLiteStorage) ListRules(ctx context.Context, userID string) ([]area.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM rules WHERE user_id = ? ORDER BY rule_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []area.Rule
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		rule, err := decodeRule(def)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// PutRule creates or replaces a rule
func (s *SQLiteStorage) PutRule(ctx context.Context, rule area.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	def, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (user_id, rule_id, definition, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, rule_id) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		rule.UserID, rule.ID, def, nanos(s.now()))
	if err != nil {
		return fmt.Errorf("put rule %s: %w", rule.ID, err)
	}
	return nil
}

// DeleteRule removes a rule
func (s *SQLiteStorage) DeleteRule(ctx context.Context, userID, ruleID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE user_id = ? AND rule_id = ?`, userID, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", ruleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// RecordOutcome appends an outcome
func (s *SQLiteStorage) RecordOutcome(ctx context.Context, o area.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (id, user_id, rule_id, trigger_id, event_id, reaction_id, target_service_id, status, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.RuleID, string(o.TriggerID), o.EventID, string(o.ReactionID), string(o.TargetServiceID),
		string(o.Status), o.Reason, nanos(o.Timestamp))
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.ID, err)
	}
	return nil
}

// ListOutcomes returns the newest outcomes of a user first
func (s *SQLiteStorage) ListOutcomes(ctx context.Context, userID string, limit int) ([]area.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, rule_id, trigger_id, event_id, reaction_id, target_service_id, status, reason, ts
		FROM outcomes WHERE user_id = ? ORDER BY ts DESC, rowid DESC LIMIT ?`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []area.Outcome{}
	for rows.Next() {
		var o area.Outcome
		var trigger, reaction, target, status string
		var ts int64
		if err := rows.Scan(&o.ID, &o.UserID, &o.RuleID, &trigger, &o.EventID, &reaction, &target, &status, &o.Reason, &ts); err != nil {
			return nil, err
		}
		o.TriggerID = area.TriggerID(trigger)
		o.ReactionID = area.ReactionID(reaction)
		o.TargetServiceID = area.ServiceID(target)
		o.Status = area.OutcomeStatus(status)
		o.Timestamp = fromNanos(ts)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
