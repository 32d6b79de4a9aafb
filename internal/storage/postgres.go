package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage is the PostgreSQL-backed store
type PostgresStorage struct {
	pool      *pgxpool.Pool
	encryptor crypto.Encryptor
	now       func() time.Time
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage connects to dsn and ensures the tables exist
func NewPostgresStorage(ctx context.Context, dsn string, encryptor crypto.Encryptor) (*PostgresStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := NewPostgresStorageWithPool(pool, encryptor)
	if err := s.EnsureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	internal.LogInfoWithFields("storage", "Postgres storage ready", nil)
	return s, nil
}

// NewPostgresStorageWithPool wraps an existing pool. The caller owns the schema.
func NewPostgresStorageWithPool(pool *pgxpool.Pool, encryptor crypto.Encryptor) *PostgresStorage {
	return &PostgresStorage{pool: pool, encryptor: encryptor, now: time.Now}
}

// EnsureTables creates the tables if they don't exist
func (s *PostgresStorage) EnsureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id       TEXT NOT NULL,
			service_id    TEXT NOT NULL,
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			expiry        TIMESTAMPTZ,
			connected     BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, service_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			user_id    TEXT NOT NULL,
			service_id TEXT NOT NULL,
			trigger_id TEXT NOT NULL,
			marker     TEXT COLLATE "C" NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, service_id, trigger_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cursor_snapshots (
			user_id    TEXT NOT NULL,
			service_id TEXT NOT NULL,
			trigger_id TEXT NOT NULL,
			seen       JSONB NOT NULL,
			PRIMARY KEY (user_id, service_id, trigger_id)
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			user_id    TEXT NOT NULL,
			rule_id    TEXT NOT NULL,
			definition JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, rule_id)
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id                TEXT PRIMARY KEY,
			seq               BIGSERIAL,
			user_id           TEXT NOT NULL,
			rule_id           TEXT NOT NULL,
			trigger_id        TEXT NOT NULL,
			event_id          TEXT NOT NULL,
			reaction_id       TEXT NOT NULL,
			target_service_id TEXT NOT NULL,
			status            TEXT NOT NULL,
			reason            TEXT NOT NULL DEFAULT '',
			ts                TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_user_ts ON outcomes(user_id, ts DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

// Close closes the pool
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GetCredential retrieves a user's credential for a specific service
func (s *PostgresStorage) GetCredential(ctx context.Context, userID string, service area.ServiceID) (area.Credential, error) {
	cred := area.Credential{UserID: userID, ServiceID: service}
	var access, refresh string
	var expiry *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, expiry, connected, updated_at
		FROM credentials WHERE user_id = $1 AND service_id = $2`, userID, string(service)).
		Scan(&access, &refresh, &expiry, &cred.Connected, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return area.Credential{}, area.ErrNotConnected
	}
	if err != nil {
		return area.Credential{}, fmt.Errorf("get credential %s/%s: %w", userID, service, err)
	}

	cred.AccessToken, cred.RefreshToken, err = openTokens(s.encryptor, access, refresh)
	if err != nil {
		return area.Credential{}, err
	}
	if expiry != nil {
		cred.Expiry = *expiry
	}
	return cred, nil
}

// PutCredential stores or replaces a user's credential for a specific service
func (s *PostgresStorage) PutCredential(ctx context.Context, userID string, service area.ServiceID, tokens area.TokenSet) error {
	if err := validateTokens(userID, service, tokens); err != nil {
		return err
	}
	access, refresh, err := sealTokens(s.encryptor, tokens)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO credentials (user_id, service_id, access_token, refresh_token, expiry, connected, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (user_id, service_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expiry = EXCLUDED.expiry,
			connected = TRUE,
			updated_at = EXCLUDED.updated_at`,
		userID, string(service), access, refresh, nullableTime(tokens.Expiry), s.now())
	if err != nil {
		return fmt.Errorf("put credential %s/%s: %w", userID, service, err)
	}
	return nil
}

// MarkDisconnected flags the credential as requiring re-authorization
func (s *PostgresStorage) MarkDisconnected(ctx context.Context, userID string, service area.ServiceID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials SET connected = FALSE, updated_at = $1
		WHERE user_id = $2 AND service_id = $3`, s.now(), userID, string(service))
	if err != nil {
		return fmt.Errorf("mark disconnected %s/%s: %w", userID, service, err)
	}
	if tag.RowsAffected() == 0 {
		return area.ErrNotConnected
	}
	return nil
}

// DeleteCredential removes a user's credential for a specific service
func (s *PostgresStorage) DeleteCredential(ctx context.Context, userID string, service area.ServiceID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE user_id = $1 AND service_id = $2`, userID, string(service))
	if err != nil {
		return fmt.Errorf("delete credential %s/%s: %w", userID, service, err)
	}
	return nil
}

// ListCredentialServices returns all services for which a user has a credential
func (s *PostgresStorage) ListCredentialServices(ctx context.Context, userID string) ([]area.ServiceID, error) {
	rows, err := s.pool.Query(ctx, `SELECT service_id FROM credentials WHERE user_id = $1 ORDER BY service_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credential services: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list credential services: %w", err)
	}
	services := make([]area.ServiceID, len(ids))
	for i, id := range ids {
		services[i] = area.ServiceID(id)
	}
	return services, nil
}

// LastMarker returns the stored marker of a pairing
func (s *PostgresStorage) LastMarker(ctx context.Context, key area.PairingKey) (area.Marker, error) {
	var marker string
	err := s.pool.QueryRow(ctx, `
		SELECT marker FROM cursors WHERE user_id = $1 AND service_id = $2 AND trigger_id = $3`,
		key.UserID, string(key.ServiceID), string(key.TriggerID)).Scan(&marker)
	if errors.Is(err, pgx.ErrNoRows) {
		return area.NoMarker, nil
	}
	if err != nil {
		return area.NoMarker, fmt.Errorf("get cursor %s: %w", key, err)
	}
	return area.ParseMarker(marker)
}

const postgresAdvanceCursor = `
	INSERT INTO cursors (user_id, service_id, trigger_id, marker, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (user_id, service_id, trigger_id) DO UPDATE SET
		marker = EXCLUDED.marker,
		updated_at = EXCLUDED.updated_at
	WHERE cursors.marker < EXCLUDED.marker`

// AdvanceMarker moves the cursor forward in a single upsert, never backward
func (s *PostgresStorage) AdvanceMarker(ctx context.Context, key area.PairingKey, marker area.Marker) (bool, error) {
	if marker == area.NoMarker {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, postgresAdvanceCursor,
		key.UserID, string(key.ServiceID), string(key.TriggerID), string(marker), s.now())
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SeenIDs returns the id set recorded with the pairing's last snapshot
func (s *PostgresStorage) SeenIDs(ctx context.Context, key area.PairingKey) ([]string, error) {
	var seen []byte
	err := s.pool.QueryRow(ctx, `
		SELECT seen FROM cursor_snapshots WHERE user_id = $1 AND service_id = $2 AND trigger_id = $3`,
		key.UserID, string(key.ServiceID), string(key.TriggerID)).Scan(&seen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	return decodeSeen(seen)
}

// AdvanceSnapshot moves the cursor and replaces the id set in one transaction
func (s *PostgresStorage) AdvanceSnapshot(ctx context.Context, key area.PairingKey, marker area.Marker, seen []string) (bool, error) {
	if marker == area.NoMarker {
		return false, nil
	}
	data, err := encodeSeen(seen)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin snapshot %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, postgresAdvanceCursor,
		key.UserID, string(key.ServiceID), string(key.TriggerID), string(marker), s.now())
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO cursor_snapshots (user_id, service_id, trigger_id, seen)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (user_id, service_id, trigger_id) DO UPDATE SET seen = EXCLUDED.seen`,
		key.UserID, string(key.ServiceID), string(key.TriggerID), data); err != nil {
		return false, fmt.Errorf("store snapshot %s: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit snapshot %s: %w", key, err)
	}
	return true, nil
}

// ListUsers returns every user with at least one rule
func (s *PostgresStorage) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM rules ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ListRules returns the user's rules ordered by id
func (s *PostgresStorage) ListRules(ctx context.Context, userID string) ([]area.Rule, error) {
	rows, err := s.pool.Query(ctx, `SELECT definition FROM rules WHERE user_id = $1 ORDER BY rule_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	rules := make([]area.Rule, 0, len(defs))
	for _, def := range defs {
		rule, err := decodeRule(def)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// PutRule creates or replaces a rule
func (s *PostgresStorage) PutRule(ctx context.Context, rule area.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	def, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rules (user_id, rule_id, definition, updated_at) VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (user_id, rule_id) DO UPDATE SET definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		rule.UserID, rule.ID, def, s.now())
	if err != nil {
		return fmt.Errorf("put rule %s: %w", rule.ID, err)
	}
	return nil
}

// DeleteRule removes a rule
func (s *PostgresStorage) DeleteRule(ctx context.Context, userID, ruleID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rules WHERE user_id = $1 AND rule_id = $2`, userID, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", ruleID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// RecordOutcome appends an outcome
func (s *PostgresStorage) RecordOutcome(ctx context.Context, o area.Outcome) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outcomes (id, user_id, rule_id, trigger_id, event_id, reaction_id, target_service_id, status, reason, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.UserID, o.RuleID, string(o.TriggerID), o.EventID, string(o.ReactionID), string(o.TargetServiceID),
		string(o.Status), o.Reason, o.Timestamp)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.ID, err)
	}
	return nil
}

// ListOutcomes returns the newest outcomes of a user first
func (s *PostgresStorage) ListOutcomes(ctx context.Context, userID string, limit int) ([]area.Outcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, rule_id, trigger_id, event_id, reaction_id, target_service_id, status, reason, ts
		FROM outcomes WHERE user_id = $1 ORDER BY ts DESC, seq DESC LIMIT $2`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []area.Outcome{}
	for rows.Next() {
		var o area.Outcome
		var trigger, reaction, target, status string
		if err := rows.Scan(&o.ID, &o.UserID, &o.RuleID, &trigger, &o.EventID, &reaction, &target, &status, &o.Reason, &o.Timestamp); err != nil {
			return nil, err
		}
		o.TriggerID = area.TriggerID(trigger)
		o.ReactionID = area.ReactionID(reaction)
		o.TargetServiceID = area.ServiceID(target)
		o.Status = area.OutcomeStatus(status)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
