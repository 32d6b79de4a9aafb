package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return enc
}

func TestFirestoreDocumentPaths(t *testing.T) {
	// the client dials lazily, no emulator has to be listening
	t.Setenv("FIRESTORE_EMULATOR_HOST", "localhost:8686")
	client, err := firestore.NewClient(context.Background(), "area-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	idKey := []byte("test-key-32-bytes-long-for-hmac!")
	s := &FirestoreStorage{client: client, prefix: "area", idKey: idKey}
	key := area.PairingKey{UserID: "alice@example.com", ServiceID: area.ServiceGitHub, TriggerID: "new_issue"}

	cursor := s.cursorRef(key)
	assert.Equal(t, "area_cursors", cursor.Parent.ID)
	assert.Equal(t, crypto.DocumentID(idKey, "alice@example.com", "github", "new_issue"), cursor.ID)
	assert.NotContains(t, cursor.Path, "alice")

	cred := s.credentialRef("alice@example.com", area.ServiceGitHub)
	assert.Equal(t, "area_credentials", cred.Parent.ID)
	assert.Equal(t, crypto.DocumentID(idKey, "alice@example.com", "github"), cred.ID)
	assert.NotEqual(t, cred.ID, cursor.ID)

	rule := s.ruleRef("alice@example.com", "r1")
	assert.True(t, strings.HasSuffix(rule.Parent.Path, "/area_rules"))
}

func TestFirestoreCredentialDoc(t *testing.T) {
	enc := testEncryptor(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	expiry := now.Add(time.Hour)

	doc, err := newCredentialDoc(enc, "alice", area.ServiceSpotify, area.TokenSet{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       expiry,
	}, now)
	require.NoError(t, err)
	assert.NotEqual(t, "access-1", doc.AccessToken)
	assert.NotEqual(t, "refresh-1", doc.RefreshToken)
	assert.True(t, doc.Connected)
	assert.Equal(t, now, doc.UpdatedAt)

	cred, err := credentialFromDoc(enc, doc)
	require.NoError(t, err)
	assert.Equal(t, area.Credential{
		UserID:       "alice",
		ServiceID:    area.ServiceSpotify,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       expiry,
		Connected:    true,
		UpdatedAt:    now,
	}, cred)

	// an absent refresh token stays absent
	doc, err = newCredentialDoc(enc, "alice", area.ServiceGitHub, area.TokenSet{AccessToken: "a"}, now)
	require.NoError(t, err)
	assert.Empty(t, doc.RefreshToken)

	doc.AccessToken = "not-ciphertext"
	_, err = credentialFromDoc(enc, doc)
	assert.Error(t, err)
}

func TestNextCursorDoc(t *testing.T) {
	key := area.PairingKey{UserID: "alice", ServiceID: area.ServiceDiscord, TriggerID: "new_guild"}
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now := base.Add(time.Hour)
	m1 := area.NewMarker(base, "g1")
	m2 := area.NewMarker(base.Add(time.Second), "g2")
	stored := &CursorDoc{Marker: string(m1), Seen: []string{"g1"}, Snapshot: true}

	tests := []struct {
		name        string
		current     *CursorDoc
		marker      area.Marker
		seen        []string
		replaceSeen bool
		wantOK      bool
		wantSeen    []string
	}{
		{name: "first advance", current: nil, marker: m1, wantOK: true},
		{name: "first snapshot", current: nil, marker: m1, seen: []string{"g1"}, replaceSeen: true, wantOK: true, wantSeen: []string{"g1"}},
		{name: "equal marker", current: stored, marker: m1, wantOK: false},
		{name: "older marker", current: stored, marker: area.NewMarker(base.Add(-time.Second), "g9"), seen: []string{"g9"}, replaceSeen: true, wantOK: false},
		{name: "advance keeps seen", current: stored, marker: m2, wantOK: true, wantSeen: []string{"g1"}},
		{name: "snapshot replaces seen", current: stored, marker: m2, seen: []string{"g1", "g2"}, replaceSeen: true, wantOK: true, wantSeen: []string{"g1", "g2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, ok := nextCursorDoc(key, tt.current, tt.marker, tt.seen, tt.replaceSeen, now)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, string(tt.marker), doc.Marker)
			assert.Equal(t, tt.wantSeen, doc.Seen)
			assert.Equal(t, tt.wantSeen != nil, doc.Snapshot)
			assert.Equal(t, "alice", doc.UserID)
			assert.Equal(t, "new_guild", doc.TriggerID)
			assert.Equal(t, now, doc.UpdatedAt)
		})
	}
}
