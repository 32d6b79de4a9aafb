// Package storagetest is a conformance suite every storage backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes the conformance suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"CredentialLifecycle", testCredentialLifecycle},
		{"CredentialInvariant", testCredentialInvariant},
		{"CredentialIsolation", testCredentialIsolation},
		{"CursorMonotonic", testCursorMonotonic},
		{"CursorConcurrentAdvance", testCursorConcurrentAdvance},
		{"CursorSnapshot", testCursorSnapshot},
		{"Rules", testRules},
		{"Outcomes", testOutcomes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func testCredentialLifecycle(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.GetCredential(ctx, "alice", area.ServiceGitHub)
	assert.ErrorIs(t, err, area.ErrNotConnected)

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	require.NoError(t, s.PutCredential(ctx, "alice", area.ServiceGitHub, area.TokenSet{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       expiry,
	}))

	cred, err := s.GetCredential(ctx, "alice", area.ServiceGitHub)
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.UserID)
	assert.Equal(t, area.ServiceGitHub, cred.ServiceID)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
	assert.True(t, cred.Connected)
	assert.WithinDuration(t, expiry, cred.Expiry, time.Millisecond)
	assert.False(t, cred.UpdatedAt.IsZero())

	// overwrite without refresh token and without expiry
	require.NoError(t, s.PutCredential(ctx, "alice", area.ServiceGitHub, area.TokenSet{AccessToken: "access-2"}))
	cred, err = s.GetCredential(ctx, "alice", area.ServiceGitHub)
	require.NoError(t, err)
	assert.Equal(t, "access-2", cred.AccessToken)
	assert.Empty(t, cred.RefreshToken)
	assert.True(t, cred.Expiry.IsZero())

	require.NoError(t, s.MarkDisconnected(ctx, "alice", area.ServiceGitHub))
	cred, err = s.GetCredential(ctx, "alice", area.ServiceGitHub)
	require.NoError(t, err)
	assert.False(t, cred.Connected)
	assert.Equal(t, "access-2", cred.AccessToken)

	// reconnecting flips it back
	require.NoError(t, s.PutCredential(ctx, "alice", area.ServiceGitHub, area.TokenSet{AccessToken: "access-3", RefreshToken: "refresh-3"}))
	cred, err = s.GetCredential(ctx, "alice", area.ServiceGitHub)
	require.NoError(t, err)
	assert.True(t, cred.Connected)

	require.NoError(t, s.DeleteCredential(ctx, "alice", area.ServiceGitHub))
	_, err = s.GetCredential(ctx, "alice", area.ServiceGitHub)
	assert.ErrorIs(t, err, area.ErrNotConnected)

	assert.ErrorIs(t, s.MarkDisconnected(ctx, "alice", area.ServiceGitHub), area.ErrNotConnected)
}

func testCredentialInvariant(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	err := s.PutCredential(ctx, "alice", area.ServiceGmail, area.TokenSet{RefreshToken: "only-refresh"})
	assert.Error(t, err)

	_, err = s.GetCredential(ctx, "alice", area.ServiceGmail)
	assert.ErrorIs(t, err, area.ErrNotConnected, "rejected writes must not create a credential")
}

func testCredentialIsolation(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	require.NoError(t, s.PutCredential(ctx, "alice", area.ServiceSpotify, area.TokenSet{AccessToken: "a-spotify"}))
	require.NoError(t, s.PutCredential(ctx, "alice", area.ServiceDiscord, area.TokenSet{AccessToken: "a-discord"}))
	require.NoError(t, s.PutCredential(ctx, "bob", area.ServiceSpotify, area.TokenSet{AccessToken: "b-spotify"}))

	services, err := s.ListCredentialServices(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []area.ServiceID{area.ServiceDiscord, area.ServiceSpotify}, services)

	require.NoError(t, s.MarkDisconnected(ctx, "alice", area.ServiceSpotify))
	cred, err := s.GetCredential(ctx, "bob", area.ServiceSpotify)
	require.NoError(t, err)
	assert.True(t, cred.Connected)
	assert.Equal(t, "b-spotify", cred.AccessToken)
}

func testCursorMonotonic(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := area.PairingKey{UserID: "alice", ServiceID: area.ServiceGitHub, TriggerID: "new_issue"}
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	marker, err := s.LastMarker(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, area.NoMarker, marker)

	moved, err := s.AdvanceMarker(ctx, key, area.NoMarker)
	require.NoError(t, err)
	assert.False(t, moved)

	m1 := area.NewMarker(base, "100")
	moved, err = s.AdvanceMarker(ctx, key, m1)
	require.NoError(t, err)
	assert.True(t, moved)

	// equal and older markers never move the cursor
	moved, err = s.AdvanceMarker(ctx, key, m1)
	require.NoError(t, err)
	assert.False(t, moved)
	moved, err = s.AdvanceMarker(ctx, key, area.NewMarker(base.Add(-time.Minute), "999"))
	require.NoError(t, err)
	assert.False(t, moved)

	marker, err = s.LastMarker(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, m1, marker)

	m2 := area.NewMarker(base, "101")
	moved, err = s.AdvanceMarker(ctx, key, m2)
	require.NoError(t, err)
	assert.True(t, moved)

	marker, err = s.LastMarker(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, m2, marker)

	other, err := s.LastMarker(ctx, area.PairingKey{UserID: "alice", ServiceID: area.ServiceGitHub, TriggerID: "new_pull_request"})
	require.NoError(t, err)
	assert.Equal(t, area.NoMarker, other)
}

func testCursorConcurrentAdvance(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := area.PairingKey{UserID: "carol", ServiceID: area.ServiceReddit, TriggerID: "new_upvote"}
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AdvanceMarker(ctx, key, area.NewMarker(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("t3_%02d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	marker, err := s.LastMarker(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, area.NewMarker(base.Add((writers-1)*time.Second), fmt.Sprintf("t3_%02d", writers-1)), marker)
}

func testCursorSnapshot(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := area.PairingKey{UserID: "dave", ServiceID: area.ServiceDiscord, TriggerID: "new_guild"}
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	seen, err := s.SeenIDs(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, seen)

	moved, err := s.AdvanceSnapshot(ctx, key, area.NewMarker(base, "g1"), []string{"g1", "g2"})
	require.NoError(t, err)
	assert.True(t, moved)

	seen, err = s.SeenIDs(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, seen)

	// a stale marker leaves both the cursor and the id set alone
	moved, err = s.AdvanceSnapshot(ctx, key, area.NewMarker(base.Add(-time.Second), "g9"), []string{"g9"})
	require.NoError(t, err)
	assert.False(t, moved)

	seen, err = s.SeenIDs(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, seen)

	next := area.NewMarker(base.Add(time.Minute), "g3")
	moved, err = s.AdvanceSnapshot(ctx, key, next, []string{"g1", "g2", "g3"})
	require.NoError(t, err)
	assert.True(t, moved)

	marker, err := s.LastMarker(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, next, marker)
	seen, err = s.SeenIDs(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2", "g3"}, seen)

	// an empty snapshot is still a snapshot
	empty := area.PairingKey{UserID: "dave", ServiceID: area.ServiceReddit, TriggerID: "new_upvote"}
	moved, err = s.AdvanceSnapshot(ctx, empty, area.NewMarker(base, "~"), []string{})
	require.NoError(t, err)
	assert.True(t, moved)
	seen, err = s.SeenIDs(ctx, empty)
	require.NoError(t, err)
	assert.NotNil(t, seen)
	assert.Empty(t, seen)

	// a plain advance keeps the stored set
	moved, err = s.AdvanceMarker(ctx, key, area.NewMarker(base.Add(2*time.Minute), "x"))
	require.NoError(t, err)
	assert.True(t, moved)
	seen, err = s.SeenIDs(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2", "g3"}, seen)
}

func testRules(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	r2 := area.Rule{
		ID: "r2", UserID: "alice", TriggerServiceID: area.ServiceGitHub, TriggerID: "new_issue",
		Reactions: []area.ReactionBinding{
			{ReactionID: "send_webhook_message", ServiceID: area.ServiceDiscord, Params: map[string]string{"content": "New issue {{.title}}"}},
			{ReactionID: "post_tweet", ServiceID: area.ServiceTwitter, Params: map[string]string{"text": "{{.url}}"}},
		},
	}
	r1 := area.Rule{
		ID: "r1", UserID: "alice", TriggerServiceID: area.ServiceGmail, TriggerID: "new_message",
		Reactions: []area.ReactionBinding{{ReactionID: "create_page", ServiceID: area.ServiceNotion}},
	}
	rb := area.Rule{ID: "r1", UserID: "bob", TriggerServiceID: area.ServiceSpotify, TriggerID: "new_saved_track"}

	require.NoError(t, s.PutRule(ctx, r2))
	require.NoError(t, s.PutRule(ctx, r1))
	require.NoError(t, s.PutRule(ctx, rb))
	assert.Error(t, s.PutRule(ctx, area.Rule{ID: "bad", UserID: "alice"}))

	users, err = s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	rules, err := s.ListRules(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "r1", rules[0].ID)
	assert.Equal(t, r2, rules[1])

	// replace keeps a single copy
	r2.Reactions = r2.Reactions[:1]
	require.NoError(t, s.PutRule(ctx, r2))
	rules, err = s.ListRules(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Len(t, rules[1].Reactions, 1)

	require.NoError(t, s.DeleteRule(ctx, "bob", "r1"))
	assert.ErrorIs(t, s.DeleteRule(ctx, "bob", "r1"), storage.ErrRuleNotFound)

	users, err = s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}

func testOutcomes(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordOutcome(ctx, area.Outcome{
			ID:              fmt.Sprintf("outcome-%d", i),
			UserID:          "alice",
			RuleID:          "r1",
			TriggerID:       "new_issue",
			EventID:         fmt.Sprintf("evt-%d", i),
			ReactionID:      "post_tweet",
			TargetServiceID: area.ServiceTwitter,
			Status:          area.OutcomeFailed,
			Reason:          area.ReasonNotConnected,
			Timestamp:       base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.RecordOutcome(ctx, area.Outcome{
		ID: "other", UserID: "bob", RuleID: "r9", Status: area.OutcomeSuccess, Timestamp: base,
	}))

	outcomes, err := s.ListOutcomes(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "outcome-2", outcomes[0].ID)
	assert.Equal(t, "outcome-1", outcomes[1].ID)
	assert.Equal(t, area.OutcomeFailed, outcomes[0].Status)
	assert.Equal(t, area.ReasonNotConnected, outcomes[0].Reason)
	assert.Equal(t, area.ServiceTwitter, outcomes[0].TargetServiceID)
	assert.True(t, base.Add(2*time.Second).Equal(outcomes[0].Timestamp))

	outcomes, err = s.ListOutcomes(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, outcomes, 3)

	outcomes, err = s.ListOutcomes(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}
