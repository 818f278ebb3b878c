package bot

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t testing.TB) *SessionStore {
	t.Helper()
	return NewSessionStore(testLogger(t))
}

func TestSessionStoreEnsure(t *testing.T) {
	store := newTestStore(t)

	store.Ensure("guild-1", "You are a helpful assistant.")
	assert.Equal(t, 1, store.Size("guild-1"))
	assert.Equal(t, "You are a helpful assistant.", store.Persona("guild-1"))

	// Idempotent: a second Ensure must not reset existing history
	require.NoError(t, store.AppendUserTurn("guild-1", "hello", ""))
	store.Ensure("guild-1", "Different persona.")
	assert.Equal(t, 2, store.Size("guild-1"))
	assert.Equal(t, "You are a helpful assistant.", store.Persona("guild-1"))
}

func TestSessionStoreAppendAndSnapshot(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "persona")

	require.NoError(t, store.AppendUserTurn("guild-1", "what's up?", ""))
	require.NoError(t, store.AppendAssistantTurn("guild-1", "not much"))

	turns := store.Snapshot("guild-1")
	require.Len(t, turns, 3)
	assert.Equal(t, RoleSystem, turns[0].Role)
	assert.Equal(t, RoleUser, turns[1].Role)
	assert.Equal(t, "what's up?", turns[1].Content)
	assert.Equal(t, RoleAssistant, turns[2].Role)
	assert.Equal(t, "not much", turns[2].Content)

	// Snapshot must be a copy, not the live slice
	turns[0].Content = "mutated"
	assert.Equal(t, "persona", store.Persona("guild-1"))
}

func TestSessionStoreAppendUserTurnWithReference(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "persona")

	require.NoError(
		t,
		store.AppendUserTurn("guild-1", "is this true?", "the moon is cheese"),
	)

	turns := store.Snapshot("guild-1")
	require.Len(t, turns, 2)
	assert.Equal(
		t,
		"is this true?\n## Referenced message\nthe moon is cheese",
		turns[1].Content,
	)
	// Reference rides along inside the same turn, never as its own entry
	assert.Equal(t, 2, store.Size("guild-1"))
}

func TestSessionStoreAppendImageTurn(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "persona")

	images := []ImageRef{
		{URL: "https://cdn.example.com/a.png", Detail: ImageDetailLow},
		{URL: "https://cdn.example.com/b.jpg", Detail: ImageDetailLow},
	}
	require.NoError(t, store.AppendImageTurn("guild-1", images))

	turns := store.Snapshot("guild-1")
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[1].Role)
	assert.Empty(t, turns[1].Content)
	require.Len(t, turns[1].Images, 2)

	// The stored refs must not alias the caller's slice
	images[0].URL = "mutated"
	assert.Equal(
		t,
		"https://cdn.example.com/a.png",
		store.Snapshot("guild-1")[1].Images[0].URL,
	)
}

func TestSessionStoreNoSession(t *testing.T) {
	store := newTestStore(t)

	assert.ErrorIs(t, store.AppendUserTurn("nope", "hi", ""), ErrNoSession)
	assert.ErrorIs(t, store.AppendAssistantTurn("nope", "hi"), ErrNoSession)
	assert.ErrorIs(t, store.AppendImageTurn("nope", nil), ErrNoSession)
	assert.ErrorIs(t, store.AddUsage("nope", "user", 1), ErrNoSession)
	assert.Nil(t, store.Snapshot("nope"))
	assert.False(t, store.ResetHistory("nope"))
	assert.False(t, store.ResetPersona("nope", "p"))
	assert.Zero(t, store.Size("nope"))
	assert.Zero(t, store.Usage("nope", "user"))
	assert.Nil(t, store.Leaderboard("nope", 4))

	_, ok := store.LastActivity("nope")
	assert.False(t, ok)
}

func TestSessionStoreResetHistory(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "persona")
	require.NoError(t, store.AppendUserTurn("guild-1", "one", ""))
	require.NoError(t, store.AppendAssistantTurn("guild-1", "two"))

	assert.True(t, store.ResetHistory("guild-1"))
	assert.Equal(t, 1, store.Size("guild-1"))
	assert.Equal(t, "persona", store.Persona("guild-1"))
}

func TestSessionStorePersona(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "original")
	require.NoError(t, store.AppendUserTurn("guild-1", "hello", ""))

	store.SetPersona("guild-1", "Speak formally.")
	assert.Equal(t, "Speak formally.", store.Persona("guild-1"))
	// Changing the persona keeps the rest of the history
	assert.Equal(t, 2, store.Size("guild-1"))

	assert.True(t, store.ResetPersona("guild-1", "original"))
	assert.Equal(t, "original", store.Persona("guild-1"))
	assert.Equal(t, 2, store.Size("guild-1"))

	// SetPersona creates a session for an unseen guild
	store.SetPersona("guild-2", "You are terse.")
	assert.Equal(t, "You are terse.", store.Persona("guild-2"))
	assert.Equal(t, 1, store.Size("guild-2"))
}

func TestSessionStoreTrim(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "persona")

	for i := 0; i < 3; i++ {
		require.NoError(
			t,
			store.AppendUserTurn("guild-1", fmt.Sprintf("question %d", i), ""),
		)
		require.NoError(
			t,
			store.AppendAssistantTurn("guild-1", fmt.Sprintf("answer %d", i)),
		)
	}
	require.Equal(t, 7, store.Size("guild-1"))

	// 7 entries trimmed to 4: persona survives, the oldest exchange and
	// a half are evicted
	assert.Equal(t, 3, store.Trim("guild-1", 4))

	turns := store.Snapshot("guild-1")
	require.Len(t, turns, 4)
	assert.Equal(t, RoleSystem, turns[0].Role)
	assert.Equal(t, "persona", turns[0].Content)
	assert.Equal(t, "answer 1", turns[1].Content)
	assert.Equal(t, "question 2", turns[2].Content)
	assert.Equal(t, "answer 2", turns[3].Content)

	// Already within bounds: no-op
	assert.Zero(t, store.Trim("guild-1", 4))
	assert.Equal(t, 4, store.Size("guild-1"))
}

func TestSessionStoreTrimNeverEvictsPersona(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "persona")
	require.NoError(t, store.AppendUserTurn("guild-1", "hi", ""))

	assert.Equal(t, 1, store.Trim("guild-1", 1))
	assert.Equal(t, 1, store.Size("guild-1"))
	assert.Equal(t, "persona", store.Persona("guild-1"))

	// maxLength below 1 is ignored rather than wiping the persona
	assert.Zero(t, store.Trim("guild-1", 0))
	assert.Equal(t, 1, store.Size("guild-1"))
}

func TestSessionStoreUsage(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "persona")

	require.NoError(t, store.AddUsage("guild-1", "alice", 100))
	require.NoError(t, store.AddUsage("guild-1", "alice", 50))
	require.NoError(t, store.AddUsage("guild-1", "bob", 75))

	assert.Equal(t, uint64(150), store.Usage("guild-1", "alice"))
	assert.Equal(t, uint64(75), store.Usage("guild-1", "bob"))
	assert.Zero(t, store.Usage("guild-1", "carol"))

	// Negative counts never shrink the total
	require.NoError(t, store.AddUsage("guild-1", "alice", -10))
	assert.Equal(t, uint64(150), store.Usage("guild-1", "alice"))

	// Usage survives a history reset
	assert.True(t, store.ResetHistory("guild-1"))
	assert.Equal(t, uint64(150), store.Usage("guild-1", "alice"))
}

func TestSessionStoreLeaderboard(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "persona")

	for userID, tokens := range map[string]int{
		"alice": 300,
		"bob":   100,
		"carol": 200,
		"dave":  100,
		"erin":  50,
	} {
		require.NoError(t, store.AddUsage("guild-1", userID, tokens))
	}

	entries := store.Leaderboard("guild-1", 4)
	require.Len(t, entries, 4)
	assert.Equal(t, UsageEntry{UserID: "alice", Tokens: 300}, entries[0])
	assert.Equal(t, UsageEntry{UserID: "carol", Tokens: 200}, entries[1])
	// bob and dave tie at 100: user ID breaks the tie
	assert.Equal(t, UsageEntry{UserID: "bob", Tokens: 100}, entries[2])
	assert.Equal(t, UsageEntry{UserID: "dave", Tokens: 100}, entries[3])

	// n <= 0 returns everyone
	assert.Len(t, store.Leaderboard("guild-1", 0), 5)
}

func TestSessionStoreExpireIdle(t *testing.T) {
	store := newTestStore(t)

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	store.Ensure("idle-guild", "persona")
	require.NoError(t, store.AppendUserTurn("idle-guild", "hello", ""))

	current = current.Add(30 * time.Minute)
	store.Ensure("active-guild", "persona")
	require.NoError(t, store.AppendUserTurn("active-guild", "hi", ""))

	store.Ensure("empty-guild", "persona")

	current = current.Add(45 * time.Minute)
	expired := store.ExpireIdle(time.Hour)

	// idle-guild last active 75m ago: expired. active-guild at 45m and
	// empty-guild (persona only) are left alone.
	assert.Equal(t, []string{"idle-guild"}, expired)
	assert.Equal(t, 1, store.Size("idle-guild"))
	assert.Equal(t, "persona", store.Persona("idle-guild"))
	assert.Equal(t, 2, store.Size("active-guild"))

	// Expiry must not refresh the timestamp, so an expired guild doesn't
	// look freshly active
	last, ok := store.LastActivity("idle-guild")
	require.True(t, ok)
	assert.True(t, last.Before(current.Add(-time.Hour)))

	// Nothing left to expire on the next sweep
	assert.Empty(t, store.ExpireIdle(time.Hour))
}

func TestSessionStoreGuildIDs(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("b", "p")
	store.Ensure("a", "p")
	store.Ensure("c", "p")

	assert.Equal(t, []string{"a", "b", "c"}, store.GuildIDs())
}

func TestSessionStoreConcurrentAppends(t *testing.T) {
	store := newTestStore(t)
	store.Ensure("guild-1", "persona")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(
				t,
				store.AppendUserTurn("guild-1", fmt.Sprintf("msg %d", n), ""),
			)
			assert.NoError(t, store.AddUsage("guild-1", "alice", 2))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 51, store.Size("guild-1"))
	assert.Equal(t, uint64(100), store.Usage("guild-1", "alice"))
	assert.Equal(t, "persona", store.Persona("guild-1"))
}
