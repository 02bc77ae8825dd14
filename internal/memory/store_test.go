package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/companion/internal/logging"
)

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			ctx := logging.Nop(context.Background())
			s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "companion.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"postgres": func(t *testing.T) Store {
			url := os.Getenv("TEST_DATABASE_URL")
			if url == "" {
				t.Skip("TEST_DATABASE_URL not set")
			}
			s, err := NewPostgresStore(context.Background(), url)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStoreConversationLifecycle(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			convo, created, err := s.EnsureConversation(ctx, "u1", "")
			require.NoError(t, err)
			assert.True(t, created)
			assert.NotEmpty(t, convo.ID)
			assert.Equal(t, "u1", convo.UserID)
			assert.Empty(t, convo.Summary)

			again, created, err := s.EnsureConversation(ctx, "u1", convo.ID)
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, convo.ID, again.ID)

			_, _, err = s.EnsureConversation(ctx, "someone-else", convo.ID)
			assert.ErrorIs(t, err, ErrOwnership)

			for _, m := range []Message{
				{ConversationID: convo.ID, Role: RoleUser, Content: "first"},
				{ConversationID: convo.ID, Role: RoleAssistant, Content: "second"},
				{ConversationID: convo.ID, Role: RoleUser, Content: "third"},
			} {
				_, err := s.AppendMessage(ctx, m)
				require.NoError(t, err)
			}

			n, err := s.CountMessages(ctx, convo.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			recent, err := s.RecentMessages(ctx, convo.ID, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "second", recent[0].Content)
			assert.Equal(t, "third", recent[1].Content)

			require.NoError(t, s.UpdateSummary(ctx, convo.ID, "they said three things"))
			got, err := s.GetConversation(ctx, convo.ID)
			require.NoError(t, err)
			assert.Equal(t, "they said three things", got.Summary)

			_, err = s.GetConversation(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreRejectsInvalidRole(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			convo, _, err := s.EnsureConversation(ctx, "u1", "")
			require.NoError(t, err)
			_, err = s.AppendMessage(ctx, Message{ConversationID: convo.ID, Role: "narrator", Content: "x"})
			assert.ErrorIs(t, err, ErrInvalidRole)
		})
	}
}

func TestStoreProfileUpsert(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, err := s.GetUser(ctx, "nobody")
			assert.ErrorIs(t, err, ErrNotFound)

			u, err := s.UpsertProfile(ctx, "u1", Profile{
				Name:               "Ada",
				Preferences:        map[string]string{"tea": "green"},
				Interests:          []string{"chess", "birds"},
				CommunicationStyle: "direct",
				RelationshipLevel:  RelationshipFriend,
			})
			require.NoError(t, err)
			assert.Equal(t, "Ada", u.Profile.Name)

			got, err := s.GetUser(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"tea": "green"}, got.Profile.Preferences)
			assert.Equal(t, []string{"chess", "birds"}, got.Profile.Interests)
			assert.Equal(t, RelationshipFriend, got.Profile.RelationshipLevel)

			u, err = s.UpsertProfile(ctx, "u1", Profile{Name: "Ada L."})
			require.NoError(t, err)
			assert.Equal(t, "Ada L.", u.Profile.Name)
			assert.Equal(t, RelationshipNew, u.Profile.RelationshipLevel)
		})
	}
}

func TestStoreMemories(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			first, err := s.AddMemory(ctx, Memory{
				UserID:     "u1",
				Kind:       KindPreference,
				Content:    "likes green tea",
				Importance: 1.7,
				Tags:       []string{"food", "tea"},
				Embedding:  []float32{0.6, 0.8},
			})
			require.NoError(t, err)
			assert.Equal(t, 1.0, first.Importance)

			_, err = s.AddMemory(ctx, Memory{UserID: "u1", Content: "has a cat named Io", Importance: -2})
			require.NoError(t, err)

			_, err = s.AddMemory(ctx, Memory{UserID: "u1", Kind: "rumor", Content: "x"})
			assert.ErrorIs(t, err, ErrInvalidKind)

			recent, err := s.RecentMemories(ctx, "u1", 5)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "has a cat named Io", recent[0].Content)
			assert.Equal(t, KindMemory, recent[0].Kind)
			assert.Equal(t, 0.0, recent[0].Importance)
			assert.Equal(t, []string{}, recent[0].Tags)

			all, err := s.ListMemories(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "likes green tea", all[0].Content)
			assert.Equal(t, []string{"food", "tea"}, all[0].Tags)
			assert.InDeltaSlice(t, []float32{0.6, 0.8}, all[0].Embedding, 1e-6)

			none, err := s.RecentMemories(ctx, "u2", 5)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestNewStoreSelectsDriver(t *testing.T) {
	ctx := logging.Nop(context.Background())

	s, err := NewStore(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = NewStore(ctx, Options{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x", "c.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = NewStore(ctx, Options{Driver: "cassandra"})
	assert.Error(t, err)
}
