package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/recall"
)

type fakeRecaller struct {
	result recall.Result
	query  string
}

func (f *fakeRecaller) Recall(_ context.Context, _, query string, _ int) recall.Result {
	f.query = query
	return f.result
}

type flakyStore struct {
	memory.Store
	userErr    error
	historyErr error
}

func (s flakyStore) GetUser(ctx context.Context, id string) (memory.User, error) {
	if s.userErr != nil {
		return memory.User{}, s.userErr
	}
	return s.Store.GetUser(ctx, id)
}

func (s flakyStore) RecentMessages(ctx context.Context, id string, n int) ([]memory.Message, error) {
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.Store.RecentMessages(ctx, id, n)
}

func seedConversation(t *testing.T, store memory.Store, userID string, contents ...string) string {
	t.Helper()
	ctx := context.Background()
	convo, _, err := store.EnsureConversation(ctx, userID, "")
	require.NoError(t, err)
	for i, c := range contents {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		_, err := store.AppendMessage(ctx, memory.Message{ConversationID: convo.ID, Role: role, Content: c})
		require.NoError(t, err)
	}
	return convo.ID
}

func TestAssembleNewConversation(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	rec := &fakeRecaller{result: recall.Result{Kind: recall.KindEmpty}}
	a := NewAssembler(store, rec, DefaultPersona(), nil, Options{})

	asm, err := a.Assemble(ctx, "u1", "", "Hi there!")
	require.NoError(t, err)

	assert.True(t, asm.Created)
	assert.NotEmpty(t, asm.Conversation.ID)
	require.Len(t, asm.Messages, 2)
	assert.Equal(t, memory.RoleSystem, asm.Messages[0].Role)
	assert.Contains(t, asm.Messages[0].Content, "Turn plan")
	assert.Equal(t, Message{Role: memory.RoleUser, Content: "Hi there!"}, asm.Messages[1])
	assert.Equal(t, "Hi there!", rec.query)
}

func TestAssembleOrderingForEveryContextCombination(t *testing.T) {
	for mask := 0; mask < 8; mask++ {
		withProfile, withSummary, withMemories := mask&1 != 0, mask&2 != 0, mask&4 != 0
		t.Run(fmt.Sprintf("profile=%v/summary=%v/memories=%v", withProfile, withSummary, withMemories), func(t *testing.T) {
			ctx := logging.Nop(context.Background())
			store := memory.NewInMemoryStore()
			convoID := seedConversation(t, store, "u1", "first", "second", "third")

			if withProfile {
				_, err := store.UpsertProfile(ctx, "u1", memory.Profile{Name: "Ada", Interests: []string{"chess"}})
				require.NoError(t, err)
			}
			if withSummary {
				require.NoError(t, store.UpdateSummary(ctx, convoID, "They talked about chess openings."))
			}
			rec := &fakeRecaller{result: recall.Result{Kind: recall.KindEmpty}}
			if withMemories {
				rec.result = recall.Result{Kind: recall.KindOk, Memories: []memory.Memory{
					{UserID: "u1", Kind: memory.KindPreference, Content: "likes green tea"},
				}}
			}

			a := NewAssembler(store, rec, DefaultPersona(), RuneEstimator{}, Options{})
			asm, err := a.Assemble(ctx, "u1", convoID, "what now?")
			require.NoError(t, err)
			assert.False(t, asm.Created)

			msgs := asm.Messages
			assert.Equal(t, memory.RoleSystem, msgs[0].Role)
			idx := 1
			if withProfile || withSummary || withMemories {
				require.Len(t, msgs, 6)
				block := msgs[1]
				assert.Equal(t, memory.RoleSystem, block.Role)
				assert.Equal(t, withProfile, strings.Contains(block.Content, "Name: Ada"))
				assert.Equal(t, withSummary, strings.Contains(block.Content, "chess openings"))
				assert.Equal(t, withMemories, strings.Contains(block.Content, "likes green tea"))
				idx = 2
			} else {
				require.Len(t, msgs, 5)
			}
			assert.Equal(t, "first", msgs[idx].Content)
			assert.Equal(t, memory.RoleUser, msgs[idx].Role)
			assert.Equal(t, "second", msgs[idx+1].Content)
			assert.Equal(t, memory.RoleAssistant, msgs[idx+1].Role)
			assert.Equal(t, "third", msgs[idx+2].Content)
			assert.Equal(t, Message{Role: memory.RoleUser, Content: "what now?"}, msgs[len(msgs)-1])
		})
	}
}

func TestAssembleProfileFailureIsSoft(t *testing.T) {
	ctx := logging.Nop(context.Background())
	base := memory.NewInMemoryStore()
	convoID := seedConversation(t, base, "u1", "earlier")
	store := flakyStore{Store: base, userErr: errors.New("db timeout")}

	a := NewAssembler(store, &fakeRecaller{}, DefaultPersona(), nil, Options{})
	asm, err := a.Assemble(ctx, "u1", convoID, "hello again")
	require.NoError(t, err)
	assert.Equal(t, memory.DefaultProfile(), asm.Profile)
	require.Len(t, asm.Messages, 3)
	assert.Equal(t, "earlier", asm.Messages[1].Content)
}

func TestAssembleHistoryFailureIsHard(t *testing.T) {
	ctx := logging.Nop(context.Background())
	base := memory.NewInMemoryStore()
	convoID := seedConversation(t, base, "u1", "earlier")
	store := flakyStore{Store: base, historyErr: errors.New("db down")}

	a := NewAssembler(store, &fakeRecaller{}, DefaultPersona(), nil, Options{})
	_, err := a.Assemble(ctx, "u1", convoID, "hello again")
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
}

func TestAssembleDegradedRecallStillProducesMessages(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	rec := &fakeRecaller{result: recall.Result{
		Kind:     recall.KindDegraded,
		Memories: []memory.Memory{{UserID: "u1", Kind: memory.KindMoment, Content: "ran a half marathon"}},
		Err:      errors.New("similarity down"),
	}}
	a := NewAssembler(store, rec, DefaultPersona(), nil, Options{})

	asm, err := a.Assemble(ctx, "u1", "", "guess what")
	require.NoError(t, err)
	require.Len(t, asm.Messages, 3)
	assert.Contains(t, asm.Messages[1].Content, "ran a half marathon")
	assert.Equal(t, recall.KindDegraded, asm.Recall.Kind)
}

func TestAssembleRejectsForeignConversation(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	convoID := seedConversation(t, store, "owner")

	a := NewAssembler(store, &fakeRecaller{}, DefaultPersona(), nil, Options{})
	_, err := a.Assemble(ctx, "intruder", convoID, "hi")
	assert.ErrorIs(t, err, memory.ErrOwnership)
}

func TestTrimHistoryKeepsNewestWithinBudget(t *testing.T) {
	a := NewAssembler(memory.NewInMemoryStore(), &fakeRecaller{}, DefaultPersona(), RuneEstimator{}, Options{HistoryTokenLimit: 5})
	history := []memory.Message{
		{Content: strings.Repeat("a", 12)},
		{Content: strings.Repeat("b", 8)},
		{Content: strings.Repeat("c", 8)},
	}
	got := a.trimHistory(history)
	require.Len(t, got, 2)
	assert.Equal(t, history[1:], got)

	huge := []memory.Message{{Content: "old"}, {Content: strings.Repeat("z", 400)}}
	got = a.trimHistory(huge)
	require.Len(t, got, 1)
	assert.Equal(t, huge[1], got[0])
}

func TestLoadPersonaFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: Juno
style: [dry, witty]
relationship_tones:
  friend: Tease them gently.
`), 0o600))

	p, err := LoadPersona(path)
	require.NoError(t, err)
	assert.Equal(t, "Juno", p.Name)
	assert.Equal(t, DefaultPersona().Preamble, p.Preamble)
	assert.Equal(t, []string{"dry", "witty"}, p.Style)
	assert.Equal(t, "Tease them gently.", p.RelationshipTones[memory.RelationshipFriend])
	assert.NotEmpty(t, p.RelationshipTones[memory.RelationshipNew])

	rendered := p.Render(memory.Profile{RelationshipLevel: memory.RelationshipFriend})
	assert.Contains(t, rendered, "Tease them gently.")
	assert.Contains(t, rendered, "dry, witty")

	_, err = LoadPersona(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRuneEstimator(t *testing.T) {
	assert.Equal(t, 0, RuneEstimator{}.Count(""))
	assert.Equal(t, 1, RuneEstimator{}.Count("hi"))
	assert.Equal(t, 2, RuneEstimator{}.Count("héllo"))
}
