package finalize

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/companion/internal/generation"
	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
)

type countingSummarizer struct {
	calls int
	err   error
}

func (s *countingSummarizer) Summarize(_ context.Context, previous string, window []memory.Message) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("summary of %d messages", len(window)), nil
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, Turn) ([]Candidate, error) {
	return nil, errors.New("extractor exploded")
}

type failingAppendStore struct {
	memory.Store
}

func (failingAppendStore) AppendMessage(context.Context, memory.Message) (memory.Message, error) {
	return memory.Message{}, errors.New("disk full")
}

func newConversation(t *testing.T, store memory.Store, prior int) string {
	t.Helper()
	ctx := context.Background()
	convo, _, err := store.EnsureConversation(ctx, "u1", "")
	require.NoError(t, err)
	for i := 0; i < prior; i++ {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		_, err := store.AppendMessage(ctx, memory.Message{ConversationID: convo.ID, Role: role, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	return convo.ID
}

func TestFinalizePersistsTwoMessagesInOrder(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	convoID := newConversation(t, store, 0)
	f := New(store, nil, nil, nil, Options{})

	before, err := store.CountMessages(ctx, convoID)
	require.NoError(t, err)

	out, err := f.Finalize(ctx, Turn{
		UserID:         "u1",
		ConversationID: convoID,
		UserText:       "I went hiking today. It was great.",
		AssistantText:  "That sounds lovely. Where did you go?",
	})
	require.NoError(t, err)

	after, err := store.CountMessages(ctx, convoID)
	require.NoError(t, err)
	assert.Equal(t, before+2, after)
	assert.Equal(t, after, out.MessageCount)

	msgs, err := store.RecentMessages(ctx, convoID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, memory.RoleUser, msgs[0].Role)
	assert.Equal(t, "I went hiking today. It was great.", msgs[0].Content)
	assert.Equal(t, memory.RoleAssistant, msgs[1].Role)
	assert.Equal(t, out.UserMessage.ID, msgs[0].ID)
	assert.Equal(t, out.AssistantMessage.ID, msgs[1].ID)
}

func TestFinalizeRefreshesSummaryExactlyAtThreshold(t *testing.T) {
	tests := []struct {
		name    string
		prior   int
		refresh bool
	}{
		{name: "reaches 19", prior: 17, refresh: false},
		{name: "reaches 20", prior: 18, refresh: true},
		{name: "crosses 20 at 21", prior: 19, refresh: true},
		{name: "reaches 22", prior: 20, refresh: false},
		{name: "reaches 40", prior: 38, refresh: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := logging.Nop(context.Background())
			store := memory.NewInMemoryStore()
			convoID := newConversation(t, store, tt.prior)
			sum := &countingSummarizer{}
			f := New(store, nil, nil, sum, Options{SummaryThreshold: 20, SummaryWindow: 40})

			out, err := f.Finalize(ctx, Turn{UserID: "u1", ConversationID: convoID, UserText: "hi", AssistantText: "hello"})
			require.NoError(t, err)
			assert.Equal(t, tt.refresh, out.SummaryRefreshed)

			convo, err := store.GetConversation(ctx, convoID)
			require.NoError(t, err)
			if tt.refresh {
				assert.Equal(t, 1, sum.calls)
				assert.Equal(t, fmt.Sprintf("summary of %d messages", tt.prior+2), convo.Summary)
			} else {
				assert.Zero(t, sum.calls)
				assert.Empty(t, convo.Summary)
			}
		})
	}
}

func TestRefreshPolicy(t *testing.T) {
	p := RefreshPolicy{Threshold: 20}
	assert.False(t, p.ShouldRefresh(18, 19))
	assert.True(t, p.ShouldRefresh(19, 20))
	assert.True(t, p.ShouldRefresh(18, 20))
	assert.True(t, p.ShouldRefresh(19, 21))
	assert.False(t, p.ShouldRefresh(20, 22))
	assert.True(t, p.ShouldRefresh(39, 41))
	assert.False(t, p.ShouldRefresh(20, 20))
	assert.True(t, RefreshPolicy{}.ShouldRefresh(19, 20))
}

func TestFinalizeSwallowsSoftFailures(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	convoID := newConversation(t, store, 18)
	f := New(store, nil, failingExtractor{}, &countingSummarizer{err: errors.New("model down")}, Options{SummaryThreshold: 20})

	out, err := f.Finalize(ctx, Turn{UserID: "u1", ConversationID: convoID, UserText: "hi", AssistantText: "hello"})
	require.NoError(t, err)
	assert.True(t, out.ExtractionFailed)
	assert.True(t, out.RefreshFailed)
	assert.False(t, out.SummaryRefreshed)
	assert.Equal(t, 20, out.MessageCount)
}

func TestFinalizePersistenceFailureIsFatal(t *testing.T) {
	ctx := logging.Nop(context.Background())
	base := memory.NewInMemoryStore()
	convoID := newConversation(t, base, 0)
	f := New(failingAppendStore{Store: base}, nil, nil, nil, Options{})

	_, err := f.Finalize(ctx, Turn{UserID: "u1", ConversationID: convoID, UserText: "hi", AssistantText: "hello"})
	assert.ErrorContains(t, err, "disk full")
}

func TestFinalizeStoresExtractedMoments(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	convoID := newConversation(t, store, 0)
	f := New(store, nil, nil, nil, Options{})

	out, err := f.Finalize(ctx, Turn{
		UserID:         "u1",
		ConversationID: convoID,
		UserText:       "My sister is visiting and I'm nervous.",
		AssistantText:  "It's lovely that your sister is visiting. You feel nervous, and that makes sense. What will you cook?",
	})
	require.NoError(t, err)
	require.Len(t, out.Extracted, 2)

	mems, err := store.ListMemories(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mems, 2)
	for _, m := range mems {
		assert.Equal(t, memory.KindMoment, m.Kind)
		assert.Equal(t, DefaultMomentImportance, m.Importance)
	}
	assert.Equal(t, "It's lovely that your sister is visiting.", mems[0].Content)
	assert.Equal(t, []string{"relationship"}, mems[0].Tags)
	assert.Equal(t, []string{"emotion"}, mems[1].Tags)
}

func TestCommitUserPersistsOnlyUserMessage(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	convoID := newConversation(t, store, 0)
	f := New(store, nil, nil, nil, Options{})

	_, err := f.CommitUser(ctx, convoID, "are you there?")
	require.NoError(t, err)
	msgs, err := store.RecentMessages(ctx, convoID, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, memory.RoleUser, msgs[0].Role)
}

func TestLexicalExtractorCapsAndDeduplicates(t *testing.T) {
	reply := "You love jazz. You love jazz. You feel proud of your brother. " +
		"You are planning a trip next week. Your favorite food is ramen. You like rain."
	got, err := LexicalExtractor{}.Extract(context.Background(), Turn{AssistantText: reply})
	require.NoError(t, err)
	require.Len(t, got, MaxExtracted)
	assert.Equal(t, "You love jazz.", got[0].Content)
	assert.Equal(t, "You feel proud of your brother.", got[1].Content)
	assert.ElementsMatch(t, []string{"emotion", "relationship"}, got[1].Tags)
	assert.Equal(t, []string{"plan"}, got[2].Tags)
}

func TestModelSummarizerFallsBack(t *testing.T) {
	ctx := context.Background()
	window := []memory.Message{
		{Role: memory.RoleUser, Content: "I adopted a puppy. She is tiny."},
		{Role: memory.RoleAssistant, Content: "Congrats!"},
	}

	ok := ModelSummarizer{Backend: &generation.Mock{Reply: "They adopted a puppy."}}
	got, err := ok.Summarize(ctx, "", window)
	require.NoError(t, err)
	assert.Equal(t, "They adopted a puppy.", got)

	broken := ModelSummarizer{Backend: &generation.Mock{Err: errors.New("down")}, Fallback: ExtractiveSummarizer{}}
	got, err = broken.Summarize(ctx, "Earlier: met at work.", window)
	require.NoError(t, err)
	assert.Equal(t, "Earlier: met at work. The user talked about: I adopted a puppy.", got)

	_, err = ModelSummarizer{Backend: &generation.Mock{Err: errors.New("down")}}.Summarize(ctx, "", window)
	assert.Error(t, err)
}
