package recall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/companion/internal/embedding"
	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
)

type switchableEmbedder struct {
	inner embedding.Embedder
	fail  bool
	calls int
}

func (s *switchableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("embedding backend down")
	}
	return s.inner.Embed(ctx, text)
}

func (s *switchableEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("embedding backend down")
	}
	return s.inner.EmbedBatch(ctx, texts)
}

func (s *switchableEmbedder) Dimension() int { return s.inner.Dimension() }

type failingRecentStore struct {
	memory.Store
}

func (failingRecentStore) RecentMemories(context.Context, string, int) ([]memory.Memory, error) {
	return nil, errors.New("db down")
}

func TestRecallRanksBySimilarity(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	r := NewRetriever(store, embedding.NewHashing(256), BreakerSettings{})

	for _, content := range []string{
		"they adopted a cat named Io",
		"they run a marathon every spring",
		"they drink green tea every morning",
	} {
		_, err := r.Remember(ctx, memory.Memory{UserID: "u1", Content: content})
		require.NoError(t, err)
	}

	res := r.Recall(ctx, "u1", "what tea do I like in the morning", 2)
	assert.Equal(t, KindOk, res.Kind)
	assert.NoError(t, res.Err)
	require.Len(t, res.Memories, 2)
	assert.Equal(t, "they drink green tea every morning", res.Memories[0].Content)
}

func TestRecallHydratesFromStore(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	_, err := store.AddMemory(ctx, memory.Memory{UserID: "u1", Content: "plays chess on tuesdays"})
	require.NoError(t, err)

	r := NewRetriever(store, embedding.NewHashing(128), BreakerSettings{})
	res := r.Recall(ctx, "u1", "chess", 5)
	assert.Equal(t, KindOk, res.Kind)
	require.Len(t, res.Memories, 1)
	assert.Equal(t, "plays chess on tuesdays", res.Memories[0].Content)
}

func TestRecallEmptyWhenUserHasNoMemories(t *testing.T) {
	ctx := logging.Nop(context.Background())
	r := NewRetriever(memory.NewInMemoryStore(), embedding.NewHashing(64), BreakerSettings{})

	res := r.Recall(ctx, "nobody", "hello", 5)
	assert.Equal(t, KindEmpty, res.Kind)
	assert.Empty(t, res.Memories)
	assert.NoError(t, res.Err)
}

func TestRecallDegradesToRecencyWhenEmbeddingFails(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	emb := &switchableEmbedder{inner: embedding.NewHashing(64), fail: true}
	r := NewRetriever(store, emb, BreakerSettings{Failures: 10})

	added, err := r.Remember(ctx, memory.Memory{
		UserID:     "u1",
		Kind:       memory.KindPreference,
		Content:    "prefers mornings",
		Importance: 0.7,
		Tags:       []string{"routine"},
	})
	require.NoError(t, err)
	assert.Empty(t, added.Embedding)

	res := r.Recall(ctx, "u1", "when should we talk", 5)
	assert.Equal(t, KindDegraded, res.Kind)
	assert.Error(t, res.Err)
	require.Len(t, res.Memories, 1)
	got := res.Memories[0]
	assert.Equal(t, added.Content, got.Content)
	assert.Equal(t, added.Kind, got.Kind)
	assert.Equal(t, added.Importance, got.Importance)
	assert.Equal(t, added.Tags, got.Tags)
}

func TestRecallEmptyWhenBothStrategiesFail(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := failingRecentStore{Store: memory.NewInMemoryStore()}
	emb := &switchableEmbedder{inner: embedding.NewHashing(64), fail: true}
	r := NewRetriever(store, emb, BreakerSettings{})

	res := r.Recall(ctx, "u1", "hello", 5)
	assert.Equal(t, KindEmpty, res.Kind)
	assert.Error(t, res.Err)
}

func TestRecallBreakerSkipsEmbedderWhileOpen(t *testing.T) {
	ctx := logging.Nop(context.Background())
	store := memory.NewInMemoryStore()
	_, err := store.AddMemory(ctx, memory.Memory{UserID: "u1", Content: "likes jazz"})
	require.NoError(t, err)

	emb := &switchableEmbedder{inner: embedding.NewHashing(64), fail: true}
	r := NewRetriever(store, emb, BreakerSettings{Failures: 2, Cooldown: time.Hour})

	for i := 0; i < 2; i++ {
		res := r.Recall(ctx, "u1", "music", 5)
		assert.Equal(t, KindDegraded, res.Kind)
	}
	assert.Equal(t, 2, emb.calls)
	assert.Equal(t, "open", r.BreakerState())

	emb.fail = false
	res := r.Recall(ctx, "u1", "music", 5)
	assert.Equal(t, KindDegraded, res.Kind)
	assert.Equal(t, 2, emb.calls)
	require.Len(t, res.Memories, 1)
	assert.Equal(t, "likes jazz", res.Memories[0].Content)
}

// pausingListStore blocks after listing a user's memories until released,
// holding a hydration open between the list and the index registration.
type pausingListStore struct {
	memory.Store
	listed  chan struct{}
	release chan struct{}
}

func (p *pausingListStore) ListMemories(ctx context.Context, userID string) ([]memory.Memory, error) {
	mems, err := p.Store.ListMemories(ctx, userID)
	close(p.listed)
	<-p.release
	return mems, err
}

func TestRememberDuringHydrationIsSearchable(t *testing.T) {
	ctx := logging.Nop(context.Background())
	inner := memory.NewInMemoryStore()
	_, err := inner.AddMemory(ctx, memory.Memory{UserID: "u1", Content: "plays chess on tuesdays"})
	require.NoError(t, err)

	store := &pausingListStore{Store: inner, listed: make(chan struct{}), release: make(chan struct{})}
	r := NewRetriever(store, embedding.NewHashing(128), BreakerSettings{})

	first := make(chan Result, 1)
	go func() { first <- r.Recall(ctx, "u1", "chess", 5) }()

	select {
	case <-store.listed:
	case <-time.After(2 * time.Second):
		t.Fatal("hydration never listed memories")
	}
	_, err = r.Remember(ctx, memory.Memory{UserID: "u1", Content: "grows tomatoes on the balcony"})
	require.NoError(t, err)
	close(store.release)

	select {
	case res := <-first:
		assert.Equal(t, KindOk, res.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("recall did not finish")
	}

	res := r.Recall(ctx, "u1", "tomatoes balcony", 1)
	assert.Equal(t, KindOk, res.Kind)
	require.Len(t, res.Memories, 1)
	assert.Equal(t, "grows tomatoes on the balcony", res.Memories[0].Content)
}
