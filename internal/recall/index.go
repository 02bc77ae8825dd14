package recall

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/ent0n29/companion/internal/embedding"
	"github.com/ent0n29/companion/internal/memory"
)

// Index is an in-process vector index over user memories. Each user gets a
// dedicated chromem collection, hydrated from the store on first use.
type Index struct {
	db       *chromem.DB
	store    memory.Store
	embedder embedding.Embedder

	mu    sync.Mutex
	users map[string]*userIndex
	// loading holds users whose hydration is in flight.
	loading map[string]*hydration
}

// hydration collects memories added while a user's index is being loaded.
type hydration struct {
	done    chan struct{}
	pending []memory.Memory
}

type userIndex struct {
	col  *chromem.Collection
	byID map[string]memory.Memory
}

func NewIndex(store memory.Store, embedder embedding.Embedder) *Index {
	return &Index{
		db:       chromem.NewDB(),
		store:    store,
		embedder: embedder,
		users:    make(map[string]*userIndex),
		loading:  make(map[string]*hydration),
	}
}

// Add indexes a memory that already carries an embedding and is already
// stored. Memories for users that were never hydrated are picked up on their
// first query; memories added during a hydration are queued for it.
func (x *Index) Add(ctx context.Context, mem memory.Memory) error {
	if len(mem.Embedding) == 0 {
		return nil
	}
	x.mu.Lock()
	ui, ok := x.users[mem.UserID]
	if !ok {
		if h, loading := x.loading[mem.UserID]; loading {
			h.pending = append(h.pending, mem)
		}
		x.mu.Unlock()
		return nil
	}
	x.mu.Unlock()
	return x.addToUser(ctx, ui, mem)
}

func (x *Index) addToUser(ctx context.Context, ui *userIndex, mem memory.Memory) error {
	x.mu.Lock()
	if _, exists := ui.byID[mem.ID]; exists {
		x.mu.Unlock()
		return nil
	}
	ui.byID[mem.ID] = mem
	x.mu.Unlock()

	err := ui.col.AddDocument(ctx, chromem.Document{
		ID:        mem.ID,
		Content:   mem.Content,
		Embedding: mem.Embedding,
		Metadata:  map[string]string{"kind": string(mem.Kind)},
	})
	if err != nil {
		x.mu.Lock()
		delete(ui.byID, mem.ID)
		x.mu.Unlock()
		return fmt.Errorf("index memory %s: %w", mem.ID, err)
	}
	return nil
}

// Query returns up to k memories of userID ordered by similarity to vec.
func (x *Index) Query(ctx context.Context, userID string, vec []float32, k int) ([]memory.Memory, error) {
	ui, err := x.hydrate(ctx, userID)
	if err != nil {
		return nil, err
	}
	n := ui.col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}
	results, err := ui.col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]memory.Memory, 0, len(results))
	for _, r := range results {
		if mem, ok := ui.byID[r.ID]; ok {
			out = append(out, mem)
		}
	}
	return out, nil
}

// hydrate loads a user's memories into a fresh collection, embedding any
// stored without a vector of the current dimension. Concurrent callers for
// the same user wait for a single load.
func (x *Index) hydrate(ctx context.Context, userID string) (*userIndex, error) {
	for {
		x.mu.Lock()
		if ui, ok := x.users[userID]; ok {
			x.mu.Unlock()
			return ui, nil
		}
		h, inFlight := x.loading[userID]
		if !inFlight {
			h = &hydration{done: make(chan struct{})}
			x.loading[userID] = h
			x.mu.Unlock()
			return x.load(ctx, userID, h)
		}
		x.mu.Unlock()

		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (x *Index) load(ctx context.Context, userID string, h *hydration) (ui *userIndex, err error) {
	defer func() {
		x.mu.Lock()
		if x.loading[userID] == h {
			delete(x.loading, userID)
		}
		if err != nil && x.users[userID] == ui {
			delete(x.users, userID)
		}
		x.mu.Unlock()
		close(h.done)
	}()

	mems, err := x.store.ListMemories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	var missing []int
	for i, m := range mems {
		if len(m.Embedding) != x.embedder.Dimension() {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = mems[i].Content
		}
		vecs, err := x.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed stored memories: %w", err)
		}
		for j, i := range missing {
			mems[i].Embedding = vecs[j]
		}
	}

	col, err := x.db.GetOrCreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	ui = &userIndex{col: col, byID: make(map[string]memory.Memory, len(mems))}
	for _, m := range mems {
		if err := x.addToUser(ctx, ui, m); err != nil {
			return nil, err
		}
	}

	// Register and drain in one critical section so every Add either lands
	// in pending or sees the registered index.
	x.mu.Lock()
	x.users[userID] = ui
	pending := h.pending
	h.pending = nil
	x.mu.Unlock()

	for _, m := range pending {
		if err := x.addToUser(ctx, ui, m); err != nil {
			return nil, err
		}
	}
	return ui, nil
}
