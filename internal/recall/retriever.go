// Package recall retrieves the memories most relevant to an utterance and
// degrades to recency when similarity search is unavailable.
package recall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ent0n29/companion/internal/embedding"
	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
)

const DefaultTopK = 5

// Kind tells the caller how a recall result was produced.
type Kind string

const (
	// KindOk means memories were ranked by similarity.
	KindOk Kind = "ok"
	// KindDegraded means similarity failed and the newest memories were used.
	KindDegraded Kind = "degraded"
	// KindEmpty means there is nothing to show, either because the user has
	// no memories or because both strategies failed.
	KindEmpty Kind = "empty"
)

type Result struct {
	Kind     Kind
	Memories []memory.Memory
	// Err holds the underlying failure for Degraded and failed Empty results.
	Err error
}

type BreakerSettings struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	Cooldown time.Duration
}

type Retriever struct {
	store    memory.Store
	embedder embedding.Embedder
	index    *Index
	breaker  *gobreaker.CircuitBreaker
}

func NewRetriever(store memory.Store, embedder embedding.Embedder, bs BreakerSettings) *Retriever {
	if bs.Failures == 0 {
		bs.Failures = 3
	}
	if bs.Cooldown <= 0 {
		bs.Cooldown = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memory-similarity",
		MaxRequests: 1,
		Timeout:     bs.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.Failures
		},
		// Utterances without searchable words say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, embedding.ErrEmptyInput)
		},
	})
	return &Retriever{
		store:    store,
		embedder: embedder,
		index:    NewIndex(store, embedder),
		breaker:  cb,
	}
}

// Recall returns up to k memories of userID relevant to query. It never
// returns an error; failures are folded into the result kind.
func (r *Retriever) Recall(ctx context.Context, userID, query string, k int) Result {
	if k <= 0 {
		k = DefaultTopK
	}
	logger := logging.FromCtx(ctx)

	out, err := r.breaker.Execute(func() (interface{}, error) {
		vec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		return r.index.Query(ctx, userID, vec, k)
	})
	if err == nil {
		mems, _ := out.([]memory.Memory)
		if len(mems) == 0 {
			return Result{Kind: KindEmpty}
		}
		return Result{Kind: KindOk, Memories: mems}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Debug().Str("user_id", userID).Msg("similarity breaker open, using recent memories")
	} else {
		logger.Warn().Err(err).Str("user_id", userID).Msg("memory similarity failed, using recent memories")
	}

	recent, rerr := r.store.RecentMemories(ctx, userID, k)
	if rerr != nil {
		logger.Warn().Err(rerr).Str("user_id", userID).Msg("recent memories unavailable")
		return Result{Kind: KindEmpty, Err: errors.Join(err, rerr)}
	}
	if len(recent) == 0 {
		return Result{Kind: KindEmpty, Err: err}
	}
	return Result{Kind: KindDegraded, Memories: recent, Err: err}
}

// Remember embeds and persists mem, then makes it searchable. Embedding
// failures are logged and the memory is stored without a vector; it is
// embedded again when the user's index is next hydrated.
func (r *Retriever) Remember(ctx context.Context, mem memory.Memory) (memory.Memory, error) {
	if len(mem.Embedding) == 0 {
		vec, err := r.embedder.Embed(ctx, mem.Content)
		if err != nil {
			logging.FromCtx(ctx).Warn().Err(err).Str("user_id", mem.UserID).Msg("memory stored without embedding")
		} else {
			mem.Embedding = vec
		}
	}

	stored, err := r.store.AddMemory(ctx, mem)
	if err != nil {
		return memory.Memory{}, err
	}
	if err := r.index.Add(ctx, stored); err != nil {
		logging.FromCtx(ctx).Warn().Err(err).Str("memory_id", stored.ID).Msg("memory not indexed")
	}
	return stored, nil
}

// BreakerState exposes the similarity breaker state for readiness reporting.
func (r *Retriever) BreakerState() string {
	return r.breaker.State().String()
}
