// Package app wires configuration into a running companion service.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/embedding"
	"github.com/ent0n29/companion/internal/finalize"
	"github.com/ent0n29/companion/internal/generation"
	"github.com/ent0n29/companion/internal/httpapi"
	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/policy"
	"github.com/ent0n29/companion/internal/prompt"
	"github.com/ent0n29/companion/internal/recall"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/turn"
)

const janitorInterval = 30 * time.Second

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
}

type Services struct {
	Config    config.Config
	Store     memory.Store
	Retriever *recall.Retriever
	Guard     *policy.Guard
	Generator generation.Backend
	Assembler *prompt.Assembler
	Finalizer *finalize.Finalizer
	Sessions  *session.Manager
	Pipeline  *turn.Pipeline
	Metrics   *observability.Metrics
	API       *httpapi.Server
	Voice     VoiceInfo

	// Cleanup should be called on shutdown to release the store and caches.
	Cleanup func() error
}

// Build constructs every service from cfg. Nothing is started; call Start
// for background work.
func Build(ctx context.Context, cfg config.Config) (*Services, error) {
	logger := logging.FromCtx(ctx)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, memory.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	guard, err := newGuard(cfg)
	if err != nil {
		embedder.Close()
		_ = store.Close()
		return nil, err
	}

	gen, err := resolveGeneration(cfg, metrics)
	if err != nil {
		embedder.Close()
		_ = store.Close()
		return nil, err
	}

	persona := prompt.DefaultPersona()
	if path := strings.TrimSpace(cfg.PersonaFile); path != "" {
		if persona, err = prompt.LoadPersona(path); err != nil {
			embedder.Close()
			_ = store.Close()
			return nil, fmt.Errorf("persona: %w", err)
		}
	}

	vs, err := resolveVoice(cfg)
	if err != nil {
		embedder.Close()
		_ = store.Close()
		return nil, err
	}

	retriever := recall.NewRetriever(store, embedder, recall.BreakerSettings{
		Failures: cfg.BreakerFailures,
		Cooldown: cfg.BreakerCooldown,
	})

	assembler := prompt.NewAssembler(store, retriever, persona, newTokenCounter(ctx, cfg), prompt.Options{
		TopK:              cfg.MemoryTopK,
		HistoryTurns:      cfg.HistoryTurns,
		HistoryTokenLimit: cfg.HistoryTokenLimit,
	})

	finalizer := finalize.New(store, retriever, finalize.LexicalExtractor{}, finalize.ModelSummarizer{
		Backend:  gen.summarizer,
		Sampling: gen.sampling,
		Fallback: finalize.ExtractiveSummarizer{},
	}, finalize.Options{
		SummaryThreshold: cfg.SummaryThreshold,
		SummaryWindow:    cfg.SummaryWindow,
	})

	sessions := session.NewManager(cfg.TurnQueueTimeout, cfg.TurnGateIdleEviction)

	pipeline := turn.New(turn.Deps{
		Guard:       guard,
		Assembler:   assembler,
		Backend:     gen.primary,
		Finalizer:   finalizer,
		Gate:        sessions,
		Synthesizer: vs.synthesizer,
		Metrics:     metrics,
	}, turn.Options{
		Sampling:         gen.sampling,
		SynthesisTimeout: cfg.SynthesisTimeout,
	})

	// Handlers report the provider that is actually serving, not the requested mode.
	cfg.VoiceProvider = vs.resolvedProvider

	api := httpapi.New(httpapi.Deps{
		Config:      cfg,
		Store:       store,
		Turns:       pipeline,
		Memories:    retriever,
		Sessions:    sessions,
		Synthesizer: vs.synthesizer,
		Transcriber: vs.transcriber,
		Metrics:     metrics,
	})

	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("model_route", cfg.ModelRoute).
		Str("voice", vs.resolvedProvider).
		Msg("services built")

	cleanup := func() error {
		var errs []error
		embedder.Close()
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &Services{
		Config:    cfg,
		Store:     store,
		Retriever: retriever,
		Guard:     guard,
		Generator: gen.primary,
		Assembler: assembler,
		Finalizer: finalizer,
		Sessions:  sessions,
		Pipeline:  pipeline,
		Metrics:   metrics,
		API:       api,
		Voice: VoiceInfo{
			Provider:       vs.resolvedProvider,
			Detail:         vs.detail,
			DefaultVoiceID: vs.defaultVoiceID,
		},
		Cleanup: cleanup,
	}, nil
}

// Start launches background maintenance. It stops when ctx is cancelled.
func (s *Services) Start(ctx context.Context) {
	s.Sessions.StartJanitor(ctx, janitorInterval)
}

func newEmbedder(cfg config.Config) (*embedding.Cached, error) {
	var inner embedding.Embedder
	switch strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider)) {
	case "", "hashing":
		inner = embedding.NewHashing(cfg.EmbeddingDim)
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("EMBEDDING_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
		inner = embedding.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	default:
		return nil, fmt.Errorf("invalid EMBEDDING_PROVIDER: %q (expected hashing|openai)", cfg.EmbeddingProvider)
	}
	cached, err := embedding.NewCached(inner, cfg.EmbeddingCacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding cache init failed: %w", err)
	}
	return cached, nil
}

func newGuard(cfg config.Config) (*policy.Guard, error) {
	var classifier policy.Classifier
	switch cfg.ModerationMode {
	case "", "off":
		classifier = policy.NopClassifier{}
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("MODERATION_MODE=openai but OPENAI_API_KEY is not set")
		}
		classifier = policy.NewModerationClassifier(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	case "http":
		classifier = policy.NewHTTPClassifier(cfg.ModerationURL, cfg.ModerationTimeout)
	default:
		return nil, fmt.Errorf("invalid MODERATION_MODE: %q", cfg.ModerationMode)
	}
	return policy.NewGuard(policy.NewBlockList(cfg.BlockListExtra...), classifier, cfg.ModerationTimeout), nil
}

func newTokenCounter(ctx context.Context, cfg config.Config) prompt.TokenCounter {
	enc := strings.TrimSpace(cfg.TokenEncoding)
	if enc == "" {
		return prompt.RuneEstimator{}
	}
	counter, err := prompt.NewTiktokenCounter(enc)
	if err != nil {
		logging.FromCtx(ctx).Warn().Err(err).Str("encoding", enc).Msg("tiktoken unavailable, estimating tokens from runes")
		return prompt.RuneEstimator{}
	}
	return counter
}
