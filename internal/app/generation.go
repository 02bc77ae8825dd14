package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/generation"
	"github.com/ent0n29/companion/internal/observability"
)

type generationSetup struct {
	router     *generation.Router
	primary    generation.Backend
	summarizer generation.Backend
	sampling   generation.Sampling
}

func newRouter(cfg config.Config) *generation.Router {
	defaultProvider := "mock"
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		defaultProvider = "openai"
	}
	r := generation.NewRouter(defaultProvider)
	r.Register("mock", generation.NewMock())
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		r.Register("openai", generation.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, ""))
	}
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		r.Register("anthropic", generation.NewAnthropic(cfg.AnthropicAPIKey, ""))
	}
	if strings.TrimSpace(cfg.GenerationHTTPURL) != "" {
		r.Register("http", generation.NewHTTP(cfg.GenerationHTTPURL))
	}
	return r
}

func resolveGeneration(cfg config.Config, metrics *observability.Metrics) (generationSetup, error) {
	router := newRouter(cfg)

	primary, err := router.Backend(cfg.ModelRoute)
	if err != nil {
		return generationSetup{}, describeRouteErr("GENERATION_MODEL", cfg.ModelRoute, err)
	}

	if route := strings.TrimSpace(cfg.FallbackModelRoute); route != "" {
		secondary, err := router.Backend(route)
		if err != nil {
			return generationSetup{}, describeRouteErr("GENERATION_FALLBACK_MODEL", route, err)
		}
		primary = generation.NewFallback(primary, secondary, cfg.FirstFragmentTimeout, func(error) {
			if metrics != nil {
				metrics.FallbackSwitches.Inc()
			}
			metrics.ObserveIndicator("generation_fallback")
		})
	}

	summarizer := primary
	if route := strings.TrimSpace(cfg.SummaryModelRoute); route != "" {
		if summarizer, err = router.Backend(route); err != nil {
			return generationSetup{}, describeRouteErr("SUMMARY_MODEL", route, err)
		}
	}

	return generationSetup{
		router:     router,
		primary:    primary,
		summarizer: summarizer,
		sampling: generation.Sampling{
			Temperature:      cfg.Temperature,
			MaxTokens:        cfg.MaxTokens,
			TopP:             cfg.TopP,
			PresencePenalty:  cfg.PresencePenalty,
			FrequencyPenalty: cfg.FrequencyPenalty,
		},
	}, nil
}

func describeRouteErr(key, route string, err error) error {
	if errors.Is(err, generation.ErrUnknownProvider) {
		return fmt.Errorf("%s=%q: %w (is the provider's API key or URL set?)", key, route, err)
	}
	return fmt.Errorf("%s=%q: %w", key, route, err)
}
