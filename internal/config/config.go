package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the companion turn service.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"companion"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	Debug            bool          `env:"APP_DEBUG" envDefault:"false"`
	LogJSON          bool          `env:"APP_LOG_JSON" envDefault:"false"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:".companion/companion.db"`

	// ModelRoute is resolved as provider:model, e.g. openai:gpt-4o-mini.
	ModelRoute         string  `env:"GENERATION_MODEL" envDefault:"mock:echo"`
	FallbackModelRoute string  `env:"GENERATION_FALLBACK_MODEL"`
	SummaryModelRoute  string  `env:"SUMMARY_MODEL"`
	OpenAIAPIKey       string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL      string  `env:"OPENAI_BASE_URL"`
	AnthropicAPIKey    string  `env:"ANTHROPIC_API_KEY"`
	GenerationHTTPURL  string  `env:"GENERATION_HTTP_URL"`
	Temperature        float64 `env:"GENERATION_TEMPERATURE" envDefault:"0.8"`
	MaxTokens          int     `env:"GENERATION_MAX_TOKENS" envDefault:"512"`
	TopP               float64 `env:"GENERATION_TOP_P" envDefault:"1"`
	PresencePenalty    float64 `env:"GENERATION_PRESENCE_PENALTY" envDefault:"0.3"`
	FrequencyPenalty   float64 `env:"GENERATION_FREQUENCY_PENALTY" envDefault:"0.2"`

	// FirstFragmentTimeout bounds how long the primary backend may stay silent
	// before the fallback route takes over. Zero disables the timer.
	FirstFragmentTimeout time.Duration `env:"GENERATION_FIRST_FRAGMENT_TIMEOUT" envDefault:"0s"`

	EmbeddingProvider  string        `env:"EMBEDDING_PROVIDER" envDefault:"hashing"`
	EmbeddingModel     string        `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDim       int           `env:"EMBEDDING_DIM" envDefault:"256"`
	EmbeddingCacheSize int64         `env:"EMBEDDING_CACHE_SIZE" envDefault:"10000"`
	BreakerFailures    uint32        `env:"RECALL_BREAKER_FAILURES" envDefault:"5"`
	BreakerCooldown    time.Duration `env:"RECALL_BREAKER_COOLDOWN" envDefault:"30s"`

	ModerationMode    string        `env:"MODERATION_MODE" envDefault:"off"`
	ModerationURL     string        `env:"MODERATION_HTTP_URL"`
	ModerationTimeout time.Duration `env:"MODERATION_TIMEOUT" envDefault:"2s"`
	BlockListExtra    []string      `env:"BLOCKLIST_EXTRA" envSeparator:","`

	MemoryTopK        int    `env:"CONTEXT_MEMORY_TOP_K" envDefault:"5"`
	HistoryTurns      int    `env:"CONTEXT_HISTORY_TURNS" envDefault:"12"`
	HistoryTokenLimit int    `env:"CONTEXT_HISTORY_TOKEN_LIMIT" envDefault:"3000"`
	SummaryThreshold  int    `env:"SUMMARY_THRESHOLD" envDefault:"20"`
	SummaryWindow     int    `env:"SUMMARY_WINDOW" envDefault:"40"`
	PersonaFile       string `env:"PERSONA_FILE"`
	// TokenEncoding names the tiktoken encoding used for history budgets.
	// Empty falls back to a rune-count estimate.
	TokenEncoding string `env:"CONTEXT_TOKEN_ENCODING" envDefault:"cl100k_base"`

	VoiceProvider        string        `env:"VOICE_PROVIDER" envDefault:"auto"`
	ElevenLabsAPIKey     string        `env:"ELEVENLABS_API_KEY"`
	ElevenLabsWSBaseURL  string        `env:"ELEVENLABS_WS_BASE_URL" envDefault:"wss://api.elevenlabs.io"`
	ElevenLabsVoiceID    string        `env:"ELEVENLABS_TTS_VOICE_ID" envDefault:"cgSgspJ2msm6clMCkdW9"`
	ElevenLabsModelID    string        `env:"ELEVENLABS_TTS_MODEL_ID" envDefault:"eleven_multilingual_v2"`
	ElevenLabsFormat     string        `env:"ELEVENLABS_OUTPUT_FORMAT" envDefault:"pcm_16000"`
	SynthesisTimeout     time.Duration `env:"VOICE_SYNTHESIS_TIMEOUT" envDefault:"8s"`
	TranscriptionModel   string        `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	TurnQueueTimeout     time.Duration `env:"TURN_QUEUE_TIMEOUT" envDefault:"30s"`
	TurnGateIdleEviction time.Duration `env:"TURN_GATE_IDLE_EVICTION" envDefault:"5m"`
}

// Load reads an optional dotenv file, then environment variables, and validates the result.
func Load() (Config, error) {
	if err := loadDotenv(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.VoiceProvider = strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	cfg.ModerationMode = strings.ToLower(strings.TrimSpace(cfg.ModerationMode))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER %q is not one of memory|postgres|sqlite", c.StoreDriver)
	}
	switch c.ModerationMode {
	case "off", "openai":
	case "http":
		if c.ModerationURL == "" {
			return errors.New("MODERATION_HTTP_URL is required when MODERATION_MODE=http")
		}
	default:
		return fmt.Errorf("MODERATION_MODE %q is not one of off|openai|http", c.ModerationMode)
	}
	switch c.VoiceProvider {
	case "auto", "elevenlabs", "mock", "off":
	default:
		return fmt.Errorf("VOICE_PROVIDER %q is not one of auto|elevenlabs|mock|off", c.VoiceProvider)
	}
	if c.MemoryTopK <= 0 {
		return errors.New("CONTEXT_MEMORY_TOP_K must be positive")
	}
	if c.HistoryTurns <= 0 {
		return errors.New("CONTEXT_HISTORY_TURNS must be positive")
	}
	if c.SummaryThreshold <= 0 {
		return errors.New("SUMMARY_THRESHOLD must be positive")
	}
	if c.SummaryWindow <= 0 {
		return errors.New("SUMMARY_WINDOW must be positive")
	}
	if c.EmbeddingDim <= 0 {
		return errors.New("EMBEDDING_DIM must be positive")
	}
	if c.MaxTokens <= 0 {
		return errors.New("GENERATION_MAX_TOKENS must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.New("GENERATION_TEMPERATURE must be within [0,2]")
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return errors.New("GENERATION_TOP_P must be within (0,1]")
	}
	if c.TurnQueueTimeout <= 0 {
		return errors.New("TURN_QUEUE_TIMEOUT must be positive")
	}
	return nil
}

func loadDotenv() error {
	path := os.Getenv("APP_ENV_FILE")
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
