package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/nadia-hitl/nadia/internal/models"
)

// History retention is fixed by the product contract, not tunable.
const (
	HistoryTTL      = 7 * 24 * time.Hour
	HistoryMaxTurns = 50
	TypingStateTTL  = 30 * time.Second
	MinPrefixTokens = 1024
)

// BatchingConfig tunes the per-user adaptive window.
type BatchingConfig struct {
	WindowDelay   time.Duration
	DebounceDelay time.Duration
	MaxWait       time.Duration
	MinBatchSize  int
	MaxBatchSize  int
	TypingPoll    time.Duration
}

// PacingConfig tunes the human-cadence paced sender.
type PacingConfig struct {
	Enabled        bool
	WordsPerMinute float64
	ReadingWPM     float64
	SendRatePerSec float64
}

// StageConfig selects the provider and sampling for one generation stage.
type StageConfig struct {
	Provider    string
	Model       string
	Temperature float64
}

// ProviderConfig carries credentials and endpoints for one LLM provider.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

// DashboardConfig configures the review API surface.
type DashboardConfig struct {
	Addr   string
	APIKey string
}

// PlatformConfig points at the chat-platform transport bridge.
type PlatformConfig struct {
	BridgeURL   string
	BridgeWSURL string
}

// RecoveryConfig bounds startup and periodic recovery work.
type RecoveryConfig struct {
	MaxAttempts   int
	SweepInterval time.Duration
}

// Config is the immutable process configuration, loaded once at boot and
// passed explicitly.
type Config struct {
	DatabaseURL string
	RedisURL    string

	PersonaPath     string
	SafetyRulesPath string
	BubbleSeparator string

	LLM1      StageConfig
	LLM2      StageConfig
	OpenAI    ProviderConfig
	Anthropic ProviderConfig

	Batching  BatchingConfig
	Pacing    PacingConfig
	Dashboard DashboardConfig
	Platform  PlatformConfig
	Recovery  RecoveryConfig

	// Queue depths that trigger backpressure. Zero or negative disables
	// the check for that queue.
	ReviewHighWater   int64
	OutboundHighWater int64

	EntityCacheSize int

	LLMTimeout time.Duration
}

// FromEnv loads configuration from the environment, reading an optional
// .env file first. Defaults mirror the production tuning.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        envStr("REDIS_URL", "redis://localhost:6379/0"),
		PersonaPath:     envStr("PERSONA_PATH", "persona/nadia_v1.md"),
		SafetyRulesPath: envStr("SAFETY_RULES_PATH", "config/constitution.yaml"),
		BubbleSeparator: envStr("BUBBLE_SEPARATOR", "[GLOBO]"),
		LLM1: StageConfig{
			Provider:    envStr("LLM1_PROVIDER", "openai"),
			Model:       envStr("LLM1_MODEL", "gpt-4o-mini"),
			Temperature: envFloat("LLM1_TEMPERATURE", 0.8),
		},
		LLM2: StageConfig{
			Provider:    envStr("LLM2_PROVIDER", "openai"),
			Model:       envStr("LLM2_MODEL", "gpt-4o-mini"),
			Temperature: envFloat("LLM2_TEMPERATURE", 0.4),
		},
		OpenAI: ProviderConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		},
		Anthropic: ProviderConfig{
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL: envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		},
		Batching: BatchingConfig{
			WindowDelay:   envSeconds("TYPING_WINDOW_DELAY", 1.5),
			DebounceDelay: envSeconds("TYPING_DEBOUNCE_DELAY", 3.0),
			MaxWait:       envSeconds("MAX_BATCH_WAIT_TIME", 15.0),
			MinBatchSize:  envInt("MIN_BATCH_SIZE", 2),
			MaxBatchSize:  envInt("MAX_BATCH_SIZE", 5),
			TypingPoll:    500 * time.Millisecond,
		},
		Pacing: PacingConfig{
			Enabled:        envBool("ENABLE_TYPING_PACING", true),
			WordsPerMinute: 60,
			ReadingWPM:     250,
			SendRatePerSec: envFloat("SEND_RATE_PER_SEC", 1.0),
		},
		Dashboard: DashboardConfig{
			Addr:   envStr("NADIA_HTTP_ADDR", ":8080"),
			APIKey: os.Getenv("DASHBOARD_API_KEY"),
		},
		Platform: PlatformConfig{
			BridgeURL:   envStr("PLATFORM_BRIDGE_URL", "http://localhost:9100"),
			BridgeWSURL: envStr("PLATFORM_BRIDGE_WS_URL", "ws://localhost:9100/events"),
		},
		Recovery: RecoveryConfig{
			MaxAttempts:   envInt("RECOVERY_MAX_ATTEMPTS", 3),
			SweepInterval: envSeconds("RECOVERY_SWEEP_INTERVAL", 600),
		},
		ReviewHighWater:   int64(envInt("REVIEW_HIGH_WATER", 200)),
		OutboundHighWater: int64(envInt("OUTBOUND_HIGH_WATER", 100)),
		EntityCacheSize:   envInt("ENTITY_CACHE_SIZE", 500),
		LLMTimeout:        envSeconds("LLM_TIMEOUT", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the fatal boot conditions.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return &models.FatalConfigError{Reason: "DATABASE_URL is required"}
	}
	if c.RedisURL == "" {
		return &models.FatalConfigError{Reason: "REDIS_URL is required"}
	}
	if c.Dashboard.APIKey == "" {
		return &models.FatalConfigError{Reason: "DASHBOARD_API_KEY is required"}
	}
	if err := c.validateStage("LLM1", c.LLM1); err != nil {
		return err
	}
	if err := c.validateStage("LLM2", c.LLM2); err != nil {
		return err
	}
	if c.BubbleSeparator == "" {
		return &models.FatalConfigError{Reason: "BUBBLE_SEPARATOR must be non-empty"}
	}
	if c.Batching.MinBatchSize < 1 || c.Batching.MaxBatchSize < c.Batching.MinBatchSize {
		return &models.FatalConfigError{Reason: fmt.Sprintf(
			"batch sizes invalid: min=%d max=%d", c.Batching.MinBatchSize, c.Batching.MaxBatchSize)}
	}
	if c.Batching.WindowDelay <= 0 || c.Batching.DebounceDelay <= 0 || c.Batching.MaxWait <= 0 {
		return &models.FatalConfigError{Reason: "batching delays must be positive"}
	}
	return nil
}

// RedactURL masks the credential portion of a connection URL so boot
// logs never leak a database password.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

func (c *Config) validateStage(name string, s StageConfig) error {
	switch s.Provider {
	case "openai":
		if c.OpenAI.APIKey == "" {
			return &models.FatalConfigError{Reason: "OPENAI_API_KEY is required for " + name}
		}
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return &models.FatalConfigError{Reason: "ANTHROPIC_API_KEY is required for " + name}
		}
	default:
		return &models.FatalConfigError{Reason: fmt.Sprintf("%s provider %q is not supported", name, s.Provider)}
	}
	if s.Model == "" {
		return &models.FatalConfigError{Reason: name + " model is required"}
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envSeconds parses fractional seconds, the unit the tuning knobs use.
func envSeconds(key string, def float64) time.Duration {
	return time.Duration(envFloat(key, def) * float64(time.Second))
}
