// Package providers wires concrete LLM clients from stage configuration.
package providers

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/llm"
	"github.com/nadia-hitl/nadia/internal/llm/providers/anthropic"
	"github.com/nadia-hitl/nadia/internal/llm/providers/openai"
	"github.com/nadia-hitl/nadia/internal/models"
)

// ForStage builds the client a generation stage is configured to use,
// wrapped in the per-provider circuit breaker.
func ForStage(cfg *config.Config, stage config.StageConfig, logger zerolog.Logger) (llm.Client, error) {
	logger = logger.With().Str("provider", stage.Provider).Str("model", stage.Model).Logger()

	switch stage.Provider {
	case "openai":
		client := openai.New(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   stage.Model,
			Timeout: cfg.LLMTimeout,
			Logger:  logger,
		})
		return llm.WithBreaker(client, "openai", logger), nil
	case "anthropic":
		client := anthropic.New(anthropic.Config{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
			Model:   stage.Model,
			Timeout: cfg.LLMTimeout,
			Logger:  logger,
		})
		return llm.WithBreaker(client, "anthropic", logger), nil
	default:
		return nil, &models.FatalConfigError{
			Reason: fmt.Sprintf("unknown LLM provider %q", stage.Provider)}
	}
}
