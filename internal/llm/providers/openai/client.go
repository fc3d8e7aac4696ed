// Package openai implements the llm.Client capability against any
// OpenAI-compatible chat completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/llm"
	"github.com/nadia-hitl/nadia/internal/models"
)

const defaultMaxTokens = 1024

// pricing is USD per million tokens (input, output). Unknown models fall
// back to the default row; costs are metering, not billing.
var pricing = map[string][2]float64{
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4.1":       {2.00, 8.00},
	"gpt-4.1-mini":  {0.40, 1.60},
	"gpt-3.5-turbo": {0.50, 1.50},
}

var defaultPricing = [2]float64{1.00, 3.00}

// Config configures one OpenAI-compatible client.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	Logger    zerolog.Logger
}

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	*llm.BaseClient
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
}

// New creates a client; BaseURL defaults to the public endpoint.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Client{
		BaseClient: llm.NewBaseClient(cfg.Timeout, cfg.Logger),
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
	}
}

// ModelName identifies the configured model.
func (c *Client) ModelName() string { return c.model }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate runs one chat completion.
func (c *Client) Generate(ctx context.Context, msgs []llm.Message, temperature float64) (*llm.Result, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, &models.LLMError{Provider: "openai", Kind: models.LLMDecode,
			Err: fmt.Errorf("marshal request: %w", err)}
	}

	body, err := c.DoWithRetry(ctx, "openai", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &models.LLMError{Provider: "openai", Kind: models.LLMDecode,
			Err: fmt.Errorf("parse response: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &models.LLMError{Provider: "openai", Kind: models.LLMDecode,
			Err: fmt.Errorf("response carried no choices")}
	}

	result := &llm.Result{
		Text:  resp.Choices[0].Message.Content,
		Model: c.model,
	}
	if resp.Usage != nil {
		result.PromptTokens = resp.Usage.PromptTokens
		result.CompletionTokens = resp.Usage.CompletionTokens
	} else {
		result.PromptTokens = llm.EstimateTokens(llm.JoinContents(msgs))
		result.CompletionTokens = llm.EstimateTokens(result.Text)
		result.EstimatedUsage = true
		c.Logger.Warn().Str("model", c.model).Msg("usage missing from response, estimating tokens")
	}
	result.CostUSD = cost(c.model, result.PromptTokens, result.CompletionTokens)
	return result, nil
}

func cost(model string, promptTokens, completionTokens int) float64 {
	rates, ok := pricing[model]
	if !ok {
		rates = defaultPricing
	}
	return (float64(promptTokens)*rates[0] + float64(completionTokens)*rates[1]) / 1e6
}
