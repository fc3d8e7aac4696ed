// Package anthropic implements the llm.Client capability against the
// Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/llm"
	"github.com/nadia-hitl/nadia/internal/models"
)

// apiVersion is the required anthropic-version header value.
const apiVersion = "2023-06-01"

const defaultMaxTokens = 1024

// pricing is USD per million tokens (input, output).
var pricing = map[string][2]float64{
	"claude-3-5-sonnet-20241022": {3.00, 15.00},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},
	"claude-3-haiku-20240307":    {0.25, 1.25},
	"claude-3-opus-20240229":     {15.00, 75.00},
}

var defaultPricing = [2]float64{3.00, 15.00}

// Config configures one Anthropic client.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	Logger    zerolog.Logger
}

// Client talks to the Anthropic Messages API.
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
		cfg.BaseURL = "https://api.anthropic.com"
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

type messagesRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate runs one Messages API call. System entries are concatenated into
// the top-level system field per the Anthropic contract; leading-position
// concatenation keeps the stable prefix bit-identical for prompt caching.
func (c *Client) Generate(ctx context.Context, msgs []llm.Message, temperature float64) (*llm.Result, error) {
	system, conversation := splitSystem(msgs)

	payload, err := json.Marshal(messagesRequest{
		Model:       c.model,
		System:      system,
		Messages:    conversation,
		MaxTokens:   c.maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return nil, &models.LLMError{Provider: "anthropic", Kind: models.LLMDecode,
			Err: fmt.Errorf("marshal request: %w", err)}
	}

	body, err := c.DoWithRetry(ctx, "anthropic", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", apiVersion)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &models.LLMError{Provider: "anthropic", Kind: models.LLMDecode,
			Err: fmt.Errorf("parse response: %w", err)}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &models.LLMError{Provider: "anthropic", Kind: models.LLMDecode,
			Err: fmt.Errorf("response carried no text content")}
	}

	result := &llm.Result{
		Text:  text.String(),
		Model: c.model,
	}
	if resp.Usage != nil {
		result.PromptTokens = resp.Usage.InputTokens
		result.CompletionTokens = resp.Usage.OutputTokens
	} else {
		result.PromptTokens = llm.EstimateTokens(llm.JoinContents(msgs))
		result.CompletionTokens = llm.EstimateTokens(result.Text)
		result.EstimatedUsage = true
		c.Logger.Warn().Str("model", c.model).Msg("usage missing from response, estimating tokens")
	}
	result.CostUSD = cost(c.model, result.PromptTokens, result.CompletionTokens)
	return result, nil
}

// splitSystem partitions the ordered message array into the system prompt
// and the user/assistant conversation. Relative order is preserved on both
// sides of the split.
func splitSystem(msgs []llm.Message) (string, []llm.Message) {
	var (
		system       strings.Builder
		conversation []llm.Message
	)
	for _, m := range msgs {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		conversation = append(conversation, m)
	}
	// The API rejects an empty messages array.
	if len(conversation) == 0 {
		conversation = []llm.Message{{Role: "user", Content: ""}}
	}
	return system.String(), conversation
}

func cost(model string, promptTokens, completionTokens int) float64 {
	rates, ok := pricing[model]
	if !ok {
		rates = defaultPricing
	}
	return (float64(promptTokens)*rates[0] + float64(completionTokens)*rates[1]) / 1e6
}
