package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadia-hitl/nadia/internal/llm"
	"github.com/nadia-hitl/nadia/internal/models"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Model:   "gpt-4o-mini",
		Timeout: 5 * time.Second,
	})
	c.RetryDelay = time.Millisecond
	return c
}

func TestGenerateParsesUsageAndCost(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "hey there!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1200, "completion_tokens": 40}
		}`))
	})

	res, err := c.Generate(context.Background(), []llm.Message{
		{Role: "system", Content: "persona"},
		{Role: "user", Content: "hi"},
	}, 0.8)
	require.NoError(t, err)

	assert.Equal(t, "hey there!", res.Text)
	assert.Equal(t, 1200, res.PromptTokens)
	assert.Equal(t, 40, res.CompletionTokens)
	assert.False(t, res.EstimatedUsage)
	// 1200 * 0.15/1M + 40 * 0.60/1M
	assert.InDelta(t, 0.000204, res.CostUSD, 1e-9)
}

func TestGenerateEstimatesMissingUsage(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "four short words here"}}]
		}`))
	})

	res, err := c.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, 0.5)
	require.NoError(t, err)
	assert.True(t, res.EstimatedUsage)
	assert.Greater(t, res.CompletionTokens, 0)
	assert.Greater(t, res.CostUSD, 0.0)
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": {"message": "rate limit reached"}}`))
			return
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}], "usage": {"prompt_tokens": 1, "completion_tokens": 1}}`))
	})

	res, err := c.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGenerateQuotaExhausted(t *testing.T) {
	var calls int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "insufficient_quota: check plan", "type": "insufficient_quota"}}`))
	})

	_, err := c.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, 0.5)
	var llmErr *models.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, models.LLMQuota, llmErr.Kind)
	assert.Equal(t, "openai", llmErr.Provider)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exhausted quota must not be retried")
}

func TestGenerateAuthFailureDoesNotRetry(t *testing.T) {
	var calls int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "invalid api key"}}`))
	})

	_, err := c.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, 0.5)
	var llmErr *models.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, models.LLMInvalid, llmErr.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "401 must not be retried")
}

func TestGenerateDecodeError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	})

	_, err := c.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, 0.5)
	var llmErr *models.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, models.LLMDecode, llmErr.Kind)
}

func TestGenerateServerErrorExhaustsRetries(t *testing.T) {
	var calls int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, 0.5)
	var llmErr *models.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, models.LLMTransport, llmErr.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
