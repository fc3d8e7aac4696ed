package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/models"
)

// BaseClient carries the HTTP transport, retry policy and error mapping
// shared by every provider implementation.
type BaseClient struct {
	HTTPClient *http.Client
	MaxRetries int
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

// NewBaseClient builds a transport with the generation wall-clock timeout.
func NewBaseClient(timeout time.Duration, logger zerolog.Logger) *BaseClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BaseClient{
		HTTPClient: &http.Client{Timeout: timeout},
		MaxRetries: 3,
		RetryDelay: time.Second,
		Logger:     logger,
	}
}

// DoWithRetry executes the request with exponential backoff (base delay
// doubling per attempt). Retry policy is LLMError.Retryable: rate limits
// and transient transport failures back off and retry, quota, auth and
// validation failures return immediately. A fresh request is built per
// attempt so the body is never replayed from a drained reader. Returns the
// response body on success.
func (b *BaseClient) DoWithRetry(ctx context.Context, provider string, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr *models.LLMError

	for attempt := 0; attempt < b.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := b.RetryDelay * time.Duration(1<<uint(attempt-1))
			if lastErr != nil && lastErr.RetryAfter > 0 {
				delay = lastErr.RetryAfter
			}
			b.Logger.Warn().
				Str("provider", provider).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Str("last_error", lastErr.Error()).
				Msg("retrying llm request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &models.LLMError{Provider: provider, Kind: models.LLMTimeout, Err: ctx.Err()}
			}
		}

		req, err := build()
		if err != nil {
			return nil, &models.LLMError{Provider: provider, Kind: models.LLMTransport, Err: err}
		}

		resp, err := b.HTTPClient.Do(req)
		if err != nil {
			lastErr = classifyTransport(provider, err)
			if !lastErr.Retryable() {
				return nil, lastErr
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = &models.LLMError{Provider: provider, Kind: models.LLMTransport, Err: readErr}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		httpErr := classifyStatus(provider, resp, body)
		if !httpErr.Retryable() {
			// Quota, auth and validation failures never get better on retry.
			return nil, httpErr
		}
		lastErr = httpErr
	}

	if lastErr == nil {
		lastErr = &models.LLMError{Provider: provider, Kind: models.LLMTransport,
			Err: fmt.Errorf("no attempts executed")}
	}
	lastErr.Err = fmt.Errorf("after %d attempts: %w", b.MaxRetries, lastErr.Err)
	return nil, lastErr
}

// classifyStatus maps a non-200 response to a typed error.
func classifyStatus(provider string, resp *http.Response, body []byte) *models.LLMError {
	msg := apiErrorMessage(body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind := models.LLMRateLimited
		if strings.Contains(msg, "quota") || strings.Contains(string(body), "insufficient_quota") {
			kind = models.LLMQuota
		}
		return &models.LLMError{
			Provider:   provider,
			Kind:       kind,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("status 429: %s", msg),
		}
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusForbidden:
		return &models.LLMError{Provider: provider, Kind: models.LLMQuota,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	case resp.StatusCode >= 500:
		return &models.LLMError{Provider: provider, Kind: models.LLMTransport,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	default:
		return &models.LLMError{Provider: provider, Kind: models.LLMInvalid,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
}

func classifyTransport(provider string, err error) *models.LLMError {
	kind := models.LLMTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = models.LLMTimeout
	}
	return &models.LLMError{Provider: provider, Kind: kind, Err: err}
}

// apiErrorMessage pulls a human-readable message out of either provider's
// error envelope, falling back to the raw body.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
