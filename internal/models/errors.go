package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by persistence lookups for unknown ids.
var ErrNotFound = errors.New("not found")

// LLMErrorKind discriminates provider failures for retry policy and metrics.
type LLMErrorKind string

const (
	LLMRateLimited LLMErrorKind = "rate_limited"
	LLMQuota       LLMErrorKind = "quota"
	LLMTransport   LLMErrorKind = "transport"
	LLMDecode      LLMErrorKind = "decode"
	LLMTimeout     LLMErrorKind = "timeout"
	// LLMInvalid covers requests the provider rejected outright: bad auth,
	// malformed payloads, unknown models.
	LLMInvalid LLMErrorKind = "invalid"
)

// LLMError wraps a provider failure with its kind and an optional
// retry-after hint from the provider.
type LLMError struct {
	Provider   string
	Kind       LLMErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *LLMError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Kind)
}

func (e *LLMError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *LLMError) Retryable() bool {
	return e.Kind == LLMRateLimited || e.Kind == LLMTransport
}

// StaleReviewError signals that a review mutation raced a concurrent one:
// the row is no longer pending, or a repeated call carried different
// arguments. The reviewer reloads current state and retries.
type StaleReviewError struct {
	InteractionID string
	Status        ReviewStatus
}

func (e *StaleReviewError) Error() string {
	return fmt.Sprintf("stale review %s: status is %s", e.InteractionID, e.Status)
}

// IsStaleReview reports whether err is a StaleReviewError.
func IsStaleReview(err error) bool {
	var sre *StaleReviewError
	return errors.As(err, &sre)
}

// BackpressureError signals a queue above its high-water mark. Transient;
// callers retry after a delay.
type BackpressureError struct {
	Queue     string
	Depth     int64
	HighWater int64
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure on %s: depth %d exceeds high-water %d", e.Queue, e.Depth, e.HighWater)
}

// IsBackpressure reports whether err is a BackpressureError.
func IsBackpressure(err error) bool {
	var bpe *BackpressureError
	return errors.As(err, &bpe)
}

// FatalConfigError aborts the process at boot: short persona prefix,
// missing API key, unreadable persona file.
type FatalConfigError struct {
	Reason string
}

func (e *FatalConfigError) Error() string {
	return "fatal config: " + e.Reason
}
