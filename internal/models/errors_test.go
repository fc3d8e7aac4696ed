package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestLLMErrorRetryable(t *testing.T) {
	retryable := map[LLMErrorKind]bool{
		LLMRateLimited: true,
		LLMTransport:   true,
		LLMQuota:       false,
		LLMDecode:      false,
		LLMTimeout:     false,
		LLMInvalid:     false,
	}
	for kind, want := range retryable {
		e := &LLMError{Provider: "openai", Kind: kind}
		if got := e.Retryable(); got != want {
			t.Errorf("%s retryable = %v, want %v", kind, got, want)
		}
	}
}

func TestLLMErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	e := &LLMError{Provider: "anthropic", Kind: LLMTransport, Err: cause}
	if !errors.Is(e, cause) {
		t.Error("wrapped cause not reachable through errors.Is")
	}
}

func TestStaleReviewDetectionThroughWrapping(t *testing.T) {
	err := fmt.Errorf("approve interaction abc: %w",
		&StaleReviewError{InteractionID: "abc", Status: StatusSent})
	if !IsStaleReview(err) {
		t.Error("IsStaleReview missed a wrapped StaleReviewError")
	}
	if IsStaleReview(errors.New("plain")) {
		t.Error("IsStaleReview matched an unrelated error")
	}
}

func TestBackpressureDetectionThroughWrapping(t *testing.T) {
	err := fmt.Errorf("enqueue: %w",
		&BackpressureError{Queue: "review", Depth: 120, HighWater: 100})
	if !IsBackpressure(err) {
		t.Error("IsBackpressure missed a wrapped BackpressureError")
	}
}
