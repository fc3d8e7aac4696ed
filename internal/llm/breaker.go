package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nadia-hitl/nadia/internal/models"
)

// breakerClient wraps a provider client in a circuit breaker so a tripping
// provider fails fast instead of burning the retry budget on every call.
type breakerClient struct {
	inner    Client
	breaker  *gobreaker.CircuitBreaker
	provider string
}

// WithBreaker decorates a client with a per-provider circuit breaker.
func WithBreaker(inner Client, provider string, logger zerolog.Logger) Client {
	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("llm circuit breaker state change")
		},
	}
	return &breakerClient{
		inner:    inner,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		provider: provider,
	}
}

func (b *breakerClient) Generate(ctx context.Context, msgs []Message, temperature float64) (*Result, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Generate(ctx, msgs, temperature)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &models.LLMError{Provider: b.provider, Kind: models.LLMTransport, Err: err}
		}
		return nil, err
	}
	return out.(*Result), nil
}

func (b *breakerClient) ModelName() string { return b.inner.ModelName() }
