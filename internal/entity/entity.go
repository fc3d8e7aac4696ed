// Package entity caches resolved platform peers so typing indicators and
// sends never trigger a cold lookup on the hot path. The cache is
// FIFO-bounded; failed lookups are counted per user and purged on the
// hourly maintenance sweep.
package entity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/platform"
)

const (
	defaultCapacity = 500
	maxAttempts     = 3
)

// ProfileSink persists display names learned during resolution so the
// prompt builder can address users by name.
type ProfileSink interface {
	UserProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	SetUserProfile(ctx context.Context, userID string, profile models.UserProfile) error
}

// Resolver resolves and caches platform peers.
type Resolver struct {
	client platform.Client
	logger zerolog.Logger

	// RetryDelay is the base backoff between attempts, doubled per retry.
	RetryDelay time.Duration

	// Profiles, when set, receives display names from successful resolves.
	Profiles ProfileSink

	mu       sync.Mutex
	capacity int
	order    []string
	peers    map[string]*platform.Peer
	failures map[string]int
}

// New creates a resolver with a FIFO cache of the given capacity.
func New(client platform.Client, capacity int, logger zerolog.Logger) *Resolver {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Resolver{
		client:     client,
		logger:     logger.With().Str("component", "entity").Logger(),
		RetryDelay: 500 * time.Millisecond,
		capacity:   capacity,
		peers:      make(map[string]*platform.Peer),
		failures:   make(map[string]int),
	}
}

// Resolve returns a usable peer handle for the user, from cache when
// possible. Lookups prefer the input-entity path and fall back to a full
// resolve; transient failures retry with exponential backoff, honoring the
// platform's retry-after hint when rate limited.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*platform.Peer, error) {
	r.mu.Lock()
	if peer, ok := r.peers[userID]; ok {
		r.mu.Unlock()
		return peer, nil
	}
	r.mu.Unlock()

	peer, err := r.lookup(ctx, userID)
	if err != nil {
		r.mu.Lock()
		r.failures[userID]++
		count := r.failures[userID]
		r.mu.Unlock()
		r.logger.Warn().Err(err).Str("user_id", userID).Int("failures", count).Msg("Peer resolution failed")
		return nil, err
	}

	r.store(userID, peer)
	r.recordProfile(ctx, userID, peer)
	return peer, nil
}

// recordProfile writes the resolved username through to the profile cache,
// preserving any summary already stored there. Best effort: a failure never
// fails the resolve.
func (r *Resolver) recordProfile(ctx context.Context, userID string, peer *platform.Peer) {
	if r.Profiles == nil || peer.Username == "" {
		return
	}
	current, err := r.Profiles.UserProfile(ctx, userID)
	if err != nil {
		r.logger.Debug().Err(err).Str("user_id", userID).Msg("Profile read failed")
		return
	}
	profile := models.UserProfile{DisplayName: peer.Username}
	if current != nil {
		if current.DisplayName == peer.Username {
			return
		}
		profile.Summary = current.Summary
	}
	if err := r.Profiles.SetUserProfile(ctx, userID, profile); err != nil {
		r.logger.Debug().Err(err).Str("user_id", userID).Msg("Profile write failed")
	}
}

func (r *Resolver) lookup(ctx context.Context, userID string) (*platform.Peer, error) {
	var lastErr error
	delay := r.RetryDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := delay
			var rle *platform.RateLimitError
			if errors.As(lastErr, &rle) && rle.RetryAfter > wait {
				wait = rle.RetryAfter
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			delay *= 2
		}

		peer, err := r.client.ResolveInputPeer(ctx, userID)
		if err == nil {
			return peer, nil
		}
		lastErr = err

		// The input path can miss users the full resolve still finds.
		peer, err = r.client.ResolvePeer(ctx, userID)
		if err == nil {
			return peer, nil
		}
		lastErr = err
	}

	return nil, lastErr
}

func (r *Resolver) store(userID string, peer *platform.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.failures, userID)

	if _, ok := r.peers[userID]; ok {
		r.peers[userID] = peer
		return
	}

	for len(r.peers) >= r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.peers, oldest)
	}

	r.peers[userID] = peer
	r.order = append(r.order, userID)
}

// Forget drops the cached handle, forcing a fresh resolve on next use.
// Called when a send fails in a way that suggests a stale handle.
func (r *Resolver) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[userID]; !ok {
		return
	}
	delete(r.peers, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Size reports the number of cached peers.
func (r *Resolver) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// FailureCount reports accumulated resolution failures for a user.
func (r *Resolver) FailureCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[userID]
}

// CleanupFailures purges all failure counters and returns how many were
// dropped. Scheduled hourly so flaky users get fresh retry budgets.
func (r *Resolver) CleanupFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.failures)
	r.failures = make(map[string]int)
	if n > 0 {
		r.logger.Debug().Int("purged", n).Msg("Entity failure counters purged")
	}
	return n
}

// WarmUp seeds the cache from the most recent dialogs so the first
// deliveries after boot skip cold lookups. Individual failures are logged
// and skipped.
func (r *Resolver) WarmUp(ctx context.Context, limit int) int {
	dialogs, err := r.client.RecentDialogs(ctx, limit)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Entity warm-up dialog listing failed")
		return 0
	}

	warmed := 0
	for _, d := range dialogs {
		if _, err := r.Resolve(ctx, d.UserID); err != nil {
			continue
		}
		warmed++
	}

	r.logger.Info().Int("warmed", warmed).Int("dialogs", len(dialogs)).Msg("Entity cache warmed")
	return warmed
}
