// Package kvstore owns every Redis structure the pipeline relies on: the
// durable WAL, the review and outbound queues, per-user message buffers,
// typing state, conversation history and the small user-profile cache.
// KV is the source of truth on restart; in-memory state is a cache.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/models"
)

// Queue and hash key names are part of the operational contract; dashboards
// and runbooks reference them by name.
const (
	KeyWAL         = "nadia_message_queue"
	KeyReviewQueue = "nadia_review_queue"
	KeyOutbound    = "nadia_approved_messages"
	KeyBuffers     = "nadia_message_buffer"
	KeyTypingState = "nadia_typing_state"
)

func historyKey(userID string) string { return "user:" + userID + ":history" }
func profileKey(userID string) string { return "nadia:user:" + userID + ":profile" }
func deliveringKey(id string) string  { return "nadia:delivering:" + id }

// Store wraps a single Redis client with typed operations for each
// structure. All methods are safe for concurrent use.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{rdb: client, now: time.Now}
}

// Open connects using a redis:// URL.
func Open(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts)), nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// Ping tests connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// KeyType returns the Redis type of a key ("none" when absent). Health
// checks use it to verify the queue keys have not been clobbered.
func (s *Store) KeyType(ctx context.Context, key string) (string, error) {
	return s.rdb.Type(ctx, key).Result()
}

// ScanKeys collects up to limit keys matching pattern.
func (s *Store) ScanKeys(ctx context.Context, pattern string, limit int64) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if int64(len(keys)) >= limit || next == 0 {
			break
		}
		cursor = next
	}
	if int64(len(keys)) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// How often an optimistic history append retries before giving up. The
// key sees a handful of writers at most, so contention clears fast.
const historyAppendRetries = 3

// AppendHistory appends turns to the user's conversation history, trims to
// the retention cap and refreshes the TTL. The read-modify-write runs
// under WATCH so concurrent appenders never overwrite each other's turns.
func (s *Store) AppendHistory(ctx context.Context, userID string, turns ...models.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	key := historyKey(userID)

	txf := func(tx *redis.Tx) error {
		var history []models.ConversationTurn
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("load history for %s: %w", userID, err)
		}
		if err == nil {
			if uerr := json.Unmarshal(data, &history); uerr != nil {
				return fmt.Errorf("decode history for %s: %w", userID, uerr)
			}
		}

		history = append(history, turns...)
		if len(history) > config.HistoryMaxTurns {
			history = history[len(history)-config.HistoryMaxTurns:]
		}
		payload, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, config.HistoryTTL)
			return nil
		})
		return err
	}

	for i := 0; i < historyAppendRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return fmt.Errorf("store history for %s: %w", userID, err)
	}
	return fmt.Errorf("store history for %s: %w", userID, redis.TxFailedErr)
}

// History returns the most recent limit turns in chronological order.
// limit <= 0 returns everything retained.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]models.ConversationTurn, error) {
	data, err := s.rdb.Get(ctx, historyKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", userID, err)
	}
	var turns []models.ConversationTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", userID, err)
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// UserProfile returns the cached profile, or nil when none is stored.
func (s *Store) UserProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	data, err := s.rdb.Get(ctx, profileKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile for %s: %w", userID, err)
	}
	var p models.UserProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile for %s: %w", userID, err)
	}
	return &p, nil
}

// SetUserProfile stores the profile with the history TTL; a zero profile
// deletes the key.
func (s *Store) SetUserProfile(ctx context.Context, userID string, p models.UserProfile) error {
	if p == (models.UserProfile{}) {
		return s.rdb.Del(ctx, profileKey(userID)).Err()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return s.rdb.Set(ctx, profileKey(userID), data, config.HistoryTTL).Err()
}

// typingRecord carries the freshness timestamp so readers can apply the
// 30 s staleness rule without per-field expiry support.
type typingRecord struct {
	Typing    bool      `json:"typing"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetTyping records the user's typing state.
func (s *Store) SetTyping(ctx context.Context, userID string, typing bool) error {
	data, err := json.Marshal(typingRecord{Typing: typing, UpdatedAt: s.now()})
	if err != nil {
		return fmt.Errorf("marshal typing state: %w", err)
	}
	if err := s.rdb.HSet(ctx, KeyTypingState, userID, data).Err(); err != nil {
		return fmt.Errorf("store typing state for %s: %w", userID, err)
	}
	return nil
}

// IsTyping reports the user's current typing state. A missing or stale
// record (older than the freshness window) reads as not-typing.
func (s *Store) IsTyping(ctx context.Context, userID string) (bool, error) {
	data, err := s.rdb.HGet(ctx, KeyTypingState, userID).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load typing state for %s: %w", userID, err)
	}
	var rec typingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, nil
	}
	if s.now().Sub(rec.UpdatedAt) > config.TypingStateTTL {
		return false, nil
	}
	return rec.Typing, nil
}

// SweepTypingState removes stale typing records. Run periodically; reads
// already ignore stale fields, this only reclaims hash space.
func (s *Store) SweepTypingState(ctx context.Context) (int, error) {
	fields, err := s.rdb.HGetAll(ctx, KeyTypingState).Result()
	if err != nil {
		return 0, fmt.Errorf("scan typing state: %w", err)
	}
	var stale []string
	for userID, raw := range fields {
		var rec typingRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || s.now().Sub(rec.UpdatedAt) > config.TypingStateTTL {
			stale = append(stale, userID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.rdb.HDel(ctx, KeyTypingState, stale...).Err(); err != nil {
		return 0, fmt.Errorf("sweep typing state: %w", err)
	}
	return len(stale), nil
}
