package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nadia-hitl/nadia/internal/models"
)

// WALEntry journals one batch from acceptance until its interaction row is
// safely enqueued for review. Entries survive restarts; the recovery agent
// re-drives whatever is left.
type WALEntry struct {
	InteractionID string       `json:"interaction_id"`
	UserID        string       `json:"user_id"`
	ChatID        string       `json:"chat_id"`
	Batch         models.Batch `json:"batch"`
	Attempts      int          `json:"attempts"`
	EnqueuedAt    time.Time    `json:"enqueued_at"`
}

func (e WALEntry) payload() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal wal entry: %w", err)
	}
	return string(data), nil
}

// PushWAL journals the entry.
func (s *Store) PushWAL(ctx context.Context, e WALEntry) error {
	data, err := e.payload()
	if err != nil {
		return err
	}
	if err := s.rdb.LPush(ctx, KeyWAL, data).Err(); err != nil {
		return fmt.Errorf("push wal entry %s: %w", e.InteractionID, err)
	}
	return nil
}

// RemoveWAL deletes the journal entry. The argument must be the exact value
// pushed; marshaling is deterministic so value equality is payload equality.
func (s *Store) RemoveWAL(ctx context.Context, e WALEntry) error {
	data, err := e.payload()
	if err != nil {
		return err
	}
	if err := s.rdb.LRem(ctx, KeyWAL, 1, data).Err(); err != nil {
		return fmt.Errorf("remove wal entry %s: %w", e.InteractionID, err)
	}
	return nil
}

// SwapWAL atomically replaces one journal entry with another, used by the
// recovery agent to bump the attempt counter without a window where the
// batch is journaled zero or two times.
func (s *Store) SwapWAL(ctx context.Context, old, updated WALEntry) error {
	oldData, err := old.payload()
	if err != nil {
		return err
	}
	newData, err := updated.payload()
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, KeyWAL, 1, oldData)
		pipe.LPush(ctx, KeyWAL, newData)
		return nil
	})
	if err != nil {
		return fmt.Errorf("swap wal entry %s: %w", old.InteractionID, err)
	}
	return nil
}

// WALEntries returns every journaled entry, oldest first.
func (s *Store) WALEntries(ctx context.Context) ([]WALEntry, error) {
	raw, err := s.rdb.LRange(ctx, KeyWAL, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read wal: %w", err)
	}
	// LPUSH prepends, so the list reads newest first.
	entries := make([]WALEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e WALEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, fmt.Errorf("decode wal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// WALDepth returns the number of journaled entries.
func (s *Store) WALDepth(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, KeyWAL).Result()
}

// MirrorBuffer writes a user's in-memory buffer through to the shared hash
// so a crash loses at most the in-flight timer.
func (s *Store) MirrorBuffer(ctx context.Context, userID string, msgs []models.InboundMessage) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal buffer: %w", err)
	}
	if err := s.rdb.HSet(ctx, KeyBuffers, userID, data).Err(); err != nil {
		return fmt.Errorf("mirror buffer for %s: %w", userID, err)
	}
	return nil
}

// ClearBuffer removes the user's mirrored buffer after a flush.
func (s *Store) ClearBuffer(ctx context.Context, userID string) error {
	if err := s.rdb.HDel(ctx, KeyBuffers, userID).Err(); err != nil {
		return fmt.Errorf("clear buffer for %s: %w", userID, err)
	}
	return nil
}

// StaleBuffers returns every mirrored buffer. After a restart these are
// batches whose timers died with the process.
func (s *Store) StaleBuffers(ctx context.Context) (map[string][]models.InboundMessage, error) {
	fields, err := s.rdb.HGetAll(ctx, KeyBuffers).Result()
	if err != nil {
		return nil, fmt.Errorf("read buffers: %w", err)
	}
	out := make(map[string][]models.InboundMessage, len(fields))
	for userID, raw := range fields {
		var msgs []models.InboundMessage
		if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
			return nil, fmt.Errorf("decode buffer for %s: %w", userID, err)
		}
		out[userID] = msgs
	}
	return out, nil
}

// BufferedUsers returns the number of users with a mirrored buffer.
func (s *Store) BufferedUsers(ctx context.Context) (int64, error) {
	return s.rdb.HLen(ctx, KeyBuffers).Result()
}

// EnqueueReview adds the interaction to the priority queue. Returns false
// when the id was already queued (dedupe).
func (s *Store) EnqueueReview(ctx context.Context, interactionID string, priority float64) (bool, error) {
	added, err := s.rdb.ZAddNX(ctx, KeyReviewQueue, redis.Z{Score: priority, Member: interactionID}).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue review %s: %w", interactionID, err)
	}
	return added == 1, nil
}

// RemoveReview drops the interaction from the queue.
func (s *Store) RemoveReview(ctx context.Context, interactionID string) error {
	if err := s.rdb.ZRem(ctx, KeyReviewQueue, interactionID).Err(); err != nil {
		return fmt.Errorf("remove review %s: %w", interactionID, err)
	}
	return nil
}

// ReviewDepth returns the number of queued reviews.
func (s *Store) ReviewDepth(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, KeyReviewQueue).Result()
}

// PendingReviews returns up to limit queued items, highest priority first.
func (s *Store) PendingReviews(ctx context.Context, limit int64) ([]models.ReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}
	zs, err := s.rdb.ZRevRangeWithScores(ctx, KeyReviewQueue, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	items := make([]models.ReviewItem, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		items = append(items, models.ReviewItem{InteractionID: id, Priority: z.Score})
	}
	return items, nil
}

// OutboundItem is one approved interaction awaiting paced delivery.
type OutboundItem struct {
	InteractionID string    `json:"interaction_id"`
	UserID        string    `json:"user_id"`
	ChatID        string    `json:"chat_id"`
	Bubbles       []string  `json:"bubbles"`
	UserMessage   string    `json:"user_message"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// CompleteReview atomically removes the interaction from the review queue
// and, for approvals, pushes the outbound item. Rejections pass nil.
func (s *Store) CompleteReview(ctx context.Context, interactionID string, item *OutboundItem) error {
	var data []byte
	if item != nil {
		var err error
		data, err = json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal outbound item: %w", err)
		}
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, KeyReviewQueue, interactionID)
		if data != nil {
			pipe.LPush(ctx, KeyOutbound, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete review %s: %w", interactionID, err)
	}
	return nil
}

// PushOutbound appends an item to the delivery queue. Recovery uses it to
// re-enqueue approved rows that never reached the sender.
func (s *Store) PushOutbound(ctx context.Context, item OutboundItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal outbound item: %w", err)
	}
	if err := s.rdb.LPush(ctx, KeyOutbound, data).Err(); err != nil {
		return fmt.Errorf("push outbound %s: %w", item.InteractionID, err)
	}
	return nil
}

// PopOutbound blocks up to timeout for the next delivery. Returns nil with
// no error when the timeout elapses.
func (s *Store) PopOutbound(ctx context.Context, timeout time.Duration) (*OutboundItem, error) {
	res, err := s.rdb.BRPop(ctx, timeout, KeyOutbound).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop outbound: %w", err)
	}
	// BRPOP returns [key, value].
	var item OutboundItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return nil, fmt.Errorf("decode outbound item: %w", err)
	}
	return &item, nil
}

// RequeueOutboundHead pushes an item back so the next pop returns it first.
// The paced sender uses it to keep remainder bubbles in order after a
// partial failure.
func (s *Store) RequeueOutboundHead(ctx context.Context, item OutboundItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal outbound item: %w", err)
	}
	if err := s.rdb.RPush(ctx, KeyOutbound, data).Err(); err != nil {
		return fmt.Errorf("requeue outbound %s: %w", item.InteractionID, err)
	}
	return nil
}

// OutboundDepth returns the number of queued deliveries.
func (s *Store) OutboundDepth(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, KeyOutbound).Result()
}

// OutboundIDs returns the interaction ids currently queued for delivery.
// The recovery agent consults it before re-pushing approved rows so an
// already-queued interaction is not delivered twice.
func (s *Store) OutboundIDs(ctx context.Context) ([]string, error) {
	raw, err := s.rdb.LRange(ctx, KeyOutbound, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read outbound: %w", err)
	}
	ids := make([]string, 0, len(raw))
	for _, r := range raw {
		var item OutboundItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			return nil, fmt.Errorf("decode outbound item: %w", err)
		}
		ids = append(ids, item.InteractionID)
	}
	return ids, nil
}

// DeliveringTTL bounds how long a delivery marker can outlive its worker.
const DeliveringTTL = 10 * time.Minute

// MarkDelivering flags the interaction as being paced right now. An item
// popped from the outbound list is invisible to queue scans; the marker
// keeps the recovery sweep from re-pushing its row mid-delivery. It
// expires on its own so a crashed worker cannot strand it.
func (s *Store) MarkDelivering(ctx context.Context, interactionID string) error {
	if err := s.rdb.Set(ctx, deliveringKey(interactionID), "1", DeliveringTTL).Err(); err != nil {
		return fmt.Errorf("mark delivering %s: %w", interactionID, err)
	}
	return nil
}

// ClearDelivering removes the delivery marker.
func (s *Store) ClearDelivering(ctx context.Context, interactionID string) error {
	if err := s.rdb.Del(ctx, deliveringKey(interactionID)).Err(); err != nil {
		return fmt.Errorf("clear delivering %s: %w", interactionID, err)
	}
	return nil
}

// IsDelivering reports whether a delivery marker exists for the id.
func (s *Store) IsDelivering(ctx context.Context, interactionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, deliveringKey(interactionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check delivering %s: %w", interactionID, err)
	}
	return n == 1, nil
}
