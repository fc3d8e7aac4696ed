// Package sender delivers approved bubbles with human-like cadence:
// a reading pause sized to the user's message, a typing indicator per
// bubble, and short gaps between bubbles. Bubbles of one interaction are
// strictly ordered; a failed bubble halts the remainder and requeues it
// at the head of the outbound list.
package sender

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
	"github.com/nadia-hitl/nadia/internal/platform"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

const (
	// popTimeout bounds each BRPOP so the loop notices cancellation and
	// refreshes the depth gauge while idle.
	popTimeout = 2 * time.Second

	// sendFailureBackoff keeps a down platform from hot-looping on the
	// requeued remainder.
	sendFailureBackoff = 2 * time.Second
)

// Reading-pause clamp per delivered interaction.
const (
	minReadingPause = 500 * time.Millisecond
	maxReadingPause = 5 * time.Second
)

// Store is the queue and history surface the worker consumes.
type Store interface {
	PopOutbound(ctx context.Context, timeout time.Duration) (*kvstore.OutboundItem, error)
	RequeueOutboundHead(ctx context.Context, item kvstore.OutboundItem) error
	MarkDelivering(ctx context.Context, interactionID string) error
	ClearDelivering(ctx context.Context, interactionID string) error
	AppendHistory(ctx context.Context, userID string, turns ...models.ConversationTurn) error
	OutboundDepth(ctx context.Context) (int64, error)
}

// PeerSource warms the platform handle needed for typing indicators.
type PeerSource interface {
	Resolve(ctx context.Context, userID string) (*platform.Peer, error)
}

// Transport is the outbound platform surface.
type Transport interface {
	SetTyping(ctx context.Context, chatID string, d time.Duration) error
	SendMessage(ctx context.Context, chatID, text string) (int64, error)
}

// Worker consumes the outbound queue and delivers each interaction's
// bubbles in order. One worker preserves per-user approval order; run
// exactly one per process.
type Worker struct {
	kv      Store
	repo    persistence.InteractionRepo
	peers   PeerSource
	chat    Transport
	pacing  config.PacingConfig
	limiter *rate.Limiter
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	rand    func() float64
}

// NewWorker wires a paced delivery worker. A SendRatePerSec of zero or
// below disables global rate limiting.
func NewWorker(kv Store, repo persistence.InteractionRepo, peers PeerSource, chat Transport, pacing config.PacingConfig, metrics *telemetry.Metrics, logger zerolog.Logger) *Worker {
	if metrics == nil {
		metrics = telemetry.NewNop()
	}
	limit := rate.Inf
	if pacing.SendRatePerSec > 0 {
		limit = rate.Limit(pacing.SendRatePerSec)
	}
	return &Worker{
		kv:      kv,
		repo:    repo,
		peers:   peers,
		chat:    chat,
		pacing:  pacing,
		limiter: rate.NewLimiter(limit, 1),
		metrics: metrics,
		logger:  logger.With().Str("component", "sender").Logger(),
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// Run consumes the outbound queue until the context ends.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Bool("pacing", w.pacing.Enabled).Msg("Paced sender started")
	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("Paced sender stopped")
			return
		}
		item, err := w.kv.PopOutbound(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info().Msg("Paced sender stopped")
				return
			}
			w.logger.Error().Err(err).Msg("Outbound pop failed")
			w.sleep(ctx, time.Second)
			continue
		}
		if item == nil {
			if depth, derr := w.kv.OutboundDepth(ctx); derr == nil {
				w.metrics.SetQueueDepth(telemetry.QueueOutbound, depth)
			}
			continue
		}
		w.Deliver(ctx, *item)
	}
}

// Deliver sends one interaction's bubbles in order with pacing around
// each. Cancellation is honored between bubbles, never mid-send.
func (w *Worker) Deliver(ctx context.Context, item kvstore.OutboundItem) {
	log := w.logger.With().
		Str("interaction_id", item.InteractionID).
		Str("user_id", item.UserID).
		Logger()
	if len(item.Bubbles) == 0 {
		log.Warn().Msg("Outbound item without bubbles, dropping")
		return
	}
	start := time.Now()
	timer := w.metrics.StartStep(telemetry.StepPacedSend)

	// The marker shields the row from the recovery sweep while it is
	// invisible to outbound queue scans.
	if err := w.kv.MarkDelivering(ctx, item.InteractionID); err != nil {
		log.Debug().Err(err).Msg("Delivery marker write failed")
	}
	defer w.clearDelivering(item.InteractionID, log)

	chatID := item.ChatID
	if w.peers != nil {
		if peer, err := w.peers.Resolve(ctx, item.UserID); err != nil {
			log.Warn().Err(err).Msg("Peer resolution failed, falling back to raw chat id")
		} else if peer.ChatID != "" {
			chatID = peer.ChatID
		}
	}

	if !w.sleep(ctx, w.preSendPause(item.UserMessage)) {
		w.requeueRemainder(item, 0, log)
		timer.Stop(telemetry.ResultTimeout)
		return
	}

	for i, bubble := range item.Bubbles {
		if i > 0 {
			if !w.sleep(ctx, w.interBubblePause()) {
				w.requeueRemainder(item, i, log)
				timer.Stop(telemetry.ResultTimeout)
				return
			}
		}
		w.showTyping(ctx, chatID, bubble, log)
		if err := w.limiter.Wait(ctx); err != nil {
			w.requeueRemainder(item, i, log)
			timer.Stop(telemetry.ResultTimeout)
			return
		}
		if _, err := w.chat.SendMessage(ctx, chatID, bubble); err != nil {
			w.handleSendFailure(ctx, item, i, err, log)
			timer.Stop(telemetry.ResultError)
			return
		}
		w.metrics.BubblesSent.Inc()
	}

	if err := w.repo.MarkSent(ctx, item.InteractionID, w.now().UTC()); err != nil {
		if errors.Is(err, persistence.ErrNoTransition) {
			// Retried remainder of a partially failed delivery: the row
			// keeps its failure record, the user still gets the text.
			log.Warn().Msg("Delivered interaction was not in approved state")
		} else {
			log.Error().Err(err).Msg("Sent row could not be marked")
		}
	}
	w.appendAssistantTurns(ctx, item)

	w.metrics.SendDuration.Observe(time.Since(start).Seconds())
	w.metrics.Interactions.WithLabelValues("sent").Inc()
	timer.Stop(telemetry.ResultSuccess)
	log.Info().
		Int("bubbles", len(item.Bubbles)).
		Dur("took", time.Since(start)).
		Msg("Interaction delivered")
}

// preSendPause models the persona reading the user's message before
// responding, clamped to [0.5 s, 5 s]. Without an inbound message it
// falls back to a short thinking pause.
func (w *Worker) preSendPause(userMessage string) time.Duration {
	if !w.pacing.Enabled {
		return 0
	}
	if strings.TrimSpace(userMessage) == "" {
		return w.uniform(1.0, 3.0)
	}
	words := float64(len(strings.Fields(userMessage)))
	secs := words / w.pacing.ReadingWPM * 60
	d := time.Duration(secs * float64(time.Second))
	if d < minReadingPause {
		return minReadingPause
	}
	if d > maxReadingPause {
		return maxReadingPause
	}
	return d
}

// typingDuration estimates how long a human would type the bubble at the
// configured words-per-minute, with ±20% jitter.
func (w *Worker) typingDuration(bubble string) time.Duration {
	words := float64(utf8.RuneCountInString(bubble)) / 5
	minutes := words / w.pacing.WordsPerMinute
	jitter := 0.8 + w.rand()*0.4
	return time.Duration(minutes * 60 * jitter * float64(time.Second))
}

func (w *Worker) interBubblePause() time.Duration {
	if !w.pacing.Enabled {
		return 0
	}
	return w.uniform(0.5, 2.0)
}

func (w *Worker) uniform(lo, hi float64) time.Duration {
	return time.Duration((lo + w.rand()*(hi-lo)) * float64(time.Second))
}

// showTyping emits the typing indicator and holds for its duration.
// Failures degrade to an unannounced send.
func (w *Worker) showTyping(ctx context.Context, chatID, bubble string, log zerolog.Logger) {
	if !w.pacing.Enabled {
		return
	}
	d := w.typingDuration(bubble)
	if d <= 0 {
		return
	}
	if err := w.chat.SetTyping(ctx, chatID, d); err != nil {
		log.Debug().Err(err).Msg("Typing indicator failed")
		return
	}
	w.sleep(ctx, d)
}

// handleSendFailure requeues the undelivered remainder at the pop head,
// marks the row failed and backs off before the next loop turn.
func (w *Worker) handleSendFailure(ctx context.Context, item kvstore.OutboundItem, from int, cause error, log zerolog.Logger) {
	backoff := sendFailureBackoff
	label := "transport"
	var rl *platform.RateLimitError
	if errors.As(cause, &rl) {
		label = "rate_limited"
		if rl.RetryAfter > backoff {
			backoff = rl.RetryAfter
		}
	}
	w.metrics.SendFailures.WithLabelValues(label).Inc()

	w.requeueRemainder(item, from, log)

	reason := "send:" + label
	if err := w.repo.MarkFailed(ctx, item.InteractionID, reason); err != nil && !errors.Is(err, persistence.ErrNoTransition) {
		log.Error().Err(err).Msg("Failed row could not be marked")
	}
	w.metrics.Interactions.WithLabelValues("send_failed").Inc()
	log.Error().
		Err(cause).
		Int("delivered", from).
		Int("remaining", len(item.Bubbles)-from).
		Msg("Bubble send failed, remainder requeued")
	w.sleep(ctx, backoff)
}

// clearDelivering drops the marker on a detached context so shutdown
// cannot leave it pinned for its full TTL.
func (w *Worker) clearDelivering(id string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.kv.ClearDelivering(ctx, id); err != nil {
		log.Debug().Err(err).Msg("Delivery marker clear failed")
	}
}

// requeueRemainder pushes the undelivered bubbles back to the pop head in
// original order. Uses a detached context so shutdown cannot drop them.
func (w *Worker) requeueRemainder(item kvstore.OutboundItem, from int, log zerolog.Logger) {
	remainder := item
	remainder.Bubbles = item.Bubbles[from:]
	if len(remainder.Bubbles) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.kv.RequeueOutboundHead(ctx, remainder); err != nil {
		log.Error().
			Err(err).
			Strs("bubbles", remainder.Bubbles).
			Msg("Remainder could not be requeued, logging for manual replay")
		return
	}
	log.Info().Int("bubbles", len(remainder.Bubbles)).Msg("Remainder requeued at outbound head")
}

// appendAssistantTurns records the delivered bubbles in conversation
// history so the next generation sees them.
func (w *Worker) appendAssistantTurns(ctx context.Context, item kvstore.OutboundItem) {
	sentAt := w.now().UTC()
	turns := make([]models.ConversationTurn, 0, len(item.Bubbles))
	for _, b := range item.Bubbles {
		turns = append(turns, models.ConversationTurn{
			Role:      models.RoleAssistant,
			Content:   b,
			Timestamp: sentAt,
		})
	}
	if err := w.kv.AppendHistory(ctx, item.UserID, turns...); err != nil {
		w.logger.Warn().Err(err).Str("user_id", item.UserID).Msg("History append failed")
	}
}

// sleep waits for d unless the context ends first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
