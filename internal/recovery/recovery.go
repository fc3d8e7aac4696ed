// Package recovery re-drives work stranded by a crash or restart. The
// agent sweeps five sources in order: journaled batches that never
// reached the review queue, mirrored buffers whose timers died with the
// process, review-queue entries out of step with the database, approved
// rows missing from the outbound queue, and platform messages that
// arrived while the process was down. Every phase is idempotent; the
// sweep also runs periodically as a consistency check.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
	"github.com/nadia-hitl/nadia/internal/pipeline"
	"github.com/nadia-hitl/nadia/internal/platform"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

const (
	// scanLimit caps how many rows or queue entries one sweep inspects.
	// Anything beyond it is picked up by the next sweep.
	scanLimit = 500

	// approvedRequeueGrace shields freshly approved rows from the
	// periodic requeue phase: the normal approve path pushes them
	// itself, and a row mid-delivery is absent from the queue.
	approvedRequeueGrace = 5 * time.Minute

	exhaustedReason = "recovery_retry_budget_exhausted"
)

// Store is the durable-queue surface the agent sweeps.
type Store interface {
	WALEntries(ctx context.Context) ([]kvstore.WALEntry, error)
	RemoveWAL(ctx context.Context, e kvstore.WALEntry) error
	SwapWAL(ctx context.Context, old, updated kvstore.WALEntry) error
	StaleBuffers(ctx context.Context) (map[string][]models.InboundMessage, error)
	ClearBuffer(ctx context.Context, userID string) error
	PendingReviews(ctx context.Context, limit int64) ([]models.ReviewItem, error)
	RemoveReview(ctx context.Context, interactionID string) error
	PushOutbound(ctx context.Context, item kvstore.OutboundItem) error
	OutboundIDs(ctx context.Context) ([]string, error)
	IsDelivering(ctx context.Context, interactionID string) (bool, error)
	WALDepth(ctx context.Context) (int64, error)
	ReviewDepth(ctx context.Context) (int64, error)
	OutboundDepth(ctx context.Context) (int64, error)
	BufferedUsers(ctx context.Context) (int64, error)
}

// Driver is the pipeline surface that journals and processes batches.
// The supervisor implements it.
type Driver interface {
	OnBatchReady(ctx context.Context, batch models.Batch) error
	Process(ctx context.Context, entry kvstore.WALEntry) error
}

// ReviewIntake re-enqueues pending rows that fell out of the queue.
type ReviewIntake interface {
	Enqueue(ctx context.Context, it *models.Interaction) (float64, error)
}

// EventSource lists inbound events that arrived after a given message id.
type EventSource interface {
	MissedMessages(ctx context.Context, userID string, afterID int64) ([]platform.Event, error)
}

// EventHandler replays missed events through the normal ingest path.
type EventHandler interface {
	Handle(ctx context.Context, ev platform.Event)
}

// Deps wires the agent's collaborators.
type Deps struct {
	KV      Store
	Repo    persistence.InteractionRepo
	Cursors persistence.CursorRepo
	Driver  Driver
	Reviews ReviewIntake
	Events  EventSource
	Ingest  EventHandler
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
}

// Agent owns crash recovery. Run Sweep once at boot before the sender
// starts, then periodically via Maintenance.
type Agent struct {
	kv          Store
	repo        persistence.InteractionRepo
	cursors     persistence.CursorRepo
	driver      Driver
	reviews     ReviewIntake
	events      EventSource
	ingest      EventHandler
	maxAttempts int
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	mu    sync.Mutex
	swept bool
}

// New builds the agent. A MaxAttempts of zero or below falls back to 3.
func New(deps Deps, cfg config.RecoveryConfig) *Agent {
	m := deps.Metrics
	if m == nil {
		m = telemetry.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Agent{
		kv:          deps.KV,
		repo:        deps.Repo,
		cursors:     deps.Cursors,
		driver:      deps.Driver,
		reviews:     deps.Reviews,
		events:      deps.Events,
		ingest:      deps.Ingest,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      deps.Logger.With().Str("component", "recovery").Logger(),
		now:         time.Now,
	}
}

// Sweep runs every recovery phase once. Per-item failures are logged and
// skipped so one poisoned entry cannot block the rest; a phase aborts
// only when its queue or table cannot be read at all.
func (a *Agent) Sweep(ctx context.Context) error {
	timer := a.metrics.StartStep(telemetry.StepRecovery)
	a.logger.Info().Msg("Recovery sweep started")

	var errs []error
	for _, phase := range []func(context.Context) error{
		a.replayJournal,
		a.flushStaleBuffers,
		a.reconcileReviews,
		a.requeueApproved,
		a.replayMissedEvents,
	} {
		if err := phase(ctx); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	a.refreshGauges(ctx)

	a.mu.Lock()
	a.swept = true
	a.mu.Unlock()

	if len(errs) > 0 {
		timer.Stop(telemetry.ResultError)
		return errors.Join(errs...)
	}
	timer.Stop(telemetry.ResultSuccess)
	a.logger.Info().Msg("Recovery sweep finished")
	return nil
}

// replayJournal re-drives journaled batches that never reached the
// review queue, bumping each entry's attempt counter first so a
// poisoned batch is dropped after a bounded number of tries.
func (a *Agent) replayJournal(ctx context.Context) error {
	entries, err := a.kv.WALEntries(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	for _, e := range entries {
		a.replayEntry(ctx, e)
	}
	if len(entries) > 0 {
		a.logger.Info().Int("entries", len(entries)).Msg("Journal replay finished")
	}
	return nil
}

func (a *Agent) replayEntry(ctx context.Context, e kvstore.WALEntry) {
	log := a.logger.With().
		Str("interaction_id", e.InteractionID).
		Int("attempts", e.Attempts).
		Logger()

	row, err := a.repo.Get(ctx, e.InteractionID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Error().Err(err).Msg("Journal row lookup failed, entry retained")
		return
	}
	if row != nil && row.ReviewStatus != models.StatusPending && row.ReviewStatus != models.StatusFailed {
		// The crash hit after the review enqueue but before journal
		// cleanup; the entry is a leftover.
		if err := a.kv.RemoveWAL(ctx, e); err != nil {
			log.Error().Err(err).Msg("Settled journal entry could not be removed")
			return
		}
		log.Info().Str("status", string(row.ReviewStatus)).Msg("Journal entry for settled row dropped")
		return
	}

	if e.Attempts >= a.maxAttempts {
		if err := a.repo.MarkFailed(ctx, e.InteractionID, exhaustedReason); err != nil &&
			!errors.Is(err, persistence.ErrNoTransition) && !errors.Is(err, models.ErrNotFound) {
			log.Error().Err(err).Msg("Exhausted row could not be marked failed")
		}
		if err := a.kv.RemoveWAL(ctx, e); err != nil {
			log.Error().Err(err).Msg("Exhausted journal entry could not be removed")
			return
		}
		a.metrics.Recovered.WithLabelValues("journal_dropped").Inc()
		log.Warn().Msg("Journal entry dropped after exhausting its retry budget")
		return
	}

	bumped := e
	bumped.Attempts++
	if err := a.kv.SwapWAL(ctx, e, bumped); err != nil {
		log.Error().Err(err).Msg("Journal attempt bump failed, entry retained")
		return
	}
	if row != nil && row.ReviewStatus == models.StatusFailed {
		if err := a.repo.Revive(ctx, e.InteractionID); err != nil && !errors.Is(err, persistence.ErrNoTransition) {
			log.Error().Err(err).Msg("Failed row could not be revived")
			return
		}
	}
	if err := a.driver.Process(ctx, bumped); err != nil {
		if merr := a.repo.MarkFailed(ctx, e.InteractionID, pipeline.FailureReason(err)); merr != nil &&
			!errors.Is(merr, persistence.ErrNoTransition) && !errors.Is(merr, models.ErrNotFound) {
			log.Error().Err(merr).Msg("Re-driven row could not be marked failed")
		}
		log.Error().Err(err).Msg("Journal re-drive failed, entry retained for the next sweep")
		return
	}
	a.metrics.Recovered.WithLabelValues("journal").Inc()
	log.Info().Msg("Journal entry re-driven")
}

// flushStaleBuffers releases mirrored buffers whose batching timers died
// with the process. The buffer is cleared only after the batch is safely
// journaled.
func (a *Agent) flushStaleBuffers(ctx context.Context) error {
	buffers, err := a.kv.StaleBuffers(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	for userID, msgs := range buffers {
		log := a.logger.With().Str("user_id", userID).Logger()
		if len(msgs) == 0 {
			if err := a.kv.ClearBuffer(ctx, userID); err != nil {
				log.Error().Err(err).Msg("Empty buffer could not be cleared")
			}
			continue
		}
		batch := models.Batch{UserID: userID, ChatID: msgs[0].ChatID, Messages: msgs}
		if err := a.driver.OnBatchReady(ctx, batch); err != nil {
			// Journaling failed, so the mirror stays the only copy.
			log.Error().Err(err).Int("messages", len(msgs)).Msg("Stale buffer flush failed, buffer retained")
			continue
		}
		if err := a.kv.ClearBuffer(ctx, userID); err != nil {
			log.Error().Err(err).Msg("Flushed buffer could not be cleared")
			continue
		}
		a.metrics.Recovered.WithLabelValues("buffer").Inc()
		log.Info().Int("messages", len(msgs)).Msg("Stale buffer flushed through the pipeline")
	}
	return nil
}

// reconcileReviews repairs both directions of queue/database drift:
// queue entries whose rows are settled or missing are dropped, and
// generated pending rows absent from the queue are re-enqueued.
func (a *Agent) reconcileReviews(ctx context.Context) error {
	items, err := a.kv.PendingReviews(ctx, scanLimit)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	queued := make(map[string]bool, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		queued[it.InteractionID] = true
		ids = append(ids, it.InteractionID)
	}

	byID := make(map[string]models.Interaction, len(ids))
	if len(ids) > 0 {
		rows, err := a.repo.ListByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		for _, row := range rows {
			byID[row.ID] = row
		}
	}
	for _, it := range items {
		row, ok := byID[it.InteractionID]
		if ok && row.ReviewStatus == models.StatusPending {
			continue
		}
		if err := a.kv.RemoveReview(ctx, it.InteractionID); err != nil {
			a.logger.Error().Err(err).Str("interaction_id", it.InteractionID).Msg("Drifted review entry could not be removed")
			continue
		}
		a.metrics.Recovered.WithLabelValues("review_dropped").Inc()
		a.logger.Info().
			Str("interaction_id", it.InteractionID).
			Bool("row_exists", ok).
			Msg("Drifted review entry dropped")
	}

	pending, err := a.repo.ListByStatus(ctx, models.StatusPending, scanLimit)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	for i := range pending {
		row := pending[i]
		// Rows without generated bubbles still belong to the journal.
		if queued[row.ID] || len(row.LLM2Bubbles) == 0 {
			continue
		}
		if _, err := a.reviews.Enqueue(ctx, &row); err != nil {
			a.logger.Error().Err(err).Str("interaction_id", row.ID).Msg("Pending row could not be re-enqueued")
			continue
		}
		a.metrics.Recovered.WithLabelValues("review").Inc()
		a.logger.Info().Str("interaction_id", row.ID).Msg("Pending row re-enqueued for review")
	}
	return nil
}

// requeueApproved pushes approved rows that vanished from the outbound
// queue, which happens when the process dies between pop and delivery or
// between the approval write and the queue push.
func (a *Agent) requeueApproved(ctx context.Context) error {
	queuedIDs, err := a.kv.OutboundIDs(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	queued := make(map[string]bool, len(queuedIDs))
	for _, id := range queuedIDs {
		queued[id] = true
	}

	rows, err := a.repo.ListByStatus(ctx, models.StatusApproved, scanLimit)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	cutoff := a.approvedCutoff()
	for i := range rows {
		row := rows[i]
		if queued[row.ID] {
			continue
		}
		if row.ReviewCompletedAt != nil && row.ReviewCompletedAt.After(cutoff) {
			continue
		}
		if delivering, derr := a.kv.IsDelivering(ctx, row.ID); derr == nil && delivering {
			continue
		}
		item := kvstore.OutboundItem{
			InteractionID: row.ID,
			UserID:        row.UserID,
			ChatID:        row.ConversationID,
			Bubbles:       row.SendableBubbles(),
			UserMessage:   row.UserMessage,
			EnqueuedAt:    a.now().UTC(),
		}
		if err := a.kv.PushOutbound(ctx, item); err != nil {
			a.logger.Error().Err(err).Str("interaction_id", row.ID).Msg("Approved row could not be requeued")
			continue
		}
		a.metrics.Recovered.WithLabelValues("outbound").Inc()
		a.logger.Info().Str("interaction_id", row.ID).Msg("Approved row requeued for delivery")
	}
	return nil
}

// approvedCutoff is the newest review completion the requeue phase will
// touch. The boot sweep runs before the sender starts, so nothing can be
// mid-delivery and no grace is needed; periodic sweeps race the sender
// and leave recent approvals alone.
func (a *Agent) approvedCutoff() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.swept {
		return a.now()
	}
	return a.now().Add(-approvedRequeueGrace)
}

// replayMissedEvents asks the platform for messages newer than each
// user's cursor and replays them through the normal ingest path, which
// advances the cursor as batches are accepted.
func (a *Agent) replayMissedEvents(ctx context.Context) error {
	if a.events == nil || a.ingest == nil {
		return nil
	}
	cursors, err := a.cursors.All(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	var replayed int
	for _, c := range cursors {
		events, err := a.events.MissedMessages(ctx, c.UserID, c.LastMessageID)
		if err != nil {
			a.logger.Warn().Err(err).Str("user_id", c.UserID).Msg("Missed-message fetch failed")
			continue
		}
		for _, ev := range events {
			a.ingest.Handle(ctx, ev)
		}
		if len(events) > 0 {
			a.metrics.Recovered.WithLabelValues("missed").Add(float64(len(events)))
			replayed += len(events)
		}
	}
	if replayed > 0 {
		a.logger.Info().Int("events", replayed).Msg("Missed platform events replayed")
	}
	return nil
}

// refreshGauges publishes queue depths so dashboards are correct right
// after a restart instead of waiting for the first pipeline activity.
func (a *Agent) refreshGauges(ctx context.Context) {
	if depth, err := a.kv.WALDepth(ctx); err == nil {
		a.metrics.SetQueueDepth(telemetry.QueueWAL, depth)
	}
	if depth, err := a.kv.ReviewDepth(ctx); err == nil {
		a.metrics.SetQueueDepth(telemetry.QueueReview, depth)
	}
	if depth, err := a.kv.OutboundDepth(ctx); err == nil {
		a.metrics.SetQueueDepth(telemetry.QueueOutbound, depth)
	}
	if depth, err := a.kv.BufferedUsers(ctx); err == nil {
		a.metrics.SetQueueDepth(telemetry.QueueBuffers, depth)
	}
}
