// Package review owns the human review queue: priority ordering, listing,
// and the approve/reject/edit decisions. Every generated interaction
// passes through here; nothing is ever sent without a reviewer decision.
package review

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

// Priority weights: risk dominates, age breaks ties and lifts rows that
// recovery re-queued after sitting through an outage.
const (
	riskWeight   = 100.0
	agePerMinute = 0.1
)

// Filter narrows ListPending results.
type Filter struct {
	UserID  string
	MinRisk float64
}

// Item is one pending interaction joined with its queue priority.
type Item struct {
	Priority    float64            `json:"priority"`
	Interaction models.Interaction `json:"interaction"`
}

// Manager coordinates the review queue between the KV priority set and
// the relational rows. The zset holds exactly the pending ids; the rows
// hold the truth about status.
type Manager struct {
	kv      *kvstore.Store
	repo    persistence.InteractionRepo
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	outboundHighWater int64
	now               func() time.Time
}

// NewManager wires the review queue.
func NewManager(kv *kvstore.Store, repo persistence.InteractionRepo, outboundHighWater int64, metrics *telemetry.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		kv:                kv,
		repo:              repo,
		metrics:           metrics,
		logger:            logger.With().Str("component", "review").Logger(),
		outboundHighWater: outboundHighWater,
		now:               time.Now,
	}
}

// Priority computes the queue score for an interaction: risk-dominant
// with a small age boost.
func (m *Manager) Priority(risk float64, createdAt time.Time) float64 {
	age := m.now().Sub(createdAt)
	if age < 0 {
		age = 0
	}
	return risk*riskWeight + age.Minutes()*agePerMinute
}

// Enqueue adds the interaction to the priority queue. Repeated calls for
// the same id keep the original score.
func (m *Manager) Enqueue(ctx context.Context, it *models.Interaction) (float64, error) {
	pri := m.Priority(it.ConstitutionRisk, it.CreatedAt)
	added, err := m.kv.EnqueueReview(ctx, it.ID, pri)
	if err != nil {
		return 0, err
	}
	if !added {
		m.logger.Debug().Str("interaction_id", it.ID).Msg("Review already queued, keeping original priority")
	}
	m.refreshDepths(ctx)
	return pri, nil
}

// ListPending returns queued interactions, highest priority first, ties
// broken by arrival. Zset entries whose row is no longer pending are
// dropped from the queue on the way through.
func (m *Manager) ListPending(ctx context.Context, limit int, filter Filter) ([]Item, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	// Over-fetch so filtered and reconciled entries still fill the page.
	queued, err := m.kv.PendingReviews(ctx, int64(limit)*2)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return []Item{}, nil
	}

	ids := make([]string, 0, len(queued))
	priorities := make(map[string]float64, len(queued))
	for _, q := range queued {
		ids = append(ids, q.InteractionID)
		priorities[q.InteractionID] = q.Priority
	}

	rows, err := m.repo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Interaction, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	items := make([]Item, 0, limit)
	for _, q := range queued {
		row, ok := byID[q.InteractionID]
		if !ok {
			m.logger.Warn().Str("interaction_id", q.InteractionID).Msg("Queued review has no row, dropping")
			m.dropQueued(ctx, q.InteractionID)
			continue
		}
		if row.ReviewStatus != models.StatusPending {
			m.logger.Debug().
				Str("interaction_id", q.InteractionID).
				Str("status", string(row.ReviewStatus)).
				Msg("Queued review no longer pending, dropping")
			m.dropQueued(ctx, q.InteractionID)
			continue
		}
		if filter.UserID != "" && row.UserID != filter.UserID {
			continue
		}
		if row.ConstitutionRisk < filter.MinRisk {
			continue
		}
		items = append(items, Item{Priority: q.Priority, Interaction: row})
		if len(items) == limit {
			break
		}
	}

	// Priority descending, ties broken by arrival.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].Interaction.CreatedAt.Before(items[j].Interaction.CreatedAt)
	})
	return items, nil
}

// Get loads one interaction row.
func (m *Manager) Get(ctx context.Context, id string) (*models.Interaction, error) {
	return m.repo.Get(ctx, id)
}

// Approve moves pending→approved and hands the finals to the paced
// sender. The outbound high-water mark is checked before any mutation; a
// full queue refuses the approval with BackpressureError. A repeat call
// with identical arguments is idempotent; a differing repeat returns
// StaleReviewError.
func (m *Manager) Approve(ctx context.Context, id string, dec persistence.ReviewDecision) (*models.Interaction, error) {
	if err := m.checkBackpressure(ctx); err != nil {
		return nil, err
	}

	err := m.repo.Approve(ctx, id, dec)
	if errors.Is(err, persistence.ErrNoTransition) {
		return m.approveRepeat(ctx, id, dec)
	}
	if err != nil {
		return nil, err
	}

	row, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	item := &kvstore.OutboundItem{
		InteractionID: row.ID,
		UserID:        row.UserID,
		ChatID:        row.ConversationID,
		Bubbles:       row.SendableBubbles(),
		UserMessage:   row.UserMessage,
		EnqueuedAt:    m.now().UTC(),
	}
	if err := m.kv.CompleteReview(ctx, id, item); err != nil {
		// Row is approved but never reached outbound; the recovery sweep
		// re-pushes approved-unsent rows.
		m.logger.Error().Err(err).Str("interaction_id", id).Msg("Approved row could not be handed to outbound")
		return nil, err
	}

	m.metrics.RecordDecision("approve", m.now().Sub(row.CreatedAt))
	m.refreshDepths(ctx)
	m.logger.Info().
		Str("interaction_id", id).
		Int("bubbles", len(item.Bubbles)).
		Msg("Interaction approved")
	return row, nil
}

// checkBackpressure refuses new approvals while the outbound queue sits
// at or above its high-water mark. Same convention as the supervisor's
// review mark: zero or negative disables the check.
func (m *Manager) checkBackpressure(ctx context.Context) error {
	if m.outboundHighWater <= 0 {
		return nil
	}
	depth, err := m.kv.OutboundDepth(ctx)
	if err != nil {
		return err
	}
	if depth >= m.outboundHighWater {
		return &models.BackpressureError{
			Queue:     "outbound",
			Depth:     depth,
			HighWater: m.outboundHighWater,
		}
	}
	return nil
}

// approveRepeat resolves an approve that found the row beyond pending:
// identical repeats succeed without a second outbound push, anything else
// is stale.
func (m *Manager) approveRepeat(ctx context.Context, id string, dec persistence.ReviewDecision) (*models.Interaction, error) {
	row, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch row.ReviewStatus {
	case models.StatusApproved, models.StatusSent:
		if sameDecision(row, dec) {
			// Make sure the queue entry is gone; the outbound push already
			// happened (or recovery will redo it), never duplicate it.
			m.dropQueued(ctx, id)
			return row, nil
		}
	}
	return nil, &models.StaleReviewError{InteractionID: id, Status: row.ReviewStatus}
}

// Reject moves pending→rejected and drops the queue entry. Identical
// repeats are idempotent.
func (m *Manager) Reject(ctx context.Context, id string, reason string) (*models.Interaction, error) {
	err := m.repo.Reject(ctx, id, reason)
	if errors.Is(err, persistence.ErrNoTransition) {
		row, gerr := m.repo.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if row.ReviewStatus == models.StatusRejected && row.ReviewerNotes == reason {
			m.dropQueued(ctx, id)
			return row, nil
		}
		return nil, &models.StaleReviewError{InteractionID: id, Status: row.ReviewStatus}
	}
	if err != nil {
		return nil, err
	}

	if err := m.kv.CompleteReview(ctx, id, nil); err != nil {
		m.logger.Error().Err(err).Str("interaction_id", id).Msg("Rejected row still queued")
		return nil, err
	}

	row, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordDecision("reject", m.now().Sub(row.CreatedAt))
	m.refreshDepths(ctx)
	m.logger.Info().Str("interaction_id", id).Str("reason", reason).Msg("Interaction rejected")
	return row, nil
}

// Edit patches reviewer-writable fields while the row is still pending.
func (m *Manager) Edit(ctx context.Context, id string, patch persistence.EditPatch) (*models.Interaction, error) {
	err := m.repo.UpdatePending(ctx, id, patch)
	if errors.Is(err, persistence.ErrNoTransition) {
		row, gerr := m.repo.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &models.StaleReviewError{InteractionID: id, Status: row.ReviewStatus}
	}
	if err != nil {
		return nil, err
	}

	m.metrics.RecordDecision("edit", 0)
	return m.repo.Get(ctx, id)
}

// sameDecision reports whether the stored row matches the repeated
// approve arguments.
func sameDecision(row *models.Interaction, dec persistence.ReviewDecision) bool {
	if !equalSlices(row.FinalBubbles, dec.FinalBubbles) {
		return false
	}
	if !equalSlices(row.EditTags, dec.EditTags) {
		return false
	}
	if row.ReviewerNotes != dec.ReviewerNotes {
		return false
	}
	if (row.QualityScore == nil) != (dec.QualityScore == nil) {
		return false
	}
	if row.QualityScore != nil && *row.QualityScore != *dec.QualityScore {
		return false
	}
	return true
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *Manager) dropQueued(ctx context.Context, id string) {
	if err := m.kv.RemoveReview(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("interaction_id", id).Msg("Review queue entry removal failed")
	}
}

func (m *Manager) refreshDepths(ctx context.Context) {
	if depth, err := m.kv.ReviewDepth(ctx); err == nil {
		m.metrics.SetQueueDepth(telemetry.QueueReview, depth)
	}
	if depth, err := m.kv.OutboundDepth(ctx); err == nil {
		m.metrics.SetQueueDepth(telemetry.QueueOutbound, depth)
	}
}
