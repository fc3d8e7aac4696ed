// Package memory provides an in-process Repository with the same guarded
// transition semantics as the PostgreSQL backend. Tests and local
// tooling use it where a real database adds nothing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
)

// Store implements persistence.InteractionRepo over process memory.
// All methods are safe for concurrent use. Cursors returns the companion
// persistence.CursorRepo; the two method sets cannot share a type because
// both interfaces declare Get.
type Store struct {
	mu      sync.Mutex
	rows    map[string]*models.Interaction
	seq     map[string]int
	cursors *CursorStore
	now     func() time.Time
}

// New builds an empty store.
func New() *Store {
	return &Store{
		rows:    make(map[string]*models.Interaction),
		seq:     make(map[string]int),
		cursors: &CursorStore{last: make(map[string]int64)},
		now:     time.Now,
	}
}

var (
	_ persistence.InteractionRepo = (*Store)(nil)
	_ persistence.CursorRepo      = (*CursorStore)(nil)
)

// SetClock overrides the timestamp source, for deterministic tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Cursors returns the in-memory cursor repo paired with this store.
func (s *Store) Cursors() *CursorStore { return s.cursors }

// Repository bundles the store behind the persistence interfaces.
func (s *Store) Repository() persistence.Repository {
	return persistence.Repository{Interactions: s, Cursors: s.cursors}
}

// Put places a row directly in any state, bypassing transition guards.
// Intended for seeding fixtures.
func (s *Store) Put(it *models.Interaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *it
	s.rows[it.ID] = &clone
	if n := s.seq[it.ConversationID]; it.MessageNumber > n {
		s.seq[it.ConversationID] = it.MessageNumber
	}
}

// Insert creates the row in pending state and allocates the next message
// number for its conversation, mirroring the SQL RETURNING behavior by
// writing the allocated fields back onto the argument.
func (s *Store) Insert(ctx context.Context, it *models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[it.ID]; exists {
		return fmt.Errorf("duplicate interaction %s", it.ID)
	}
	s.seq[it.ConversationID]++
	it.MessageNumber = s.seq[it.ConversationID]
	it.CreatedAt = s.now().UTC()
	it.ReviewStatus = models.StatusPending
	clone := *it
	s.rows[it.ID] = &clone
	return nil
}

func (s *Store) RecordGeneration(ctx context.Context, id string, rec persistence.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.ReviewStatus != models.StatusPending {
		return persistence.ErrNoTransition
	}
	row.LLM1RawResponse = rec.LLM1RawResponse
	row.LLM2Bubbles = rec.LLM2Bubbles
	row.ConstitutionRisk = rec.Verdict.RiskScore
	row.ConstitutionFlags = rec.Verdict.Flags
	row.ConstitutionRecommendation = rec.Verdict.Recommendation
	row.LLM1Model = rec.LLM1Model
	row.LLM2Model = rec.LLM2Model
	row.LLM1TokensUsed = rec.LLM1Tokens
	row.LLM2TokensUsed = rec.LLM2Tokens
	row.LLM1CostUSD = rec.LLM1CostUSD
	row.LLM2CostUSD = rec.LLM2CostUSD
	row.TotalCostUSD = rec.TotalCostUSD()
	return nil
}

func (s *Store) Approve(ctx context.Context, id string, dec persistence.ReviewDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || !row.ReviewStatus.CanTransitionTo(models.StatusApproved) {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusApproved
	row.FinalBubbles = dec.FinalBubbles
	row.EditTags = dec.EditTags
	row.QualityScore = dec.QualityScore
	row.ReviewerNotes = dec.ReviewerNotes
	row.ReviewTimeSec = dec.ReviewTimeSec
	completed := s.now().UTC()
	row.ReviewCompletedAt = &completed
	return nil
}

func (s *Store) Reject(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || !row.ReviewStatus.CanTransitionTo(models.StatusRejected) {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusRejected
	row.ReviewerNotes = reason
	completed := s.now().UTC()
	row.ReviewCompletedAt = &completed
	return nil
}

func (s *Store) UpdatePending(ctx context.Context, id string, patch persistence.EditPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.ReviewStatus != models.StatusPending {
		return persistence.ErrNoTransition
	}
	if patch.FinalBubbles != nil {
		row.FinalBubbles = patch.FinalBubbles
	}
	if patch.EditTags != nil {
		row.EditTags = patch.EditTags
	}
	if patch.ReviewerNotes != nil {
		row.ReviewerNotes = *patch.ReviewerNotes
	}
	if patch.QualityScore != nil {
		row.QualityScore = patch.QualityScore
	}
	if len(patch.CTAData) > 0 {
		row.CTAData = patch.CTAData
	}
	if patch.CustomerStatus != nil {
		row.CustomerStatus = patch.CustomerStatus
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || !row.ReviewStatus.CanTransitionTo(models.StatusSent) {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusSent
	row.MessagesSentAt = &sentAt
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || !row.ReviewStatus.CanTransitionTo(models.StatusFailed) {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusFailed
	row.FailureReason = reason
	return nil
}

// Revive moves failed back to pending. Not a lifecycle transition: it is
// the recovery agent's repair path for crashed generations.
func (s *Store) Revive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.ReviewStatus != models.StatusFailed {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusPending
	row.FailureReason = ""
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (s *Store) ListByIDs(ctx context.Context, ids []string) ([]models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Interaction, 0, len(ids))
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *Store) ListByStatus(ctx context.Context, status models.ReviewStatus, limit int) ([]models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Interaction, 0)
	for _, row := range s.rows {
		if row.ReviewStatus == status {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) StatusCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64)
	for _, row := range s.rows {
		counts[string(row.ReviewStatus)]++
	}
	return counts, nil
}

// CursorStore is the in-memory persistence.CursorRepo.
type CursorStore struct {
	mu   sync.Mutex
	last map[string]int64
}

func (c *CursorStore) Get(ctx context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[userID], nil
}

func (c *CursorStore) Advance(ctx context.Context, userID string, messageID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageID > c.last[userID] {
		c.last[userID] = messageID
	}
	return nil
}

func (c *CursorStore) All(ctx context.Context) ([]models.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Cursor, 0, len(c.last))
	for uid, id := range c.last {
		out = append(out, models.Cursor{UserID: uid, LastMessageID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
