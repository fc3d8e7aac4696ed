package review

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

// fakeRepo mimics the guarded-transition behavior of the real repository.
type fakeRepo struct {
	mu           sync.Mutex
	rows         map[string]*models.Interaction
	approveCalls int
}

func newFakeRepo(rows ...*models.Interaction) *fakeRepo {
	f := &fakeRepo{rows: make(map[string]*models.Interaction)}
	for _, r := range rows {
		clone := *r
		f.rows[r.ID] = &clone
	}
	return f
}

func (f *fakeRepo) Insert(ctx context.Context, it *models.Interaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *it
	clone.ReviewStatus = models.StatusPending
	f.rows[it.ID] = &clone
	return nil
}

func (f *fakeRepo) RecordGeneration(ctx context.Context, id string, rec persistence.GenerationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.ReviewStatus != models.StatusPending {
		return persistence.ErrNoTransition
	}
	row.LLM1RawResponse = rec.LLM1RawResponse
	row.LLM2Bubbles = rec.LLM2Bubbles
	row.ConstitutionRisk = rec.Verdict.RiskScore
	row.ConstitutionFlags = rec.Verdict.Flags
	row.ConstitutionRecommendation = rec.Verdict.Recommendation
	return nil
}

func (f *fakeRepo) Approve(ctx context.Context, id string, dec persistence.ReviewDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approveCalls++
	row, ok := f.rows[id]
	if !ok || row.ReviewStatus != models.StatusPending {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusApproved
	row.FinalBubbles = dec.FinalBubbles
	row.EditTags = dec.EditTags
	row.QualityScore = dec.QualityScore
	row.ReviewerNotes = dec.ReviewerNotes
	row.ReviewTimeSec = dec.ReviewTimeSec
	completed := testNow
	row.ReviewCompletedAt = &completed
	return nil
}

func (f *fakeRepo) Reject(ctx context.Context, id string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.ReviewStatus != models.StatusPending {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusRejected
	row.ReviewerNotes = reason
	return nil
}

func (f *fakeRepo) UpdatePending(ctx context.Context, id string, patch persistence.EditPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
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
	return nil
}

func (f *fakeRepo) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.ReviewStatus != models.StatusApproved {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusSent
	row.MessagesSentAt = &sentAt
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || (row.ReviewStatus != models.StatusPending && row.ReviewStatus != models.StatusApproved) {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusFailed
	row.FailureReason = reason
	return nil
}

func (f *fakeRepo) Revive(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.ReviewStatus != models.StatusFailed {
		return persistence.ErrNoTransition
	}
	row.ReviewStatus = models.StatusPending
	row.FailureReason = ""
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (*models.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (f *fakeRepo) ListByIDs(ctx context.Context, ids []string) ([]models.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Interaction
	for _, id := range ids {
		if row, ok := f.rows[id]; ok {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListByStatus(ctx context.Context, status models.ReviewStatus, limit int) ([]models.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Interaction
	for _, row := range f.rows {
		if row.ReviewStatus == status {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeRepo) StatusCounts(ctx context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, row := range f.rows {
		counts[string(row.ReviewStatus)]++
	}
	return counts, nil
}

func pendingRow(id string, risk float64) *models.Interaction {
	return &models.Interaction{
		ID:               id,
		UserID:           "42",
		ConversationID:   "chat-42",
		UserMessage:      "Hi",
		LLM2Bubbles:      []string{"hey!", "how are you?"},
		ConstitutionRisk: risk,
		ReviewStatus:     models.StatusPending,
		CreatedAt:        testNow,
	}
}

func newTestManager(t *testing.T, repo persistence.InteractionRepo) (*Manager, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	m := NewManager(kvstore.New(db), repo, 100, telemetry.NewNop(), zerolog.Nop())
	m.now = func() time.Time { return testNow }
	return m, mock
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestPriorityRiskDominantWithAgeBoost(t *testing.T) {
	m, _ := newTestManager(t, newFakeRepo())

	fresh := m.Priority(0.85, testNow)
	assert.InDelta(t, 85.0, fresh, 1e-9)

	aged := m.Priority(0.1, testNow.Add(-10*time.Minute))
	assert.InDelta(t, 10.0+1.0, aged, 1e-9)

	// High risk outranks age for any realistic backlog.
	assert.Greater(t, fresh, aged)
}

func TestEnqueueAddsWithComputedPriority(t *testing.T) {
	row := pendingRow("int-1", 0.85)
	m, mock := newTestManager(t, newFakeRepo(row))

	mock.ExpectZAddNX(kvstore.KeyReviewQueue, redis.Z{Score: 85.0, Member: "int-1"}).SetVal(1)
	mock.ExpectZCard(kvstore.KeyReviewQueue).SetVal(1)
	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(0)

	pri, err := m.Enqueue(context.Background(), row)
	require.NoError(t, err)
	assert.InDelta(t, 85.0, pri, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDedupesByID(t *testing.T) {
	row := pendingRow("int-1", 0.5)
	m, mock := newTestManager(t, newFakeRepo(row))

	mock.ExpectZAddNX(kvstore.KeyReviewQueue, redis.Z{Score: 50.0, Member: "int-1"}).SetVal(0)
	mock.ExpectZCard(kvstore.KeyReviewQueue).SetVal(1)
	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(0)

	_, err := m.Enqueue(context.Background(), row)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveHandsOffToOutbound(t *testing.T) {
	row := pendingRow("int-1", 0.3)
	repo := newFakeRepo(row)
	m, mock := newTestManager(t, repo)

	dec := persistence.ReviewDecision{
		FinalBubbles:  []string{"hey!", "all good here"},
		EditTags:      []string{"tone"},
		ReviewerNotes: "softened",
	}
	wantItem := &kvstore.OutboundItem{
		InteractionID: "int-1",
		UserID:        "42",
		ChatID:        "chat-42",
		Bubbles:       dec.FinalBubbles,
		UserMessage:   "Hi",
		EnqueuedAt:    testNow,
	}

	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(0)
	mock.ExpectTxPipeline()
	mock.ExpectZRem(kvstore.KeyReviewQueue, "int-1").SetVal(1)
	mock.ExpectLPush(kvstore.KeyOutbound, mustJSON(t, wantItem)).SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.ExpectZCard(kvstore.KeyReviewQueue).SetVal(0)
	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(1)

	got, err := m.Approve(context.Background(), "int-1", dec)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.ReviewStatus)
	assert.Equal(t, dec.FinalBubbles, got.FinalBubbles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveIdenticalRepeatIsIdempotent(t *testing.T) {
	row := pendingRow("int-1", 0.3)
	repo := newFakeRepo(row)
	m, mock := newTestManager(t, repo)

	dec := persistence.ReviewDecision{FinalBubbles: []string{"hey!"}, ReviewerNotes: "ok"}

	// First approval.
	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(0)
	mock.ExpectTxPipeline()
	mock.ExpectZRem(kvstore.KeyReviewQueue, "int-1").SetVal(1)
	wantItem := &kvstore.OutboundItem{
		InteractionID: "int-1", UserID: "42", ChatID: "chat-42",
		Bubbles: dec.FinalBubbles, UserMessage: "Hi", EnqueuedAt: testNow,
	}
	mock.ExpectLPush(kvstore.KeyOutbound, mustJSON(t, wantItem)).SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.ExpectZCard(kvstore.KeyReviewQueue).SetVal(0)
	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(1)

	_, err := m.Approve(context.Background(), "int-1", dec)
	require.NoError(t, err)

	// Identical repeat: succeeds, cleans the queue entry, never pushes a
	// second outbound item.
	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(1)
	mock.ExpectZRem(kvstore.KeyReviewQueue, "int-1").SetVal(0)

	got, err := m.Approve(context.Background(), "int-1", dec)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.ReviewStatus)
	assert.Equal(t, 2, repo.approveCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveDifferingRepeatIsStale(t *testing.T) {
	row := pendingRow("int-1", 0.3)
	row.ReviewStatus = models.StatusApproved
	row.FinalBubbles = []string{"hey!"}
	m, mock := newTestManager(t, newFakeRepo(row))

	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(0)

	_, err := m.Approve(context.Background(), "int-1", persistence.ReviewDecision{
		FinalBubbles: []string{"completely different"},
	})
	require.Error(t, err)
	assert.True(t, models.IsStaleReview(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveRefusedOnBackpressure(t *testing.T) {
	row := pendingRow("int-1", 0.3)
	repo := newFakeRepo(row)
	m, mock := newTestManager(t, repo)

	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(100)

	_, err := m.Approve(context.Background(), "int-1", persistence.ReviewDecision{FinalBubbles: []string{"hey!"}})
	require.Error(t, err)
	assert.True(t, models.IsBackpressure(err))
	// Refused before any mutation.
	assert.Equal(t, 0, repo.approveCalls)
	got, _ := repo.Get(context.Background(), "int-1")
	assert.Equal(t, models.StatusPending, got.ReviewStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveZeroHighWaterDisablesBackpressure(t *testing.T) {
	row := pendingRow("int-1", 0.3)
	repo := newFakeRepo(row)
	db, mock := redismock.NewClientMock()
	m := NewManager(kvstore.New(db), repo, 0, telemetry.NewNop(), zerolog.Nop())
	m.now = func() time.Time { return testNow }

	dec := persistence.ReviewDecision{FinalBubbles: []string{"hey!"}}
	wantItem := &kvstore.OutboundItem{
		InteractionID: "int-1", UserID: "42", ChatID: "chat-42",
		Bubbles: dec.FinalBubbles, UserMessage: "Hi", EnqueuedAt: testNow,
	}

	// No depth check at all: approval goes straight through, same as the
	// supervisor's disabled review mark.
	mock.ExpectTxPipeline()
	mock.ExpectZRem(kvstore.KeyReviewQueue, "int-1").SetVal(1)
	mock.ExpectLPush(kvstore.KeyOutbound, mustJSON(t, wantItem)).SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.ExpectZCard(kvstore.KeyReviewQueue).SetVal(0)
	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(1)

	got, err := m.Approve(context.Background(), "int-1", dec)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.ReviewStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectRemovesFromQueue(t *testing.T) {
	row := pendingRow("int-1", 0.9)
	m, mock := newTestManager(t, newFakeRepo(row))

	mock.ExpectTxPipeline()
	mock.ExpectZRem(kvstore.KeyReviewQueue, "int-1").SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.ExpectZCard(kvstore.KeyReviewQueue).SetVal(0)
	mock.ExpectLLen(kvstore.KeyOutbound).SetVal(0)

	got, err := m.Reject(context.Background(), "int-1", "policy: meetup request")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.ReviewStatus)
	assert.Equal(t, "policy: meetup request", got.ReviewerNotes)

	// Identical repeat is idempotent.
	mock.ExpectZRem(kvstore.KeyReviewQueue, "int-1").SetVal(0)
	_, err = m.Reject(context.Background(), "int-1", "policy: meetup request")
	require.NoError(t, err)

	// Differing repeat is stale.
	_, err = m.Reject(context.Background(), "int-1", "other reason")
	assert.True(t, models.IsStaleReview(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEditOnlyWhilePending(t *testing.T) {
	row := pendingRow("int-1", 0.2)
	repo := newFakeRepo(row)
	m, _ := newTestManager(t, repo)

	notes := "tightened wording"
	got, err := m.Edit(context.Background(), "int-1", persistence.EditPatch{
		FinalBubbles:  []string{"hi there!"},
		ReviewerNotes: &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hi there!"}, got.FinalBubbles)

	// Push it past pending, then edits must fail stale.
	require.NoError(t, repo.Reject(context.Background(), "int-1", "done"))
	_, err = m.Edit(context.Background(), "int-1", persistence.EditPatch{FinalBubbles: []string{"x"}})
	assert.True(t, models.IsStaleReview(err))
}

func TestListPendingJoinsAndReconciles(t *testing.T) {
	pending := pendingRow("int-1", 0.9)
	approved := pendingRow("int-2", 0.5)
	approved.ReviewStatus = models.StatusApproved
	m, mock := newTestManager(t, newFakeRepo(pending, approved))

	mock.ExpectZRevRangeWithScores(kvstore.KeyReviewQueue, 0, 19).SetVal([]redis.Z{
		{Score: 90, Member: "int-1"},
		{Score: 50, Member: "int-2"},
		{Score: 40, Member: "int-3"},
	})
	// int-2 is no longer pending, int-3 has no row: both get dropped.
	mock.ExpectZRem(kvstore.KeyReviewQueue, "int-2").SetVal(1)
	mock.ExpectZRem(kvstore.KeyReviewQueue, "int-3").SetVal(1)

	items, err := m.ListPending(context.Background(), 10, Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "int-1", items[0].Interaction.ID)
	assert.InDelta(t, 90.0, items[0].Priority, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingFilters(t *testing.T) {
	low := pendingRow("int-1", 0.1)
	high := pendingRow("int-2", 0.8)
	high.UserID = "77"
	m, mock := newTestManager(t, newFakeRepo(low, high))

	mock.ExpectZRevRangeWithScores(kvstore.KeyReviewQueue, 0, 19).SetVal([]redis.Z{
		{Score: 80, Member: "int-2"},
		{Score: 10, Member: "int-1"},
	})

	items, err := m.ListPending(context.Background(), 10, Filter{MinRisk: 0.5})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "int-2", items[0].Interaction.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
