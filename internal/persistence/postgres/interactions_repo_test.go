package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
)

func newMockRepo(t *testing.T) (persistence.InteractionRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewInteractionRepo(sqlx.NewDb(db, "sqlmock"), time.Second), mock
}

func TestInsertAllocatesMessageNumber(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO interactions`).
		WithArgs("int-1", "42", "conv-42", "Hi\nthere", now).
		WillReturnRows(sqlmock.NewRows([]string{"message_number", "created_at"}).AddRow(7, now))

	it := &models.Interaction{
		ID:                   "int-1",
		UserID:               "42",
		ConversationID:       "conv-42",
		UserMessage:          "Hi\nthere",
		UserMessageTimestamp: now,
	}
	require.NoError(t, repo.Insert(context.Background(), it))
	assert.Equal(t, 7, it.MessageNumber)
	assert.Equal(t, models.StatusPending, it.ReviewStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordGenerationGuardsPending(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := persistence.GenerationRecord{
		LLM1RawResponse: "draft text",
		LLM2Bubbles:     []string{"hey!", "what's up?"},
		Verdict: models.SafetyVerdict{
			RiskScore:      0.4,
			Flags:          []string{"flirt"},
			Recommendation: models.RecommendReview,
		},
		LLM1Model:   "gpt-4o-mini",
		LLM2Model:   "claude-3-5-haiku-20241022",
		LLM1Tokens:  820,
		LLM2Tokens:  410,
		LLM1CostUSD: 0.002,
		LLM2CostUSD: 0.001,
	}

	mock.ExpectExec(`UPDATE interactions SET`).
		WithArgs("int-1", rec.LLM1RawResponse, pq.Array(rec.LLM2Bubbles),
			rec.Verdict.RiskScore, pq.Array(rec.Verdict.Flags), "review",
			rec.LLM1Model, rec.LLM2Model, rec.LLM1Tokens, rec.LLM2Tokens,
			rec.LLM1CostUSD, rec.LLM2CostUSD, rec.TotalCostUSD()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordGeneration(context.Background(), "int-1", rec))

	// Second write finds the row no longer pending.
	mock.ExpectExec(`UPDATE interactions SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RecordGeneration(context.Background(), "int-1", rec)
	assert.ErrorIs(t, err, persistence.ErrNoTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveTransition(t *testing.T) {
	repo, mock := newMockRepo(t)
	quality := 4
	reviewTime := 32.5
	dec := persistence.ReviewDecision{
		FinalBubbles:  []string{"hey!", "missed you"},
		EditTags:      []string{"tone"},
		QualityScore:  &quality,
		ReviewerNotes: "softened opener",
		ReviewTimeSec: &reviewTime,
	}

	mock.ExpectExec(`UPDATE interactions SET\s+review_status = 'approved'`).
		WithArgs("int-1", pq.Array(dec.FinalBubbles), pq.Array(dec.EditTags),
			quality, "softened opener", reviewTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Approve(context.Background(), "int-1", dec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveNotPending(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE interactions SET\s+review_status = 'approved'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Approve(context.Background(), "int-1", persistence.ReviewDecision{})
	assert.ErrorIs(t, err, persistence.ErrNoTransition)
}

func TestRejectTransition(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE interactions SET\s+review_status = 'rejected'`).
		WithArgs("int-1", "policy violation").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Reject(context.Background(), "int-1", "policy violation"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSentRequiresApproved(t *testing.T) {
	repo, mock := newMockRepo(t)
	sentAt := time.Date(2026, 8, 24, 12, 5, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE interactions SET\s+review_status = 'sent'`).
		WithArgs("int-1", sentAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkSent(context.Background(), "int-1", sentAt))

	mock.ExpectExec(`UPDATE interactions SET\s+review_status = 'sent'`).
		WithArgs("int-2", sentAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.MarkSent(context.Background(), "int-2", sentAt)
	assert.ErrorIs(t, err, persistence.ErrNoTransition)
}

func TestMarkFailedFromPendingOrApproved(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE interactions SET\s+review_status = 'failed'`).
		WithArgs("int-1", "llm timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkFailed(context.Background(), "int-1", "llm timeout"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviveRequiresFailed(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE interactions SET\s+review_status = 'pending',\s+failure_reason = ''`).
		WithArgs("int-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Revive(context.Background(), "int-1"))

	mock.ExpectExec(`UPDATE interactions SET\s+review_status = 'pending',\s+failure_reason = ''`).
		WithArgs("int-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Revive(context.Background(), "int-2")
	assert.ErrorIs(t, err, persistence.ErrNoTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func interactionRow(id string, status string) *sqlmock.Rows {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "user_id", "conversation_id", "message_number", "user_message", "user_message_timestamp",
		"llm1_raw_response", "llm2_bubbles", "final_bubbles", "edit_tags", "reviewer_notes",
		"quality_score", "review_time_seconds",
		"constitution_risk_score", "constitution_flags", "constitution_recommendation",
		"llm1_model", "llm2_model", "llm1_tokens_used", "llm2_tokens_used",
		"llm1_cost_usd", "llm2_cost_usd", "total_cost_usd",
		"review_status", "failure_reason", "created_at", "review_completed_at", "messages_sent_at",
		"cta_data", "customer_status",
	}).AddRow(
		id, "42", "conv-42", 3, "Hi", now,
		"draft", "{hey!,\"what's up?\"}", nil, nil, "",
		nil, nil,
		0.4, "{flirt}", "review",
		"gpt-4o-mini", "gpt-4o-mini", 820, 410,
		0.002, 0.001, 0.003,
		status, "", now, nil, nil,
		nil, nil,
	)
}

func TestGetScansRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM interactions WHERE id =`).
		WithArgs("int-1").
		WillReturnRows(interactionRow("int-1", "pending"))

	it, err := repo.Get(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, "int-1", it.ID)
	assert.Equal(t, models.StatusPending, it.ReviewStatus)
	assert.Equal(t, []string{"hey!", "what's up?"}, it.LLM2Bubbles)
	assert.InDelta(t, 0.4, it.ConstitutionRisk, 1e-9)
	assert.Nil(t, it.QualityScore)
	assert.Nil(t, it.MessagesSentAt)
}

func TestGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM interactions WHERE id =`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestListByStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := interactionRow("int-1", "approved")
	mock.ExpectQuery(`(?s)SELECT .+ FROM interactions\s+WHERE review_status =`).
		WithArgs("approved", 10).
		WillReturnRows(rows)

	list, err := repo.ListByStatus(context.Background(), models.StatusApproved, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusApproved, list[0].ReviewStatus)
}

func TestStatusCounts(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT review_status, COUNT\(\*\) FROM interactions GROUP BY review_status`).
		WillReturnRows(sqlmock.NewRows([]string{"review_status", "count"}).
			AddRow("pending", 12).
			AddRow("sent", 340))

	counts, err := repo.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), counts["pending"])
	assert.Equal(t, int64(340), counts["sent"])
}
