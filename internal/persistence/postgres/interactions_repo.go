package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
)

const interactionColumns = `
	id, user_id, conversation_id, message_number, user_message, user_message_timestamp,
	llm1_raw_response, llm2_bubbles, final_bubbles, edit_tags, reviewer_notes,
	quality_score, review_time_seconds,
	constitution_risk_score, constitution_flags, constitution_recommendation,
	llm1_model, llm2_model, llm1_tokens_used, llm2_tokens_used,
	llm1_cost_usd, llm2_cost_usd, total_cost_usd,
	review_status, failure_reason, created_at, review_completed_at, messages_sent_at,
	cta_data, customer_status`

// interactionRepo implements InteractionRepo for PostgreSQL.
type interactionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInteractionRepo creates a PostgreSQL interaction repository.
func NewInteractionRepo(db *sqlx.DB, timeout time.Duration) persistence.InteractionRepo {
	return &interactionRepo{db: db, timeout: timeout}
}

// Insert creates the row in pending state. The message number is allocated
// inside the statement so it stays strictly increasing per conversation.
func (r *interactionRepo) Insert(ctx context.Context, it *models.Interaction) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO interactions (
			id, user_id, conversation_id, message_number,
			user_message, user_message_timestamp, review_status
		) VALUES (
			$1, $2, $3,
			(SELECT COALESCE(MAX(message_number), 0) + 1 FROM interactions WHERE conversation_id = $3),
			$4, $5, 'pending'
		)
		RETURNING message_number, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		it.ID, it.UserID, it.ConversationID,
		it.UserMessage, it.UserMessageTimestamp).
		Scan(&it.MessageNumber, &it.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate interaction %s: %w", it.ID, err)
		}
		return fmt.Errorf("insert interaction: %w", err)
	}
	it.ReviewStatus = models.StatusPending
	return nil
}

// RecordGeneration stores generation output and metering on a pending row.
func (r *interactionRepo) RecordGeneration(ctx context.Context, id string, rec persistence.GenerationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE interactions SET
			llm1_raw_response = $2,
			llm2_bubbles = $3,
			constitution_risk_score = $4,
			constitution_flags = $5,
			constitution_recommendation = $6,
			llm1_model = $7,
			llm2_model = $8,
			llm1_tokens_used = $9,
			llm2_tokens_used = $10,
			llm1_cost_usd = $11,
			llm2_cost_usd = $12,
			total_cost_usd = $13
		WHERE id = $1 AND review_status = 'pending'`

	res, err := r.db.ExecContext(ctx, query,
		id, rec.LLM1RawResponse, pq.Array(rec.LLM2Bubbles),
		rec.Verdict.RiskScore, pq.Array(rec.Verdict.Flags), string(rec.Verdict.Recommendation),
		rec.LLM1Model, rec.LLM2Model, rec.LLM1Tokens, rec.LLM2Tokens,
		rec.LLM1CostUSD, rec.LLM2CostUSD, rec.TotalCostUSD())
	if err != nil {
		return fmt.Errorf("record generation for %s: %w", id, err)
	}
	return requireTransition(res, id)
}

// Approve transitions pending→approved with the reviewer's finals.
func (r *interactionRepo) Approve(ctx context.Context, id string, dec persistence.ReviewDecision) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE interactions SET
			review_status = 'approved',
			final_bubbles = $2,
			edit_tags = $3,
			quality_score = $4,
			reviewer_notes = $5,
			review_time_seconds = $6,
			review_completed_at = NOW()
		WHERE id = $1 AND review_status = 'pending'`

	res, err := r.db.ExecContext(ctx, query,
		id, pq.Array(dec.FinalBubbles), pq.Array(dec.EditTags),
		dec.QualityScore, dec.ReviewerNotes, dec.ReviewTimeSec)
	if err != nil {
		return fmt.Errorf("approve %s: %w", id, err)
	}
	return requireTransition(res, id)
}

// Reject transitions pending→rejected.
func (r *interactionRepo) Reject(ctx context.Context, id string, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE interactions SET
			review_status = 'rejected',
			reviewer_notes = $2,
			review_completed_at = NOW()
		WHERE id = $1 AND review_status = 'pending'`

	res, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("reject %s: %w", id, err)
	}
	return requireTransition(res, id)
}

// UpdatePending patches reviewer-writable fields on a pending row. Nil
// patch fields keep current values via COALESCE.
func (r *interactionRepo) UpdatePending(ctx context.Context, id string, patch persistence.EditPatch) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE interactions SET
			final_bubbles = COALESCE($2, final_bubbles),
			edit_tags = COALESCE($3, edit_tags),
			reviewer_notes = COALESCE($4, reviewer_notes),
			quality_score = COALESCE($5, quality_score),
			cta_data = COALESCE($6, cta_data),
			customer_status = COALESCE($7, customer_status)
		WHERE id = $1 AND review_status = 'pending'`

	var cta interface{}
	if len(patch.CTAData) > 0 {
		cta = []byte(patch.CTAData)
	}
	res, err := r.db.ExecContext(ctx, query,
		id, pq.Array(patch.FinalBubbles), pq.Array(patch.EditTags),
		patch.ReviewerNotes, patch.QualityScore, cta, patch.CustomerStatus)
	if err != nil {
		return fmt.Errorf("update pending %s: %w", id, err)
	}
	return requireTransition(res, id)
}

// MarkSent transitions approved→sent.
func (r *interactionRepo) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE interactions SET
			review_status = 'sent',
			messages_sent_at = $2
		WHERE id = $1 AND review_status = 'approved'`

	res, err := r.db.ExecContext(ctx, query, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return requireTransition(res, id)
}

// MarkFailed transitions pending|approved→failed with a diagnostic reason.
func (r *interactionRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE interactions SET
			review_status = 'failed',
			failure_reason = $2
		WHERE id = $1 AND review_status IN ('pending', 'approved')`

	res, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return requireTransition(res, id)
}

// Revive transitions failed→pending for a recovery re-drive.
func (r *interactionRepo) Revive(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE interactions SET
			review_status = 'pending',
			failure_reason = ''
		WHERE id = $1 AND review_status = 'failed'`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("revive %s: %w", id, err)
	}
	return requireTransition(res, id)
}

// Get loads one interaction row.
func (r *interactionRepo) Get(ctx context.Context, id string) (*models.Interaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE id = $1`
	row := r.db.QueryRowxContext(ctx, query, id)

	it, err := scanInteraction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get interaction %s: %w", id, err)
	}
	return it, nil
}

// ListByIDs loads the given rows.
func (r *interactionRepo) ListByIDs(ctx context.Context, ids []string) ([]models.Interaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE id = ANY($1)`
	rows, err := r.db.QueryxContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list interactions by ids: %w", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// ListByStatus returns rows in a status, oldest first.
func (r *interactionRepo) ListByStatus(ctx context.Context, status models.ReviewStatus, limit int) ([]models.Interaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + interactionColumns + `
		FROM interactions
		WHERE review_status = $1
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := r.db.QueryxContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list interactions by status: %w", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// StatusCounts returns row counts grouped by review status.
func (r *interactionRepo) StatusCounts(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT review_status, COUNT(*) FROM interactions GROUP BY review_status`)
	if err != nil {
		return nil, fmt.Errorf("count interactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// requireTransition converts a zero-row guarded update into ErrNoTransition.
func requireTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("interaction %s: %w", id, persistence.ErrNoTransition)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInteraction(row rowScanner) (*models.Interaction, error) {
	var (
		it           models.Interaction
		llm2Bubbles  pq.StringArray
		finalBubbles pq.StringArray
		editTags     pq.StringArray
		flags        pq.StringArray
		quality      sql.NullInt64
		reviewTime   sql.NullFloat64
		recomm       string
		status       string
		reviewedAt   sql.NullTime
		sentAt       sql.NullTime
		ctaData      []byte
		custStatus   sql.NullString
	)

	err := row.Scan(
		&it.ID, &it.UserID, &it.ConversationID, &it.MessageNumber,
		&it.UserMessage, &it.UserMessageTimestamp,
		&it.LLM1RawResponse, &llm2Bubbles, &finalBubbles, &editTags, &it.ReviewerNotes,
		&quality, &reviewTime,
		&it.ConstitutionRisk, &flags, &recomm,
		&it.LLM1Model, &it.LLM2Model, &it.LLM1TokensUsed, &it.LLM2TokensUsed,
		&it.LLM1CostUSD, &it.LLM2CostUSD, &it.TotalCostUSD,
		&status, &it.FailureReason, &it.CreatedAt, &reviewedAt, &sentAt,
		&ctaData, &custStatus)
	if err != nil {
		return nil, err
	}

	it.LLM2Bubbles = []string(llm2Bubbles)
	it.FinalBubbles = []string(finalBubbles)
	it.EditTags = []string(editTags)
	it.ConstitutionFlags = []string(flags)
	it.ConstitutionRecommendation = models.Recommendation(recomm)
	it.ReviewStatus = models.ReviewStatus(status)
	if quality.Valid {
		q := int(quality.Int64)
		it.QualityScore = &q
	}
	if reviewTime.Valid {
		rt := reviewTime.Float64
		it.ReviewTimeSec = &rt
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		it.ReviewCompletedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		it.MessagesSentAt = &t
	}
	if len(ctaData) > 0 {
		it.CTAData = append(it.CTAData[:0], ctaData...)
	}
	if custStatus.Valid {
		cs := custStatus.String
		it.CustomerStatus = &cs
	}
	return &it, nil
}

func scanInteractions(rows *sqlx.Rows) ([]models.Interaction, error) {
	var out []models.Interaction
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return out, nil
}
