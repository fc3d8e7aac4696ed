// Package persistence defines the relational storage contracts for
// interactions and per-user send cursors. Implementations live in
// subpackages; the rest of the system depends only on these interfaces.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nadia-hitl/nadia/internal/models"
)

// ErrNoTransition is returned by guarded status updates when the row was
// not in the expected state. Callers load the current row to distinguish
// an idempotent repeat from a genuine conflict.
var ErrNoTransition = errors.New("review status transition not applicable")

// GenerationRecord carries everything the two generation stages and the
// safety evaluator produced for one interaction.
type GenerationRecord struct {
	LLM1RawResponse string
	LLM2Bubbles     []string
	Verdict         models.SafetyVerdict
	LLM1Model       string
	LLM2Model       string
	LLM1Tokens      int
	LLM2Tokens      int
	LLM1CostUSD     float64
	LLM2CostUSD     float64
}

// TotalCostUSD is the summed per-stage spend.
func (g GenerationRecord) TotalCostUSD() float64 {
	return g.LLM1CostUSD + g.LLM2CostUSD
}

// ReviewDecision carries the reviewer's approval parameters.
type ReviewDecision struct {
	FinalBubbles  []string
	EditTags      []string
	QualityScore  *int
	ReviewerNotes string
	ReviewTimeSec *float64
}

// EditPatch updates reviewer-writable fields while a row is pending.
// Nil fields are left untouched.
type EditPatch struct {
	FinalBubbles   []string
	EditTags       []string
	ReviewerNotes  *string
	QualityScore   *int
	CTAData        json.RawMessage
	CustomerStatus *string
}

// InteractionRepo persists the interaction lifecycle. Status transitions
// are guarded: a mutation that finds the row outside its expected state
// returns ErrNoTransition and changes nothing.
type InteractionRepo interface {
	// Insert creates the row in pending state with inbound fields only.
	// The message number is allocated atomically per conversation.
	Insert(ctx context.Context, it *models.Interaction) error

	// RecordGeneration stores draft, bubbles, safety verdict and metering
	// on a pending row.
	RecordGeneration(ctx context.Context, id string, rec GenerationRecord) error

	// Approve transitions pending→approved with the reviewer's finals.
	Approve(ctx context.Context, id string, dec ReviewDecision) error

	// Reject transitions pending→rejected, storing the reason.
	Reject(ctx context.Context, id string, reason string) error

	// UpdatePending applies an edit patch to a pending row.
	UpdatePending(ctx context.Context, id string, patch EditPatch) error

	// MarkSent transitions approved→sent with the delivery timestamp.
	MarkSent(ctx context.Context, id string, sentAt time.Time) error

	// MarkFailed transitions pending|approved→failed with a reason code.
	MarkFailed(ctx context.Context, id string, reason string) error

	// Revive transitions failed→pending so the recovery agent can re-drive
	// the interaction, clearing the failure reason.
	Revive(ctx context.Context, id string) error

	// Get loads one row; models.ErrNotFound when absent.
	Get(ctx context.Context, id string) (*models.Interaction, error)

	// ListByIDs loads the given rows in no particular order.
	ListByIDs(ctx context.Context, ids []string) ([]models.Interaction, error)

	// ListByStatus returns rows in a status, oldest first.
	ListByStatus(ctx context.Context, status models.ReviewStatus, limit int) ([]models.Interaction, error)

	// StatusCounts returns row counts grouped by review status.
	StatusCounts(ctx context.Context) (map[string]int64, error)
}

// CursorRepo persists the per-user send cursor used by the recovery agent
// to detect inbound events missed during downtime.
type CursorRepo interface {
	// Get returns the last processed message id, 0 when unknown.
	Get(ctx context.Context, userID string) (int64, error)

	// Advance raises the cursor; it never moves backwards.
	Advance(ctx context.Context, userID string, messageID int64) error

	// All returns every stored cursor.
	All(ctx context.Context) ([]models.Cursor, error)
}

// Repository aggregates the persistence interfaces.
type Repository struct {
	Interactions InteractionRepo
	Cursors      CursorRepo
}

// HealthCheck reports repository health for the health endpoint.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
