package models

import (
	"encoding/json"
	"time"
)

// ReviewStatus tracks an interaction through the human review lifecycle.
type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusApproved ReviewStatus = "approved"
	StatusRejected ReviewStatus = "rejected"
	StatusSent     ReviewStatus = "sent"
	StatusFailed   ReviewStatus = "failed"
)

// CanTransitionTo reports whether moving to next is a legal lifecycle step.
// Legal paths: pending→approved→sent, pending→rejected, pending|approved→failed.
// Terminal states never transition.
func (s ReviewStatus) CanTransitionTo(next ReviewStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusRejected || next == StatusFailed
	case StatusApproved:
		return next == StatusSent || next == StatusFailed
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s ReviewStatus) Terminal() bool {
	return s == StatusSent || s == StatusRejected || s == StatusFailed
}

// Recommendation is the safety evaluator's non-binding verdict. It drives
// review queue priority only; it never triggers an automatic send.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendReject  Recommendation = "reject"
)

// SafetyVerdict is the constitution evaluator output for one interaction.
type SafetyVerdict struct {
	RiskScore      float64        `json:"risk_score"`
	Flags          []string       `json:"flags"`
	Recommendation Recommendation `json:"recommendation"`
}

// Interaction is the unit of work: one batched user message traveling
// through generation, safety analysis, human review and paced delivery.
type Interaction struct {
	ID                   string       `json:"id" db:"id"`
	UserID               string       `json:"user_id" db:"user_id"`
	ConversationID       string       `json:"conversation_id" db:"conversation_id"`
	MessageNumber        int          `json:"message_number" db:"message_number"`
	UserMessage          string       `json:"user_message" db:"user_message"`
	UserMessageTimestamp time.Time    `json:"user_message_timestamp" db:"user_message_timestamp"`

	LLM1RawResponse string   `json:"llm1_raw_response" db:"llm1_raw_response"`
	LLM2Bubbles     []string `json:"llm2_bubbles" db:"llm2_bubbles"`

	FinalBubbles  []string `json:"final_bubbles,omitempty" db:"final_bubbles"`
	EditTags      []string `json:"edit_tags,omitempty" db:"edit_tags"`
	ReviewerNotes string   `json:"reviewer_notes,omitempty" db:"reviewer_notes"`
	QualityScore  *int     `json:"quality_score,omitempty" db:"quality_score"`
	ReviewTimeSec *float64 `json:"review_time_seconds,omitempty" db:"review_time_seconds"`

	ConstitutionRisk           float64        `json:"constitution_risk_score" db:"constitution_risk_score"`
	ConstitutionFlags          []string       `json:"constitution_flags" db:"constitution_flags"`
	ConstitutionRecommendation Recommendation `json:"constitution_recommendation" db:"constitution_recommendation"`

	LLM1Model      string  `json:"llm1_model" db:"llm1_model"`
	LLM2Model      string  `json:"llm2_model" db:"llm2_model"`
	LLM1TokensUsed int     `json:"llm1_tokens_used" db:"llm1_tokens_used"`
	LLM2TokensUsed int     `json:"llm2_tokens_used" db:"llm2_tokens_used"`
	LLM1CostUSD    float64 `json:"llm1_cost_usd" db:"llm1_cost_usd"`
	LLM2CostUSD    float64 `json:"llm2_cost_usd" db:"llm2_cost_usd"`
	TotalCostUSD   float64 `json:"total_cost_usd" db:"total_cost_usd"`

	ReviewStatus      ReviewStatus `json:"review_status" db:"review_status"`
	FailureReason     string       `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	ReviewCompletedAt *time.Time   `json:"review_completed_at,omitempty" db:"review_completed_at"`
	MessagesSentAt    *time.Time   `json:"messages_sent_at,omitempty" db:"messages_sent_at"`

	// Funnel fields written by reviewers only; the pipeline never mutates them.
	CTAData        json.RawMessage `json:"cta_data,omitempty" db:"cta_data"`
	CustomerStatus *string         `json:"customer_status,omitempty" db:"customer_status"`
}

// SendableBubbles returns the bubbles the paced sender must deliver:
// reviewer-edited finals when present, otherwise the refiner output.
func (i *Interaction) SendableBubbles() []string {
	if len(i.FinalBubbles) > 0 {
		return i.FinalBubbles
	}
	return i.LLM2Bubbles
}

// ReviewItem is one pending entry in the priority review queue.
type ReviewItem struct {
	InteractionID string  `json:"interaction_id"`
	Priority      float64 `json:"priority"`
}

// Cursor records the last platform message id processed for a user. The
// recovery agent compares it against platform-reported ids after a restart.
type Cursor struct {
	UserID        string `json:"user_id" db:"user_id"`
	LastMessageID int64  `json:"last_message_id" db:"last_message_id"`
}
