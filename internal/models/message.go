package models

import (
	"strings"
	"time"
)

// InboundMessage is one raw message event from the chat platform.
type InboundMessage struct {
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id"`
	MessageID  int64     `json:"message_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Batch is an ordered group of inbound messages released by the activity
// tracker as one unit of work. Order equals arrival order.
type Batch struct {
	UserID   string           `json:"user_id"`
	ChatID   string           `json:"chat_id"`
	Messages []InboundMessage `json:"messages"`
}

// CombinedText joins the batch messages into the single user_message the
// generation stages see, preserving arrival order.
func (b Batch) CombinedText() string {
	parts := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n")
}

// FirstReceivedAt returns the arrival time of the earliest message, or zero
// for an empty batch.
func (b Batch) FirstReceivedAt() time.Time {
	if len(b.Messages) == 0 {
		return time.Time{}
	}
	return b.Messages[0].ReceivedAt
}

// LastMessageID returns the highest platform message id in the batch. Used
// to advance the per-user send cursor.
func (b Batch) LastMessageID() int64 {
	var max int64
	for _, m := range b.Messages {
		if m.MessageID > max {
			max = m.MessageID
		}
	}
	return max
}

// Conversation roles for history turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationTurn is one entry of the short-term conversation history kept
// in the key-value store.
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserProfile is the small per-user cache feeding optional prompt context.
type UserProfile struct {
	DisplayName string `json:"display_name,omitempty"`
	Summary     string `json:"summary,omitempty"`
}
