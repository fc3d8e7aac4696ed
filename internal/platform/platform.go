// Package platform defines the chat-platform contracts the core consumes:
// inbound message/typing events and the outbound operations needed for
// entity resolution, typing indicators and delivery. The gateway adapter
// implements them against the transport bridge.
package platform

import (
	"context"
	"fmt"
	"time"
)

// EventKind discriminates inbound events.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventTyping  EventKind = "typing"
)

// Event is one inbound platform event. Message ids are monotone per
// conversation only; the core never compares them across users.
type Event struct {
	Kind       EventKind `json:"kind"`
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id"`
	MessageID  int64     `json:"message_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	IsTyping   bool      `json:"is_typing,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Peer is a resolved handle usable for typing and send operations.
type Peer struct {
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
	Username string `json:"username,omitempty"`
	// AccessHash is the opaque platform handle material.
	AccessHash string `json:"access_hash,omitempty"`
	// Input marks a handle obtained through the input-entity path, the
	// preferred form for typing actions.
	Input bool `json:"input"`
}

// Dialog summarises one recent conversation, used to seed the entity
// cache at startup.
type Dialog struct {
	UserID        string `json:"user_id"`
	ChatID        string `json:"chat_id"`
	LastMessageID int64  `json:"last_message_id"`
}

// RateLimitError carries the platform's retry-after hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform rate limited, retry after %s", e.RetryAfter)
}

// Client is the outbound platform surface the core requires.
type Client interface {
	// ResolvePeer resolves a full entity for the user.
	ResolvePeer(ctx context.Context, userID string) (*Peer, error)

	// ResolveInputPeer resolves the lighter input form preferred for
	// typing actions.
	ResolveInputPeer(ctx context.Context, userID string) (*Peer, error)

	// SetTyping shows a typing indicator in the chat for the duration.
	SetTyping(ctx context.Context, chatID string, d time.Duration) error

	// SendMessage delivers one bubble and returns the platform message id.
	SendMessage(ctx context.Context, chatID, text string) (int64, error)

	// RecentDialogs lists recent conversations, newest first.
	RecentDialogs(ctx context.Context, limit int) ([]Dialog, error)

	// MissedMessages returns message events for a user after the given
	// id, oldest first. The recovery agent replays them as inbound.
	MissedMessages(ctx context.Context, userID string, afterID int64) ([]Event, error)
}
