package pipeline

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
	"github.com/nadia-hitl/nadia/internal/platform"
	"github.com/nadia-hitl/nadia/internal/router"
)

// BatchSink accepts routed slow-path messages; the activity tracker
// implements it.
type BatchSink interface {
	Enqueue(ctx context.Context, msg models.InboundMessage) error
}

// TypingSink records the user's typing state for the debounce logic.
type TypingSink interface {
	SetTyping(ctx context.Context, userID string, typing bool) error
}

// Sender delivers command replies outside the generation pipeline.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) (int64, error)
}

// DefaultCommandReplies are the canned fast-path responses. Commands are
// deterministic UI surface, not persona content, so they skip generation
// and review entirely.
var DefaultCommandReplies = map[string]string{
	"/start":    "hey! so glad you found me 💕 tell me a little about yourself",
	"/help":     "just talk to me like you'd talk to anyone 😊 I'm always around",
	"/stop":     "ok, I won't message you. text me whenever you feel like talking again",
	"/delete":   "your conversation data will be removed shortly",
	"/settings": "nothing to set up really, just be yourself with me 😉",
}

// Ingestor consumes platform events: typing signals feed the shared
// typing state, command messages get canned replies, everything else is
// handed to the batching layer. The send cursor advances only after a
// message is safely buffered, so a crash re-fetches instead of losing it.
type Ingestor struct {
	routes   *router.Router
	sink     BatchSink
	typing   TypingSink
	cursors  persistence.CursorRepo
	chat     Sender
	commands map[string]string
	logger   zerolog.Logger
}

// NewIngestor wires the ingest loop. A nil commands map installs the
// defaults.
func NewIngestor(routes *router.Router, sink BatchSink, typing TypingSink, cursors persistence.CursorRepo, chat Sender, commands map[string]string, logger zerolog.Logger) *Ingestor {
	if commands == nil {
		commands = DefaultCommandReplies
	}
	return &Ingestor{
		routes:   routes,
		sink:     sink,
		typing:   typing,
		cursors:  cursors,
		chat:     chat,
		commands: commands,
		logger:   logger.With().Str("component", "ingest").Logger(),
	}
}

// Run consumes events until the channel closes or the context ends.
func (i *Ingestor) Run(ctx context.Context, events <-chan platform.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			i.Handle(ctx, ev)
		}
	}
}

// Handle processes one inbound event.
func (i *Ingestor) Handle(ctx context.Context, ev platform.Event) {
	switch ev.Kind {
	case platform.EventTyping:
		if err := i.typing.SetTyping(ctx, ev.UserID, ev.IsTyping); err != nil {
			i.logger.Warn().Err(err).Str("user_id", ev.UserID).Msg("Typing state update failed")
		}
	case platform.EventMessage:
		i.handleMessage(ctx, ev)
	default:
		i.logger.Debug().Str("kind", string(ev.Kind)).Msg("Ignoring unknown event kind")
	}
}

func (i *Ingestor) handleMessage(ctx context.Context, ev platform.Event) {
	if i.routes.Route(ev.Text) == router.Fast {
		i.handleCommand(ctx, ev)
		i.advance(ctx, ev)
		return
	}

	msg := models.InboundMessage{
		UserID:     ev.UserID,
		ChatID:     ev.ChatID,
		MessageID:  ev.MessageID,
		Text:       ev.Text,
		ReceivedAt: ev.OccurredAt,
	}
	if err := i.sink.Enqueue(ctx, msg); err != nil {
		// Cursor stays put: recovery re-fetches this message.
		i.logger.Error().Err(err).
			Str("user_id", ev.UserID).
			Int64("message_id", ev.MessageID).
			Msg("Inbound message could not be buffered")
		return
	}
	// Enqueue returned nil, so the message sits in the mirrored buffer;
	// the cursor can safely move past it.
	i.advance(ctx, ev)
}

func (i *Ingestor) handleCommand(ctx context.Context, ev platform.Event) {
	cmd := strings.ToLower(strings.TrimSpace(ev.Text))
	reply, ok := i.commands[cmd]
	if !ok {
		i.logger.Debug().Str("command", cmd).Msg("Command has no canned reply")
		return
	}
	if _, err := i.chat.SendMessage(ctx, ev.ChatID, reply); err != nil {
		i.logger.Warn().Err(err).Str("command", cmd).Msg("Command reply failed")
		return
	}
	i.logger.Debug().Str("command", cmd).Str("user_id", ev.UserID).Msg("Command handled on the fast path")
}

func (i *Ingestor) advance(ctx context.Context, ev platform.Event) {
	if ev.MessageID == 0 {
		return
	}
	if err := i.cursors.Advance(ctx, ev.UserID, ev.MessageID); err != nil {
		i.logger.Warn().Err(err).Str("user_id", ev.UserID).Msg("Cursor advance failed")
	}
}
