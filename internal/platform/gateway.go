package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/models"
)

const (
	handshakeTimeout = 30 * time.Second
	readDeadline     = 60 * time.Second
	pingInterval     = 30 * time.Second
	writeTimeout     = 5 * time.Second

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Gateway implements Client against the transport bridge: JSON over HTTP
// for outbound operations, a websocket for the inbound event stream.
type Gateway struct {
	baseURL string
	wsURL   string
	client  *http.Client
	logger  zerolog.Logger
}

// NewGateway creates a bridge client for the given HTTP and websocket
// endpoints.
func NewGateway(baseURL, wsURL string, logger zerolog.Logger) *Gateway {
	return &Gateway{
		baseURL: baseURL,
		wsURL:   wsURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With().Str("component", "platform").Logger(),
	}
}

// ResolvePeer resolves a full entity for the user.
func (g *Gateway) ResolvePeer(ctx context.Context, userID string) (*Peer, error) {
	var peer Peer
	if err := g.postJSON(ctx, "/resolve", map[string]string{"user_id": userID}, &peer); err != nil {
		return nil, err
	}
	return &peer, nil
}

// ResolveInputPeer resolves the lighter input form preferred for typing
// actions.
func (g *Gateway) ResolveInputPeer(ctx context.Context, userID string) (*Peer, error) {
	var peer Peer
	if err := g.postJSON(ctx, "/resolve_input", map[string]string{"user_id": userID}, &peer); err != nil {
		return nil, err
	}
	peer.Input = true
	return &peer, nil
}

// SetTyping shows a typing indicator in the chat for the duration.
func (g *Gateway) SetTyping(ctx context.Context, chatID string, d time.Duration) error {
	body := map[string]interface{}{
		"chat_id":     chatID,
		"duration_ms": d.Milliseconds(),
	}
	return g.postJSON(ctx, "/typing", body, nil)
}

// SendMessage delivers one bubble and returns the platform message id.
func (g *Gateway) SendMessage(ctx context.Context, chatID, text string) (int64, error) {
	body := map[string]string{"chat_id": chatID, "text": text}
	var resp struct {
		MessageID int64 `json:"message_id"`
	}
	if err := g.postJSON(ctx, "/send", body, &resp); err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

// RecentDialogs lists recent conversations, newest first.
func (g *Gateway) RecentDialogs(ctx context.Context, limit int) ([]Dialog, error) {
	var dialogs []Dialog
	path := fmt.Sprintf("/dialogs?limit=%d", limit)
	if err := g.getJSON(ctx, path, &dialogs); err != nil {
		return nil, err
	}
	return dialogs, nil
}

// MissedMessages returns message events for a user after the given id,
// oldest first.
func (g *Gateway) MissedMessages(ctx context.Context, userID string, afterID int64) ([]Event, error) {
	var events []Event
	path := fmt.Sprintf("/missed?user_id=%s&after_id=%d", userID, afterID)
	if err := g.getJSON(ctx, path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Subscribe connects to the bridge event stream and delivers events on the
// channel until ctx is cancelled. Stream failures reconnect with capped
// exponential backoff; the channel is never closed by Subscribe.
func (g *Gateway) Subscribe(ctx context.Context, events chan<- Event) error {
	backoff := reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := g.dial(ctx)
		if err != nil {
			g.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Event stream connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = reconnectMin
		g.logger.Info().Str("url", g.wsURL).Msg("Event stream connected")

		err = g.readLoop(ctx, conn, events)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn().Err(err).Msg("Event stream dropped, reconnecting")
	}
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, g.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	return conn, nil
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- Event) error {
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	done := make(chan struct{})
	defer close(done)
	go g.pingLoop(conn, done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			g.logger.Error().Err(err).Msg("Failed to decode platform event")
			continue
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now()
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gateway) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.logger.Error().Err(err).Msg("Event stream ping failed")
				return
			}
		}
	}
}

func (g *Gateway) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return g.do(req, path, out)
}

func (g *Gateway) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	return g.do(req, path, out)
}

func (g *Gateway) do(req *http.Request, path string, out interface{}) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("bridge %s: %w", path, models.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("bridge %s: status %d: %s", path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}
