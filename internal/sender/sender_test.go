package sender

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence/memory"
	"github.com/nadia-hitl/nadia/internal/platform"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type sentMsg struct {
	chatID string
	text   string
}

type fakeChat struct {
	mu        sync.Mutex
	sent      []sentMsg
	typing    int
	typingErr error
	failOn    string
	err       error
}

func (f *fakeChat) SetTyping(ctx context.Context, chatID string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return f.typingErr
}

func (f *fakeChat) SendMessage(ctx context.Context, chatID, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && text == f.failOn {
		return 0, f.err
	}
	f.sent = append(f.sent, sentMsg{chatID: chatID, text: text})
	return int64(len(f.sent)), nil
}

func (f *fakeChat) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.text
	}
	return out
}

type fakeQueue struct {
	mu         sync.Mutex
	items      []kvstore.OutboundItem
	requeued   []kvstore.OutboundItem
	history    map[string][]models.ConversationTurn
	delivering map[string]bool
}

func newFakeQueue(items ...kvstore.OutboundItem) *fakeQueue {
	return &fakeQueue{
		items:      items,
		history:    make(map[string][]models.ConversationTurn),
		delivering: make(map[string]bool),
	}
}

func (f *fakeQueue) PopOutbound(ctx context.Context, timeout time.Duration) (*kvstore.OutboundItem, error) {
	f.mu.Lock()
	if len(f.items) > 0 {
		it := f.items[0]
		f.items = f.items[1:]
		f.mu.Unlock()
		return &it, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeQueue) RequeueOutboundHead(ctx context.Context, item kvstore.OutboundItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, item)
	return nil
}

func (f *fakeQueue) MarkDelivering(ctx context.Context, interactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivering[interactionID] = true
	return nil
}

func (f *fakeQueue) ClearDelivering(ctx context.Context, interactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.delivering, interactionID)
	return nil
}

func (f *fakeQueue) AppendHistory(ctx context.Context, userID string, turns ...models.ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[userID] = append(f.history[userID], turns...)
	return nil
}

func (f *fakeQueue) OutboundDepth(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.items)), nil
}

type fakePeers struct {
	peer *platform.Peer
	err  error
}

func (f *fakePeers) Resolve(ctx context.Context, userID string) (*platform.Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.peer, nil
}

func pacingOff() config.PacingConfig {
	return config.PacingConfig{Enabled: false, WordsPerMinute: 60, ReadingWPM: 250}
}

func newTestWorker(q *fakeQueue, chat *fakeChat, repo *memory.Store, peers PeerSource, pacing config.PacingConfig) *Worker {
	w := NewWorker(q, repo, peers, chat, pacing, telemetry.NewNop(), zerolog.Nop())
	w.now = func() time.Time { return testNow }
	return w
}

func seedApproved(repo *memory.Store, id string) {
	repo.Put(&models.Interaction{
		ID:             id,
		UserID:         "42",
		ConversationID: "chat-42",
		UserMessage:    "Hi",
		ReviewStatus:   models.StatusApproved,
		CreatedAt:      testNow.Add(-time.Minute),
	})
}

func outboundItem(id string, bubbles ...string) kvstore.OutboundItem {
	return kvstore.OutboundItem{
		InteractionID: id,
		UserID:        "42",
		ChatID:        "chat-42",
		Bubbles:       bubbles,
		UserMessage:   "Hi",
		EnqueuedAt:    testNow,
	}
}

func TestDeliverSendsBubblesInOrderAndMarksSent(t *testing.T) {
	repo := memory.New()
	seedApproved(repo, "int-1")
	q := newFakeQueue()
	chat := &fakeChat{}
	w := newTestWorker(q, chat, repo, nil, pacingOff())

	w.Deliver(context.Background(), outboundItem("int-1", "hey you!", "i missed you", "how was your day?"))

	require.Equal(t, []string{"hey you!", "i missed you", "how was your day?"}, chat.texts())
	for _, m := range chat.sent {
		require.Equal(t, "chat-42", m.chatID)
	}
	require.Empty(t, q.requeued)

	row, err := repo.Get(context.Background(), "int-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, row.ReviewStatus)
	require.NotNil(t, row.MessagesSentAt)
	require.Equal(t, testNow, row.MessagesSentAt.UTC())

	turns := q.history["42"]
	require.Len(t, turns, 3)
	for i, want := range []string{"hey you!", "i missed you", "how was your day?"} {
		require.Equal(t, models.RoleAssistant, turns[i].Role)
		require.Equal(t, want, turns[i].Content)
		require.Equal(t, testNow, turns[i].Timestamp)
	}
	require.Empty(t, q.delivering, "delivery marker must not outlive the delivery")
}

func TestDeliverDropsItemWithoutBubbles(t *testing.T) {
	repo := memory.New()
	seedApproved(repo, "int-1")
	q := newFakeQueue()
	chat := &fakeChat{}
	w := newTestWorker(q, chat, repo, nil, pacingOff())

	w.Deliver(context.Background(), outboundItem("int-1"))

	require.Empty(t, chat.texts())
	require.Empty(t, q.requeued)
	row, err := repo.Get(context.Background(), "int-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, row.ReviewStatus)
}

func TestSendFailureRequeuesRemainderAndMarksFailed(t *testing.T) {
	repo := memory.New()
	seedApproved(repo, "int-1")
	q := newFakeQueue()
	chat := &fakeChat{failOn: "second", err: errors.New("wire closed")}
	w := newTestWorker(q, chat, repo, nil, pacingOff())

	// Cut the post-failure backoff short.
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	w.Deliver(ctx, outboundItem("int-1", "first", "second", "third"))

	require.Equal(t, []string{"first"}, chat.texts())
	require.Len(t, q.requeued, 1)
	require.Equal(t, "int-1", q.requeued[0].InteractionID)
	require.Equal(t, []string{"second", "third"}, q.requeued[0].Bubbles)

	row, err := repo.Get(context.Background(), "int-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, row.ReviewStatus)
	require.Equal(t, "send:transport", row.FailureReason)
	require.Empty(t, q.history["42"])
}

func TestRateLimitFailureIsLabeled(t *testing.T) {
	repo := memory.New()
	seedApproved(repo, "int-1")
	q := newFakeQueue()
	chat := &fakeChat{failOn: "first", err: &platform.RateLimitError{RetryAfter: time.Millisecond}}
	w := newTestWorker(q, chat, repo, nil, pacingOff())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	w.Deliver(ctx, outboundItem("int-1", "first", "second"))

	require.Empty(t, chat.texts())
	require.Len(t, q.requeued, 1)
	require.Equal(t, []string{"first", "second"}, q.requeued[0].Bubbles)

	row, err := repo.Get(context.Background(), "int-1")
	require.NoError(t, err)
	require.Equal(t, "send:rate_limited", row.FailureReason)
}

func TestCancellationRequeuesWithoutFailureRecord(t *testing.T) {
	repo := memory.New()
	seedApproved(repo, "int-1")
	q := newFakeQueue()
	chat := &fakeChat{}
	w := newTestWorker(q, chat, repo, nil, pacingOff())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w.Deliver(ctx, outboundItem("int-1", "first", "second"))

	require.Empty(t, chat.texts())
	require.Len(t, q.requeued, 1)
	require.Equal(t, []string{"first", "second"}, q.requeued[0].Bubbles)

	// Shutdown is not a delivery failure: the row stays approved for the
	// next worker run.
	row, err := repo.Get(context.Background(), "int-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, row.ReviewStatus)
	require.Empty(t, row.FailureReason)
}

func TestDeliverPrefersResolvedPeerChat(t *testing.T) {
	repo := memory.New()
	seedApproved(repo, "int-1")
	q := newFakeQueue()
	chat := &fakeChat{}
	peers := &fakePeers{peer: &platform.Peer{UserID: "42", ChatID: "tg-777"}}
	w := newTestWorker(q, chat, repo, peers, pacingOff())

	w.Deliver(context.Background(), outboundItem("int-1", "hello"))

	require.Len(t, chat.sent, 1)
	require.Equal(t, "tg-777", chat.sent[0].chatID)
}

func TestPeerResolutionFailureFallsBack(t *testing.T) {
	repo := memory.New()
	seedApproved(repo, "int-1")
	q := newFakeQueue()
	chat := &fakeChat{}
	peers := &fakePeers{err: errors.New("peer cache cold")}
	w := newTestWorker(q, chat, repo, peers, pacingOff())

	w.Deliver(context.Background(), outboundItem("int-1", "hello"))

	require.Len(t, chat.sent, 1)
	require.Equal(t, "chat-42", chat.sent[0].chatID)
}

func TestDeliveryToleratesSettledRow(t *testing.T) {
	// A requeued remainder can arrive after the row was already marked
	// failed. The text still goes out; the row keeps its failure record.
	repo := memory.New()
	repo.Put(&models.Interaction{
		ID:             "int-1",
		UserID:         "42",
		ConversationID: "chat-42",
		ReviewStatus:   models.StatusFailed,
		FailureReason:  "send:transport",
	})
	q := newFakeQueue()
	chat := &fakeChat{}
	w := newTestWorker(q, chat, repo, nil, pacingOff())

	w.Deliver(context.Background(), outboundItem("int-1", "second", "third"))

	require.Equal(t, []string{"second", "third"}, chat.texts())
	require.Len(t, q.history["42"], 2)

	row, err := repo.Get(context.Background(), "int-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, row.ReviewStatus)
	require.Equal(t, "send:transport", row.FailureReason)
}

func TestReadingPauseScalesWithMessageLength(t *testing.T) {
	w := newTestWorker(newFakeQueue(), &fakeChat{}, memory.New(), nil, config.PacingConfig{
		Enabled:        true,
		WordsPerMinute: 60,
		ReadingWPM:     250,
	})
	w.rand = func() float64 { return 0.5 }

	// 10 words at 250 wpm reads in 2.4 s.
	require.InDelta(t, 2.4, w.preSendPause(strings.TrimSpace(strings.Repeat("word ", 10))).Seconds(), 1e-9)
	// Long messages clamp at 5 s, short ones at 500 ms.
	require.Equal(t, 5*time.Second, w.preSendPause(strings.Repeat("word ", 125)))
	require.Equal(t, 500*time.Millisecond, w.preSendPause("hi"))
	// No inbound text: a 1-3 s thinking pause instead.
	require.Equal(t, 2*time.Second, w.preSendPause(""))
}

func TestTypingDurationTracksBubbleLength(t *testing.T) {
	w := newTestWorker(newFakeQueue(), &fakeChat{}, memory.New(), nil, config.PacingConfig{
		Enabled:        true,
		WordsPerMinute: 60,
		ReadingWPM:     250,
	})

	// 50 runes is 10 notional words; at 60 wpm that is 10 s of typing.
	bubble := strings.Repeat("ab cd ", 8) + "xy"
	require.Len(t, bubble, 50)

	w.rand = func() float64 { return 0.5 }
	require.InDelta(t, 10.0, w.typingDuration(bubble).Seconds(), 1e-6)
	w.rand = func() float64 { return 0 }
	require.InDelta(t, 8.0, w.typingDuration(bubble).Seconds(), 1e-6)
}

func TestInterBubblePauseWithinBounds(t *testing.T) {
	w := newTestWorker(newFakeQueue(), &fakeChat{}, memory.New(), nil, config.PacingConfig{
		Enabled:        true,
		WordsPerMinute: 60,
		ReadingWPM:     250,
	})

	w.rand = func() float64 { return 0 }
	require.Equal(t, 500*time.Millisecond, w.interBubblePause())
	w.rand = func() float64 { return 0.5 }
	require.Equal(t, 1250*time.Millisecond, w.interBubblePause())
}

func TestPacingDisabledSkipsPausesAndTyping(t *testing.T) {
	repo := memory.New()
	seedApproved(repo, "int-1")
	q := newFakeQueue()
	chat := &fakeChat{}
	w := newTestWorker(q, chat, repo, nil, pacingOff())

	require.Equal(t, time.Duration(0), w.preSendPause("a fairly long user message here"))
	require.Equal(t, time.Duration(0), w.interBubblePause())

	start := time.Now()
	w.Deliver(context.Background(), outboundItem("int-1", "a", "b", "c"))
	require.Less(t, time.Since(start), time.Second)
	require.Zero(t, chat.typing)
	require.Len(t, chat.texts(), 3)
}

func TestRunDrainsQueueAndStopsOnCancel(t *testing.T) {
	repo := memory.New()
	seedApproved(repo, "int-1")
	seedApproved(repo, "int-2")
	q := newFakeQueue(
		outboundItem("int-1", "first reply"),
		outboundItem("int-2", "second reply"),
	)
	chat := &fakeChat{}
	w := newTestWorker(q, chat, repo, nil, pacingOff())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(chat.texts()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancellation")
	}

	for _, id := range []string{"int-1", "int-2"} {
		row, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, models.StatusSent, row.ReviewStatus)
	}
}
