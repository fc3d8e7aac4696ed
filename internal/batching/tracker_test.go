package batching

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

// Compressed timings so the state machine scenarios run in milliseconds.
func testCfg() config.BatchingConfig {
	return config.BatchingConfig{
		WindowDelay:   60 * time.Millisecond,
		DebounceDelay: 80 * time.Millisecond,
		MaxWait:       1 * time.Second,
		MinBatchSize:  2,
		MaxBatchSize:  5,
		TypingPoll:    10 * time.Millisecond,
	}
}

type fakeHandler struct {
	mu      sync.Mutex
	batches []models.Batch
	times   []time.Time
	err     error
	ch      chan models.Batch
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{ch: make(chan models.Batch, 8)}
}

func (f *fakeHandler) OnBatchReady(ctx context.Context, b models.Batch) error {
	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.times = append(f.times, time.Now())
	err := f.err
	f.mu.Unlock()
	f.ch <- b
	return err
}

func (f *fakeHandler) wait(t *testing.T, timeout time.Duration) models.Batch {
	t.Helper()
	select {
	case b := <-f.ch:
		return b
	case <-time.After(timeout):
		t.Fatal("timed out waiting for batch")
		return models.Batch{}
	}
}

type fakeTyping struct{ typing atomic.Bool }

func (f *fakeTyping) IsTyping(ctx context.Context, userID string) (bool, error) {
	return f.typing.Load(), nil
}

type fakeStore struct {
	mu        sync.Mutex
	mirrors   [][]models.InboundMessage
	mirrorErr error
	clears    int
	wal       []kvstore.WALEntry
	walCh     chan kvstore.WALEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{walCh: make(chan kvstore.WALEntry, 8)}
}

func (f *fakeStore) failMirrors(err error) {
	f.mu.Lock()
	f.mirrorErr = err
	f.mu.Unlock()
}

func (f *fakeStore) MirrorBuffer(ctx context.Context, userID string, msgs []models.InboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mirrorErr != nil {
		return f.mirrorErr
	}
	snapshot := make([]models.InboundMessage, len(msgs))
	copy(snapshot, msgs)
	f.mirrors = append(f.mirrors, snapshot)
	return nil
}

func (f *fakeStore) ClearBuffer(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeStore) PushWAL(ctx context.Context, e kvstore.WALEntry) error {
	f.mu.Lock()
	f.wal = append(f.wal, e)
	f.mu.Unlock()
	f.walCh <- e
	return nil
}

func msg(userID, text string, id int64) models.InboundMessage {
	return models.InboundMessage{
		UserID:     userID,
		ChatID:     "chat-" + userID,
		MessageID:  id,
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}
}

func startTracker(t *testing.T, cfg config.BatchingConfig, h BatchHandler, typ TypingSource, store BufferStore) *Tracker {
	t.Helper()
	tr := New(cfg, h, typ, store, telemetry.NewNop(), zerolog.Nop())
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)
	return tr
}

func TestSingletonFlushesAtWindowExpiry(t *testing.T) {
	h := newFakeHandler()
	tr := startTracker(t, testCfg(), h, &fakeTyping{}, newFakeStore())

	start := time.Now()
	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "Hi", 1)))

	b := h.wait(t, time.Second)
	elapsed := time.Since(start)

	require.Len(t, b.Messages, 1)
	assert.Equal(t, "Hi", b.Messages[0].Text)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "flush before window expiry")
	assert.Less(t, elapsed, 250*time.Millisecond, "singleton not released promptly")
}

func TestBurstHeldUntilQuietPeriod(t *testing.T) {
	h := newFakeHandler()
	tr := startTracker(t, testCfg(), h, &fakeTyping{}, newFakeStore())

	start := time.Now()
	for i, text := range []string{"Hi", "how are", "you?"} {
		require.NoError(t, tr.Enqueue(context.Background(), msg("u1", text, int64(i+1))))
		time.Sleep(5 * time.Millisecond)
	}

	b := h.wait(t, time.Second)
	elapsed := time.Since(start)

	require.Len(t, b.Messages, 3)
	assert.Equal(t, "Hi", b.Messages[0].Text)
	assert.Equal(t, "how are", b.Messages[1].Text)
	assert.Equal(t, "you?", b.Messages[2].Text)
	// Window then a full quiet debounce period.
	assert.GreaterOrEqual(t, elapsed, 120*time.Millisecond)
	assert.Equal(t, "Hi\nhow are\nyou?", b.CombinedText())
}

func TestTypingExtendsDebounce(t *testing.T) {
	h := newFakeHandler()
	typ := &fakeTyping{}
	typ.typing.Store(true)
	tr := startTracker(t, testCfg(), h, typ, newFakeStore())

	start := time.Now()
	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "give me", 1)))
	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "a second", 2)))

	time.Sleep(150 * time.Millisecond)
	typ.typing.Store(false)
	stoppedAt := time.Since(start)

	b := h.wait(t, time.Second)
	elapsed := time.Since(start)

	require.Len(t, b.Messages, 2)
	// Released only once a full quiet period follows the typing stop.
	assert.GreaterOrEqual(t, elapsed, stoppedAt+70*time.Millisecond)
}

func TestMaxBatchFlushesImmediately(t *testing.T) {
	h := newFakeHandler()
	tr := startTracker(t, testCfg(), h, &fakeTyping{}, newFakeStore())

	start := time.Now()
	texts := []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"}
	for i, text := range texts {
		require.NoError(t, tr.Enqueue(context.Background(), msg("u1", text, int64(i+1))))
	}

	first := h.wait(t, time.Second)
	firstAt := time.Since(start)
	second := h.wait(t, time.Second)

	require.Len(t, first.Messages, 5)
	assert.Equal(t, "m1", first.Messages[0].Text)
	assert.Equal(t, "m5", first.Messages[4].Text)
	assert.Less(t, firstAt, 50*time.Millisecond, "cap flush must not wait for the window")

	require.Len(t, second.Messages, 2)
	assert.Equal(t, "m6", second.Messages[0].Text)
	assert.Equal(t, "m7", second.Messages[1].Text)
}

func TestMaxWaitBoundsDebounce(t *testing.T) {
	cfg := testCfg()
	cfg.MaxWait = 200 * time.Millisecond
	h := newFakeHandler()
	typ := &fakeTyping{}
	typ.typing.Store(true) // never stops typing
	tr := startTracker(t, cfg, h, typ, newFakeStore())

	start := time.Now()
	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "one", 1)))
	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "two", 2)))

	b := h.wait(t, time.Second)
	elapsed := time.Since(start)

	require.Len(t, b.Messages, 2)
	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)
}

func TestDispatchFailureParksBatchInWAL(t *testing.T) {
	h := newFakeHandler()
	h.err = errors.New("supervisor unavailable")
	store := newFakeStore()
	tr := startTracker(t, testCfg(), h, &fakeTyping{}, store)

	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "Hi", 1)))
	h.wait(t, time.Second)

	select {
	case entry := <-store.walCh:
		assert.NotEmpty(t, entry.InteractionID)
		assert.Equal(t, "u1", entry.UserID)
		require.Len(t, entry.Batch.Messages, 1)
		assert.Equal(t, "Hi", entry.Batch.Messages[0].Text)
		assert.Equal(t, 0, entry.Attempts)
	case <-time.After(time.Second):
		t.Fatal("failed dispatch was not parked in the WAL")
	}
}

func TestBufferMirroredOnEveryAppend(t *testing.T) {
	h := newFakeHandler()
	store := newFakeStore()
	tr := startTracker(t, testCfg(), h, &fakeTyping{}, store)

	for i, text := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Enqueue(context.Background(), msg("u1", text, int64(i+1))))
		time.Sleep(5 * time.Millisecond)
	}
	h.wait(t, time.Second)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.mirrors, 3)
	assert.Len(t, store.mirrors[0], 1)
	assert.Len(t, store.mirrors[2], 3)
	assert.Equal(t, "c", store.mirrors[2][2].Text)
	assert.Equal(t, 1, store.clears)
}

func TestEnqueueReturnsOnlyAfterMirror(t *testing.T) {
	h := newFakeHandler()
	store := newFakeStore()
	tr := startTracker(t, testCfg(), h, &fakeTyping{}, store)

	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "Hi", 1)))

	// No waiting: a returned Enqueue means the mirror already holds the
	// message, so a crash right here cannot lose it.
	store.mu.Lock()
	require.Len(t, store.mirrors, 1)
	require.Len(t, store.mirrors[0], 1)
	assert.Equal(t, "Hi", store.mirrors[0][0].Text)
	store.mu.Unlock()

	h.wait(t, time.Second)
}

func TestMirrorFailureRefusesMessage(t *testing.T) {
	h := newFakeHandler()
	store := newFakeStore()
	tr := startTracker(t, testCfg(), h, &fakeTyping{}, store)

	mirrorErr := errors.New("redis down")
	store.failMirrors(mirrorErr)
	assert.ErrorIs(t, tr.Enqueue(context.Background(), msg("u1", "lost?", 1)), mirrorErr)

	store.failMirrors(nil)
	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "kept", 2)))

	b := h.wait(t, time.Second)
	require.Len(t, b.Messages, 1)
	assert.Equal(t, "kept", b.Messages[0].Text)
}

func TestIdleWindowRetires(t *testing.T) {
	h := newFakeHandler()
	tr := New(testCfg(), h, &fakeTyping{}, newFakeStore(), telemetry.NewNop(), zerolog.Nop())
	tr.idleAfter = 30 * time.Millisecond
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)

	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "Hi", 1)))
	assert.Equal(t, 1, tr.ActiveWindows())
	h.wait(t, time.Second)

	require.Eventually(t, func() bool { return tr.ActiveWindows() == 0 },
		time.Second, 5*time.Millisecond, "idle window never retired")

	// A retired user batches again through a fresh window.
	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "again", 2)))
	assert.Equal(t, 1, tr.ActiveWindows())
	b := h.wait(t, time.Second)
	require.Len(t, b.Messages, 1)
	assert.Equal(t, "again", b.Messages[0].Text)
}

func TestStopParksCollectingBuffer(t *testing.T) {
	h := newFakeHandler()
	store := newFakeStore()
	tr := New(testCfg(), h, &fakeTyping{}, store, telemetry.NewNop(), zerolog.Nop())
	tr.Start(context.Background())

	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "Hi", 1)))
	time.Sleep(20 * time.Millisecond) // inside the window
	tr.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.wal, 1)
	assert.Equal(t, "u1", store.wal[0].UserID)
	require.Len(t, store.wal[0].Batch.Messages, 1)
	assert.Equal(t, "Hi", store.wal[0].Batch.Messages[0].Text)
	assert.Equal(t, 1, store.clears)

	assert.ErrorIs(t, tr.Enqueue(context.Background(), msg("u1", "late", 2)), ErrStopped)
}

func TestUsersBatchIndependently(t *testing.T) {
	h := newFakeHandler()
	tr := startTracker(t, testCfg(), h, &fakeTyping{}, newFakeStore())

	require.NoError(t, tr.Enqueue(context.Background(), msg("u1", "from one", 1)))
	require.NoError(t, tr.Enqueue(context.Background(), msg("u2", "from two", 1)))

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		b := h.wait(t, time.Second)
		require.Len(t, b.Messages, 1)
		got[b.UserID] = b.Messages[0].Text
	}

	assert.Equal(t, "from one", got["u1"])
	assert.Equal(t, "from two", got["u2"])
	assert.Equal(t, 2, tr.ActiveWindows())
}
