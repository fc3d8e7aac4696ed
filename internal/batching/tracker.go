// Package batching implements the adaptive window that coalesces rapid
// message bursts into single batches, cutting LLM calls while keeping
// singleton messages responsive. Each active user owns one goroutine
// running an explicit Idle/Windowing/Debouncing state machine driven by
// timer channels.
package batching

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

// Flush reasons, recorded per batch release.
const (
	FlushWindow   = "window_min"
	FlushQuiet    = "debounce"
	FlushMaxBatch = "max_batch"
	FlushMaxWait  = "max_wait"
	FlushShutdown = "shutdown"
)

const (
	opTimeout = 5 * time.Second

	// Idle window goroutines retire after this long without a message.
	windowIdleAfter = 5 * time.Minute
)

// ErrStopped is returned by Enqueue after the tracker has shut down.
var ErrStopped = errors.New("activity tracker stopped")

// BatchHandler receives released batches. The pipeline supervisor
// implements it; the interface direction keeps the dependency graph
// acyclic.
type BatchHandler interface {
	OnBatchReady(ctx context.Context, batch models.Batch) error
}

// TypingSource reports the freshest typing signal for a user. Absence of
// a signal reads as not typing.
type TypingSource interface {
	IsTyping(ctx context.Context, userID string) (bool, error)
}

// BufferStore mirrors per-user buffers for crash recovery and accepts the
// WAL fallback when a dispatch cannot hand the batch over.
// *kvstore.Store implements it.
type BufferStore interface {
	MirrorBuffer(ctx context.Context, userID string, msgs []models.InboundMessage) error
	ClearBuffer(ctx context.Context, userID string) error
	PushWAL(ctx context.Context, e kvstore.WALEntry) error
}

type phase int

const (
	phaseIdle phase = iota
	phaseWindowing
	phaseDebouncing
)

func (p phase) String() string {
	switch p {
	case phaseWindowing:
		return "windowing"
	case phaseDebouncing:
		return "debouncing"
	default:
		return "idle"
	}
}

// arrival pairs a message with the channel that tells the enqueuer
// whether the message made it into the mirrored buffer.
type arrival struct {
	msg models.InboundMessage
	ack chan error
}

// Tracker owns the per-user windows. Windows are created on first message
// and retire after sitting idle.
type Tracker struct {
	cfg     config.BatchingConfig
	handler BatchHandler
	typing  TypingSource
	store   BufferStore
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	idleAfter time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	windows map[string]*userWindow
	wg      sync.WaitGroup
}

// New creates a tracker. Start must be called before Enqueue.
func New(cfg config.BatchingConfig, handler BatchHandler, typing TypingSource, store BufferStore, metrics *telemetry.Metrics, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg,
		handler:   handler,
		typing:    typing,
		store:     store,
		metrics:   metrics,
		logger:    logger.With().Str("component", "batching").Logger(),
		idleAfter: windowIdleAfter,
		windows:   make(map[string]*userWindow),
	}
}

// Start binds the tracker's lifetime to ctx.
func (t *Tracker) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
}

// Stop cancels every window and waits for in-flight dispatches. Buffers
// that were still collecting are parked in the WAL for the next boot.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Enqueue hands one inbound message to the owning user window, creating
// it on first use. Order of calls per user is order within the batch.
// A nil return means the message is already mirrored in KV: callers may
// advance their cursor past it.
func (t *Tracker) Enqueue(ctx context.Context, msg models.InboundMessage) error {
	if t.ctx == nil {
		return ErrStopped
	}
	a := arrival{msg: msg, ack: make(chan error, 1)}
	for {
		if t.ctx.Err() != nil {
			return ErrStopped
		}

		t.mu.Lock()
		w, ok := t.windows[msg.UserID]
		if !ok {
			w = &userWindow{
				tracker:  t,
				userID:   msg.UserID,
				arrivals: make(chan arrival),
				done:     make(chan struct{}),
			}
			t.windows[msg.UserID] = w
			t.wg.Add(1)
			go w.run()
		}
		t.mu.Unlock()

		select {
		case w.arrivals <- a:
			// The rendezvous is unbuffered, so the window saw the message
			// and will always answer: mirror result, or park on shutdown.
			select {
			case err := <-a.ack:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-w.done:
			// Window retired between lookup and handoff; retry against a
			// fresh one.
		case <-t.ctx.Done():
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ActiveWindows reports the number of users with a live window goroutine.
func (t *Tracker) ActiveWindows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

// userWindow is the single owner of one user's buffer and timers.
type userWindow struct {
	tracker  *Tracker
	userID   string
	arrivals chan arrival
	done     chan struct{}
	buffer   []models.InboundMessage
	phase    phase
}

func (u *userWindow) run() {
	t := u.tracker
	defer t.wg.Done()

	idle := time.NewTimer(t.idleAfter)
	defer idle.Stop()

	for {
		select {
		case <-t.ctx.Done():
			u.shutdown()
			return
		case a := <-u.arrivals:
			u.collect(a)
		case <-idle.C:
			// Retire unless a sender is already parked at the rendezvous.
			// The map delete and the check happen under the same lock
			// Enqueue holds during lookup, so a sender that misses the
			// window observes done and retries.
			t.mu.Lock()
			select {
			case a := <-u.arrivals:
				t.mu.Unlock()
				u.collect(a)
			default:
				delete(t.windows, u.userID)
				t.mu.Unlock()
				close(u.done)
				return
			}
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(t.idleAfter)
	}
}

// collect runs one burst from first arrival to flush.
func (u *userWindow) collect(first arrival) {
	ctx := u.tracker.ctx
	cfg := u.tracker.cfg

	if !u.accept(ctx, first) {
		return
	}
	u.setPhase(phaseWindowing)

	// Hard bound on total coalescing time, armed once per burst.
	deadline := time.NewTimer(cfg.MaxWait)
	defer deadline.Stop()
	window := time.NewTimer(cfg.WindowDelay)
	defer window.Stop()

	for {
		select {
		case <-ctx.Done():
			u.shutdown()
			return
		case a := <-u.arrivals:
			if u.accept(ctx, a) && len(u.buffer) >= cfg.MaxBatchSize {
				u.flush(FlushMaxBatch)
				return
			}
		case <-window.C:
			if len(u.buffer) < cfg.MinBatchSize {
				u.flush(FlushWindow)
				return
			}
			u.debounce(ctx, deadline)
			return
		case <-deadline.C:
			u.flush(FlushMaxWait)
			return
		}
	}
}

// debounce holds the batch while the user is still typing: once a
// not-typing observation survives a full DebounceDelay, the batch goes
// out. The burst deadline keeps counting down throughout.
func (u *userWindow) debounce(ctx context.Context, deadline *time.Timer) {
	cfg := u.tracker.cfg
	u.setPhase(phaseDebouncing)

	poll := time.NewTicker(cfg.TypingPoll)
	defer poll.Stop()

	var quiet *time.Timer
	var quietC <-chan time.Time
	defer func() {
		if quiet != nil {
			quiet.Stop()
		}
	}()

	observe := func() {
		if u.typingNow(ctx) {
			if quiet != nil {
				quiet.Stop()
				quiet, quietC = nil, nil
			}
			return
		}
		if quiet == nil {
			quiet = time.NewTimer(cfg.DebounceDelay)
			quietC = quiet.C
		}
	}

	observe()

	for {
		select {
		case <-ctx.Done():
			u.shutdown()
			return
		case a := <-u.arrivals:
			if u.accept(ctx, a) && len(u.buffer) >= cfg.MaxBatchSize {
				u.flush(FlushMaxBatch)
				return
			}
			observe()
		case <-poll.C:
			observe()
		case <-quietC:
			quiet, quietC = nil, nil
			if !u.typingNow(ctx) {
				u.flush(FlushQuiet)
				return
			}
		case <-deadline.C:
			u.flush(FlushMaxWait)
			return
		}
	}
}

// accept mirrors the grown buffer before committing the message. The ack
// carries the mirror result back to Enqueue: a refused message is not in
// the buffer and the caller's cursor must not move past it.
func (u *userWindow) accept(ctx context.Context, a arrival) bool {
	grown := append(u.buffer, a.msg)
	if err := u.tracker.store.MirrorBuffer(ctx, u.userID, grown); err != nil {
		u.tracker.logger.Warn().Err(err).Str("user_id", u.userID).Msg("Buffer mirror write failed, refusing message")
		a.ack <- err
		return false
	}
	u.buffer = grown
	a.ack <- nil
	return true
}

// shutdown drains senders already parked at the rendezvous into the
// buffer, then parks everything in the WAL. Runs on a detached context:
// the tracker's own is gone.
func (u *userWindow) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for {
		select {
		case a := <-u.arrivals:
			u.accept(ctx, a)
		default:
			u.flush(FlushShutdown)
			return
		}
	}
}

// flush drains the buffer into an ordered batch and hands it off. The KV
// mirror is cleared here; from this point the batch is covered by the
// supervisor's WAL entry, or by the tracker's own on dispatch failure.
func (u *userWindow) flush(reason string) {
	u.setPhase(phaseIdle)
	if len(u.buffer) == 0 {
		return
	}

	batch := models.Batch{
		UserID:   u.userID,
		ChatID:   u.buffer[0].ChatID,
		Messages: u.buffer,
	}
	u.buffer = nil

	t := u.tracker
	t.metrics.RecordFlush(reason, len(batch.Messages))
	t.logger.Debug().
		Str("user_id", u.userID).
		Int("size", len(batch.Messages)).
		Str("reason", reason).
		Msg("Batch flushed")

	if reason == FlushShutdown {
		// Park first; the mirror is only dropped once the WAL holds the
		// batch.
		if t.park(batch) {
			t.clearMirror(u.userID)
		}
		return
	}

	t.clearMirror(u.userID)
	t.wg.Add(1)
	go t.dispatch(batch)
}

func (t *Tracker) dispatch(batch models.Batch) {
	defer t.wg.Done()
	if err := t.handler.OnBatchReady(t.ctx, batch); err != nil {
		t.logger.Error().Err(err).Str("user_id", batch.UserID).Msg("Batch dispatch failed, parking in WAL")
		if !t.park(batch) {
			if data, merr := json.Marshal(batch); merr == nil {
				t.logger.Error().RawJSON("batch", data).Msg("Batch could not be secured anywhere, dumping for manual replay")
			}
		}
	}
}

// park journals an undispatched batch so the recovery agent re-drives it.
// Runs on a background context: shutdown must not lose batches.
func (t *Tracker) park(batch models.Batch) bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	entry := kvstore.WALEntry{
		InteractionID: uuid.NewString(),
		UserID:        batch.UserID,
		ChatID:        batch.ChatID,
		Batch:         batch,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := t.store.PushWAL(ctx, entry); err != nil {
		t.logger.Error().Err(err).
			Str("user_id", batch.UserID).
			Int("size", len(batch.Messages)).
			Msg("WAL park failed")
		return false
	}
	return true
}

func (t *Tracker) clearMirror(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := t.store.ClearBuffer(ctx, userID); err != nil {
		t.logger.Warn().Err(err).Str("user_id", userID).Msg("Buffer mirror clear failed")
	}
}

func (u *userWindow) typingNow(ctx context.Context) bool {
	typing, err := u.tracker.typing.IsTyping(ctx, u.userID)
	if err != nil {
		u.tracker.logger.Debug().Err(err).Str("user_id", u.userID).Msg("Typing check failed, assuming quiet")
		return false
	}
	return typing
}

func (u *userWindow) setPhase(p phase) {
	if u.phase != p {
		u.tracker.logger.Trace().
			Str("user_id", u.userID).
			Str("from", u.phase.String()).
			Str("to", p.String()).
			Msg("Window phase change")
	}
	u.phase = p
}
