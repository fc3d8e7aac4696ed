// Package pipeline drives released batches through the full generation
// path: WAL journal, interaction row, two-stage generation, safety
// scoring, review intake. It also owns the ingest loop that feeds
// platform events into batching.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/batching"
	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/llm"
	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
	"github.com/nadia-hitl/nadia/internal/prompt"
	"github.com/nadia-hitl/nadia/internal/safety"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

// Review-queue saturation slows intake instead of blocking it forever:
// the WAL entry is already durable, so after maxHeadroomWait the batch
// proceeds regardless.
const (
	headroomPoll    = 2 * time.Second
	maxHeadroomWait = 30 * time.Second
)

// StateStore is the key-value surface the supervisor touches.
type StateStore interface {
	PushWAL(ctx context.Context, e kvstore.WALEntry) error
	RemoveWAL(ctx context.Context, e kvstore.WALEntry) error
	ReviewDepth(ctx context.Context) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]models.ConversationTurn, error)
	UserProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	AppendHistory(ctx context.Context, userID string, turns ...models.ConversationTurn) error
}

// ReviewIntake accepts a fully generated interaction into the review
// queue.
type ReviewIntake interface {
	Enqueue(ctx context.Context, it *models.Interaction) (float64, error)
}

// Deps bundles the supervisor's collaborators. All are required except
// Metrics, which defaults to an unregistered no-op set.
type Deps struct {
	KV        StateStore
	Repo      persistence.InteractionRepo
	Prompts   *prompt.Manager
	Creative  llm.Client
	Refiner   llm.Client
	Evaluator *safety.Evaluator
	Reviews   ReviewIntake
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
}

// Supervisor owns each interaction from batch release until it is safely
// queued for human review. One instance serves every user; per-batch
// state lives on the stack of the dispatching goroutine.
type Supervisor struct {
	kv        StateStore
	repo      persistence.InteractionRepo
	prompts   *prompt.Manager
	creative  llm.Client
	refiner   llm.Client
	evaluator *safety.Evaluator
	reviews   ReviewIntake
	cfg       *config.Config
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

var _ batching.BatchHandler = (*Supervisor)(nil)

// NewSupervisor wires the pipeline around the given collaborators.
func NewSupervisor(deps Deps, cfg *config.Config) *Supervisor {
	m := deps.Metrics
	if m == nil {
		m = telemetry.NewNop()
	}
	return &Supervisor{
		kv:        deps.KV,
		repo:      deps.Repo,
		prompts:   deps.Prompts,
		creative:  deps.Creative,
		refiner:   deps.Refiner,
		evaluator: deps.Evaluator,
		reviews:   deps.Reviews,
		cfg:       cfg,
		metrics:   m,
		logger:    deps.Logger.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
	}
}

// OnBatchReady accepts one released batch. It returns an error only when
// the batch could not be journaled; past that point failures are handled
// internally (row marked failed, WAL entry retained for recovery) so the
// tracker never journals the same batch twice.
func (s *Supervisor) OnBatchReady(ctx context.Context, batch models.Batch) error {
	entry := kvstore.WALEntry{
		InteractionID: uuid.NewString(),
		UserID:        batch.UserID,
		ChatID:        batch.ChatID,
		Batch:         batch,
		EnqueuedAt:    s.now().UTC(),
	}

	timer := s.metrics.StartStep(telemetry.StepWAL)
	if err := s.kv.PushWAL(ctx, entry); err != nil {
		timer.Stop(telemetry.ResultError)
		return fmt.Errorf("journal batch: %w", err)
	}
	timer.Stop(telemetry.ResultSuccess)

	s.waitForHeadroom(ctx)
	if err := s.Process(ctx, entry); err != nil {
		s.failInteraction(ctx, entry.InteractionID, err)
	}
	return nil
}

// Process drives one journaled entry through generation, safety scoring
// and review intake. Calling it again for the same entry is safe: work
// already recorded on the row is not repeated, and a row that moved past
// pending only has its journal entry cleaned up.
func (s *Supervisor) Process(ctx context.Context, entry kvstore.WALEntry) error {
	log := s.logger.With().
		Str("interaction_id", entry.InteractionID).
		Str("user_id", entry.UserID).
		Logger()

	row, err := s.repo.Get(ctx, entry.InteractionID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		row = &models.Interaction{
			ID:                   entry.InteractionID,
			UserID:               entry.UserID,
			ConversationID:       entry.ChatID,
			UserMessage:          entry.Batch.CombinedText(),
			UserMessageTimestamp: entry.Batch.FirstReceivedAt(),
		}
		timer := s.metrics.StartStep(telemetry.StepPersist)
		if err := s.repo.Insert(ctx, row); err != nil {
			timer.Stop(telemetry.ResultError)
			return fmt.Errorf("insert interaction: %w", err)
		}
		timer.Stop(telemetry.ResultSuccess)
	case err != nil:
		return fmt.Errorf("load interaction: %w", err)
	default:
		if row.ReviewStatus != models.StatusPending {
			log.Info().
				Str("status", string(row.ReviewStatus)).
				Msg("Row already past intake, dropping replayed journal entry")
			return s.kv.RemoveWAL(ctx, entry)
		}
	}

	if len(row.LLM2Bubbles) == 0 {
		if err := s.generate(ctx, row, log); err != nil {
			return err
		}
	} else {
		log.Info().Msg("Generation already recorded, resuming at review intake")
	}

	timer := s.metrics.StartStep(telemetry.StepEnqueue)
	pri, err := s.reviews.Enqueue(ctx, row)
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return fmt.Errorf("enqueue review: %w", err)
	}
	timer.Stop(telemetry.ResultSuccess)

	if err := s.kv.RemoveWAL(ctx, entry); err != nil {
		// The entry replays on the next sweep; Process tolerates that.
		log.Warn().Err(err).Msg("Journal entry removal failed")
	}
	s.appendUserTurns(ctx, entry)

	s.metrics.Interactions.WithLabelValues("queued").Inc()
	log.Info().
		Int("batch_size", len(entry.Batch.Messages)).
		Float64("priority", pri).
		Float64("risk", row.ConstitutionRisk).
		Msg("Interaction queued for review")
	return nil
}

// generate runs both LLM stages and the safety evaluator, recording the
// results on the row in the store and in memory.
func (s *Supervisor) generate(ctx context.Context, row *models.Interaction, log zerolog.Logger) error {
	turns, err := s.kv.History(ctx, row.UserID, config.HistoryMaxTurns)
	if err != nil {
		log.Warn().Err(err).Msg("History unavailable, generating without it")
		turns = nil
	}
	var userName, summary string
	if p, err := s.kv.UserProfile(ctx, row.UserID); err == nil && p != nil {
		userName = p.DisplayName
		summary = p.Summary
	}

	msgs := s.prompts.BuildMessages(prompt.BuildInput{
		UserName: userName,
		Summary:  summary,
		History:  turns,
		Current:  row.UserMessage,
	})
	draft, err := s.callStage(ctx, telemetry.StepGenerate, s.creative, s.cfg.LLM1, msgs)
	if err != nil {
		return fmt.Errorf("creative stage: %w", err)
	}

	instruction := prompt.RefinementInstruction(row.UserMessage, draft.Text, s.cfg.BubbleSeparator)
	msgs = s.prompts.BuildMessages(prompt.BuildInput{
		UserName: userName,
		Summary:  summary,
		History:  turns,
		Current:  instruction,
	})
	refined, err := s.callStage(ctx, telemetry.StepRefine, s.refiner, s.cfg.LLM2, msgs)
	if err != nil {
		return fmt.Errorf("refiner stage: %w", err)
	}

	bubbles := prompt.SplitBubbles(refined.Text, s.cfg.BubbleSeparator)
	if len(bubbles) == 0 {
		return errors.New("refiner output contained no sendable bubbles")
	}

	timer := s.metrics.StartStep(telemetry.StepSafety)
	verdict := s.evaluator.Evaluate(bubbles, row.UserMessage)
	timer.Stop(telemetry.ResultSuccess)

	rec := persistence.GenerationRecord{
		LLM1RawResponse: draft.Text,
		LLM2Bubbles:     bubbles,
		Verdict:         verdict,
		LLM1Model:       draft.Model,
		LLM2Model:       refined.Model,
		LLM1Tokens:      draft.TotalTokens(),
		LLM2Tokens:      refined.TotalTokens(),
		LLM1CostUSD:     draft.CostUSD,
		LLM2CostUSD:     refined.CostUSD,
	}
	timer = s.metrics.StartStep(telemetry.StepPersist)
	if err := s.repo.RecordGeneration(ctx, row.ID, rec); err != nil {
		timer.Stop(telemetry.ResultError)
		return fmt.Errorf("record generation: %w", err)
	}
	timer.Stop(telemetry.ResultSuccess)

	row.LLM1RawResponse = draft.Text
	row.LLM2Bubbles = bubbles
	row.ConstitutionRisk = verdict.RiskScore
	row.ConstitutionFlags = verdict.Flags
	row.ConstitutionRecommendation = verdict.Recommendation
	row.LLM1Model = draft.Model
	row.LLM2Model = refined.Model
	row.LLM1TokensUsed = draft.TotalTokens()
	row.LLM2TokensUsed = refined.TotalTokens()
	row.LLM1CostUSD = draft.CostUSD
	row.LLM2CostUSD = refined.CostUSD
	row.TotalCostUSD = rec.TotalCostUSD()

	log.Info().
		Int("bubbles", len(bubbles)).
		Float64("risk", verdict.RiskScore).
		Str("recommendation", string(verdict.Recommendation)).
		Float64("cost_usd", row.TotalCostUSD).
		Msg("Generation complete")
	return nil
}

// callStage runs one generation stage under the configured wall-clock
// timeout, recording step timing, usage and provider errors.
func (s *Supervisor) callStage(ctx context.Context, step string, client llm.Client, stage config.StageConfig, msgs []llm.Message) (*llm.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.LLMTimeout)
	defer cancel()

	timer := s.metrics.StartStep(step)
	start := time.Now()
	res, err := client.Generate(cctx, msgs, stage.Temperature)
	if err != nil {
		result := telemetry.ResultError
		var lerr *models.LLMError
		if errors.As(err, &lerr) {
			s.metrics.RecordLLMError(lerr.Provider, string(lerr.Kind))
			if lerr.Kind == models.LLMTimeout {
				result = telemetry.ResultTimeout
			}
		}
		timer.Stop(result)
		return nil, err
	}
	timer.Stop(telemetry.ResultSuccess)
	s.metrics.RecordLLMUsage(step, stage.Provider, res.PromptTokens, res.CompletionTokens, res.CostUSD, time.Since(start))
	return res, nil
}

// waitForHeadroom eases off while the review queue sits above its
// high-water mark. The wait is bounded: reviewers being away must not
// wedge intake goroutines forever.
func (s *Supervisor) waitForHeadroom(ctx context.Context) {
	if s.cfg.ReviewHighWater <= 0 {
		return
	}
	deadline := time.Now().Add(maxHeadroomWait)
	for {
		depth, err := s.kv.ReviewDepth(ctx)
		if err != nil || depth < s.cfg.ReviewHighWater {
			return
		}
		s.metrics.SetQueueDepth(telemetry.QueueReview, depth)
		if time.Now().After(deadline) {
			s.logger.Warn().Int64("depth", depth).Msg("Review queue still saturated, proceeding anyway")
			return
		}
		pause := headroomPoll + time.Duration(rand.Int63n(int64(time.Second)))
		s.logger.Debug().Int64("depth", depth).Dur("pause", pause).Msg("Review queue above high water, easing off")
		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

// failInteraction marks the row failed and leaves the journal entry in
// place for the recovery agent's bounded retries.
func (s *Supervisor) failInteraction(ctx context.Context, id string, cause error) {
	reason := FailureReason(cause)
	err := s.repo.MarkFailed(ctx, id, reason)
	if err != nil && !errors.Is(err, persistence.ErrNoTransition) && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error().Err(err).Str("interaction_id", id).Msg("Failed row could not be marked")
	}
	s.metrics.Interactions.WithLabelValues("failed").Inc()
	s.logger.Error().
		Err(cause).
		Str("interaction_id", id).
		Str("reason", reason).
		Msg("Interaction processing failed, journal entry retained")
}

// appendUserTurns records the batch messages as user history turns.
// History is prompt enrichment, so failures only warn.
func (s *Supervisor) appendUserTurns(ctx context.Context, entry kvstore.WALEntry) {
	turns := make([]models.ConversationTurn, 0, len(entry.Batch.Messages))
	for _, m := range entry.Batch.Messages {
		turns = append(turns, models.ConversationTurn{
			Role:      models.RoleUser,
			Content:   m.Text,
			Timestamp: m.ReceivedAt,
		})
	}
	if len(turns) == 0 {
		return
	}
	if err := s.kv.AppendHistory(ctx, entry.UserID, turns...); err != nil {
		s.logger.Warn().Err(err).Str("user_id", entry.UserID).Msg("History append failed")
	}
}

// FailureReason condenses a processing error into the reason column.
// The recovery agent shares the taxonomy when a re-drive fails.
func FailureReason(err error) string {
	var lerr *models.LLMError
	if errors.As(err, &lerr) {
		return fmt.Sprintf("llm_%s:%s", lerr.Kind, lerr.Provider)
	}
	msg := err.Error()
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
