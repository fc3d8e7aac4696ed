package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/llm/providers"
	"github.com/nadia-hitl/nadia/internal/persistence/postgres"
	"github.com/nadia-hitl/nadia/internal/pipeline"
	"github.com/nadia-hitl/nadia/internal/prompt"
	"github.com/nadia-hitl/nadia/internal/recovery"
	"github.com/nadia-hitl/nadia/internal/review"
	"github.com/nadia-hitl/nadia/internal/safety"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

// runRecover executes one sweep against live state and exits. The WAL
// re-drive needs the full generation stack; delivery and ingest stay
// offline so nothing races the sweep.
func runRecover(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger := log.Logger

	kv, err := kvstore.Open(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer kv.Close()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return err
	}
	repos := postgres.NewRepository(db)

	prompts, err := prompt.Load(cfg.PersonaPath, logger)
	if err != nil {
		return err
	}
	evaluator, err := safety.Load(cfg.SafetyRulesPath, logger)
	if err != nil {
		return err
	}
	creative, err := providers.ForStage(cfg, cfg.LLM1, logger)
	if err != nil {
		return err
	}
	refiner, err := providers.ForStage(cfg, cfg.LLM2, logger)
	if err != nil {
		return err
	}

	metrics := telemetry.NewNop()
	reviews := review.NewManager(kv, repos.Interactions, cfg.OutboundHighWater, metrics, logger)
	supervisor := pipeline.NewSupervisor(pipeline.Deps{
		KV:        kv,
		Repo:      repos.Interactions,
		Prompts:   prompts,
		Creative:  creative,
		Refiner:   refiner,
		Evaluator: evaluator,
		Reviews:   reviews,
		Metrics:   metrics,
		Logger:    logger,
	}, cfg)

	agent := recovery.New(recovery.Deps{
		KV:      kv,
		Repo:    repos.Interactions,
		Cursors: repos.Cursors,
		Driver:  supervisor,
		Reviews: reviews,
		Metrics: metrics,
		Logger:  logger,
	}, cfg.Recovery)

	if err := agent.Sweep(ctx); err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}

	wal, _ := kv.WALDepth(ctx)
	pending, _ := kv.ReviewDepth(ctx)
	outbound, _ := kv.OutboundDepth(ctx)
	logger.Info().
		Int64("wal", wal).
		Int64("review", pending).
		Int64("outbound", outbound).
		Msg("Recovery sweep complete")
	return nil
}
