package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nadia-hitl/nadia/internal/batching"
	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/entity"
	dashboard "github.com/nadia-hitl/nadia/internal/interfaces/http"
	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/llm/providers"
	"github.com/nadia-hitl/nadia/internal/persistence/postgres"
	"github.com/nadia-hitl/nadia/internal/pipeline"
	"github.com/nadia-hitl/nadia/internal/platform"
	"github.com/nadia-hitl/nadia/internal/prompt"
	"github.com/nadia-hitl/nadia/internal/recovery"
	"github.com/nadia-hitl/nadia/internal/review"
	"github.com/nadia-hitl/nadia/internal/router"
	"github.com/nadia-hitl/nadia/internal/safety"
	"github.com/nadia-hitl/nadia/internal/sender"
	"github.com/nadia-hitl/nadia/internal/telemetry"
)

const shutdownGrace = 15 * time.Second

func runService(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger := log.Logger
	logger.Info().
		Str("redis", config.RedactURL(cfg.RedisURL)).
		Str("database", config.RedactURL(cfg.DatabaseURL)).
		Str("llm1", cfg.LLM1.Provider+"/"+cfg.LLM1.Model).
		Str("llm2", cfg.LLM2.Provider+"/"+cfg.LLM2.Model).
		Msg("Configuration loaded")

	kv, err := kvstore.Open(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer kv.Close()
	if err := kv.Ping(ctx); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	db, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return err
	}
	repos := postgres.NewRepository(db)

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

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

	// Seed the draft provider's prompt cache off the boot path so the
	// first real batch does not pay the cold-prefix cost.
	go func() {
		wctx, cancel := context.WithTimeout(ctx, cfg.LLMTimeout)
		defer cancel()
		prompts.WarmUp(wctx, creative)
	}()

	gateway := platform.NewGateway(cfg.Platform.BridgeURL, cfg.Platform.BridgeWSURL, logger)
	resolver := entity.New(gateway, cfg.EntityCacheSize, logger)
	resolver.Profiles = kv
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

	tracker := batching.New(cfg.Batching, supervisor, kv, kv, metrics, logger)
	tracker.Start(ctx)

	routes, err := router.New(nil)
	if err != nil {
		return err
	}
	ingestor := pipeline.NewIngestor(routes, tracker, kv, repos.Cursors, gateway, nil, logger)

	agent := recovery.New(recovery.Deps{
		KV:      kv,
		Repo:    repos.Interactions,
		Cursors: repos.Cursors,
		Driver:  supervisor,
		Reviews: reviews,
		Events:  gateway,
		Ingest:  ingestor,
		Metrics: metrics,
		Logger:  logger,
	}, cfg.Recovery)

	// The boot sweep must finish before the sender starts: approved rows
	// stranded by the previous run are requeued exactly once while nothing
	// is popping the outbound queue.
	if err := agent.Sweep(ctx); err != nil {
		logger.Warn().Err(err).Msg("Boot recovery sweep finished with errors")
	}

	resolver.WarmUp(ctx, cfg.EntityCacheSize)

	worker := sender.NewWorker(kv, repos.Interactions, resolver, gateway, cfg.Pacing, metrics, logger)

	srv := dashboard.NewServer(cfg.Dashboard, dashboard.Deps{
		Reviews:  reviews,
		KV:       kv,
		DB:       postgres.NewHealth(db),
		Gatherer: reg,
		Version:  version,
		Logger:   logger,
	})

	maint := recovery.NewMaintenance(agent, kv, resolver, cfg.Recovery, logger)
	maint.Start()

	events := make(chan platform.Event, 256)
	fatal := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.Subscribe(ctx, events); err != nil && ctx.Err() == nil {
			fatal <- fmt.Errorf("event stream: %w", err)
		}
		close(events)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ingestor.Run(ctx, events)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			fatal <- fmt.Errorf("dashboard: %w", err)
		}
	}()

	logger.Info().Str("version", version).Str("dashboard", srv.Addr()).Msg("Pipeline running")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case runErr = <-fatal:
		logger.Error().Err(runErr).Msg("Component failed, shutting down")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Dashboard shutdown incomplete")
	}
	maint.Stop()
	tracker.Stop()
	wg.Wait()

	logger.Info().Msg("Pipeline stopped")
	return runErr
}
