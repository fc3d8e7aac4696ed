package recovery

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nadia-hitl/nadia/internal/config"
)

const (
	sweepTimeout        = 5 * time.Minute
	typingSweepEvery    = 5 * time.Minute
	failureCleanupEvery = time.Hour
)

// TypingSweeper reclaims stale typing records.
type TypingSweeper interface {
	SweepTypingState(ctx context.Context) (int, error)
}

// FailureCache drops accumulated peer-resolution failure counters.
type FailureCache interface {
	CleanupFailures() int
}

// Maintenance schedules the periodic recovery sweep and housekeeping.
// A job skips its run when the previous one is still going.
type Maintenance struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewMaintenance wires the schedules. Typing and failure collaborators
// are optional; a nil skips that job.
func NewMaintenance(agent *Agent, typing TypingSweeper, failures FailureCache, cfg config.RecoveryConfig, logger zerolog.Logger) *Maintenance {
	log := logger.With().Str("component", "maintenance").Logger()
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(&log)),
		cron.Recover(cron.PrintfLogger(&log)),
	))

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if err := agent.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("Periodic recovery sweep reported errors")
		}
	}))

	if typing != nil {
		c.Schedule(cron.Every(typingSweepEvery), cron.FuncJob(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if n, err := typing.SweepTypingState(ctx); err != nil {
				log.Warn().Err(err).Msg("Typing state sweep failed")
			} else if n > 0 {
				log.Debug().Int("removed", n).Msg("Stale typing records swept")
			}
		}))
	}

	if failures != nil {
		c.Schedule(cron.Every(failureCleanupEvery), cron.FuncJob(func() {
			if n := failures.CleanupFailures(); n > 0 {
				log.Debug().Int("removed", n).Msg("Peer resolution failure counters cleared")
			}
		}))
	}

	return &Maintenance{cron: c, logger: log}
}

// Start begins the schedules.
func (m *Maintenance) Start() { m.cron.Start() }

// Stop halts scheduling and waits for any running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info().Msg("Maintenance stopped")
}
