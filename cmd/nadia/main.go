package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "nadia"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Human-in-the-loop conversational agent pipeline",
		Version: version,
		Long: `nadia runs the full message pipeline: inbound events are batched per
user, drafted and refined by two LLM stages, safety-scored, queued for
human review, and delivered with human-like pacing once approved.

Every stage is journaled in Redis and recorded in Postgres, so a crash
at any point resumes without losing a message.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline service",
		Long:  "Starts ingest, batching, generation, the review API, paced delivery, and the periodic recovery sweep in one process.",
		RunE:  runService,
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery sweep and exit",
		Long:  "Re-drives journaled batches, flushes stale buffers, reconciles the review queue, and requeues stranded approvals, then exits.",
		RunE:  runRecover,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe Redis, Postgres, and the platform bridge",
		RunE:  runHealth,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (%s)\n", appName, version, runtime.Version())
		},
	}

	rootCmd.AddCommand(runCmd, recoverCmd, healthCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
