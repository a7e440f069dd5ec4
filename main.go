package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"marketfetch/internal/clock"
	"marketfetch/internal/config"
	"marketfetch/internal/coordinator"
	"marketfetch/internal/jobs"
	"marketfetch/internal/logging"
	"marketfetch/internal/metrics"
)

// Exit statuses.
const (
	exitOK        = 0
	exitSetup     = 1
	exitNoSuccess = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(parent context.Context, args []string) int {
	logging.Setup(logging.DefaultConfig())

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitSetup
	}

	_, closer := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
		File:   cfg.Log.File,
		Output: os.Stderr,
	})
	defer closer.Close()
	logger := logging.NewLogger("marketfetch")

	job := cfg.Job
	if len(args) > 0 {
		job = args[0]
	}
	if job == "" {
		fmt.Fprintf(os.Stderr, "usage: marketfetch <job>\n\njobs: %s\n", strings.Join(jobs.Names(), ", "))
		return exitSetup
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Handle interrupt signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Warn().Msg("Received interrupt signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	rec := metrics.New()
	env := jobs.NewEnv(cfg, clock.Real{}, rec, logger)

	summary, err := jobs.Run(ctx, job, env)

	if cfg.MetricsFile != "" {
		if werr := rec.WriteTextfile(cfg.MetricsFile); werr != nil {
			logger.Warn().Err(werr).Str("path", cfg.MetricsFile).Msg("Failed to write metrics")
		}
	}

	switch {
	case errors.Is(err, coordinator.ErrNoSuccess):
		logger.Error().Err(err).Str("job", job).Str("output", summary.Output).Msg("Job produced no data")
		return exitNoSuccess
	case err != nil:
		logger.Error().Err(err).Str("job", job).Msg("Job failed")
		return exitSetup
	}

	return exitOK
}
