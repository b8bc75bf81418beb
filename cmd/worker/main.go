// Package main is the entry point of the progress engine worker.
//
// The worker consumes the event bus (re-evaluating achievements and daily
// challenges for every recorded activity, relaying progress notifications)
// and runs the background jobs: XP reconciliation, dead-letter replay and
// catalog refresh. It needs the Redis transport to see events published by
// other processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jobquest/progress-engine/config"
	"github.com/jobquest/progress-engine/internal/app"
	"github.com/jobquest/progress-engine/internal/infrastructure/scheduler"
	"github.com/jobquest/progress-engine/internal/infrastructure/telemetry"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION & LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := app.NewLogger(cfg).With("process", "worker")
	slog.SetDefault(log)
	log.Info("starting progress engine worker",
		"env", cfg.App.Environment,
		"transport", cfg.EventBus.Transport,
	)
	if cfg.EventBus.Transport == config.TransportMemory {
		log.Warn("in-memory event bus: this worker only sees events it publishes itself")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. TRACING
	// ─────────────────────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName + "-worker",
		Environment: string(cfg.App.Environment),
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ENGINE & CONSUMERS
	// ─────────────────────────────────────────────────────────────────────────
	engine, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	dispatcher, err := engine.Consumers()
	if err != nil {
		_ = engine.Close(context.Background())
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	var jobs *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		if jobs, err = engine.Scheduler(dispatcher); err != nil {
			_ = engine.Close(context.Background())
			return fmt.Errorf("failed to build scheduler: %w", err)
		}
		jobs.OnJobComplete(func(r scheduler.JobResult) {
			if !r.Success {
				log.Warn("job failed", "job", r.JobName, "error", r.Error)
			}
		})
	}

	if err := engine.Start(ctx); err != nil {
		_ = engine.Close(context.Background())
		return err
	}
	if jobs != nil {
		if err := jobs.Start(ctx); err != nil {
			_ = engine.Close(context.Background())
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		for _, j := range jobs.ListJobs() {
			log.Info("job scheduled", "job", j.Name, "schedule", j.Schedule, "next_run", j.NextRun)
		}
	}

	log.Info("progress engine worker is running")

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info("received shutdown signal", "timeout", cfg.App.ShutdownTimeout.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	var errs []error
	if jobs != nil {
		if err := jobs.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
	}
	if err := engine.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine close: %w", err))
	}
	dispatcher.Stop()

	snap := dispatcher.Snapshot()
	log.Info("dispatcher totals", "metrics", snap)

	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info("shutdown completed successfully")
	return nil
}
