// Package main is the entry point of the progress engine HTTP API.
//
// The server records activities and evaluates achievements and daily
// challenges in-request, so callers see what an action earned. With the
// in-memory event bus it also hosts the bus consumers and the background
// jobs; with the Redis transport those run in cmd/worker.
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
	"github.com/jobquest/progress-engine/internal/infrastructure/messaging"
	"github.com/jobquest/progress-engine/internal/infrastructure/scheduler"
	"github.com/jobquest/progress-engine/internal/infrastructure/telemetry"
	apihttp "github.com/jobquest/progress-engine/internal/interface/http"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	log := app.NewLogger(cfg)
	slog.SetDefault(log)
	log.Info("starting progress engine server",
		"env", cfg.App.Environment,
		"timezone", cfg.App.Timezone,
		"driver", cfg.Database.Driver,
		"transport", cfg.EventBus.Transport,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. TRACING
	// ─────────────────────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: string(cfg.App.Environment),
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ENGINE
	// ─────────────────────────────────────────────────────────────────────────
	engine, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	// Single-process mode: consumers and jobs live here.
	var (
		dispatcher *messaging.Dispatcher
		jobs       *scheduler.Scheduler
	)
	if cfg.EventBus.Transport == config.TransportMemory {
		if dispatcher, err = engine.Consumers(); err != nil {
			_ = engine.Close(context.Background())
			return err
		}
		if cfg.Scheduler.Enabled {
			if jobs, err = engine.Scheduler(dispatcher); err != nil {
				_ = engine.Close(context.Background())
				return err
			}
		}
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
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	h := engine.Handlers(true)
	server := apihttp.NewServer(apihttp.Config{
		Host:           cfg.HTTP.Host,
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Version:        cfg.App.Version,
	}, apihttp.Dependencies{
		RecordActivity:          h.RecordActivity,
		EvaluateProgress:        h.EvaluateProgress,
		UpdateChallengeSettings: h.UpdateChallengeSettings,
		ListActivities:          h.ListActivities,
		GetAchievementProgress:  h.GetAchievementProgress,
		GetDailyChallenges:      h.GetDailyChallenges,
		GetAccount:              h.GetAccount,
		HealthChecker:           engine.Health,
		Metrics: func() any {
			out := map[string]any{
				"bus":      engine.Bus.Metrics().Snapshot(),
				"breakers": engine.BreakerSnapshots(),
			}
			if dispatcher != nil {
				out["dispatcher"] = dispatcher.Snapshot()
			}
			if jobs != nil {
				out["scheduler"] = jobs.GetMetrics().Snapshot()
			}
			return out
		},
		Logger: log,
	})
	errCh := server.StartAsync()

	log.Info("progress engine server is running", "address", server.Address())

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case serveErr = <-errCh:
		log.Error("http server stopped", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, serveErr)
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if jobs != nil {
		if err := jobs.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
	}
	// The bus drains before the dispatcher stops so queued events still run.
	if err := engine.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine close: %w", err))
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info("shutdown completed successfully")
	return nil
}
