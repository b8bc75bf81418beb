// Package jobs contains the engine's scheduled jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jobquest/progress-engine/internal/application/saga"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE XP JOB
// An unlock or challenge completion is recorded before its XP credit. When
// the credit fails the flow moves on; this job finds those gaps and credits
// them with the same idempotency key.
// ══════════════════════════════════════════════════════════════════════════════

// XPReconciler credits pending rewards.
type XPReconciler interface {
	Reconcile(ctx context.Context, limit int) (saga.ReconcileResult, error)
}

// ReconcileXPConfig configures the job.
type ReconcileXPConfig struct {
	// BatchSize bounds the credits scanned per pass.
	BatchSize int

	// MaxPasses bounds passes per run; a run stops early once a pass
	// scans fewer than BatchSize credits.
	MaxPasses int

	// Timeout bounds the whole run.
	Timeout time.Duration
}

// DefaultReconcileXPConfig returns sensible defaults.
func DefaultReconcileXPConfig() ReconcileXPConfig {
	return ReconcileXPConfig{
		BatchSize: 200,
		MaxPasses: 5,
		Timeout:   2 * time.Minute,
	}
}

// ReconcileXPJob periodically reconciles the XP ledger.
type ReconcileXPJob struct {
	reconciler XPReconciler
	logger     *slog.Logger
	config     ReconcileXPConfig

	lastRun atomic.Pointer[saga.ReconcileResult]
}

// NewReconcileXPJob creates the job.
func NewReconcileXPJob(reconciler XPReconciler, logger *slog.Logger, config ReconcileXPConfig) *ReconcileXPJob {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultReconcileXPConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxPasses <= 0 {
		config.MaxPasses = def.MaxPasses
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &ReconcileXPJob{
		reconciler: reconciler,
		logger:     logger.With("job", "reconcile_xp"),
		config:     config,
	}
}

func (j *ReconcileXPJob) Name() string { return "reconcile_xp" }

func (j *ReconcileXPJob) Description() string {
	return "Credits XP for unlocks and challenge completions whose credit failed"
}

// Run executes reconciliation passes until the backlog is empty or
// MaxPasses is reached. A pass where every credit fails stops the run.
func (j *ReconcileXPJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	var total saga.ReconcileResult
	defer func() { j.lastRun.Store(&total) }()

	for pass := 0; pass < j.config.MaxPasses; pass++ {
		res, err := j.reconciler.Reconcile(ctx, j.config.BatchSize)
		total.Scanned += res.Scanned
		total.Applied += res.Applied
		total.Failed += res.Failed
		if err != nil {
			return fmt.Errorf("reconcile pass %d: %w", pass+1, err)
		}
		if res.Scanned < j.config.BatchSize {
			break
		}
		if res.Applied == 0 {
			j.logger.Warn("reconcile pass made no progress", "scanned", res.Scanned, "failed", res.Failed)
			break
		}
	}

	if total.Scanned > 0 {
		j.logger.Info("xp reconciliation finished",
			"scanned", total.Scanned,
			"applied", total.Applied,
			"failed", total.Failed,
		)
	}
	return nil
}

// LastRun returns the totals of the most recent run, or nil.
func (j *ReconcileXPJob) LastRun() *saga.ReconcileResult {
	return j.lastRun.Load()
}
