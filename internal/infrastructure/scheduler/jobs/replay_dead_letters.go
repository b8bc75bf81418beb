package jobs

import (
	"context"
	"fmt"
	"log/slog"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPLAY DEAD LETTERS JOB
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterReplayer re-runs failed event deliveries.
type DeadLetterReplayer interface {
	ReplayDeadLetters(ctx context.Context, limit int) (int, error)
}

// ReplayDeadLettersJob gives dead-lettered events another chance once the
// failing dependency may have recovered.
type ReplayDeadLettersJob struct {
	replayer DeadLetterReplayer
	limit    int
	logger   *slog.Logger
}

// NewReplayDeadLettersJob creates the job. limit bounds entries per run.
func NewReplayDeadLettersJob(replayer DeadLetterReplayer, limit int, logger *slog.Logger) *ReplayDeadLettersJob {
	if limit <= 0 {
		limit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayDeadLettersJob{
		replayer: replayer,
		limit:    limit,
		logger:   logger.With("job", "replay_dead_letters"),
	}
}

func (j *ReplayDeadLettersJob) Name() string { return "replay_dead_letters" }

func (j *ReplayDeadLettersJob) Description() string {
	return "Replays events whose handlers exhausted their retries"
}

// Run replays up to the configured limit.
func (j *ReplayDeadLettersJob) Run(ctx context.Context) error {
	n, err := j.replayer.ReplayDeadLetters(ctx, j.limit)
	if n > 0 {
		j.logger.Info("dead letters replayed", "succeeded", n)
	}
	if err != nil {
		return fmt.Errorf("replay dead letters: %w", err)
	}
	return nil
}
