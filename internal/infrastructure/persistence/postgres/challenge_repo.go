package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jobquest/progress-engine/internal/domain/challenge"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHALLENGE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ChallengeRepository implements challenge.Repository and
// challenge.SettingsRepository for PostgreSQL.
type ChallengeRepository struct {
	conn *Connection
}

// NewChallengeRepository creates a new ChallengeRepository.
func NewChallengeRepository(conn *Connection) *ChallengeRepository {
	return &ChallengeRepository{conn: conn}
}

// ─────────────────────────────────────────────────────────────────────────────
// Instances
// ─────────────────────────────────────────────────────────────────────────────

// EnsureChallenges inserts missing instances in one batch and reads back the
// stored rows, which may predate this call.
func (r *ChallengeRepository) EnsureChallenges(ctx context.Context, challenges []challenge.DailyChallenge) ([]challenge.DailyChallenge, error) {
	if len(challenges) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	ids := make([]string, len(challenges))
	for i, c := range challenges {
		ids[i] = c.ID
		batch.Queue(`
			INSERT INTO daily_challenges (id, title, description, kind, requirement, xp_reward, challenge_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, c.ID, c.Title, c.Description, string(c.Kind), []byte(c.Requirement), c.XPReward, c.Date)
	}

	if err := r.conn.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("ensure challenges: %w", err)
	}

	rows, err := r.conn.Query(ctx, `
		SELECT id, title, description, kind, requirement, xp_reward, challenge_date
		FROM daily_challenges
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("read challenges: %w", err)
	}
	defer rows.Close()

	stored, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (challenge.DailyChallenge, error) {
		var (
			c    challenge.DailyChallenge
			kind string
			req  []byte
		)
		if err := row.Scan(&c.ID, &c.Title, &c.Description, &kind, &req, &c.XPReward, &c.Date); err != nil {
			return c, err
		}
		c.Kind = challenge.Kind(kind)
		c.Requirement = req
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	return inInputOrder(challenges, stored), nil
}

// inInputOrder orders stored rows like the requested ones, keeping the
// requested date's location for day formatting.
func inInputOrder(requested, stored []challenge.DailyChallenge) []challenge.DailyChallenge {
	byID := make(map[string]challenge.DailyChallenge, len(stored))
	for _, c := range stored {
		byID[c.ID] = c
	}

	out := make([]challenge.DailyChallenge, 0, len(requested))
	for _, want := range requested {
		got, ok := byID[want.ID]
		if !ok {
			continue
		}
		got.Date = got.Date.In(want.Date.Location())
		out = append(out, got)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Progress
// ─────────────────────────────────────────────────────────────────────────────

// GetProgress returns the user's row for a challenge.
func (r *ChallengeRepository) GetProgress(ctx context.Context, userID, challengeID string) (*challenge.Progress, error) {
	var (
		p             challenge.Progress
		status        string
		completionKey *string
	)
	err := r.conn.QueryRow(ctx, `
		SELECT user_id, challenge_id, status, progress, completed_at, completion_key, updated_at
		FROM daily_challenge_progress
		WHERE user_id = $1 AND challenge_id = $2
	`, userID, challengeID).Scan(&p.UserID, &p.ChallengeID, &status, &p.Progress, &p.CompletedAt, &completionKey, &p.UpdatedAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrProgressNotFound
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}

	p.Status = challenge.Status(status)
	if completionKey != nil {
		p.CompletionKey = *completionKey
	}
	return &p, nil
}

// CreateProgress inserts the row if absent.
func (r *ChallengeRepository) CreateProgress(ctx context.Context, p challenge.Progress) (bool, error) {
	tag, err := r.conn.Exec(ctx, `
		INSERT INTO daily_challenge_progress (user_id, challenge_id, status, progress, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, challenge_id) DO NOTHING
	`, p.UserID, p.ChallengeID, string(p.Status), p.Progress, p.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("create progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress is a compare-and-swap on (not completed, progress <= next).
func (r *ChallengeRepository) UpdateProgress(ctx context.Context, next challenge.Progress) (bool, error) {
	var completionKey *string
	if next.CompletionKey != "" {
		completionKey = &next.CompletionKey
	}

	tag, err := r.conn.Exec(ctx, `
		UPDATE daily_challenge_progress SET
			status = $3,
			progress = $4,
			completed_at = $5,
			completion_key = $6,
			updated_at = $7
		WHERE user_id = $1 AND challenge_id = $2
		  AND status <> 'COMPLETED'
		  AND progress <= $4
	`, next.UserID, next.ChallengeID, string(next.Status), next.Progress, next.CompletedAt, completionKey, next.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Settings
// ─────────────────────────────────────────────────────────────────────────────

// GetSettings returns the stored settings.
func (r *ChallengeRepository) GetSettings(ctx context.Context, userID string) (*challenge.Settings, error) {
	s := challenge.Settings{UserID: userID}
	err := r.conn.QueryRow(ctx, `
		SELECT notebook_enabled, notebook_target,
		       learning_enabled, learning_target,
		       jobs_enabled, jobs_target, updated_at
		FROM challenge_settings
		WHERE user_id = $1
	`, userID).Scan(
		&s.NotebookEntries.Enabled, &s.NotebookEntries.Target,
		&s.LearningMaterials.Enabled, &s.LearningMaterials.Target,
		&s.JobApplications.Enabled, &s.JobApplications.Target,
		&s.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrSettingsNotFound
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return &s, nil
}

// SaveSettings upserts the user's settings.
func (r *ChallengeRepository) SaveSettings(ctx context.Context, s challenge.Settings) error {
	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.conn.Exec(ctx, `
		INSERT INTO challenge_settings (
			user_id, notebook_enabled, notebook_target,
			learning_enabled, learning_target, jobs_enabled, jobs_target, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			notebook_enabled = EXCLUDED.notebook_enabled,
			notebook_target = EXCLUDED.notebook_target,
			learning_enabled = EXCLUDED.learning_enabled,
			learning_target = EXCLUDED.learning_target,
			jobs_enabled = EXCLUDED.jobs_enabled,
			jobs_target = EXCLUDED.jobs_target,
			updated_at = EXCLUDED.updated_at
	`,
		s.UserID,
		s.NotebookEntries.Enabled, s.NotebookEntries.Target,
		s.LearningMaterials.Enabled, s.LearningMaterials.Target,
		s.JobApplications.Enabled, s.JobApplications.Target,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

var (
	_ challenge.Repository         = (*ChallengeRepository)(nil)
	_ challenge.SettingsRepository = (*ChallengeRepository)(nil)
)
