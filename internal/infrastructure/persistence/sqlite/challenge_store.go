package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jobquest/progress-engine/internal/domain/challenge"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ChallengeStore implements challenge.Repository and
// challenge.SettingsRepository.
type ChallengeStore struct {
	db *gorm.DB
}

// NewChallengeStore creates the store.
func NewChallengeStore(db *Database) *ChallengeStore {
	return &ChallengeStore{db: db.DB}
}

// ─────────────────────────────────────────────────────────────────────────────
// Instances
// ─────────────────────────────────────────────────────────────────────────────

func (s *ChallengeStore) EnsureChallenges(ctx context.Context, challenges []challenge.DailyChallenge) ([]challenge.DailyChallenge, error) {
	if len(challenges) == 0 {
		return nil, nil
	}

	rows := make([]challengeRow, len(challenges))
	ids := make([]string, len(challenges))
	for i, c := range challenges {
		ids[i] = c.ID
		rows[i] = challengeRow{
			ID:          c.ID,
			Title:       c.Title,
			Description: c.Description,
			Kind:        string(c.Kind),
			Requirement: string(c.Requirement),
			XPReward:    c.XPReward,
			Day:         c.Day(),
			Date:        c.Date.Format(time.RFC3339),
		}
	}

	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("ensure challenges: %w", err)
	}

	var stored []challengeRow
	if err := db.Where("id IN ?", ids).Find(&stored).Error; err != nil {
		return nil, fmt.Errorf("read challenges: %w", err)
	}

	byID := make(map[string]challengeRow, len(stored))
	for _, r := range stored {
		byID[r.ID] = r
	}

	out := make([]challenge.DailyChallenge, 0, len(challenges))
	for _, want := range challenges {
		r, ok := byID[want.ID]
		if !ok {
			continue
		}
		date, err := time.Parse(time.RFC3339, r.Date)
		if err != nil {
			return nil, fmt.Errorf("decode date of challenge %s: %w", r.ID, err)
		}
		out = append(out, challenge.DailyChallenge{
			ID:          r.ID,
			Title:       r.Title,
			Description: r.Description,
			Kind:        challenge.Kind(r.Kind),
			Requirement: []byte(r.Requirement),
			XPReward:    r.XPReward,
			Date:        date.In(want.Date.Location()),
		})
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Progress
// ─────────────────────────────────────────────────────────────────────────────

func (s *ChallengeStore) GetProgress(ctx context.Context, userID, challengeID string) (*challenge.Progress, error) {
	var row progressRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND challenge_id = ?", userID, challengeID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrProgressNotFound
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}

	p := challenge.Progress{
		UserID:      row.UserID,
		ChallengeID: row.ChallengeID,
		Status:      challenge.Status(row.Status),
		Progress:    row.Progress,
		UpdatedAt:   fromMicros(row.UpdatedAt),
	}
	if row.CompletedAt != nil {
		at := fromMicros(*row.CompletedAt)
		p.CompletedAt = &at
	}
	if row.CompletionKey != nil {
		p.CompletionKey = *row.CompletionKey
	}
	return &p, nil
}

func (s *ChallengeStore) CreateProgress(ctx context.Context, p challenge.Progress) (bool, error) {
	row := progressRow{
		UserID:      p.UserID,
		ChallengeID: p.ChallengeID,
		Status:      string(p.Status),
		Progress:    p.Progress,
		UpdatedAt:   toMicros(p.UpdatedAt),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("create progress: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdateProgress is a compare-and-swap on (not completed, progress <= next).
func (s *ChallengeStore) UpdateProgress(ctx context.Context, next challenge.Progress) (bool, error) {
	updates := map[string]interface{}{
		"status":         string(next.Status),
		"progress":       next.Progress,
		"completed_at":   nil,
		"completion_key": nil,
		"updated_at":     toMicros(next.UpdatedAt),
	}
	if next.CompletedAt != nil {
		updates["completed_at"] = toMicros(*next.CompletedAt)
	}
	if next.CompletionKey != "" {
		updates["completion_key"] = next.CompletionKey
	}

	res := s.db.WithContext(ctx).
		Model(&progressRow{}).
		Where("user_id = ? AND challenge_id = ? AND status <> ? AND progress <= ?",
			next.UserID, next.ChallengeID, string(challenge.StatusCompleted), next.Progress).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update progress: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Settings
// ─────────────────────────────────────────────────────────────────────────────

func (s *ChallengeStore) GetSettings(ctx context.Context, userID string) (*challenge.Settings, error) {
	var row settingsRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrSettingsNotFound
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}

	return &challenge.Settings{
		UserID:            row.UserID,
		NotebookEntries:   challenge.Target{Enabled: row.NotebookEnabled, Target: row.NotebookTarget},
		LearningMaterials: challenge.Target{Enabled: row.LearningEnabled, Target: row.LearningTarget},
		JobApplications:   challenge.Target{Enabled: row.JobsEnabled, Target: row.JobsTarget},
		UpdatedAt:         fromMicros(row.UpdatedAt),
	}, nil
}

// SaveSettings replaces the row; Save writes zero values, so a disabled
// target is stored as false.
func (s *ChallengeStore) SaveSettings(ctx context.Context, st challenge.Settings) error {
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	row := settingsRow{
		UserID:          st.UserID,
		NotebookEnabled: st.NotebookEntries.Enabled,
		NotebookTarget:  st.NotebookEntries.Target,
		LearningEnabled: st.LearningMaterials.Enabled,
		LearningTarget:  st.LearningMaterials.Target,
		JobsEnabled:     st.JobApplications.Enabled,
		JobsTarget:      st.JobApplications.Target,
		UpdatedAt:       toMicros(updatedAt),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

var (
	_ challenge.Repository         = (*ChallengeStore)(nil)
	_ challenge.SettingsRepository = (*ChallengeStore)(nil)
)
