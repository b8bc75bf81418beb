package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/challenge"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE CHALLENGE SETTINGS COMMAND
// Changes which daily challenges a user gets and their targets. Instances are
// shared by (day, kind, target), so a new target takes effect with the next
// sync under a new instance; progress on the old instance is kept.
// ══════════════════════════════════════════════════════════════════════════════

// UpdateChallengeSettingsCommand contains the data to update settings.
// nil values mean "don't change".
type UpdateChallengeSettingsCommand struct {
	UserID string

	NotebookEntries   *challenge.Target
	LearningMaterials *challenge.Target
	JobApplications   *challenge.Target

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c UpdateChallengeSettingsCommand) Validate() error {
	if c.UserID == "" {
		return shared.ErrMissingUserID
	}
	if c.NotebookEntries == nil && c.LearningMaterials == nil && c.JobApplications == nil {
		return shared.NewDomainError("challenge", "UpdateSettings", shared.ErrEmptyValue, "no settings to change")
	}
	return nil
}

// UpdateChallengeSettingsResult contains the stored settings.
type UpdateChallengeSettingsResult struct {
	Settings      challenge.Settings
	ChangedFields []string
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// UpdateChallengeSettingsHandler handles the UpdateChallengeSettingsCommand.
type UpdateChallengeSettingsHandler struct {
	settings challenge.SettingsRepository
	flow     *saga.DailyChallengeFlow
	now      func() time.Time
	logger   *slog.Logger
}

// NewUpdateChallengeSettingsHandler creates the handler. The flow supplies
// defaults for users without stored settings.
func NewUpdateChallengeSettingsHandler(
	settings challenge.SettingsRepository,
	flow *saga.DailyChallengeFlow,
	logger *slog.Logger,
) *UpdateChallengeSettingsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateChallengeSettingsHandler{
		settings: settings,
		flow:     flow,
		now:      time.Now,
		logger:   logger.With("command", "update_challenge_settings"),
	}
}

// Handle executes the command.
func (h *UpdateChallengeSettingsHandler) Handle(ctx context.Context, cmd UpdateChallengeSettingsCommand) (*UpdateChallengeSettingsResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	current, err := h.flow.Settings(ctx, cmd.UserID)
	if err != nil {
		return nil, fmt.Errorf("update_challenge_settings: %w", err)
	}

	next := current
	next.UserID = cmd.UserID
	var changed []string
	apply := func(name string, dst *challenge.Target, src *challenge.Target) {
		if src == nil || *dst == *src {
			return
		}
		*dst = *src
		changed = append(changed, name)
	}
	apply("notebookEntries", &next.NotebookEntries, cmd.NotebookEntries)
	apply("learningMaterials", &next.LearningMaterials, cmd.LearningMaterials)
	apply("jobApplications", &next.JobApplications, cmd.JobApplications)

	if err := next.Validate(); err != nil {
		return nil, err
	}

	if len(changed) == 0 {
		return &UpdateChallengeSettingsResult{Settings: current, ChangedFields: []string{}}, nil
	}

	next.UpdatedAt = h.now().UTC()
	if err := h.settings.SaveSettings(ctx, next); err != nil {
		return nil, fmt.Errorf("update_challenge_settings: save: %w", err)
	}

	h.logger.Info("challenge settings updated", "user_id", cmd.UserID, "changed", changed)
	return &UpdateChallengeSettingsResult{Settings: next, ChangedFields: changed}, nil
}
