package command_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobquest/progress-engine/internal/application/command"
	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/challenge"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/internal/infrastructure/persistence/sqlite"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(_ context.Context, e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []shared.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shared.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	activities *sqlite.ActivityStore
	challenges *sqlite.ChallengeStore
	events     *recorder

	record   *command.RecordActivityHandler
	settings *command.UpdateChallengeSettingsHandler
	evaluate *command.EvaluateProgressHandler
}

func newFixture(t *testing.T, catalog ...achievement.Achievement) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	achievements := sqlite.NewAchievementStore(db)
	for _, a := range catalog {
		require.NoError(t, achievements.SaveAchievement(ctx, a))
	}

	f := &fixture{
		activities: sqlite.NewActivityStore(db),
		challenges: sqlite.NewChallengeStore(db),
		events:     &recorder{},
	}
	accounts := sqlite.NewLedgerStore(db)
	log := activity.NewLog(f.activities)
	clock := timeutil.NewClock(time.UTC)

	l := saga.NewLedger(accounts, log, f.events, clock, quietLogger, saga.DefaultLedgerConfig())
	flow, err := saga.NewAchievementFlowBuilder().
		WithAchievements(achievements).
		WithSnapshotLoader(saga.NewSnapshotLoader(nil, achievements, f.activities, accounts)).
		WithLedger(l).
		WithActivityLog(log).
		WithPublisher(f.events).
		WithLogger(quietLogger).
		Build()
	require.NoError(t, err)

	daily := saga.NewDailyChallengeFlow(saga.DailyChallengeFlowDeps{
		Challenges: f.challenges,
		Settings:   f.challenges,
		Activities: f.activities,
		Ledger:     l,
		Log:        log,
		Publisher:  f.events,
		Clock:      clock,
		Rewards:    challenge.DefaultRewards(),
		Logger:     quietLogger,
	})
	evaluator := saga.NewProgressEvaluator(flow, daily, log, quietLogger)

	f.record = command.NewRecordActivityHandler(log, l, evaluator, f.events, clock, quietLogger)
	f.settings = command.NewUpdateChallengeSettingsHandler(f.challenges, daily, quietLogger)
	f.evaluate = command.NewEvaluateProgressHandler(evaluator, clock)
	return f
}

func entry(id string, xp int, requirement string) achievement.Achievement {
	return achievement.Achievement{
		ID: id, Name: id, Category: achievement.CategoryMilestone, XPReward: xp,
		Requirement: json.RawMessage(requirement),
	}
}

func TestRecordActivity_EvaluatesSynchronously(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entry("first-focus", 50, `{"type":"MISSIONS_COMPLETED","count":1,"missionType":"FOCUS"}`))

	res, err := f.record.Handle(ctx, command.RecordActivityCommand{
		UserID: "u1",
		Type:   activity.TypeMissionCompleted,
		Title:  "Morning focus",
		Metadata: activity.Metadata{
			activity.MetaMissionType:     "focus",
			activity.MetaDurationMinutes: 45,
		},
	})
	require.NoError(t, err)

	require.NotNil(t, res.Activity)
	assert.Equal(t, activity.MissionTypeFocus, res.Activity.Dimension)
	require.Len(t, res.NewAchievements, 1)
	assert.Equal(t, 50, res.XPAwarded)
	assert.Equal(t, int64(50), res.Account.TotalXP)
	assert.Equal(t, 1, res.Level.Level)
	assert.Equal(t, 1, res.Streak.Current)
	assert.Empty(t, res.CompletedChallenges)

	anns, err := f.activities.Annotations(ctx, res.Activity.ID)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, activity.AnnotationUnlockedAchievement, anns[0].Key)
	assert.Equal(t, "first-focus", anns[0].Value)

	assert.Contains(t, f.events.types(), shared.EventMissionCompleted)
	assert.Contains(t, f.events.types(), shared.EventStreakUpdated)
}

func TestRecordActivity_PublishesActivityAfterEvaluation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`))

	_, err := f.record.Handle(ctx, command.RecordActivityCommand{
		UserID: "u1",
		Type:   activity.TypeJobApplication,
		Title:  "Backend role",
	})
	require.NoError(t, err)

	types := f.events.types()
	unlockedAt, activityAt := -1, -1
	for i, typ := range types {
		switch typ {
		case shared.EventAchievementUnlocked:
			unlockedAt = i
		case shared.EventJobApplicationCreated:
			activityAt = i
		}
	}
	require.NotEqual(t, -1, unlockedAt)
	require.NotEqual(t, -1, activityAt)
	assert.Less(t, unlockedAt, activityAt)

	f.events.mu.Lock()
	ev := f.events.events[activityAt]
	f.events.mu.Unlock()
	assert.True(t, ev.MetadataBool(shared.MetadataEvaluated))
}

func TestRecordActivity_SkippedEvaluationIsNotMarked(t *testing.T) {
	f := newFixture(t)

	_, err := f.record.Handle(context.Background(), command.RecordActivityCommand{
		UserID:         "u1",
		Type:           activity.TypeNotebookEntry,
		Title:          "Notes",
		SkipEvaluation: true,
	})
	require.NoError(t, err)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	for _, e := range f.events.events {
		if e.Type == shared.EventNotebookEntryCreated {
			assert.False(t, e.MetadataBool(shared.MetadataEvaluated))
			return
		}
	}
	t.Fatal("notebook event not published")
}

func TestRecordActivity_ChallengeXPCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entry("xp-25", 10, `{"type":"TOTAL_XP","xp":25}`))

	res, err := f.record.Handle(ctx, command.RecordActivityCommand{
		UserID: "u1",
		Type:   activity.TypeNotebookEntry,
		Title:  "Reflections",
	})
	require.NoError(t, err)

	require.Len(t, res.CompletedChallenges, 1)
	assert.Equal(t, challenge.KindNotebookEntries, res.CompletedChallenges[0].Challenge.Kind)
	require.Len(t, res.NewAchievements, 1)
	assert.Equal(t, "xp-25", res.NewAchievements[0].Achievement.ID)
	assert.Equal(t, 35, res.XPAwarded)
	assert.Equal(t, int64(35), res.Account.TotalXP)
}

func TestRecordActivity_SkipEvaluation(t *testing.T) {
	f := newFixture(t, entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`))

	res, err := f.record.Handle(context.Background(), command.RecordActivityCommand{
		UserID:         "u1",
		Type:           activity.TypeJobApplication,
		Title:          "Backend role",
		SkipEvaluation: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.NewAchievements)
	assert.Zero(t, res.Account.TotalXP)
}

func TestRecordActivity_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.record.Handle(ctx, command.RecordActivityCommand{Type: activity.TypeNotebookEntry, Title: "x"})
	assert.ErrorIs(t, err, shared.ErrMissingUserID)

	_, err = f.record.Handle(ctx, command.RecordActivityCommand{UserID: "u1", Type: activity.TypeLevelUp, Title: "x"})
	assert.True(t, shared.IsValidation(err))

	_, err = f.record.Handle(ctx, command.RecordActivityCommand{UserID: "u1", Type: activity.TypeNotebookEntry})
	assert.ErrorIs(t, err, shared.ErrMissingTitle)

	_, err = f.record.Handle(ctx, command.RecordActivityCommand{
		UserID: "u1", Type: activity.TypeJobStatusChanged, Title: "moved",
	})
	assert.True(t, shared.IsValidation(err))
}

func TestRecordBatch_CapturesPerItemErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entry("apply-2", 50, `{"type":"JOB_APPLICATIONS","count":2}`))

	res, err := f.record.HandleBatch(ctx, command.RecordBatchActivityCommand{
		UserID: "u1",
		Items: []command.RecordActivityCommand{
			{Type: activity.TypeJobApplication, Title: "Role A"},
			{Type: activity.TypeJobApplication},
			{Type: activity.TypeJobApplication, Title: "Role B"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Error(t, res.Items[1].Err)
	require.NotNil(t, res.Items[2].Result)
	require.Len(t, res.Items[2].Result.NewAchievements, 1)

	_, err = f.record.HandleBatch(ctx, command.RecordBatchActivityCommand{UserID: "u1"})
	assert.True(t, shared.IsValidation(err))
}

func TestRecordBatch_EvaluatesWhenLastItemFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`))

	res, err := f.record.HandleBatch(ctx, command.RecordBatchActivityCommand{
		UserID: "u1",
		Items: []command.RecordActivityCommand{
			{Type: activity.TypeJobApplication, Title: "Role A"},
			{Type: activity.TypeJobApplication},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Contains(t, f.events.types(), shared.EventAchievementUnlocked)
}

func TestUpdateChallengeSettings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.settings.Handle(ctx, command.UpdateChallengeSettingsCommand{
		UserID:          "u1",
		NotebookEntries: &challenge.Target{Enabled: true, Target: 3},
		JobApplications: &challenge.Target{Enabled: true, Target: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"notebookEntries"}, res.ChangedFields)

	stored, err := f.challenges.GetSettings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.NotebookEntries.Target)
	assert.Equal(t, 2, stored.LearningMaterials.Target)

	_, err = f.settings.Handle(ctx, command.UpdateChallengeSettingsCommand{
		UserID:            "u1",
		LearningMaterials: &challenge.Target{Enabled: true, Target: 0},
	})
	assert.ErrorIs(t, err, shared.ErrInvalidTarget)

	_, err = f.settings.Handle(ctx, command.UpdateChallengeSettingsCommand{UserID: "u1"})
	assert.True(t, shared.IsValidation(err))
}

func TestEvaluateProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`))

	_, err := f.record.Handle(ctx, command.RecordActivityCommand{
		UserID: "u1", Type: activity.TypeJobApplication, Title: "Role", SkipEvaluation: true,
	})
	require.NoError(t, err)

	out, err := f.evaluate.Handle(ctx, command.EvaluateProgressCommand{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, out.NewAchievements, 1)
	assert.Len(t, out.Challenges, 3)

	_, err = f.evaluate.Handle(ctx, command.EvaluateProgressCommand{})
	assert.ErrorIs(t, err, shared.ErrMissingUserID)
}
