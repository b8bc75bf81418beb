package activity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobquest/progress-engine/internal/domain/shared"
)

func TestNewActivity_DerivesCounters(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		md      Metadata
		wantDim string
		wantQty int
	}{
		{"focus mission", TypeMissionCompleted, Metadata{MetaMissionType: "focus", MetaDurationMinutes: float64(25)}, "FOCUS", 25},
		{"application defaults to applied", TypeJobApplication, nil, JobStatusApplied, 0},
		{"status change", TypeJobStatusChanged, Metadata{MetaStatus: "screening", MetaApplicationID: "app-1"}, "SCREENING", 0},
		{"learning", TypeLearningCompleted, Metadata{MetaResourceType: " Course "}, "COURSE", 0},
		{"notebook", TypeNotebookEntry, Metadata{"mood": "good"}, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewActivity(NewActivityParams{UserID: "u1", Type: tt.typ, Title: "x", Metadata: tt.md})
			require.NoError(t, err)

			assert.NotEmpty(t, a.ID)
			assert.Equal(t, tt.wantDim, a.Dimension)
			assert.Equal(t, tt.wantQty, a.Quantity)
			assert.Equal(t, time.UTC, a.CreatedAt.Location())
		})
	}
}

func TestNewActivity_Validation(t *testing.T) {
	negative := -1

	tests := []struct {
		name   string
		params NewActivityParams
		want   error
	}{
		{"missing user", NewActivityParams{Type: TypeNotebookEntry, Title: "x"}, shared.ErrMissingUserID},
		{"bad type", NewActivityParams{UserID: "u", Type: "NOPE", Title: "x"}, shared.ErrInvalidActivityType},
		{"missing title", NewActivityParams{UserID: "u", Type: TypeNotebookEntry}, shared.ErrMissingTitle},
		{"negative xp", NewActivityParams{UserID: "u", Type: TypeNotebookEntry, Title: "x", XPEarned: &negative}, shared.ErrNegativeValue},
		{"status change without status", NewActivityParams{UserID: "u", Type: TypeJobStatusChanged, Title: "x"}, shared.ErrEmptyValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewActivity(tt.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, shared.IsValidation(err))
		})
	}
}

func TestTally_FocusVersusLearning(t *testing.T) {
	var log []*Activity
	for i := 0; i < 3; i++ {
		a, err := NewActivity(NewActivityParams{
			UserID: "u1", Type: TypeMissionCompleted, Title: "focus",
			Metadata: Metadata{MetaMissionType: "FOCUS", MetaDurationMinutes: 30},
		})
		require.NoError(t, err)
		log = append(log, a)
	}

	stats := Tally(log)

	assert.Equal(t, 3, stats.MissionsCompleted)
	assert.Equal(t, 3, stats.MissionsOfType("focus"))
	assert.Equal(t, 90, stats.FocusMinutes)
	assert.Equal(t, 0, stats.LearningResources)
	assert.Equal(t, 0, stats.NotebookEntries)
}

func TestNewStats_ScreeningCountsBothSources(t *testing.T) {
	stats := NewStats([]StatRow{
		{Type: TypeJobApplication, Dimension: "APPLIED", Count: 5},
		{Type: TypeJobApplication, Dimension: "SCREENING", Count: 1},
		{Type: TypeJobStatusChanged, Dimension: "SCREENING", Count: 2},
		{Type: TypeJobStatusChanged, Dimension: "REJECTED", Count: 1},
	})

	assert.Equal(t, 6, stats.JobApplications)
	assert.Equal(t, 3, stats.JobApplicationsInStatus("screening"))
	assert.Equal(t, 1, stats.JobApplicationsInStatus("REJECTED"))
}

func TestWindow_Contains(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	w := Window{From: from, To: from.Add(24 * time.Hour)}

	assert.True(t, w.Contains(from))
	assert.True(t, w.Contains(from.Add(23*time.Hour)))
	assert.False(t, w.Contains(from.Add(24*time.Hour)))
	assert.False(t, w.Contains(from.Add(-time.Nanosecond)))
}

func TestMetadata_RoundTrip(t *testing.T) {
	a, err := NewActivity(NewActivityParams{
		UserID: "u1", Type: TypeMissionCompleted, Title: "focus",
		Metadata: Metadata{MetaDurationMinutes: 15, "tag": "morning"},
	})
	require.NoError(t, err)

	raw, err := a.MarshalMetadata()
	require.NoError(t, err)

	md, err := UnmarshalMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, 15, md.Int(MetaDurationMinutes))
	assert.Equal(t, "morning", md.String("tag"))
}

func TestType_EventType(t *testing.T) {
	assert.Equal(t, shared.EventMissionCompleted, TypeMissionCompleted.EventType())
	assert.Equal(t, shared.EventNotebookEntryCreated, TypeNotebookEntry.EventType())
	assert.Equal(t, shared.EventActivityRecorded, TypeLevelUp.EventType())
	assert.False(t, TypeAchievementUnlocked.IsUserProduced())
}
