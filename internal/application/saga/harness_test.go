package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/challenge"
	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/internal/infrastructure/persistence/sqlite"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder captures published events.
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

func (r *recorder) ofType(t shared.EventType) []shared.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// flakyLedger fails Credit while failing is set.
type flakyLedger struct {
	ledger.Repository

	mu      sync.Mutex
	failing bool
}

func (f *flakyLedger) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyLedger) Credit(ctx context.Context, c ledger.Credit) (ledger.CreditResult, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return ledger.CreditResult{}, errors.New("ledger offline")
	}
	return f.Repository.Credit(ctx, c)
}

type harness struct {
	activities   *sqlite.ActivityStore
	achievements *sqlite.AchievementStore
	challenges   *sqlite.ChallengeStore
	accounts     *flakyLedger

	log    *activity.Log
	events *recorder
	clock  *timeutil.Clock

	ledger *saga.Ledger
	flow   *saga.AchievementFlow
	daily  *saga.DailyChallengeFlow
}

func newHarness(t *testing.T, catalog []achievement.Achievement) *harness {
	t.Helper()
	return newHarnessIn(t, catalog, time.UTC)
}

func newHarnessIn(t *testing.T, catalog []achievement.Achievement, loc *time.Location) *harness {
	t.Helper()

	db, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		activities:   sqlite.NewActivityStore(db),
		achievements: sqlite.NewAchievementStore(db),
		challenges:   sqlite.NewChallengeStore(db),
		accounts:     &flakyLedger{Repository: sqlite.NewLedgerStore(db)},
		events:       &recorder{},
		clock:        timeutil.NewClock(loc),
	}
	h.log = activity.NewLog(h.activities)

	ctx := context.Background()
	for _, a := range catalog {
		require.NoError(t, h.achievements.SaveAchievement(ctx, a))
	}

	h.ledger = saga.NewLedger(h.accounts, h.log, h.events, h.clock, quietLogger,
		saga.LedgerConfig{MaxAttempts: 1, InitialDelay: time.Millisecond})

	loader := saga.NewSnapshotLoader(nil, h.achievements, h.activities, h.accounts)
	h.flow, err = saga.NewAchievementFlowBuilder().
		WithAchievements(h.achievements).
		WithSnapshotLoader(loader).
		WithLedger(h.ledger).
		WithActivityLog(h.log).
		WithPublisher(h.events).
		WithLogger(quietLogger).
		Build()
	require.NoError(t, err)

	h.daily = saga.NewDailyChallengeFlow(saga.DailyChallengeFlowDeps{
		Challenges: h.challenges,
		Settings:   h.challenges,
		Activities: h.activities,
		Ledger:     h.ledger,
		Log:        h.log,
		Publisher:  h.events,
		Clock:      h.clock,
		Rewards:    challenge.DefaultRewards(),
		Logger:     quietLogger,
	})
	return h
}

func (h *harness) record(t *testing.T, userID string, typ activity.Type, md activity.Metadata, at time.Time) *activity.Activity {
	t.Helper()
	a, err := h.log.Append(context.Background(), activity.NewActivityParams{
		UserID:    userID,
		Type:      typ,
		Title:     string(typ),
		Metadata:  md,
		CreatedAt: at,
	})
	require.NoError(t, err)
	return a
}

func (h *harness) totalXP(t *testing.T, userID string) int64 {
	t.Helper()
	acc, err := h.accounts.GetAccount(context.Background(), userID)
	if errors.Is(err, shared.ErrAccountNotFound) {
		return 0
	}
	require.NoError(t, err)
	return acc.TotalXP
}

func entry(id string, xp int, requirement string) achievement.Achievement {
	return achievement.Achievement{
		ID:          id,
		Name:        id,
		Category:    achievement.CategoryMilestone,
		XPReward:    xp,
		Requirement: json.RawMessage(requirement),
	}
}

func focusMission(minutes int) activity.Metadata {
	return activity.Metadata{
		activity.MetaMissionType:     activity.MissionTypeFocus,
		activity.MetaDurationMinutes: minutes,
	}
}
