package saga_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

func TestAchievementFlow_UnlocksOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []achievement.Achievement{
		entry("first-focus", 50, `{"type":"MISSIONS_COMPLETED","count":1,"missionType":"FOCUS"}`),
	})
	h.record(t, "u1", activity.TypeMissionCompleted, focusMission(25), time.Now())

	first, err := h.flow.Execute(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, first.NewAchievements, 1)
	assert.Equal(t, "first-focus", first.NewAchievements[0].Achievement.ID)
	assert.Equal(t, 50, first.NewAchievements[0].XPAwarded)
	assert.False(t, first.NewAchievements[0].XPPending)
	assert.Equal(t, 50, first.TotalXPAwarded)

	second, err := h.flow.Execute(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, second.NewAchievements)

	assert.Equal(t, int64(50), h.totalXP(t, "u1"))
	assert.Len(t, h.events.ofType(shared.EventAchievementUnlocked), 1)
	assert.Len(t, h.events.ofType(shared.EventXPCredited), 1)

	rows, err := h.activities.ListByUser(ctx, "u1", activity.ListOptions{Types: []activity.Type{activity.TypeAchievementUnlocked}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "first-focus", rows[0].Metadata.String("achievementId"))
}

func TestAchievementFlow_StreakDays(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []achievement.Achievement{
		entry("streak-7", 150, `{"type":"STREAK_DAYS","days":7}`),
	})

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		_, err := h.ledger.TouchStreak(ctx, "u1", start.AddDate(0, 0, i))
		require.NoError(t, err)
	}

	res, err := h.flow.Execute(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, res.NewAchievements)

	streak, err := h.ledger.TouchStreak(ctx, "u1", start.AddDate(0, 0, 6))
	require.NoError(t, err)
	require.Equal(t, 7, streak.Current)

	res, err = h.flow.Execute(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, res.NewAchievements, 1)
	assert.Equal(t, int64(150), h.totalXP(t, "u1"))

	res, err = h.flow.Execute(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, res.NewAchievements)
	assert.Equal(t, int64(150), h.totalXP(t, "u1"))
}

func TestAchievementFlow_UnknownRuleIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []achievement.Achievement{
		entry("future", 10, `{"type":"FUTURE_RULE","count":1}`),
		entry("early-bird", 10, `{"type":"EARLY_FOCUS_SESSIONS","count":1}`),
		entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())
	h.record(t, "u1", activity.TypeMissionCompleted, focusMission(30), time.Now())

	res, err := h.flow.Execute(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, res.NewAchievements, 1)
	assert.Equal(t, "apply-1", res.NewAchievements[0].Achievement.ID)
}

func TestAchievementFlow_ConcurrentCallsCreditOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []achievement.Achievement{
		entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())

	const callers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.flow.Execute(ctx, "u1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			total += len(res.NewAchievements)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	unlocked, err := h.achievements.ListUnlocked(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, unlocked, 1)
	assert.Equal(t, int64(50), h.totalXP(t, "u1"))
	assert.Len(t, h.events.ofType(shared.EventXPCredited), 1)
}

func TestAchievementFlow_XPUnlocksCascade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []achievement.Achievement{
		entry("apply-1", 100, `{"type":"JOB_APPLICATIONS","count":1}`),
		entry("xp-100", 20, `{"type":"TOTAL_XP","xp":100}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())

	res, err := h.flow.Execute(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, res.NewAchievements, 2)
	assert.Equal(t, 120, res.TotalXPAwarded)
	assert.Equal(t, int64(120), h.totalXP(t, "u1"))
}

func TestAchievementFlow_LevelUpSignals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []achievement.Achievement{
		entry("apply-1", 150, `{"type":"JOB_APPLICATIONS","count":1}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())

	_, err := h.flow.Execute(ctx, "u1")
	require.NoError(t, err)

	ups := h.events.ofType(shared.EventLevelUp)
	require.Len(t, ups, 1)
	assert.Equal(t, 1, ups[0].DataInt("fromLevel"))
	assert.Equal(t, 2, ups[0].DataInt("toLevel"))

	rows, err := h.activities.ListByUser(ctx, "u1", activity.ListOptions{Types: []activity.Type{activity.TypeLevelUp}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAchievementFlow_FailedCreditIsReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []achievement.Achievement{
		entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())

	h.accounts.setFailing(true)
	res, err := h.flow.Execute(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, res.NewAchievements, 1)
	assert.True(t, res.NewAchievements[0].XPPending)
	assert.Zero(t, res.NewAchievements[0].XPAwarded)
	assert.Zero(t, h.totalXP(t, "u1"))

	h.accounts.setFailing(false)
	rec, err := h.ledger.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, saga.ReconcileResult{Scanned: 1, Applied: 1}, rec)
	assert.Equal(t, int64(50), h.totalXP(t, "u1"))
	assert.Len(t, h.events.ofType(shared.EventXPReconciled), 1)

	rec, err = h.ledger.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, rec.Applied)
	assert.Equal(t, int64(50), h.totalXP(t, "u1"))
}

func TestAchievementFlow_EmptyInputs(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, nil)
	res, err := h.flow.Execute(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, res.NewAchievements)

	res, err = h.flow.Execute(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, res.NewAchievements)
}

func TestAchievementFlowBuilder_RequiresCollaborators(t *testing.T) {
	_, err := saga.NewAchievementFlowBuilder().Build()
	assert.Error(t, err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Cached catalog
// ─────────────────────────────────────────────────────────────────────────────

type countingCatalog struct {
	mu    sync.Mutex
	calls int
	items []achievement.Achievement
}

func (c *countingCatalog) ListAchievements(context.Context) ([]achievement.Achievement, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return c.items, nil
}

func TestCachedCatalog_CollapsesLoads(t *testing.T) {
	ctx := context.Background()
	source := &countingCatalog{items: achievement.DefaultCatalog()}
	cached := saga.NewCachedCatalog(source, nil, "catalog", time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := cached.ListAchievements(ctx)
			assert.NoError(t, err)
			assert.Len(t, items, len(source.items))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, source.calls)

	cached.Invalidate()
	_, err := cached.ListAchievements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

// ─────────────────────────────────────────────────────────────────────────────
// Unlock guard
// ─────────────────────────────────────────────────────────────────────────────

type memoryGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemoryGuard() *memoryGuard { return &memoryGuard{held: map[string]bool{}} }

func (g *memoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[key] {
		return false, nil
	}
	g.held[key] = true
	return true, nil
}

func (g *memoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, key)
	return nil
}

func (g *memoryGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

// lostRaceStore inserts the row but reports that another writer got there
// first.
type lostRaceStore struct {
	achievement.Repository
}

func (s lostRaceStore) Unlock(ctx context.Context, ua achievement.UserAchievement) (bool, error) {
	if _, err := s.Repository.Unlock(ctx, ua); err != nil {
		return false, err
	}
	return false, nil
}

// staleUnlocked hides unlock rows, like a snapshot read before they landed.
type staleUnlocked struct {
	achievement.Repository
}

func (staleUnlocked) ListUnlocked(context.Context, string) ([]achievement.UserAchievement, error) {
	return nil, nil
}

func guardedFlow(t *testing.T, h *harness, repo achievement.Repository, guard saga.UnlockGuard) *saga.AchievementFlow {
	t.Helper()
	return guardedFlowWithSnapshot(t, h, repo, h.achievements, guard)
}

func guardedFlowWithSnapshot(t *testing.T, h *harness, repo, snapshotRepo achievement.Repository, guard saga.UnlockGuard) *saga.AchievementFlow {
	t.Helper()
	flow, err := saga.NewAchievementFlowBuilder().
		WithAchievements(repo).
		WithSnapshotLoader(saga.NewSnapshotLoader(nil, snapshotRepo, h.activities, h.accounts)).
		WithLedger(h.ledger).
		WithActivityLog(h.log).
		WithPublisher(h.events).
		WithUnlockGuard(guard).
		WithLogger(quietLogger).
		Build()
	require.NoError(t, err)
	return flow
}

func TestAchievementFlow_GuardKeepsClaimOfCreatedRow(t *testing.T) {
	h := newHarness(t, []achievement.Achievement{
		entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())

	guard := newMemoryGuard()
	res, err := guardedFlow(t, h, h.achievements, guard).Execute(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, res.NewAchievements, 1)
	assert.Equal(t, 1, guard.size())
}

func TestAchievementFlow_GuardReleasedWhenRowNotCreated(t *testing.T) {
	h := newHarness(t, []achievement.Achievement{
		entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())

	guard := newMemoryGuard()
	res, err := guardedFlow(t, h, lostRaceStore{h.achievements}, guard).Execute(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, res.NewAchievements)
	assert.Zero(t, guard.size())
	assert.Zero(t, h.totalXP(t, "u1"))
}

func TestAchievementFlow_RefusedClaimWithoutRowIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []achievement.Achievement{
		entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())

	// Another process claimed the key and died before inserting.
	guard := newMemoryGuard()
	key := achievement.NewUserAchievement("u1", "apply-1", time.Now()).IdempotencyKey
	_, _ = guard.Claim(ctx, key)
	flow := guardedFlow(t, h, h.achievements, guard)

	res, err := flow.Execute(ctx, "u1")
	require.Error(t, err)
	assert.True(t, shared.IsRetryable(err))
	require.NotNil(t, res)
	assert.Empty(t, res.NewAchievements)

	// The lease lapses; the retry unlocks.
	require.NoError(t, guard.Release(ctx, key))
	res, err = flow.Execute(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, res.NewAchievements, 1)
}

func TestAchievementFlow_RefusedClaimOfStoredRowIsQuiet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []achievement.Achievement{
		entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())

	guard := newMemoryGuard()
	_, err := guardedFlow(t, h, h.achievements, guard).Execute(ctx, "u1")
	require.NoError(t, err)

	// A second evaluator with a stale snapshot still sees the claim.
	stale := guardedFlowWithSnapshot(t, h, h.achievements, staleUnlocked{h.achievements}, guard)
	res, err := stale.Execute(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, res.NewAchievements)
	assert.Equal(t, int64(50), h.totalXP(t, "u1"))
}

// cancelOnClaim cancels the caller's context once the first claim is taken.
type cancelOnClaim struct {
	*memoryGuard
	cancel context.CancelFunc
	claims int
}

func (g *cancelOnClaim) Claim(ctx context.Context, key string) (bool, error) {
	g.claims++
	defer g.cancel()
	return g.memoryGuard.Claim(ctx, key)
}

func TestAchievementFlow_CancelledCallerStopsBetweenUnlocks(t *testing.T) {
	h := newHarness(t, []achievement.Achievement{
		entry("apply-1", 50, `{"type":"JOB_APPLICATIONS","count":1}`),
		entry("first-focus", 50, `{"type":"MISSIONS_COMPLETED","count":1,"missionType":"FOCUS"}`),
	})
	h.record(t, "u1", activity.TypeJobApplication, nil, time.Now())
	h.record(t, "u1", activity.TypeMissionCompleted, focusMission(30), time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	guard := &cancelOnClaim{memoryGuard: newMemoryGuard(), cancel: cancel}

	res, err := guardedFlow(t, h, h.achievements, guard).Execute(ctx, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 1, guard.claims)
}
