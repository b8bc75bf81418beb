package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/rule"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// USER STATE
// ══════════════════════════════════════════════════════════════════════════════

// UserState is everything an evaluation pass reads about one user.
type UserState struct {
	Catalog  []achievement.Achievement
	Unlocked achievement.UnlockedSet
	Snapshot rule.Snapshot
	Account  ledger.Account
}

// SnapshotLoader reads the catalog, unlock rows, activity stats and account
// of a user concurrently.
type SnapshotLoader struct {
	catalog      achievement.Catalog
	achievements achievement.Repository
	activities   activity.Repository
	accounts     ledger.Repository
}

// NewSnapshotLoader creates a loader. catalog may be a cached view of
// achievements; nil uses achievements directly.
func NewSnapshotLoader(
	catalog achievement.Catalog,
	achievements achievement.Repository,
	activities activity.Repository,
	accounts ledger.Repository,
) *SnapshotLoader {
	if catalog == nil {
		catalog = achievements
	}
	return &SnapshotLoader{
		catalog:      catalog,
		achievements: achievements,
		activities:   activities,
		accounts:     accounts,
	}
}

// Load reads the user's state. A user with no account yet is at zero XP
// and zero streak.
func (l *SnapshotLoader) Load(ctx context.Context, userID string) (*UserState, error) {
	var (
		state    UserState
		unlocked []achievement.UserAchievement
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		catalog, err := l.catalog.ListAchievements(gctx)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		state.Catalog = catalog
		return nil
	})
	g.Go(func() error {
		rows, err := l.achievements.ListUnlocked(gctx, userID)
		if err != nil {
			return fmt.Errorf("load unlocks: %w", err)
		}
		unlocked = rows
		return nil
	})
	g.Go(func() error {
		stats, err := l.activities.Stats(gctx, userID, nil)
		if err != nil {
			return fmt.Errorf("load activity stats: %w", err)
		}
		state.Snapshot.Stats = stats
		return nil
	})
	g.Go(func() error {
		acc, err := l.accounts.GetAccount(gctx, userID)
		if errors.Is(err, shared.ErrAccountNotFound) {
			state.Account = ledger.Account{UserID: userID}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		state.Account = *acc
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	state.Unlocked = achievement.NewUnlockedSet(unlocked)
	state.Snapshot.CurrentStreak = state.Account.CurrentStreak
	state.Snapshot.TotalXP = state.Account.TotalXP
	return &state, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CACHED CATALOG
// ══════════════════════════════════════════════════════════════════════════════

// CatalogCache is an optional shared cache for the catalog (Redis).
type CatalogCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CachedCatalog keeps the catalog in memory for ttl. Concurrent misses are
// collapsed into one store read.
type CachedCatalog struct {
	source achievement.Catalog
	remote CatalogCache
	key    string
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	entries  []achievement.Achievement
	loadedAt time.Time
}

// NewCachedCatalog wraps source. sharedCache may be nil.
func NewCachedCatalog(source achievement.Catalog, sharedCache CatalogCache, key string, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedCatalog{
		source: source,
		remote: sharedCache,
		key:    key,
		ttl:    ttl,
		now:    time.Now,
	}
}

// ListAchievements implements achievement.Catalog.
func (c *CachedCatalog) ListAchievements(ctx context.Context) ([]achievement.Achievement, error) {
	c.mu.RLock()
	if c.entries != nil && c.now().Sub(c.loadedAt) < c.ttl {
		out := c.entries
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("catalog", func() (interface{}, error) {
		return c.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]achievement.Achievement), nil
}

func (c *CachedCatalog) load(ctx context.Context) ([]achievement.Achievement, error) {
	var entries []achievement.Achievement

	if c.remote != nil {
		if err := c.remote.Get(ctx, c.key, &entries); err != nil {
			entries = nil
		}
	}

	if entries == nil {
		loaded, err := c.source.ListAchievements(ctx)
		if err != nil {
			return nil, err
		}
		entries = loaded
		if entries == nil {
			entries = []achievement.Achievement{}
		}
		if c.remote != nil {
			// A failed write only costs the next process a store read.
			_ = c.remote.Set(ctx, c.key, entries, c.ttl)
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.loadedAt = c.now()
	c.mu.Unlock()
	return entries, nil
}

// Invalidate drops the in-memory copy.
func (c *CachedCatalog) Invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}

// Refresh reloads from the source, bypassing the shared cache, and
// overwrites both copies.
func (c *CachedCatalog) Refresh(ctx context.Context) ([]achievement.Achievement, error) {
	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		loaded, err := c.source.ListAchievements(ctx)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = []achievement.Achievement{}
		}
		if c.remote != nil {
			if err := c.remote.Set(ctx, c.key, loaded, c.ttl); err != nil {
				return nil, fmt.Errorf("write shared catalog: %w", err)
			}
		}
		c.mu.Lock()
		c.entries = loaded
		c.loadedAt = c.now()
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]achievement.Achievement), nil
}

var _ achievement.Catalog = (*CachedCatalog)(nil)
