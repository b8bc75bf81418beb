package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jobquest/progress-engine/pkg/circuitbreaker"
)

// ErrLockNotAcquired is returned when a lock stays held past the wait budget.
var ErrLockNotAcquired = errors.New("cache: lock not acquired")

// ══════════════════════════════════════════════════════════════════════════════
// UNLOCK GUARD
// ══════════════════════════════════════════════════════════════════════════════

// UnlockGuard claims idempotency keys with SET NX so only the first caller
// proceeds with an unlock. It backs stores that lack a unique constraint on
// the unlock key.
type UnlockGuard struct {
	cache *Cache
	ttl   time.Duration
}

// NewUnlockGuard creates a guard; ttl <= 0 uses TTLUnlockGuard.
func NewUnlockGuard(cache *Cache, ttl time.Duration) *UnlockGuard {
	if ttl <= 0 {
		ttl = TTLUnlockGuard
	}
	return &UnlockGuard{cache: cache, ttl: ttl}
}

// Claim reports whether this caller is the first to claim key.
func (g *UnlockGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.cache.SetNX(ctx, g.cache.Key(NamespaceUnlock, key), time.Now().UTC().Unix(), g.ttl)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops a claim whose unlock failed, so a retry can take it.
func (g *UnlockGuard) Release(ctx context.Context, key string) error {
	return g.cache.Delete(ctx, g.cache.Key(NamespaceUnlock, key))
}

// ══════════════════════════════════════════════════════════════════════════════
// PER-USER LOCK
// ══════════════════════════════════════════════════════════════════════════════

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// UserLock serializes progress flows of one user across processes. The lock
// is a lease: a crashed holder frees it after TTL.
type UserLock struct {
	cache *Cache
	ttl   time.Duration
	wait  time.Duration
	poll  time.Duration
}

// UserLockConfig tunes UserLock.
type UserLockConfig struct {
	// TTL is the lease length.
	TTL time.Duration

	// Wait bounds how long Lock retries before ErrLockNotAcquired.
	Wait time.Duration

	// Poll is the delay between attempts.
	Poll time.Duration
}

// NewUserLock creates the lock with defaults filled in.
func NewUserLock(cache *Cache, cfg UserLockConfig) *UserLock {
	if cfg.TTL <= 0 {
		cfg.TTL = TTLUserLock
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 50 * time.Millisecond
	}
	return &UserLock{cache: cache, ttl: cfg.TTL, wait: cfg.Wait, poll: cfg.Poll}
}

// Lock blocks until the user's lock is held, the wait budget runs out or ctx
// is done. The returned func releases it and is safe to call once. While the
// cache breaker is open Lock returns a no-op release at once and callers rely
// on the store's unique unlock key alone.
func (l *UserLock) Lock(ctx context.Context, userID string) (func(), error) {
	key := l.cache.Key(NamespaceLock, "user", userID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.cache.setNX(ctx, key, token, l.ttl)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return func() {}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("acquire lock for %s: %w", userID, err)
		}
		if ok {
			return func() {
				// A fresh context: the caller's may already be cancelled.
				relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = l.cache.run(relCtx, func(ctx context.Context) error {
					return releaseScript.Run(ctx, l.cache.Client(), []string{key}, token).Err()
				})
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: user %s", ErrLockNotAcquired, userID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
