// Package redis holds the Redis-backed helpers of the progress engine: a JSON
// cache for hot read models, the unlock guard and the per-user lock used by
// the progress flows when the store cannot serialize them on its own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jobquest/progress-engine/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Addr is "host:port".
	Addr string

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// KeyPrefix namespaces every key written by the engine.
	KeyPrefix string

	PoolSize     int
	MinIdleConns int

	// MaxRetries is passed to go-redis; -1 disables retries.
	MaxRetries int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "jobquest",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// NewClient builds a client and checks the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrCacheConnection, err)
	}
	return client, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrCacheMiss is returned when the requested key is not found in cache.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrCacheConnection is returned when Redis connection fails.
	ErrCacheConnection = errors.New("cache: connection failed")

	// ErrCacheSerialization is returned when serialization/deserialization fails.
	ErrCacheSerialization = errors.New("cache: serialization failed")

	// ErrCacheInvalidTTL is returned when an invalid TTL is provided.
	ErrCacheInvalidTTL = errors.New("cache: invalid TTL")

	// ErrCacheKeyEmpty is returned when an empty key is provided.
	ErrCacheKeyEmpty = errors.New("cache: key cannot be empty")

	// ErrCacheNilValue is returned when attempting to cache a nil value.
	ErrCacheNilValue = errors.New("cache: value cannot be nil")
)

// ══════════════════════════════════════════════════════════════════════════════
// KEYS AND TTLs
// ══════════════════════════════════════════════════════════════════════════════

// Key namespaces below the configured prefix.
const (
	NamespaceCatalog = "catalog"
	NamespaceUnlock  = "unlock"
	NamespaceLock    = "lock"
)

const (
	// TTLCatalog bounds how stale a cached achievement catalog can be.
	TTLCatalog = 5 * time.Minute

	// TTLUnlockGuard is the lease of an unlock claim. It covers one unlock
	// step; a holder that dies frees the claim when it lapses.
	TTLUnlockGuard = 30 * time.Second

	// TTLUserLock is the lease of a per-user lock.
	TTLUserLock = 10 * time.Second
)

// ══════════════════════════════════════════════════════════════════════════════
// CACHE CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Cache provides JSON caching with namespaced keys.
type Cache struct {
	client  redis.UniversalClient
	prefix  string
	breaker *circuitbreaker.CircuitBreaker
}

// NewCache wraps a client. The caller owns the client's lifecycle.
func NewCache(client redis.UniversalClient, prefix string) *Cache {
	return &Cache{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

// WithBreaker runs every command after this call through cb. While cb is
// open commands fail with circuitbreaker.ErrCircuitOpen without reaching
// Redis. Cache misses do not count as failures.
func (c *Cache) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Cache {
	c.breaker = cb
	return c
}

// StoreBreaker builds the breaker WithBreaker expects.
func StoreBreaker(name string, onStateChange func(name string, from, to circuitbreaker.State)) *circuitbreaker.CircuitBreaker {
	s := circuitbreaker.StoreSettings()
	s.Ignore = func(err error) bool {
		return errors.Is(err, ErrCacheMiss) || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled)
	}
	s.OnStateChange = onStateChange
	return circuitbreaker.New(name, s)
}

// Breaker returns the breaker set by WithBreaker, or nil.
func (c *Cache) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

func (c *Cache) run(ctx context.Context, fn func(context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(ctx, fn)
}

// Client returns the underlying client.
func (c *Cache) Client() redis.UniversalClient {
	return c.client
}

// Key joins the prefix and parts with ':'.
func (c *Cache) Key(parts ...string) string {
	if c.prefix == "" {
		return strings.Join(parts, ":")
	}
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Ping checks if Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Set stores a value with the given key and TTL.
// The value is serialized to JSON before storage.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}
	if value == nil {
		return ErrCacheNilValue
	}
	if ttl < 0 {
		return ErrCacheInvalidTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	return c.run(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, ttl).Err()
	})
}

// Get retrieves and deserializes a value by key.
// Returns ErrCacheMiss if the key doesn't exist.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}

	var data []byte
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	return nil
}

// Delete removes keys from the cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return c.run(ctx, func(ctx context.Context) error {
		return c.client.Del(ctx, keys...).Err()
	})
}

// SetNX sets a value only if the key doesn't exist.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrCacheKeyEmpty
	}
	if ttl < 0 {
		return false, ErrCacheInvalidTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	return c.setNX(ctx, key, data, ttl)
}

// setNX stores raw bytes or strings without JSON encoding.
func (c *Cache) setNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		ok, err = c.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// HealthStatus is the readiness view of the Redis connection.
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	Latency    time.Duration `json:"latency"`
	TotalConns uint32        `json:"totalConns"`
	IdleConns  uint32        `json:"idleConns"`
	Error      string        `json:"error,omitempty"`

	Breaker *circuitbreaker.Snapshot `json:"breaker,omitempty"`
}

// Health pings Redis and reports pool statistics.
func (c *Cache) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := c.client.Ping(ctx).Err()

	status := HealthStatus{
		Healthy: err == nil,
		Latency: time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}
	if client, ok := c.client.(*redis.Client); ok {
		stats := client.PoolStats()
		status.TotalConns = stats.TotalConns
		status.IdleConns = stats.IdleConns
	}
	if c.breaker != nil {
		snap := c.breaker.Snapshot()
		status.Breaker = &snap
	}
	return status
}
