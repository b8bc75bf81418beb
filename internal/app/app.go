// Package app wires configuration into the running engine: stores, the
// event bus, the progress flows and the command/query handlers. Both
// binaries under cmd/ build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jobquest/progress-engine/config"
	"github.com/jobquest/progress-engine/internal/application/command"
	"github.com/jobquest/progress-engine/internal/application/query"
	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/challenge"
	"github.com/jobquest/progress-engine/internal/domain/ledger"
	"github.com/jobquest/progress-engine/internal/domain/shared"
	"github.com/jobquest/progress-engine/internal/infrastructure/messaging"
	"github.com/jobquest/progress-engine/internal/infrastructure/persistence/postgres"
	redisstore "github.com/jobquest/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/jobquest/progress-engine/internal/infrastructure/persistence/sqlite"
	"github.com/jobquest/progress-engine/internal/interface/http/handlers"
	"github.com/jobquest/progress-engine/pkg/circuitbreaker"
	"github.com/jobquest/progress-engine/pkg/logger"
	"github.com/jobquest/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONTAINER
// ══════════════════════════════════════════════════════════════════════════════

// Bus is the transport-independent surface of the memory and Redis buses.
type Bus interface {
	Publish(ctx context.Context, event shared.Event) error
	Subscribe(group string, topics []messaging.Topic, handler messaging.Handler) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Metrics() *messaging.BusMetrics
}

// Stores groups the repositories of the selected driver.
type Stores struct {
	Activities   activity.Repository
	Achievements achievement.Repository
	Challenges   challenge.Repository
	Settings     challenge.SettingsRepository
	Accounts     ledger.Repository
}

// App is the wired engine.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  *timeutil.Clock

	Stores Stores
	Bus    Bus
	Health *handlers.CompositeHealthChecker

	// Cache is nil when Redis is disabled.
	Cache *redisstore.Cache

	// Breakers guard the Redis cache and the Redis transport when in use.
	Breakers []*circuitbreaker.CircuitBreaker

	Catalog   *saga.CachedCatalog
	Log       *activity.Log
	Ledger    *saga.Ledger
	Loader    *saga.SnapshotLoader
	Flow      *saga.AchievementFlow
	Daily     *saga.DailyChallengeFlow
	Evaluator *saga.ProgressEvaluator

	closers []func(context.Context) error
}

// BreakerSnapshots reports every breaker for /metrics.
func (a *App) BreakerSnapshots() []circuitbreaker.Snapshot {
	out := make([]circuitbreaker.Snapshot, 0, len(a.Breakers))
	for _, cb := range a.Breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}

// NewLogger builds the process logger: JSON in production, text otherwise,
// debug level when app.debug is set.
func NewLogger(cfg *config.Config) *slog.Logger {
	opts := logger.DefaultOptions()
	opts.Output = os.Stdout
	opts.Service = cfg.App.Name
	opts.Version = cfg.App.Version
	opts.Env = string(cfg.App.Environment)
	if cfg.IsProduction() {
		opts.Format = logger.FormatJSON
	}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	return logger.New(opts)
}

// New wires the engine. On error every resource opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		Config: cfg,
		Logger: log,
		Clock:  timeutil.NewClock(cfg.Location),
		Health: handlers.NewCompositeHealthChecker(cfg.App.Version),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// Storage
	// ─────────────────────────────────────────────────────────────────────────
	if err = a.openStores(ctx); err != nil {
		return nil, err
	}
	if err = SeedCatalog(ctx, a.Stores.Achievements, log); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Redis (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var client *goredis.Client
	if cfg.Redis.Enabled {
		rc := redisstore.DefaultConfig()
		rc.Addr = cfg.Redis.Addr
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.KeyPrefix = cfg.Redis.KeyPrefix
		if cfg.Redis.PoolSize > 0 {
			rc.PoolSize = cfg.Redis.PoolSize
		}
		client, err = redisstore.NewClient(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		cb := redisstore.StoreBreaker("redis-cache", circuitbreaker.LogStateChanges(log))
		a.Cache = redisstore.NewCache(client, cfg.Redis.KeyPrefix).WithBreaker(cb)
		a.Breakers = append(a.Breakers, cb)
		a.Health.AddCheck("redis", handlers.NewPingCheck(a.Cache))
		log.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Event bus
	// ─────────────────────────────────────────────────────────────────────────
	if a.Bus, err = newBus(cfg, client, log); err != nil {
		return nil, err
	}
	if rb, ok := a.Bus.(*messaging.RedisBus); ok {
		a.Breakers = append(a.Breakers, rb.Breaker())
	}
	for _, cb := range a.Breakers {
		a.Health.AddCheck("breaker:"+cb.Name(), handlers.NewBreakerCheck(cb))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Flows
	// ─────────────────────────────────────────────────────────────────────────
	if err = a.wireFlows(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg, log := a.Config, a.Logger

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pc := postgres.DefaultConfig()
		pc.URL = cfg.Database.URL
		if cfg.Database.MaxConns > 0 {
			pc.MaxConns = cfg.Database.MaxConns
		}
		if cfg.Database.MinConns > 0 {
			pc.MinConns = cfg.Database.MinConns
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pc.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		}
		if cfg.Database.ConnMaxIdleTime > 0 {
			pc.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
		}

		conn, err := postgres.NewConnection(ctx, pc)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { conn.Close(); return nil })

		if cfg.Database.MigrateOnStart {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}

		challenges := postgres.NewChallengeRepository(conn)
		a.Stores = Stores{
			Activities:   postgres.NewActivityRepository(conn),
			Achievements: postgres.NewAchievementRepository(conn),
			Challenges:   challenges,
			Settings:     challenges,
			Accounts:     postgres.NewLedgerRepository(conn, log),
		}
		a.Health.AddCheck("database", handlers.NewPingCheck(conn))
		log.Info("postgres connected")

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Database.SQLitePath, log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })

		challenges := sqlite.NewChallengeStore(db)
		a.Stores = Stores{
			Activities:   sqlite.NewActivityStore(db),
			Achievements: sqlite.NewAchievementStore(db),
			Challenges:   challenges,
			Settings:     challenges,
			Accounts:     sqlite.NewLedgerStore(db),
		}
		a.Health.AddCheck("database", handlers.NewPingCheck(db))

	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	return nil
}

func newBus(cfg *config.Config, client *goredis.Client, log *slog.Logger) (Bus, error) {
	eb := cfg.EventBus
	switch eb.Transport {
	case config.TransportMemory:
		return messaging.NewMemoryBus(messaging.MemoryBusConfig{
			Partitions:     eb.Partitions,
			QueueSize:      eb.QueueSize,
			PublishTimeout: eb.PublishTimeout,
			Logger:         log,
		}), nil

	case config.TransportRedis:
		if client == nil {
			return nil, errors.New("eventbus transport redis requires redis.enabled")
		}
		rb := messaging.DefaultRedisBusConfig()
		if cfg.Redis.KeyPrefix != "" {
			rb.Prefix = cfg.Redis.KeyPrefix + ":events"
		}
		if eb.Partitions > 0 {
			rb.Partitions = eb.Partitions
		}
		if eb.StreamMaxLen > 0 {
			rb.MaxLen = eb.StreamMaxLen
		}
		if eb.PublishTimeout > 0 {
			rb.PublishTimeout = eb.PublishTimeout
		}
		rb.Consumer = eb.Consumer
		rb.Logger = log
		return messaging.NewRedisBus(client, rb), nil

	default:
		return nil, fmt.Errorf("unknown eventbus transport %q", eb.Transport)
	}
}

func (a *App) wireFlows() error {
	cfg, log := a.Config, a.Logger
	st := a.Stores

	var sharedCatalog saga.CatalogCache
	catalogKey := "catalog"
	if a.Cache != nil {
		sharedCatalog = a.Cache
		catalogKey = a.Cache.Key("catalog")
	}
	a.Catalog = saga.NewCachedCatalog(st.Achievements, sharedCatalog, catalogKey, cfg.Redis.CatalogTTL)

	a.Log = activity.NewLog(st.Activities)
	a.Ledger = saga.NewLedger(st.Accounts, a.Log, a.Bus, a.Clock, log, saga.DefaultLedgerConfig())
	a.Loader = saga.NewSnapshotLoader(a.Catalog, st.Achievements, st.Activities, st.Accounts)

	builder := saga.NewAchievementFlowBuilder().
		WithAchievements(st.Achievements).
		WithSnapshotLoader(a.Loader).
		WithLedger(a.Ledger).
		WithActivityLog(a.Log).
		WithPublisher(a.Bus).
		WithLogger(log).
		WithClock(a.Clock.Now)
	if a.Cache != nil {
		builder = builder.
			WithUnlockGuard(redisstore.NewUnlockGuard(a.Cache, cfg.Redis.UnlockGuardTTL)).
			WithUserLocker(redisstore.NewUserLock(a.Cache, redisstore.UserLockConfig{}))
	}
	flow, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build achievement flow: %w", err)
	}
	a.Flow = flow

	ch := cfg.Challenges
	a.Daily = saga.NewDailyChallengeFlow(saga.DailyChallengeFlowDeps{
		Challenges: st.Challenges,
		Settings:   st.Settings,
		Activities: st.Activities,
		Ledger:     a.Ledger,
		Log:        a.Log,
		Publisher:  a.Bus,
		Clock:      a.Clock,
		Rewards: challenge.Rewards{
			NotebookEntries:   ch.NotebookReward,
			LearningMaterials: ch.LearningReward,
			JobApplications:   ch.JobReward,
		},
		Defaults: func(userID string) challenge.Settings {
			return challenge.Settings{
				UserID:            userID,
				NotebookEntries:   challenge.Target{Enabled: ch.NotebookTarget > 0, Target: ch.NotebookTarget},
				LearningMaterials: challenge.Target{Enabled: ch.LearningTarget > 0, Target: ch.LearningTarget},
				JobApplications:   challenge.Target{Enabled: ch.JobTarget > 0, Target: ch.JobTarget},
			}
		},
		Logger: log,
	})

	a.Evaluator = saga.NewProgressEvaluator(a.Flow, a.Daily, a.Log, log)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// Handlers are the command and query handlers over the wired flows.
type Handlers struct {
	RecordActivity          *command.RecordActivityHandler
	EvaluateProgress        *command.EvaluateProgressHandler
	UpdateChallengeSettings *command.UpdateChallengeSettingsHandler

	ListActivities         *query.ListActivitiesHandler
	GetAchievementProgress *query.GetAchievementProgressHandler
	GetDailyChallenges     *query.GetDailyChallengesHandler
	GetAccount             *query.GetAccountHandler
}

// Handlers builds the command and query handlers. evaluate controls whether
// RecordActivity evaluates in-request; without it evaluation is left to the
// worker's bus consumers.
func (a *App) Handlers(evaluate bool) Handlers {
	evaluator := a.Evaluator
	if !evaluate {
		evaluator = nil
	}
	return Handlers{
		RecordActivity:          command.NewRecordActivityHandler(a.Log, a.Ledger, evaluator, a.Bus, a.Clock, a.Logger),
		EvaluateProgress:        command.NewEvaluateProgressHandler(a.Evaluator, a.Clock),
		UpdateChallengeSettings: command.NewUpdateChallengeSettingsHandler(a.Stores.Settings, a.Daily, a.Logger),
		ListActivities:          query.NewListActivitiesHandler(a.Stores.Activities),
		GetAchievementProgress:  query.NewGetAchievementProgressHandler(a.Loader, a.Logger),
		GetDailyChallenges:      query.NewGetDailyChallengesHandler(a.Daily),
		GetAccount:              query.NewGetAccountHandler(a.Stores.Accounts),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the event bus. Subscriptions must be registered first.
func (a *App) Start(ctx context.Context) error {
	if err := a.Bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	a.closers = append(a.closers, a.Bus.Stop)
	return nil
}

// Close releases resources in reverse order of acquisition: the bus drains
// before the stores close.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ══════════════════════════════════════════════════════════════════════════════
// SEEDING
// ══════════════════════════════════════════════════════════════════════════════

// SeedCatalog writes the starter catalog into an empty store. A store with
// any entry is left alone so operator edits survive restarts.
func SeedCatalog(ctx context.Context, repo achievement.Repository, log *slog.Logger) error {
	existing, err := repo.ListAchievements(ctx)
	if err != nil {
		return fmt.Errorf("seed catalog: list: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	catalog := achievement.DefaultCatalog()
	for _, a := range catalog {
		if err := repo.SaveAchievement(ctx, a); err != nil {
			return fmt.Errorf("seed catalog: save %s: %w", a.ID, err)
		}
	}
	log.Info("achievement catalog seeded", "entries", len(catalog))
	return nil
}
