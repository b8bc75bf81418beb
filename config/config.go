// Package config loads the engine configuration from defaults, an optional
// config file and JOBQUEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: app.debug is read from
// JOBQUEST_APP_DEBUG.
const EnvPrefix = "JOBQUEST"

// FileEnv names the environment variable holding the config file path.
const FileEnv = "JOBQUEST_CONFIG"

// Environment represents the application environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	EventBus   EventBusConfig   `mapstructure:"eventbus"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Challenges ChallengesConfig `mapstructure:"challenges"`

	// Location is the parsed App.Timezone.
	Location *time.Location `mapstructure:"-"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string      `mapstructure:"name"`
	Environment Environment `mapstructure:"env"`
	Debug       bool        `mapstructure:"debug"`
	Version     string      `mapstructure:"version"`

	// Timezone decides where a calendar day starts for challenges and
	// streaks.
	Timezone string `mapstructure:"timezone"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Store drivers and bus transports.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	TransportMemory = "memory"
	TransportRedis  = "redis"
)

// DatabaseConfig selects and tunes the store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`

	// URL is the postgres:// connection string.
	URL string `mapstructure:"url"`

	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `mapstructure:"sqlite_path"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	MigrateOnStart bool `mapstructure:"migrate_on_start"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	PoolSize  int    `mapstructure:"pool_size"`

	// CatalogTTL is how long the shared achievement catalog is cached.
	CatalogTTL time.Duration `mapstructure:"catalog_ttl"`

	// UnlockGuardTTL bounds the cross-process unlock claim.
	UnlockGuardTTL time.Duration `mapstructure:"unlock_guard_ttl"`
}

// EventBusConfig tunes the bus and the dispatcher behind it.
type EventBusConfig struct {
	// Transport is "memory" or "redis".
	Transport string `mapstructure:"transport"`

	Partitions     int           `mapstructure:"partitions"`
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	CancelGrace    time.Duration `mapstructure:"cancel_grace"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	DeadLetterSize int           `mapstructure:"dead_letter_size"`

	// StreamMaxLen trims Redis streams.
	StreamMaxLen int64 `mapstructure:"stream_max_len"`

	// Consumer names this process in Redis consumer groups; empty uses
	// the hostname.
	Consumer string `mapstructure:"consumer"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// SchedulerConfig holds background job schedules. Each schedule is a cron
// expression or "@every <duration>".
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	ReconcileSchedule  string `mapstructure:"reconcile_schedule"`
	ReconcileBatchSize int    `mapstructure:"reconcile_batch_size"`

	ReplaySchedule string `mapstructure:"replay_schedule"`
	ReplayLimit    int    `mapstructure:"replay_limit"`

	CatalogSchedule string `mapstructure:"catalog_schedule"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	// OTLPEndpoint is the OTLP/HTTP collector URL; empty disables tracing.
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// ChallengesConfig holds the defaults of users without saved settings and
// the XP rewarded per completed challenge kind.
type ChallengesConfig struct {
	NotebookTarget int `mapstructure:"notebook_target"`
	LearningTarget int `mapstructure:"learning_target"`
	JobTarget      int `mapstructure:"job_target"`

	NotebookReward int `mapstructure:"notebook_reward"`
	LearningReward int `mapstructure:"learning_reward"`
	JobReward      int `mapstructure:"job_reward"`
}

// ══════════════════════════════════════════════════════════════════════════════
// LOADING
// ══════════════════════════════════════════════════════════════════════════════

// Load reads the configuration. The file named by JOBQUEST_CONFIG is
// optional; environment variables override it.
func Load() (*Config, error) {
	return LoadFrom(viper.New(), os.Getenv(FileEnv))
}

// LoadFrom reads the configuration into v. path may be empty.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	// Unmarshal only sees keys viper knows about; the defaults register
	// every key so environment overrides reach the struct.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	loc, err := time.LoadLocation(cfg.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone: %w", err)
	}
	cfg.Location = loc

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "progress-engine")
	v.SetDefault("app.env", string(EnvDevelopment))
	v.SetDefault("app.debug", false)
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.timezone", "UTC")
	v.SetDefault("app.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "./data/progress.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "jobquest")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.catalog_ttl", 5*time.Minute)
	v.SetDefault("redis.unlock_guard_ttl", 30*time.Second)

	v.SetDefault("eventbus.transport", "memory")
	v.SetDefault("eventbus.partitions", 8)
	v.SetDefault("eventbus.queue_size", 256)
	v.SetDefault("eventbus.publish_timeout", 2*time.Second)
	v.SetDefault("eventbus.handler_timeout", 30*time.Second)
	v.SetDefault("eventbus.cancel_grace", 5*time.Second)
	v.SetDefault("eventbus.max_retries", 3)
	v.SetDefault("eventbus.initial_backoff", 100*time.Millisecond)
	v.SetDefault("eventbus.max_backoff", 5*time.Second)
	v.SetDefault("eventbus.dead_letter_size", 1000)
	v.SetDefault("eventbus.stream_max_len", 100_000)
	v.SetDefault("eventbus.consumer", "")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.request_timeout", 10*time.Second)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.reconcile_schedule", "@every 5m")
	v.SetDefault("scheduler.reconcile_batch_size", 200)
	v.SetDefault("scheduler.replay_schedule", "@every 1m")
	v.SetDefault("scheduler.replay_limit", 100)
	v.SetDefault("scheduler.catalog_schedule", "*/10 * * * *")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "progress-engine")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("challenges.notebook_target", 1)
	v.SetDefault("challenges.learning_target", 2)
	v.SetDefault("challenges.job_target", 3)
	v.SetDefault("challenges.notebook_reward", 25)
	v.SetDefault("challenges.learning_reward", 50)
	v.SetDefault("challenges.job_reward", 75)
}

// ══════════════════════════════════════════════════════════════════════════════
// VALIDATION
// ══════════════════════════════════════════════════════════════════════════════

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.App.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		add("app.env: unknown environment %q", c.App.Environment)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			add("database.url is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path is required for the sqlite driver")
		}
		if c.App.Environment == EnvProduction {
			add("database.driver sqlite is not allowed in production")
		}
	default:
		add("database.driver: unknown driver %q", c.Database.Driver)
	}

	switch c.EventBus.Transport {
	case TransportMemory:
	case TransportRedis:
		if !c.Redis.Enabled {
			add("eventbus.transport redis requires redis.enabled")
		}
	default:
		add("eventbus.transport: unknown transport %q", c.EventBus.Transport)
	}
	if c.EventBus.Partitions <= 0 {
		add("eventbus.partitions must be positive")
	}
	if c.EventBus.MaxRetries < 0 {
		add("eventbus.max_retries must not be negative")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr is required when redis is enabled")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		add("http.port must be 1-65535")
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		add("telemetry.sample_ratio must be within [0, 1]")
	}

	for name, v := range map[string]int{
		"challenges.notebook_target": c.Challenges.NotebookTarget,
		"challenges.learning_target": c.Challenges.LearningTarget,
		"challenges.job_target":      c.Challenges.JobTarget,
	} {
		if v < 1 {
			add("%s must be at least 1", name)
		}
	}
	for name, v := range map[string]int{
		"challenges.notebook_reward": c.Challenges.NotebookReward,
		"challenges.learning_reward": c.Challenges.LearningReward,
		"challenges.job_reward":      c.Challenges.JobReward,
	} {
		if v < 0 {
			add("%s must not be negative", name)
		}
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}
