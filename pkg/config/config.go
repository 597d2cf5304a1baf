package config

import "time"

// Broker backends
const (
	// BrokerRedis uses the native Redis list/zset broker.
	BrokerRedis = "redis"
	// BrokerAsynq uses hibiken/asynq on top of Redis.
	BrokerAsynq = "asynq"
	// BrokerMemory keeps jobs in process memory. Development only.
	BrokerMemory = "memory"
)

// Dead-letter store drivers
const (
	DLQDriverPostgres    = "postgres"
	DLQDriverBunPostgres = "bun-postgres"
	DLQDriverBunSQLite   = "bun-sqlite"
	DLQDriverMemory      = "memory"
)

// Idempotency backends
const (
	IdempotencyBackendMemory = "memory"
	IdempotencyBackendRedis  = "redis"
)

// Scheduler lock providers
const (
	SchedulerLockRedis    = "redis"
	SchedulerLockPostgres = "postgres"
	SchedulerLockMemory   = "memory"
)

// Config is the root configuration of a ledgerpulse process.
type Config struct {
	Service        ServiceConfig        `mapstructure:"service"`
	Jobs           JobsConfig           `mapstructure:"jobs"`
	DLQ            DLQConfig            `mapstructure:"dlq"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	Idempotency    IdempotencyConfig    `mapstructure:"idempotency"`
	ErrorReporting ErrorReportingConfig `mapstructure:"error_reporting"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Log            LogConfig            `mapstructure:"log"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// JobsConfig configures the broker and the executors.
type JobsConfig struct {
	// ResilientMode lets the process run jobs inline when the broker is unreachable at startup.
	ResilientMode bool   `mapstructure:"resilient_mode"`
	ForceDirect   bool   `mapstructure:"force_direct"`
	Broker        string `mapstructure:"broker"` // redis, asynq, memory
	Queue         string `mapstructure:"queue"`
	Concurrency   int    `mapstructure:"concurrency"`

	Attempts         int           `mapstructure:"attempts"`
	Backoff          time.Duration `mapstructure:"backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	RemoveOnComplete int           `mapstructure:"remove_on_complete"`
	RemoveOnFail     int           `mapstructure:"remove_on_fail"`

	LeaseDuration time.Duration   `mapstructure:"lease_duration"`
	PollInterval  time.Duration   `mapstructure:"poll_interval"`
	ProbeTimeout  time.Duration   `mapstructure:"probe_timeout"`
	Redis         JobsRedisConfig `mapstructure:"redis"`
}

// JobsRedisConfig configures the Redis connection shared by the redis and asynq brokers.
type JobsRedisConfig struct {
	URL    string `mapstructure:"url" redact:"true"`
	Prefix string `mapstructure:"prefix"`
}

// DLQConfig configures the failure store.
type DLQConfig struct {
	RetentionDays int    `mapstructure:"retention_days"`
	Driver        string `mapstructure:"driver"` // postgres, bun-postgres, bun-sqlite, memory
	URL           string `mapstructure:"url" redact:"true"`
	Table         string `mapstructure:"table"`
}

// MonitoringConfig configures the spike monitors.
type MonitoringConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	FailureSpikeThreshold int           `mapstructure:"failure_spike_threshold"`
	FailureSpikeWindow    time.Duration `mapstructure:"failure_spike_window"`
	HTTP5xxThreshold      int           `mapstructure:"http_5xx_threshold"`
	HTTP5xxWindow         time.Duration `mapstructure:"http_5xx_window"`
}

// IdempotencyConfig configures the idempotency guard.
type IdempotencyConfig struct {
	Backend    string        `mapstructure:"backend"` // memory, redis
	TTL        time.Duration `mapstructure:"ttl"`
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
	RedisURL   string        `mapstructure:"redis_url" redact:"true"`
}

// ErrorReportingConfig configures the Sentry sink.
type ErrorReportingConfig struct {
	SentryDSN     string `mapstructure:"sentry_dsn" redact:"true"`
	Environment   string `mapstructure:"environment"`
	RatePerMinute int    `mapstructure:"rate_per_minute"`
}

// TracingConfig configures OTLP tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	JWTSecret    string        `mapstructure:"jwt_secret" redact:"true"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stderr, stdout
}

// SchedulerConfig configures recurring job dispatch.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Lock            string        `mapstructure:"lock"` // redis, postgres, memory
	LockURL         string        `mapstructure:"lock_url" redact:"true"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	Timezone        string        `mapstructure:"timezone"`
	// PruneSchedule drives the built-in daily pruneJobFailures task. Empty disables it.
	PruneSchedule string                `mapstructure:"prune_schedule"`
	Tasks         []SchedulerTaskConfig `mapstructure:"tasks"`
}

// SchedulerTaskConfig declares one recurring job.
type SchedulerTaskConfig struct {
	Name          string        `mapstructure:"name"`
	Cron          string        `mapstructure:"cron"`
	JobName       string        `mapstructure:"job_name"`
	Payload       string        `mapstructure:"payload"` // JSON object
	Timezone      string        `mapstructure:"timezone"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	MisfirePolicy string        `mapstructure:"misfire_policy"` // skip, fire_once
	Attempts      int           `mapstructure:"attempts"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "ledgerpulse",
			Environment: "development",
		},
		Jobs: JobsConfig{
			Broker:           BrokerRedis,
			Queue:            "ledgerpulse-jobs",
			Concurrency:      4,
			Attempts:         5,
			Backoff:          time.Second,
			MaxBackoff:       10 * time.Minute,
			RemoveOnComplete: 1000,
			RemoveOnFail:     1000,
			LeaseDuration:    30 * time.Second,
			PollInterval:     250 * time.Millisecond,
			ProbeTimeout:     3 * time.Second,
			Redis: JobsRedisConfig{
				Prefix: "ledgerpulse:jobs",
			},
		},
		DLQ: DLQConfig{
			RetentionDays: 14,
			Driver:        DLQDriverMemory,
			Table:         "job_failures",
		},
		Monitoring: MonitoringConfig{
			Enabled:               true,
			FailureSpikeThreshold: 10,
			FailureSpikeWindow:    time.Hour,
			HTTP5xxThreshold:      20,
			HTTP5xxWindow:         60 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Backend:    IdempotencyBackendMemory,
			TTL:        24 * time.Hour,
			PendingTTL: 10 * time.Minute,
		},
		ErrorReporting: ErrorReportingConfig{
			Environment:   "development",
			RatePerMinute: 60,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  0.1,
			ServiceName: "ledgerpulse",
		},
		Admin: AdminConfig{
			Enabled:      true,
			Address:      ":8081",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Scheduler: SchedulerConfig{
			Lock:            SchedulerLockMemory,
			LockTTL:         30 * time.Second,
			DispatchTimeout: 10 * time.Second,
			Timezone:        "UTC",
			PruneSchedule:   "0 3 * * *",
		},
	}
}
