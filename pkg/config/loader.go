package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix is the environment prefix of every ledgerpulse key.
const DefaultEnvPrefix = "LEDGERPULSE"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to LEDGERPULSE)
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  envPrefix,
	}
}

// WithFlags lets command-line flags override every other source. Only flags
// listed in FlagBindings and explicitly set by the user take effect.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// ConfigFile returns the configured file path, or "" when none was given.
func (l *ViperLoader) ConfigFile() string {
	return l.configFile
}

// FlagBindings maps CLI flag names to configuration keys.
var FlagBindings = map[string]string{
	"log-level":     "log.level",
	"log-format":    "log.format",
	"broker":        "jobs.broker",
	"queue":         "jobs.queue",
	"concurrency":   "jobs.concurrency",
	"resilient":     "jobs.resilient_mode",
	"force-direct":  "jobs.force_direct",
	"admin-address": "admin.address",
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v, err := l.newViper()
	if err != nil {
		return nil, err
	}
	return l.decode(v)
}

func (l *ViperLoader) newViper() (*viper.Viper, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}
	return v, nil
}

func (l *ViperLoader) decode(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(l.prefix())
	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for flagName, key := range FlagBindings {
		flag := l.flags.Lookup(flagName)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}
	return nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Jobs
	v.BindEnv("jobs.resilient_mode", l.prefixedEnv("JOBS_RESILIENT_MODE"))
	v.BindEnv("jobs.force_direct", l.prefixedEnv("JOBS_FORCE_DIRECT"))
	v.BindEnv("jobs.broker", l.prefixedEnv("JOBS_BROKER"))
	v.BindEnv("jobs.queue", l.prefixedEnv("JOBS_QUEUE"))
	v.BindEnv("jobs.concurrency", l.prefixedEnv("JOBS_CONCURRENCY"))
	v.BindEnv("jobs.attempts", l.prefixedEnv("JOBS_ATTEMPTS"))
	v.BindEnv("jobs.backoff", l.prefixedEnv("JOBS_BACKOFF"))
	v.BindEnv("jobs.max_backoff", l.prefixedEnv("JOBS_MAX_BACKOFF"))
	v.BindEnv("jobs.remove_on_complete", l.prefixedEnv("JOBS_REMOVE_ON_COMPLETE"))
	v.BindEnv("jobs.remove_on_fail", l.prefixedEnv("JOBS_REMOVE_ON_FAIL"))
	v.BindEnv("jobs.lease_duration", l.prefixedEnv("JOBS_LEASE_DURATION"))
	v.BindEnv("jobs.poll_interval", l.prefixedEnv("JOBS_POLL_INTERVAL"))
	v.BindEnv("jobs.probe_timeout", l.prefixedEnv("JOBS_PROBE_TIMEOUT"))
	v.BindEnv("jobs.redis.url", l.prefixedEnv("JOBS_REDIS_URL"), l.prefixedEnv("REDIS_URL"))
	v.BindEnv("jobs.redis.prefix", l.prefixedEnv("JOBS_REDIS_PREFIX"))

	// Dead-letter store
	v.BindEnv("dlq.retention_days", l.prefixedEnv("DLQ_RETENTION_DAYS"))
	v.BindEnv("dlq.driver", l.prefixedEnv("DLQ_DRIVER"))
	v.BindEnv("dlq.url", l.prefixedEnv("DLQ_URL"), l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("dlq.table", l.prefixedEnv("DLQ_TABLE"))

	// Monitoring
	v.BindEnv("monitoring.enabled", l.prefixedEnv("MONITORING_ENABLED"))
	v.BindEnv("monitoring.failure_spike_threshold", l.prefixedEnv("MONITORING_FAILURE_SPIKE_THRESHOLD"))
	v.BindEnv("monitoring.failure_spike_window", l.prefixedEnv("MONITORING_FAILURE_SPIKE_WINDOW"))
	v.BindEnv("monitoring.http_5xx_threshold", l.prefixedEnv("MONITORING_HTTP_5XX_THRESHOLD"))
	v.BindEnv("monitoring.http_5xx_window", l.prefixedEnv("MONITORING_HTTP_5XX_WINDOW"))

	// Idempotency
	v.BindEnv("idempotency.backend", l.prefixedEnv("IDEMPOTENCY_BACKEND"))
	v.BindEnv("idempotency.ttl", l.prefixedEnv("IDEMPOTENCY_TTL"))
	v.BindEnv("idempotency.pending_ttl", l.prefixedEnv("IDEMPOTENCY_PENDING_TTL"))
	v.BindEnv("idempotency.redis_url", l.prefixedEnv("IDEMPOTENCY_REDIS_URL"))

	// Error reporting
	v.BindEnv("error_reporting.sentry_dsn", l.prefixedEnv("ERROR_REPORTING_SENTRY_DSN"), l.prefixedEnv("SENTRY_DSN"))
	v.BindEnv("error_reporting.environment", l.prefixedEnv("ERROR_REPORTING_ENVIRONMENT"))
	v.BindEnv("error_reporting.rate_per_minute", l.prefixedEnv("ERROR_REPORTING_RATE_PER_MINUTE"))

	// Tracing
	v.BindEnv("tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("tracing.service_name", l.prefixedEnv("TRACING_SERVICE_NAME"))

	// Admin
	v.BindEnv("admin.enabled", l.prefixedEnv("ADMIN_ENABLED"))
	v.BindEnv("admin.address", l.prefixedEnv("ADMIN_ADDRESS"))
	v.BindEnv("admin.jwt_secret", l.prefixedEnv("ADMIN_JWT_SECRET"))
	v.BindEnv("admin.read_timeout", l.prefixedEnv("ADMIN_READ_TIMEOUT"))
	v.BindEnv("admin.write_timeout", l.prefixedEnv("ADMIN_WRITE_TIMEOUT"))

	// Logging
	v.BindEnv("log.level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("log.format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("log.output", l.prefixedEnv("LOG_OUTPUT"))

	// Scheduler (tasks are file-only)
	v.BindEnv("scheduler.enabled", l.prefixedEnv("SCHEDULER_ENABLED"))
	v.BindEnv("scheduler.lock", l.prefixedEnv("SCHEDULER_LOCK"))
	v.BindEnv("scheduler.lock_url", l.prefixedEnv("SCHEDULER_LOCK_URL"))
	v.BindEnv("scheduler.lock_ttl", l.prefixedEnv("SCHEDULER_LOCK_TTL"))
	v.BindEnv("scheduler.dispatch_timeout", l.prefixedEnv("SCHEDULER_DISPATCH_TIMEOUT"))
	v.BindEnv("scheduler.timezone", l.prefixedEnv("SCHEDULER_TIMEZONE"))
	v.BindEnv("scheduler.prune_schedule", l.prefixedEnv("SCHEDULER_PRUNE_SCHEDULE"))
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	// Jobs defaults
	v.SetDefault("jobs.resilient_mode", cfg.Jobs.ResilientMode)
	v.SetDefault("jobs.force_direct", cfg.Jobs.ForceDirect)
	v.SetDefault("jobs.broker", cfg.Jobs.Broker)
	v.SetDefault("jobs.queue", cfg.Jobs.Queue)
	v.SetDefault("jobs.concurrency", cfg.Jobs.Concurrency)
	v.SetDefault("jobs.attempts", cfg.Jobs.Attempts)
	v.SetDefault("jobs.backoff", cfg.Jobs.Backoff)
	v.SetDefault("jobs.max_backoff", cfg.Jobs.MaxBackoff)
	v.SetDefault("jobs.remove_on_complete", cfg.Jobs.RemoveOnComplete)
	v.SetDefault("jobs.remove_on_fail", cfg.Jobs.RemoveOnFail)
	v.SetDefault("jobs.lease_duration", cfg.Jobs.LeaseDuration)
	v.SetDefault("jobs.poll_interval", cfg.Jobs.PollInterval)
	v.SetDefault("jobs.probe_timeout", cfg.Jobs.ProbeTimeout)
	v.SetDefault("jobs.redis.url", cfg.Jobs.Redis.URL)
	v.SetDefault("jobs.redis.prefix", cfg.Jobs.Redis.Prefix)

	// Dead-letter store defaults
	v.SetDefault("dlq.retention_days", cfg.DLQ.RetentionDays)
	v.SetDefault("dlq.driver", cfg.DLQ.Driver)
	v.SetDefault("dlq.url", cfg.DLQ.URL)
	v.SetDefault("dlq.table", cfg.DLQ.Table)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", cfg.Monitoring.Enabled)
	v.SetDefault("monitoring.failure_spike_threshold", cfg.Monitoring.FailureSpikeThreshold)
	v.SetDefault("monitoring.failure_spike_window", cfg.Monitoring.FailureSpikeWindow)
	v.SetDefault("monitoring.http_5xx_threshold", cfg.Monitoring.HTTP5xxThreshold)
	v.SetDefault("monitoring.http_5xx_window", cfg.Monitoring.HTTP5xxWindow)

	// Idempotency defaults
	v.SetDefault("idempotency.backend", cfg.Idempotency.Backend)
	v.SetDefault("idempotency.ttl", cfg.Idempotency.TTL)
	v.SetDefault("idempotency.pending_ttl", cfg.Idempotency.PendingTTL)
	v.SetDefault("idempotency.redis_url", cfg.Idempotency.RedisURL)

	// Error reporting defaults
	v.SetDefault("error_reporting.sentry_dsn", cfg.ErrorReporting.SentryDSN)
	v.SetDefault("error_reporting.environment", cfg.ErrorReporting.Environment)
	v.SetDefault("error_reporting.rate_per_minute", cfg.ErrorReporting.RatePerMinute)

	// Tracing defaults
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)

	// Admin defaults
	v.SetDefault("admin.enabled", cfg.Admin.Enabled)
	v.SetDefault("admin.address", cfg.Admin.Address)
	v.SetDefault("admin.jwt_secret", cfg.Admin.JWTSecret)
	v.SetDefault("admin.read_timeout", cfg.Admin.ReadTimeout)
	v.SetDefault("admin.write_timeout", cfg.Admin.WriteTimeout)

	// Logging defaults
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.output", cfg.Log.Output)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.lock", cfg.Scheduler.Lock)
	v.SetDefault("scheduler.lock_url", cfg.Scheduler.LockURL)
	v.SetDefault("scheduler.lock_ttl", cfg.Scheduler.LockTTL)
	v.SetDefault("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout)
	v.SetDefault("scheduler.timezone", cfg.Scheduler.Timezone)
	v.SetDefault("scheduler.prune_schedule", cfg.Scheduler.PruneSchedule)
	v.SetDefault("scheduler.tasks", cfg.Scheduler.Tasks)
}

// Validate normalizes enum values and reports every configuration problem at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	cfg.normalize()
	return cfg.Validate()
}
