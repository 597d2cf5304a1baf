package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// normalize lowercases enum values and trims free-form strings.
func (c *Config) normalize() {
	c.Jobs.Broker = strings.ToLower(strings.TrimSpace(c.Jobs.Broker))
	c.Jobs.Queue = strings.TrimSpace(c.Jobs.Queue)
	c.Jobs.Redis.URL = strings.TrimSpace(c.Jobs.Redis.URL)
	c.DLQ.Driver = strings.ToLower(strings.TrimSpace(c.DLQ.Driver))
	c.DLQ.Table = strings.TrimSpace(c.DLQ.Table)
	c.Idempotency.Backend = strings.ToLower(strings.TrimSpace(c.Idempotency.Backend))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Log.Output = strings.ToLower(strings.TrimSpace(c.Log.Output))
	c.Scheduler.Lock = strings.ToLower(strings.TrimSpace(c.Scheduler.Lock))
	c.Scheduler.PruneSchedule = strings.TrimSpace(c.Scheduler.PruneSchedule)
	for i := range c.Scheduler.Tasks {
		task := &c.Scheduler.Tasks[i]
		task.Name = strings.TrimSpace(task.Name)
		task.Cron = strings.TrimSpace(task.Cron)
		task.JobName = strings.TrimSpace(task.JobName)
		task.MisfirePolicy = strings.ToLower(strings.TrimSpace(task.MisfirePolicy))
	}
}

// IdempotencyRedisURL returns the idempotency Redis URL, falling back to the broker's.
func (c *Config) IdempotencyRedisURL() string {
	if url := strings.TrimSpace(c.Idempotency.RedisURL); url != "" {
		return url
	}
	return c.Jobs.Redis.URL
}

// SchedulerLockURL returns the lock backend URL, falling back to the broker or DLQ URL.
func (c *Config) SchedulerLockURL() string {
	if url := strings.TrimSpace(c.Scheduler.LockURL); url != "" {
		return url
	}
	switch c.Scheduler.Lock {
	case SchedulerLockRedis:
		return c.Jobs.Redis.URL
	case SchedulerLockPostgres:
		return c.DLQ.URL
	}
	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateJobs()...)
	errs = append(errs, c.validateDLQ()...)

	if c.Monitoring.Enabled {
		if c.Monitoring.FailureSpikeThreshold < 1 {
			errs = append(errs, errors.New("monitoring.failure_spike_threshold must be >= 1"))
		}
		if c.Monitoring.FailureSpikeWindow <= 0 {
			errs = append(errs, errors.New("monitoring.failure_spike_window must be > 0"))
		}
		if c.Monitoring.HTTP5xxThreshold < 1 {
			errs = append(errs, errors.New("monitoring.http_5xx_threshold must be >= 1"))
		}
		if c.Monitoring.HTTP5xxWindow <= 0 {
			errs = append(errs, errors.New("monitoring.http_5xx_window must be > 0"))
		}
	}

	switch c.Idempotency.Backend {
	case IdempotencyBackendMemory:
	case IdempotencyBackendRedis:
		if c.IdempotencyRedisURL() == "" {
			errs = append(errs, errors.New("idempotency.redis_url (or jobs.redis.url) is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid idempotency.backend: %s (must be memory or redis)", c.Idempotency.Backend))
	}
	if c.Idempotency.TTL <= 0 || c.Idempotency.PendingTTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl and idempotency.pending_ttl must be > 0"))
	}

	if c.ErrorReporting.RatePerMinute < 0 {
		errs = append(errs, errors.New("error_reporting.rate_per_minute must be >= 0"))
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate))
	}

	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Address) == "" {
		errs = append(errs, errors.New("admin.address is required when admin is enabled"))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("invalid log.level: %s", c.Log.Level))
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("invalid log.format: %s (must be json or text)", c.Log.Format))
	}
	if !slices.Contains([]string{"stderr", "stdout"}, c.Log.Output) {
		errs = append(errs, fmt.Errorf("invalid log.output: %s (must be stderr or stdout)", c.Log.Output))
	}

	errs = append(errs, c.validateScheduler()...)
	return errors.Join(errs...)
}

func (c *Config) validateJobs() []error {
	var errs []error
	jobs := c.Jobs

	switch jobs.Broker {
	case BrokerRedis, BrokerAsynq:
		// Resilient and forced-direct processes may run without a broker URL.
		if jobs.Redis.URL == "" && !jobs.ResilientMode && !jobs.ForceDirect {
			errs = append(errs, fmt.Errorf("jobs.redis.url is required for the %s broker", jobs.Broker))
		}
	case BrokerMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid jobs.broker: %s (must be one of: redis, asynq, memory)", jobs.Broker))
	}
	if jobs.Queue == "" {
		errs = append(errs, errors.New("jobs.queue is required"))
	}
	if jobs.Concurrency < 1 {
		errs = append(errs, errors.New("jobs.concurrency must be >= 1"))
	}
	if jobs.Attempts < 1 {
		errs = append(errs, errors.New("jobs.attempts must be >= 1"))
	}
	if jobs.Backoff <= 0 {
		errs = append(errs, errors.New("jobs.backoff must be > 0"))
	}
	if jobs.MaxBackoff < jobs.Backoff {
		errs = append(errs, errors.New("jobs.max_backoff must be >= jobs.backoff"))
	}
	if jobs.RemoveOnComplete < 1 || jobs.RemoveOnFail < 1 {
		errs = append(errs, errors.New("jobs.remove_on_complete and jobs.remove_on_fail must be >= 1"))
	}
	for key, value := range map[string]time.Duration{
		"jobs.lease_duration": jobs.LeaseDuration,
		"jobs.poll_interval":  jobs.PollInterval,
		"jobs.probe_timeout":  jobs.ProbeTimeout,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	return errs
}

func (c *Config) validateDLQ() []error {
	var errs []error
	if c.DLQ.RetentionDays < 1 {
		errs = append(errs, errors.New("dlq.retention_days must be >= 1"))
	}
	switch c.DLQ.Driver {
	case DLQDriverPostgres, DLQDriverBunPostgres:
		if strings.TrimSpace(c.DLQ.URL) == "" {
			errs = append(errs, fmt.Errorf("dlq.url is required for the %s driver", c.DLQ.Driver))
		}
	case DLQDriverBunSQLite, DLQDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid dlq.driver: %s (must be one of: postgres, bun-postgres, bun-sqlite, memory)", c.DLQ.Driver))
	}
	if !tableNamePattern.MatchString(c.DLQ.Table) {
		errs = append(errs, fmt.Errorf("invalid dlq.table: %q", c.DLQ.Table))
	}
	return errs
}

func (c *Config) validateScheduler() []error {
	if !c.Scheduler.Enabled {
		return nil
	}
	var errs []error
	switch c.Scheduler.Lock {
	case SchedulerLockRedis, SchedulerLockPostgres:
		if c.SchedulerLockURL() == "" {
			errs = append(errs, fmt.Errorf("scheduler.lock_url is required for the %s lock", c.Scheduler.Lock))
		}
	case SchedulerLockMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid scheduler.lock: %s (must be one of: redis, postgres, memory)", c.Scheduler.Lock))
	}
	if c.Scheduler.LockTTL <= 0 || c.Scheduler.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.lock_ttl and scheduler.dispatch_timeout must be > 0"))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("invalid scheduler.timezone: %w", err))
		}
	}

	seen := map[string]struct{}{}
	for index, task := range c.Scheduler.Tasks {
		if task.Name == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name is required", index))
		} else if _, dup := seen[task.Name]; dup {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name %q is duplicated", index, task.Name))
		}
		seen[task.Name] = struct{}{}
		if task.Cron == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].cron is required", index))
		}
		if task.JobName == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].job_name is required", index))
		}
		if task.MisfirePolicy != "" && task.MisfirePolicy != "skip" && task.MisfirePolicy != "fire_once" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].misfire_policy must be skip or fire_once", index))
		}
		if strings.TrimSpace(task.Payload) != "" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
				errs = append(errs, fmt.Errorf("scheduler.tasks[%d].payload must be a JSON object: %w", index, err))
			}
		}
	}
	return errs
}

// String returns the configuration as indented text. Fields tagged
// redact:"true" are always masked.
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), reflect.Value{}, "")
}

// Redacted additionally masks every value set by the secrets file.
// Pass the secrets Config returned by LoadWithSecrets().
func (c *Config) Redacted(secrets *Config) string {
	if secrets == nil {
		return c.String()
	}
	return formatStruct(reflect.ValueOf(c).Elem(), reflect.ValueOf(secrets).Elem(), "")
}

func formatStruct(v, mask reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanInterface() {
			continue
		}
		var maskValue reflect.Value
		if mask.IsValid() {
			maskValue = mask.Field(i)
		}

		fieldName := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStruct(value, maskValue, prefix+"  "))
			continue
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, fieldName))
				continue
			}
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			for j := 0; j < value.Len(); j++ {
				sb.WriteString(fmt.Sprintf("%s  - %+v\n", prefix, value.Index(j).Interface()))
			}
			continue
		}

		displayValue := value.Interface()
		if (field.Tag.Get("redact") == "true" && shouldRedact(value)) || shouldRedact(maskValue) {
			displayValue = "***"
		}
		sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, displayValue))
	}

	return sb.String()
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	default:
		return false
	}
}
