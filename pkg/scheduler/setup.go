package scheduler

import (
	"fmt"
	"strings"

	"github.com/ledgerpulse/ledgerpulse/pkg/config"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs/builtin"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

// BuildTasks converts the configured tasks and adds the daily
// pruneJobFailures task when a prune schedule is set, the handler is
// registered and no configured task already has that name.
func BuildTasks(cfg config.SchedulerConfig, registry *jobs.Registry) ([]Task, error) {
	tasks := make([]Task, 0, len(cfg.Tasks)+1)
	seen := map[string]bool{}
	for _, taskCfg := range cfg.Tasks {
		task, err := TaskFromConfig(taskCfg, cfg.Timezone)
		if err != nil {
			return nil, err
		}
		if registry != nil && !registry.Has(task.JobName) {
			return nil, schedulerError(ErrValidation, fmt.Sprintf("task %q: job %q is not registered", task.Name, task.JobName))
		}
		tasks = append(tasks, task)
		seen[task.Name] = true
	}

	prune := strings.TrimSpace(cfg.PruneSchedule)
	if prune != "" && !seen[builtin.PruneJobFailures] && (registry == nil || registry.Has(builtin.PruneJobFailures)) {
		task, err := TaskFromConfig(config.SchedulerTaskConfig{
			Name:    builtin.PruneJobFailures,
			Cron:    prune,
			JobName: builtin.PruneJobFailures,
		}, cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler.prune_schedule: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// NewLockProvider builds the provider named by scheduler.lock. url is the
// resolved lock URL, see config.Config.SchedulerLockURL.
func NewLockProvider(cfg config.SchedulerConfig, url string, log logger.Logger) (LockProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Lock)) {
	case "", config.SchedulerLockMemory:
		return NewMemoryLockProvider(), nil
	case config.SchedulerLockRedis:
		return NewRedisLockProvider(RedisLockProviderConfig{URL: url}, log)
	case config.SchedulerLockPostgres:
		return NewPostgresLockProvider(PostgresLockProviderConfig{URL: url}, log)
	default:
		return nil, schedulerError(ErrValidation, fmt.Sprintf("unsupported scheduler.lock %q", cfg.Lock))
	}
}
