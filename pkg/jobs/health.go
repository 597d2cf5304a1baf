package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/health"
)

const (
	defaultBrokerHealthCheckName = "jobs-broker"
	defaultWorkerHealthCheckName = "jobs-worker"
)

// NewBrokerHealthChecker probes the runtime's broker. A broker outage only
// degrades the process when the runtime can still run jobs directly.
func NewBrokerHealthChecker(name string, runtime *Runtime, timeout time.Duration) health.Checker {
	checkName := normalizeHealthCheckName(name, defaultBrokerHealthCheckName)
	if runtime.Mode() == ModeDirect {
		return health.NewCustomChecker(checkName, func(context.Context) (health.Status, string, error) {
			return health.StatusDegraded, "direct mode: " + runtime.Decision().Reason, nil
		})
	}
	return health.NewAdapterChecker(checkName, runtime, timeout)
}

// NewWorkerHealthChecker reports a stale heartbeat as degraded. staleAfter is
// the heartbeat age beyond which the pool is considered stuck.
func NewWorkerHealthChecker(name string, runtime *Runtime, staleAfter time.Duration) health.Checker {
	checkName := normalizeHealthCheckName(name, defaultWorkerHealthCheckName)
	return health.NewCustomChecker(checkName, func(context.Context) (health.Status, string, error) {
		return WorkerHealth(runtime.WorkerStatus(), staleAfter, time.Now().UTC())
	})
}

// WorkerHealth classifies a worker status at now.
func WorkerHealth(status WorkerStatus, staleAfter time.Duration, now time.Time) (health.Status, string, error) {
	if status.Mode == ModeDirect {
		return health.StatusHealthy, "direct mode: no queued worker", nil
	}
	if !status.Running {
		return health.StatusDegraded, "queued worker not running", nil
	}
	if status.LastHeartbeat == nil {
		return health.StatusDegraded, "queued worker has no heartbeat", nil
	}
	age := now.Sub(*status.LastHeartbeat)
	if staleAfter > 0 && age > staleAfter && status.Active == 0 {
		return health.StatusDegraded, fmt.Sprintf("heartbeat is %s old", age.Round(time.Millisecond)), nil
	}
	return health.StatusHealthy, fmt.Sprintf("%d active of %d slots", status.Active, status.Concurrency), nil
}

func normalizeHealthCheckName(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
