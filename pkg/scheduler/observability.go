package scheduler

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// status: dispatched, skipped, duplicate, misfired, error, lock_error
	schedulerDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpulse_scheduler_dispatch_total",
			Help: "Scheduled runs by outcome",
		},
		[]string{"task", "status"},
	)

	schedulerDispatchInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerpulse_scheduler_dispatch_inflight",
			Help: "Scheduled runs currently holding their lock",
		},
		[]string{"task"},
	)

	schedulerLockRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpulse_scheduler_lock_renew_total",
			Help: "Lock renewals during long dispatches",
		},
		[]string{"task", "status"},
	)
)

func recordSchedulerDispatch(task, status string) {
	schedulerDispatchTotal.WithLabelValues(label(task), label(status)).Inc()
}

func incrementSchedulerDispatchInFlight(task string) {
	schedulerDispatchInFlight.WithLabelValues(label(task)).Inc()
}

func decrementSchedulerDispatchInFlight(task string) {
	schedulerDispatchInFlight.WithLabelValues(label(task)).Dec()
}

func recordSchedulerLockRenew(task, status string) {
	schedulerLockRenewTotal.WithLabelValues(label(task), label(status)).Inc()
}

func label(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
