package failures

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	failuresRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpulse_job_failures_recorded_total",
			Help: "Total number of job failure records persisted",
		},
		[]string{"job_name", "final"},
	)

	failuresFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpulse_job_failures_fallback_total",
			Help: "Total number of failure recorder errors swallowed by the fallback branch",
		},
		[]string{"operation"},
	)
)

func recordFailureStored(jobName string, final bool) {
	if jobName == "" {
		jobName = "unknown"
	}
	failuresRecordedTotal.WithLabelValues(jobName, strconv.FormatBool(final)).Inc()
}

func recordFallback(operation string) {
	failuresFallbackTotal.WithLabelValues(operation).Inc()
}
