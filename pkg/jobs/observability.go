package jobs

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpulse_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"broker", "queue", "job_name"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpulse_jobs_processed_total",
			Help: "Total number of job executions by outcome",
		},
		[]string{"queue", "job_name", "mode", "status"},
	)

	jobsFailedAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpulse_jobs_failed_attempts_total",
			Help: "Total number of failed job attempts",
		},
		[]string{"queue", "job_name", "mode", "final"},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerpulse_jobs_inflight",
			Help: "Current number of jobs being executed",
		},
		[]string{"queue", "mode"},
	)

	jobsDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerpulse_jobs_duration_seconds",
			Help:    "Job handler duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"queue", "job_name", "mode"},
	)
)

func recordJobEnqueued(broker, queue, jobName string) {
	jobsEnqueuedTotal.WithLabelValues(
		normalizeMetricLabel(broker, "unknown"),
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(jobName, "unknown"),
	).Inc()
}

func recordJobProcessed(queue, jobName string, mode Mode, status string, seconds float64) {
	jobsProcessedTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(jobName, "unknown"),
		normalizeMetricLabel(string(mode), "unknown"),
		normalizeMetricLabel(status, "unknown"),
	).Inc()
	jobsDuration.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(jobName, "unknown"),
		normalizeMetricLabel(string(mode), "unknown"),
	).Observe(seconds)
}

func recordJobFailureMetric(queue, jobName string, mode Mode, final bool) {
	jobsFailedAttemptsTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(jobName, "unknown"),
		normalizeMetricLabel(string(mode), "unknown"),
		strconv.FormatBool(final),
	).Inc()
}

func trackInFlight(queue string, mode Mode) func() {
	gauge := jobsInFlight.WithLabelValues(normalizeMetricLabel(queue, "unknown"), string(mode))
	gauge.Inc()
	return gauge.Dec
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
