package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/health"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const (
	defaultTopHours = 24
	defaultTopN     = 5
)

// AggregatorConfig tunes the snapshot.
type AggregatorConfig struct {
	// StaleAfter marks a queued worker stale; see StaleAfter.
	StaleAfter time.Duration
	// FailureSpikeThreshold degrades the snapshot when the last hour holds at
	// least this many failures. Zero disables the rule.
	FailureSpikeThreshold int
	TopHours              int
	TopN                  int
	// Timeout bounds the whole fan-out.
	Timeout time.Duration
}

func (c *AggregatorConfig) normalize() {
	if c.TopHours <= 0 {
		c.TopHours = defaultTopHours
	}
	if c.TopN <= 0 {
		c.TopN = defaultTopN
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// FailureSummary is the failure part of a snapshot.
type FailureSummary struct {
	LastHour int                 `json:"lastHour"`
	Last24h  int                 `json:"last24h"`
	TopJobs  []failures.JobCount `json:"topJobs"`
}

// WorkerSummary is the worker part of a snapshot.
type WorkerSummary struct {
	jobs.WorkerStatus
	Stale   bool   `json:"stale"`
	Message string `json:"message,omitempty"`
}

// Snapshot is the combined health of the job system.
type Snapshot struct {
	Status      health.Status        `json:"status"`
	Mode        jobs.Mode            `json:"mode"`
	Queue       string               `json:"queue"`
	JobCounts   map[jobs.State]int64 `json:"jobCounts,omitempty"`
	Failures    FailureSummary       `json:"failures"`
	Worker      WorkerSummary        `json:"worker"`
	Checks      []health.CheckResult `json:"checks,omitempty"`
	Problems    []string             `json:"problems,omitempty"`
	GeneratedAt time.Time            `json:"generatedAt"`
}

// Aggregator builds snapshots from the runtime, the failure service and an
// optional health registry.
type Aggregator struct {
	runtime  JobRuntime
	failures FailureService
	checks   *health.Registry
	log      logger.Logger
	config   AggregatorConfig
	now      func() time.Time
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithHealthRegistry folds the registry's checks into the snapshot status.
func WithHealthRegistry(r *health.Registry) AggregatorOption {
	return func(a *Aggregator) { a.checks = r }
}

// WithAggregatorClock overrides the time source.
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAggregator validates its collaborators.
func NewAggregator(runtime JobRuntime, svc FailureService, log logger.Logger, cfg AggregatorConfig, opts ...AggregatorOption) (*Aggregator, error) {
	if runtime == nil {
		return nil, adminError(ErrInvalidRequest, "job runtime is required")
	}
	if svc == nil {
		return nil, adminError(ErrInvalidRequest, "failure service is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	cfg.normalize()
	a := &Aggregator{
		runtime:  runtime,
		failures: svc,
		log:      log,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Snapshot queries every source concurrently. A failing source adds a
// problem and degrades the status instead of failing the snapshot; only a
// cancelled ctx is returned as an error.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := a.now()
	snap := &Snapshot{
		Status:      health.StatusHealthy,
		Mode:        a.runtime.Mode(),
		Queue:       a.runtime.Queue(),
		GeneratedAt: now,
	}

	var mu sync.Mutex
	problem := func(status health.Status, format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		snap.Problems = append(snap.Problems, fmt.Sprintf(format, args...))
		snap.Status = health.Worst(snap.Status, status)
	}

	gctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	// Sources never return errors: a failing one is reported through problem
	// and the rest keep running against the shared deadline.
	var g errgroup.Group

	if broker, ok := a.runtime.Broker(); ok {
		g.Go(func() error {
			counts, err := broker.JobCounts(gctx)
			if err != nil {
				problem(health.StatusUnhealthy, "job counts: %v", err)
				return nil
			}
			mu.Lock()
			snap.JobCounts = counts
			mu.Unlock()
			return nil
		})
	} else {
		problem(health.StatusDegraded, "direct mode: jobs run inline without retries")
	}

	g.Go(func() error {
		n, err := a.failures.GetFailureCountSince(gctx, now.Add(-time.Hour))
		if err != nil {
			problem(health.StatusDegraded, "failures last hour: %v", err)
			return nil
		}
		mu.Lock()
		snap.Failures.LastHour = n
		mu.Unlock()
		if a.config.FailureSpikeThreshold > 0 && n >= a.config.FailureSpikeThreshold {
			problem(health.StatusDegraded, "%d failures in the last hour (threshold %d)", n, a.config.FailureSpikeThreshold)
		}
		return nil
	})

	g.Go(func() error {
		n, err := a.failures.GetFailureCountSince(gctx, now.Add(-24*time.Hour))
		if err != nil {
			problem(health.StatusDegraded, "failures last 24h: %v", err)
			return nil
		}
		mu.Lock()
		snap.Failures.Last24h = n
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		top := a.failures.GetTopFailedJobs(gctx, a.config.TopHours, a.config.TopN)
		mu.Lock()
		snap.Failures.TopJobs = top
		mu.Unlock()
		return nil
	})

	if a.checks != nil {
		g.Go(func() error {
			result := a.checks.Check(gctx)
			mu.Lock()
			snap.Checks = result.Checks
			mu.Unlock()
			for _, check := range result.Checks {
				if check.Status != health.StatusHealthy {
					problem(check.Status, "%s: %s%s", check.Name, check.Message, check.Error)
				}
			}
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status := a.runtime.WorkerStatus()
	workerHealth, message, _ := jobs.WorkerHealth(status, a.config.StaleAfter, now)
	snap.Worker = WorkerSummary{
		WorkerStatus: status,
		Stale:        workerHealth != health.StatusHealthy,
		Message:      message,
	}
	if snap.Worker.Stale {
		problem(workerHealth, "worker: %s", message)
	}
	if snap.Failures.TopJobs == nil {
		snap.Failures.TopJobs = []failures.JobCount{}
	}
	return snap, nil
}
