package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/health"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

func TestSnapshot_QueuedMode(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.runtime.EnqueueJob(context.Background(), "generateMonthlySnapshots", jobs.Payload{"companyId": "c1"}, jobs.Options{}); err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	f.recordFailure(t, "generateMonthlySnapshots", nil)
	f.recordFailure(t, "generateMonthlySnapshots", nil)
	f.recordFailure(t, "generateAIInsights", nil)

	snap, err := f.aggregator.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Mode != jobs.ModeQueued || snap.JobCounts[jobs.StateWaiting] != 1 {
		t.Fatalf("unexpected queue view %+v", snap)
	}
	if snap.Failures.LastHour != 3 || snap.Failures.Last24h != 3 {
		t.Fatalf("unexpected failure counts %+v", snap.Failures)
	}
	if len(snap.Failures.TopJobs) != 2 || snap.Failures.TopJobs[0].JobName != "generateMonthlySnapshots" {
		t.Fatalf("unexpected top jobs %+v", snap.Failures.TopJobs)
	}
	// The worker is not running and three failures reach the threshold.
	if snap.Status != health.StatusDegraded || !snap.Worker.Stale || len(snap.Problems) != 2 {
		t.Fatalf("expected degraded snapshot, got %s %v", snap.Status, snap.Problems)
	}
}

func TestSnapshot_DirectModeIsDegraded(t *testing.T) {
	f := newFixture(t, true)

	snap, err := f.aggregator.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Mode != jobs.ModeDirect || snap.JobCounts != nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Status != health.StatusDegraded || snap.Worker.Stale {
		t.Fatalf("expected degraded without stale worker, got %s %+v", snap.Status, snap.Worker)
	}
	if snap.Failures.TopJobs == nil {
		t.Fatal("expected empty top jobs list, not nil")
	}
}

type brokenFailures struct{ FailureService }

func (brokenFailures) GetFailureCountSince(context.Context, time.Time) (int, error) {
	return 0, errors.New("db down")
}

func (brokenFailures) GetTopFailedJobs(context.Context, int, int) []failures.JobCount {
	return []failures.JobCount{}
}

func TestSnapshot_SourceErrorsDegrade(t *testing.T) {
	f := newFixture(t, true)
	agg, err := NewAggregator(f.runtime, brokenFailures{}, logger.NewNopLogger(), AggregatorConfig{})
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Status != health.StatusDegraded || len(snap.Problems) != 3 {
		t.Fatalf("expected three problems, got %v", snap.Problems)
	}
}

type countsDownFailures struct{ FailureService }

func (countsDownFailures) GetFailureCountSince(context.Context, time.Time) (int, error) {
	return 0, errors.New("db down")
}

func (countsDownFailures) GetTopFailedJobs(ctx context.Context, _, _ int) []failures.JobCount {
	time.Sleep(20 * time.Millisecond)
	if ctx.Err() != nil {
		return []failures.JobCount{}
	}
	return []failures.JobCount{{JobName: "syncBankFeed", Count: 4}}
}

func TestSnapshot_FailingSourceDoesNotCancelOthers(t *testing.T) {
	f := newFixture(t, false)
	registry := health.NewRegistry()
	registry.Register(health.NewCustomChecker("cache", func(ctx context.Context) (health.Status, string, error) {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			return health.StatusUnhealthy, "", ctx.Err()
		}
		return health.StatusHealthy, "ok", nil
	}))
	agg, err := NewAggregator(f.runtime, countsDownFailures{}, nil, AggregatorConfig{}, WithHealthRegistry(registry))
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Failures.TopJobs) != 1 || snap.Failures.TopJobs[0].JobName != "syncBankFeed" {
		t.Fatalf("top jobs lookup was cut short: %+v", snap.Failures.TopJobs)
	}
	if len(snap.Checks) != 1 || snap.Checks[0].Status != health.StatusHealthy {
		t.Fatalf("health check was cut short: %+v", snap.Checks)
	}
	if snap.Status != health.StatusDegraded {
		t.Fatalf("expected degraded snapshot, got %s %v", snap.Status, snap.Problems)
	}
}

func TestSnapshot_HealthRegistryUnhealthy(t *testing.T) {
	f := newFixture(t, true)
	registry := health.NewRegistry()
	registry.Register(health.NewCustomChecker("dlq-store", func(context.Context) (health.Status, string, error) {
		return health.StatusUnhealthy, "", errors.New("connection refused")
	}))
	agg, err := NewAggregator(f.runtime, f.failures, nil, AggregatorConfig{}, WithHealthRegistry(registry))
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Status != health.StatusUnhealthy || len(snap.Checks) != 1 {
		t.Fatalf("expected unhealthy snapshot, got %s %+v", snap.Status, snap.Checks)
	}
}

func TestSnapshot_CancelledContext(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.aggregator.Snapshot(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStaleAfter(t *testing.T) {
	if got := StaleAfter(250*time.Millisecond, 30*time.Second); got != 30750*time.Millisecond {
		t.Fatalf("StaleAfter() = %s", got)
	}
}

func TestNewAggregator_Validation(t *testing.T) {
	if _, err := NewAggregator(nil, brokenFailures{}, nil, AggregatorConfig{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
