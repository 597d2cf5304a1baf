package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/idempotency"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

type countingPruner struct {
	calls atomic.Int32
	err   error
}

func (p *countingPruner) PruneOldFailures(context.Context) (int64, error) {
	p.calls.Add(1)
	return 2, p.err
}

func newFailureService(t *testing.T) *failures.Service {
	t.Helper()
	svc, err := failures.NewService(failures.NewMemoryStore(), logger.NewNopLogger(), failures.Config{})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestHealthPing_QueuedEndToEnd(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := logger.NewZapLoggerWithCore(core)

	registry := jobs.NewRegistry()
	if err := Register(registry, Options{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	broker := jobs.NewMemoryBroker(jobs.MemoryBrokerConfig{PollInterval: 2 * time.Millisecond})
	rt, err := jobs.NewRuntime(context.Background(), jobs.RuntimeConfig{
		Worker: jobs.WorkerConfig{Concurrency: 1, ReserveTimeout: 20 * time.Millisecond},
	}, jobs.Dependencies{Registry: registry, Failures: newFailureService(t), Logger: log}, broker, broker)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
		_ = rt.Close()
	}()

	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	handle, err := rt.EnqueueJob(context.Background(), HealthPing, jobs.Payload{"companyId": "c1", "at": at}, jobs.Options{})
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}

	var job *jobs.Job
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, _ = broker.GetJob(context.Background(), handle.ID)
		if job != nil && job.State == jobs.StateCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job == nil || job.State != jobs.StateCompleted {
		t.Fatalf("healthPing did not complete: %+v", job)
	}
	var result map[string]bool
	if err := json.Unmarshal(job.Result, &result); err != nil || !result["ok"] {
		t.Fatalf("unexpected result %s", job.Result)
	}

	entries := logs.FilterMessage("HEALTH_PING_OK").All()
	if len(entries) != 1 {
		t.Fatalf("expected one HEALTH_PING_OK entry, got %d", len(entries))
	}
	if fields := entries[0].ContextMap(); fields["companyId"] != "c1" || fields["at"] != at {
		t.Fatalf("unexpected log fields %v", fields)
	}
}

func TestHealthPing_RejectsUnknownFields(t *testing.T) {
	registry := jobs.NewRegistry()
	_ = Register(registry, Options{})
	recorder := newFailureService(t)
	direct, err := jobs.NewDirectExecutor(jobs.Dependencies{Registry: registry, Failures: recorder, Logger: logger.NewNopLogger()}, "")
	if err != nil {
		t.Fatalf("NewDirectExecutor() error = %v", err)
	}

	if _, err := direct.Process(context.Background(), HealthPing, jobs.Payload{"companyId": 7}); !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPruneJobFailures_RunsOncePerDay(t *testing.T) {
	now := time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	guard, err := idempotency.NewGuard(idempotency.NewMemoryStore(clock), logger.NewNopLogger(), idempotency.Config{}, idempotency.WithClock(clock))
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	pruner := &countingPruner{}

	registry := jobs.NewRegistry()
	if err := Register(registry, Options{Failures: pruner, Guard: guard, Now: clock}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	direct, _ := jobs.NewDirectExecutor(jobs.Dependencies{Registry: registry, Failures: newFailureService(t), Logger: logger.NewNopLogger()}, "")

	for range 2 {
		if _, err := direct.Process(context.Background(), PruneJobFailures, nil); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}
	if pruner.calls.Load() != 1 {
		t.Fatalf("expected one prune per day, got %d", pruner.calls.Load())
	}

	now = now.Add(24 * time.Hour)
	if _, err := direct.Process(context.Background(), PruneJobFailures, nil); err != nil {
		t.Fatalf("Process() next day error = %v", err)
	}
	if pruner.calls.Load() != 2 {
		t.Fatalf("expected a new prune on the next day, got %d", pruner.calls.Load())
	}
}

func TestRegister_WithoutFailuresSkipsPrune(t *testing.T) {
	registry := jobs.NewRegistry()
	if err := Register(registry, Options{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if registry.Has(PruneJobFailures) || !registry.Has(HealthPing) {
		t.Fatalf("unexpected registrations %v", registry.Names())
	}
	if err := Register(nil, Options{}); err == nil {
		t.Fatal("expected nil registry error")
	}
}
