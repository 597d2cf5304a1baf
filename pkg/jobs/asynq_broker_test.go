package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/testutil"
)

func TestNewAsynqBroker_ValidationErrors(t *testing.T) {
	if _, err := NewAsynqBroker(AsynqBrokerConfig{URL: "redis://localhost:6379"}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected logger validation error, got %v", err)
	}
	if _, err := NewAsynqBroker(AsynqBrokerConfig{}, logger.NewNopLogger()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing url error, got %v", err)
	}
}

func TestStateFromAsynq(t *testing.T) {
	cases := map[asynq.TaskState]State{
		asynq.TaskStatePending:     StateWaiting,
		asynq.TaskStateActive:      StateActive,
		asynq.TaskStateScheduled:   StateDelayed,
		asynq.TaskStateRetry:       StateDelayed,
		asynq.TaskStateCompleted:   StateCompleted,
		asynq.TaskStateArchived:    StateFailed,
		asynq.TaskStateAggregating: StateWaiting,
	}
	for in, want := range cases {
		if got := stateFromAsynq(in); got != want {
			t.Fatalf("stateFromAsynq(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestJobFromTaskInfo_ArchivedCountsFinalAttempt(t *testing.T) {
	payload, _ := json.Marshal(asynqEnvelope{Payload: Payload{"companyId": "c1"}, BackoffMs: 1000})
	failedAt := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	job := jobFromTaskInfo(&asynq.TaskInfo{
		ID:           "task-1",
		Queue:        "ledgerpulse-jobs",
		Type:         "syncLedger",
		Payload:      payload,
		State:        asynq.TaskStateArchived,
		MaxRetry:     4,
		Retried:      4,
		LastErr:      "bank feed unavailable",
		LastFailedAt: failedAt,
	})

	if job.State != StateFailed || job.AttemptsMade != 5 || job.MaxAttempts != 5 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.FinishedAt == nil || !job.FinishedAt.Equal(failedAt) || job.FailedReason != "bank feed unavailable" {
		t.Fatalf("unexpected failure fields %+v", job)
	}
	if job.Payload.CompanyID() != "c1" || job.BackoffMs != 1000 {
		t.Fatalf("unexpected payload %+v", job.Payload)
	}
}

func TestAsynqBroker_RetryDelayUsesJobBackoff(t *testing.T) {
	broker := &AsynqBroker{config: AsynqBrokerConfig{}}
	broker.config.normalize()
	payload, _ := json.Marshal(asynqEnvelope{BackoffMs: 500})
	task := asynq.NewTask("syncLedger", payload)

	if got := broker.retryDelay(0, errors.New("boom"), task); got != 500*time.Millisecond {
		t.Fatalf("first retry delay = %s, want 500ms", got)
	}
	if got := broker.retryDelay(2, errors.New("boom"), task); got != 2*time.Second {
		t.Fatalf("third retry delay = %s, want 2s", got)
	}
	if got := broker.retryDelay(0, errors.New("boom"), asynq.NewTask("syncLedger", []byte("{"))); got != DefaultBackoff {
		t.Fatalf("malformed payload delay = %s, want default", got)
	}
}

func TestAsynqBroker_Integration(t *testing.T) {
	ctx := context.Background()
	connStr := testutil.StartRedis(t)

	broker, err := NewAsynqBroker(AsynqBrokerConfig{URL: connStr, Queue: "integration", Concurrency: 1}, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewAsynqBroker() error = %v", err)
	}
	defer broker.Close()

	if err := broker.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	handle, err := broker.Enqueue(ctx, "healthPing", Payload{"companyId": "c1"}, Options{JobID: "ping-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := broker.Enqueue(ctx, "healthPing", nil, Options{JobID: "ping-1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	reserveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	job, lease, err := broker.Reserve(reserveCtx, time.Second)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if job.ID != handle.ID || job.Name != "healthPing" || job.Payload.CompanyID() != "c1" {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := broker.Ack(ctx, lease, map[string]any{"ok": true}); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := broker.GetJob(ctx, handle.ID)
		if err == nil && stored != nil && stored.State == StateCompleted {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("task did not reach completed state")
}
