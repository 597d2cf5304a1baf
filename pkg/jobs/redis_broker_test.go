package jobs

import (
	"context"
	"errors"
	"testing"
	"time"


	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/testutil"
)

func TestRedisBrokerConfigNormalize(t *testing.T) {
	cfg := RedisBrokerConfig{}
	cfg.normalize()

	if cfg.Prefix != defaultRedisPrefix {
		t.Fatalf("expected default prefix, got %q", cfg.Prefix)
	}
	if cfg.Queue != DefaultQueue {
		t.Fatalf("expected default queue, got %q", cfg.Queue)
	}
	if cfg.OperationTimeout <= 0 || cfg.PollInterval <= 0 || cfg.TransferBatch <= 0 {
		t.Fatalf("expected positive timings, got %+v", cfg)
	}
	if cfg.Defaults.Attempts != DefaultAttempts || cfg.Defaults.RemoveOnFail != DefaultRemoveOnFail {
		t.Fatalf("expected default job options, got %+v", cfg.Defaults)
	}
}

func TestNewRedisBroker_ValidationErrors(t *testing.T) {
	if _, err := NewRedisBroker(RedisBrokerConfig{URL: "redis://localhost:6379"}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected logger validation error, got %v", err)
	}
	if _, err := NewRedisBroker(RedisBrokerConfig{}, logger.NewNopLogger()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing url error, got %v", err)
	}
	if _, err := NewRedisBroker(RedisBrokerConfig{URL: "://bad-url"}, logger.NewNopLogger()); err == nil {
		t.Fatal("expected invalid redis url error")
	}
}

func TestRedisBrokerKeyBuilders(t *testing.T) {
	broker := &RedisBroker{config: RedisBrokerConfig{Prefix: "ledgerpulse:jobs:", Queue: "ledgerpulse-jobs"}}

	cases := map[string]string{
		broker.waitingKey():      "ledgerpulse:jobs:queue:ledgerpulse-jobs:waiting",
		broker.delayedKey():      "ledgerpulse:jobs:queue:ledgerpulse-jobs:delayed",
		broker.activeKey():       "ledgerpulse:jobs:queue:ledgerpulse-jobs:active",
		broker.completedKey():    "ledgerpulse:jobs:queue:ledgerpulse-jobs:completed",
		broker.failedKey():       "ledgerpulse:jobs:queue:ledgerpulse-jobs:failed",
		broker.jobKey("42"):      "ledgerpulse:jobs:job:42",
		broker.leaseKey("tok-1"): "ledgerpulse:jobs:lease:tok-1",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("key = %q, want %q", got, want)
		}
	}
}

func TestDecodeJobHash(t *testing.T) {
	job := NewJob("42", "syncLedger", "ledgerpulse-jobs", Payload{"companyId": "c1"}, Options{Attempts: 3, Backoff: time.Second}, time.UnixMilli(1_700_000_000_000).UTC())
	data, err := encodeJobData(job)
	if err != nil {
		t.Fatalf("encodeJobData() error = %v", err)
	}

	decoded, err := decodeJobHash(map[string]string{
		fieldData:       data,
		fieldState:      "failed",
		fieldAttempts:   "3",
		fieldRunAt:      "1700000000000",
		fieldFinishedAt: "1700000005000",
		fieldReason:     "bank feed unavailable",
	})
	if err != nil {
		t.Fatalf("decodeJobHash() error = %v", err)
	}
	if decoded.ID != "42" || decoded.State != StateFailed || decoded.AttemptsMade != 3 || decoded.MaxAttempts != 3 {
		t.Fatalf("unexpected job %+v", decoded)
	}
	if decoded.FinishedAt == nil || decoded.FinishedAt.UnixMilli() != 1_700_000_005_000 {
		t.Fatalf("unexpected finishedAt %v", decoded.FinishedAt)
	}
	if decoded.CompanyID() == nil || *decoded.CompanyID() != "c1" {
		t.Fatalf("expected company id to survive encoding")
	}

	missing, err := decodeJobHash(map[string]string{})
	if err != nil || missing != nil {
		t.Fatalf("expected nil job for empty hash, got %v, %v", missing, err)
	}
	if _, err := decodeJobHash(map[string]string{fieldData: "{"}); err == nil {
		t.Fatal("expected malformed data to fail")
	}
}

func TestRedisBroker_Integration(t *testing.T) {
	ctx := context.Background()
	connStr := testutil.StartRedis(t)

	broker, err := NewRedisBroker(RedisBrokerConfig{
		URL:          connStr,
		Queue:        "integration",
		PollInterval: 10 * time.Millisecond,
		Defaults:     Defaults{RemoveOnComplete: 1},
	}, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewRedisBroker() error = %v", err)
	}
	defer broker.Close()

	if err := broker.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	t.Run("EnqueueReserveAck", func(t *testing.T) {
		handle, err := broker.Enqueue(ctx, "healthPing", Payload{"companyId": "c1"}, Options{})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		reserveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		job, lease, err := broker.Reserve(reserveCtx, time.Second)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if job.ID != handle.ID || job.State != StateActive {
			t.Fatalf("unexpected job %+v", job)
		}
		if err := broker.Renew(ctx, lease, time.Second); err != nil {
			t.Fatalf("Renew() error = %v", err)
		}
		if err := broker.Ack(ctx, lease, map[string]any{"ok": true}); err != nil {
			t.Fatalf("Ack() error = %v", err)
		}
		stored, err := broker.GetJob(ctx, handle.ID)
		if err != nil || stored == nil || stored.State != StateCompleted || string(stored.Result) != `{"ok":true}` {
			t.Fatalf("unexpected stored job %+v (%v)", stored, err)
		}
	})

	t.Run("DuplicateJobID", func(t *testing.T) {
		if _, err := broker.Enqueue(ctx, "pruneJobFailures", nil, Options{JobID: "prune-1"}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if _, err := broker.Enqueue(ctx, "pruneJobFailures", nil, Options{JobID: "prune-1"}); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if err := broker.Remove(ctx, "prune-1"); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
	})

	t.Run("NackRetriesThenFails", func(t *testing.T) {
		handle, _ := broker.Enqueue(ctx, "syncLedger", nil, Options{Attempts: 2, Backoff: time.Millisecond})
		for attempt := 1; attempt <= 2; attempt++ {
			reserveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, lease, err := broker.Reserve(reserveCtx, time.Second)
			cancel()
			if err != nil {
				t.Fatalf("Reserve() attempt %d error = %v", attempt, err)
			}
			if err := broker.Nack(ctx, lease, "boom"); err != nil {
				t.Fatalf("Nack() error = %v", err)
			}
		}
		job, _ := broker.GetJob(ctx, handle.ID)
		if job.State != StateFailed || job.AttemptsMade != 2 || job.FailedReason != "boom" {
			t.Fatalf("unexpected job %+v", job)
		}
		counts, err := broker.JobCounts(ctx)
		if err != nil {
			t.Fatalf("JobCounts() error = %v", err)
		}
		if counts[StateFailed] != 1 || counts[StateCompleted] != 1 {
			t.Fatalf("unexpected counts %v", counts)
		}
		failed, _ := broker.GetJobs(ctx, []State{StateFailed}, 0, -1)
		if len(failed) != 1 || failed[0].ID != handle.ID {
			t.Fatalf("unexpected failed list %v", failed)
		}
	})
}
