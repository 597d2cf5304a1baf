package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryBroker(clock *manualClock, defaults Defaults) *MemoryBroker {
	return NewMemoryBroker(MemoryBrokerConfig{
		Queue:        "test-queue",
		Defaults:     defaults,
		PollInterval: 5 * time.Millisecond,
		Now:          clock.Now,
	})
}

func reserveNow(t *testing.T, b *MemoryBroker) (*Job, *Lease) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	job, lease, err := b.Reserve(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	return job, lease
}

func TestMemoryBroker_EnqueueReserveAck(t *testing.T) {
	clock := newManualClock()
	broker := newTestMemoryBroker(clock, Defaults{})
	ctx := context.Background()

	handle, err := broker.Enqueue(ctx, "healthPing", Payload{"companyId": "c1"}, Options{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if handle.ID == "" {
		t.Fatal("expected generated job id")
	}

	job, lease := reserveNow(t, broker)
	if job.ID != handle.ID || job.State != StateActive {
		t.Fatalf("unexpected reserved job %+v", job)
	}
	if job.MaxAttempts != DefaultAttempts || job.BackoffMs != DefaultBackoff.Milliseconds() {
		t.Fatalf("expected default options, got attempts=%d backoff=%d", job.MaxAttempts, job.BackoffMs)
	}

	if err := broker.Ack(ctx, lease, map[string]any{"ok": true}); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	stored, err := broker.GetJob(ctx, handle.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetJob() = %v, %v", stored, err)
	}
	if stored.State != StateCompleted || stored.FinishedAt == nil {
		t.Fatalf("expected completed job, got %+v", stored)
	}
	var result map[string]bool
	if err := json.Unmarshal(stored.Result, &result); err != nil || !result["ok"] {
		t.Fatalf("unexpected result %s (%v)", stored.Result, err)
	}

	if err := broker.Ack(ctx, lease, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a released lease, got %v", err)
	}
}

func TestMemoryBroker_DuplicateJobIDConflicts(t *testing.T) {
	broker := newTestMemoryBroker(newManualClock(), Defaults{})
	ctx := context.Background()
	if _, err := broker.Enqueue(ctx, "pruneJobFailures", nil, Options{JobID: "prune-2026-04-01"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	_, err := broker.Enqueue(ctx, "pruneJobFailures", nil, Options{JobID: "prune-2026-04-01"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryBroker_RejectsNegativeOptions(t *testing.T) {
	broker := newTestMemoryBroker(newManualClock(), Defaults{})
	_, err := broker.Enqueue(context.Background(), "healthPing", nil, Options{Attempts: -1})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestMemoryBroker_DelayedJobBecomesReady(t *testing.T) {
	clock := newManualClock()
	broker := newTestMemoryBroker(clock, Defaults{})
	ctx := context.Background()

	handle, err := broker.Enqueue(ctx, "healthPing", nil, Options{Delay: time.Minute})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	counts, _ := broker.JobCounts(ctx, StateDelayed, StateWaiting)
	if counts[StateDelayed] != 1 || counts[StateWaiting] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, _, err := broker.Reserve(shortCtx, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no job before the delay passes, got %v", err)
	}

	clock.Advance(time.Minute)
	job, _ := reserveNow(t, broker)
	if job.ID != handle.ID {
		t.Fatalf("expected delayed job, got %s", job.ID)
	}
}

func TestMemoryBroker_NackRetriesThenFails(t *testing.T) {
	clock := newManualClock()
	broker := newTestMemoryBroker(clock, Defaults{})
	ctx := context.Background()

	handle, _ := broker.Enqueue(ctx, "syncLedger", nil, Options{Attempts: 2, Backoff: time.Second})

	_, lease := reserveNow(t, broker)
	if err := broker.Nack(ctx, lease, "timeout talking to bank"); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	job, _ := broker.GetJob(ctx, handle.ID)
	if job.State != StateDelayed || job.AttemptsMade != 1 {
		t.Fatalf("expected delayed retry, got state=%s attempts=%d", job.State, job.AttemptsMade)
	}
	if want := clock.Now().Add(time.Second); !job.RunAt.Equal(want) {
		t.Fatalf("expected retry at %s, got %s", want, job.RunAt)
	}

	clock.Advance(time.Second)
	_, lease = reserveNow(t, broker)
	if err := broker.Nack(ctx, lease, "timeout talking to bank"); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	job, _ = broker.GetJob(ctx, handle.ID)
	if job.State != StateFailed || job.AttemptsMade != 2 || job.FailedReason != "timeout talking to bank" {
		t.Fatalf("expected exhausted job to fail, got %+v", job)
	}
}

func TestMemoryBroker_FailSkipsRetries(t *testing.T) {
	broker := newTestMemoryBroker(newManualClock(), Defaults{})
	ctx := context.Background()
	handle, _ := broker.Enqueue(ctx, "syncLedger", nil, Options{Attempts: 5})

	_, lease := reserveNow(t, broker)
	if err := broker.Fail(ctx, lease, "unknown job"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	job, _ := broker.GetJob(ctx, handle.ID)
	if job.State != StateFailed || job.AttemptsMade != 1 {
		t.Fatalf("expected failed after one attempt, got %+v", job)
	}
}

func TestMemoryBroker_RetentionTrimsOldestCompleted(t *testing.T) {
	broker := newTestMemoryBroker(newManualClock(), Defaults{RemoveOnComplete: 2})
	ctx := context.Background()

	var ids []string
	for idx := 0; idx < 3; idx++ {
		handle, _ := broker.Enqueue(ctx, "healthPing", nil, Options{})
		ids = append(ids, handle.ID)
		_, lease := reserveNow(t, broker)
		if err := broker.Ack(ctx, lease, nil); err != nil {
			t.Fatalf("Ack() error = %v", err)
		}
	}

	if job, _ := broker.GetJob(ctx, ids[0]); job != nil {
		t.Fatal("expected oldest completed job to be trimmed")
	}
	completed, _ := broker.GetJobs(ctx, []State{StateCompleted}, 0, -1)
	if len(completed) != 2 || completed[0].ID != ids[2] || completed[1].ID != ids[1] {
		t.Fatalf("expected newest first [%s %s], got %d jobs", ids[2], ids[1], len(completed))
	}
}

func TestMemoryBroker_GetJobsWaitingInQueueOrder(t *testing.T) {
	broker := newTestMemoryBroker(newManualClock(), Defaults{})
	ctx := context.Background()
	var ids []string
	for idx := 0; idx < 4; idx++ {
		handle, _ := broker.Enqueue(ctx, "healthPing", nil, Options{})
		ids = append(ids, handle.ID)
	}

	page, err := broker.GetJobs(ctx, []State{StateWaiting}, 1, 2)
	if err != nil {
		t.Fatalf("GetJobs() error = %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[1] || page[1].ID != ids[2] {
		t.Fatalf("unexpected page %v", page)
	}
	empty, _ := broker.GetJobs(ctx, []State{StateWaiting}, 10, 20)
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %d", len(empty))
	}
}

func TestMemoryBroker_RemoveActiveConflicts(t *testing.T) {
	broker := newTestMemoryBroker(newManualClock(), Defaults{})
	ctx := context.Background()
	active, _ := broker.Enqueue(ctx, "healthPing", nil, Options{})
	waiting, _ := broker.Enqueue(ctx, "healthPing", nil, Options{})
	reserveNow(t, broker)

	if err := broker.Remove(ctx, active.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for active job, got %v", err)
	}
	if err := broker.Remove(ctx, waiting.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := broker.Remove(ctx, waiting.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	counts, _ := broker.JobCounts(ctx)
	if counts[StateWaiting] != 0 || counts[StateActive] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestMemoryBroker_ExpiredLeaseIsReclaimed(t *testing.T) {
	clock := newManualClock()
	broker := newTestMemoryBroker(clock, Defaults{})
	ctx := context.Background()
	handle, _ := broker.Enqueue(ctx, "healthPing", nil, Options{})

	_, stale := reserveNow(t, broker)
	clock.Advance(2 * time.Minute)

	job, fresh := reserveNow(t, broker)
	if job.ID != handle.ID {
		t.Fatalf("expected reclaimed job, got %s", job.ID)
	}
	if err := broker.Ack(ctx, stale, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale lease to be rejected, got %v", err)
	}
	if err := broker.Renew(ctx, fresh, time.Minute); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
}

func TestMemoryBroker_CloseStopsReserve(t *testing.T) {
	broker := newTestMemoryBroker(newManualClock(), Defaults{})
	if err := broker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := broker.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	_, _, err := broker.Reserve(context.Background(), time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := broker.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected HealthCheck to report closed, got %v", err)
	}
}
