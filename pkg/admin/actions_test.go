package admin

import (
	"context"
	"errors"
	"testing"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
)

func TestRetryFailure_QueuedMode(t *testing.T) {
	f := newFixture(t, false)
	rec := f.recordFailure(t, "generateMonthlySnapshots", map[string]any{"companyId": "c1"})

	result, err := f.actions.RetryFailure(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("RetryFailure() error = %v", err)
	}
	if result.Submission.Mode != jobs.ModeQueued || result.Submission.JobID == "" || !result.Resolved {
		t.Fatalf("unexpected result %+v", result)
	}

	job, err := f.broker.GetJob(context.Background(), result.Submission.JobID)
	if err != nil || job == nil {
		t.Fatalf("expected resubmitted job, got %v %v", job, err)
	}
	if job.Name != "generateMonthlySnapshots" || job.Payload.CompanyID() != "c1" || job.State != jobs.StateWaiting {
		t.Fatalf("unexpected job %+v", job)
	}

	stored, err := f.failures.GetFailure(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetFailure() error = %v", err)
	}
	if stored.ResolvedAt == nil {
		t.Fatal("expected failure to be resolved")
	}

	if _, err := f.actions.RetryFailure(context.Background(), rec.ID); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestRetryFailure_DirectMode(t *testing.T) {
	f := newFixture(t, true)
	rec := f.recordFailure(t, "generateMonthlySnapshots", map[string]any{"companyId": "c2"})

	result, err := f.actions.RetryFailure(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("RetryFailure() error = %v", err)
	}
	if result.Submission.Mode != jobs.ModeDirect || f.calls.Load() != 1 {
		t.Fatalf("expected one inline run, got %+v calls=%d", result, f.calls.Load())
	}
	out, ok := result.Submission.Result.(map[string]any)
	if !ok || out["companyId"] != "c2" {
		t.Fatalf("unexpected result %#v", result.Submission.Result)
	}
}

func TestRetryFailure_DirectHandlerErrorLeavesFailureOpen(t *testing.T) {
	f := newFixture(t, true)
	rec := f.recordFailure(t, "generateMonthlySnapshots", map[string]any{"fail": true})

	_, err := f.actions.RetryFailure(context.Background(), rec.ID)
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
	stored, err := f.failures.GetFailure(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetFailure() error = %v", err)
	}
	if stored.ResolvedAt != nil {
		t.Fatal("failure must stay unresolved when the retry fails")
	}
}

func TestRetryFailure_Missing(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.actions.RetryFailure(context.Background(), "missing"); !errors.Is(err, failures.ErrNotFound) {
		t.Fatalf("expected failures.ErrNotFound, got %v", err)
	}
}

func TestResolveFailure_Idempotent(t *testing.T) {
	f := newFixture(t, true)
	rec := f.recordFailure(t, "generateMonthlySnapshots", nil)

	first, err := f.actions.ResolveFailure(context.Background(), rec.ID)
	if err != nil || !first {
		t.Fatalf("first ResolveFailure() = %v, %v", first, err)
	}
	second, err := f.actions.ResolveFailure(context.Background(), rec.ID)
	if err != nil || second {
		t.Fatalf("second ResolveFailure() = %v, %v", second, err)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, false)

	if _, err := f.actions.Enqueue(context.Background(), "unknownJob", nil, jobs.Options{}); !errors.Is(err, jobs.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
	if _, err := f.actions.Enqueue(context.Background(), "", nil, jobs.Options{}); err == nil {
		t.Fatal("expected error for empty name")
	}

	sub, err := f.actions.Enqueue(context.Background(), "generateMonthlySnapshots", nil, jobs.Options{JobID: "snap-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if sub.JobID != "snap-1" {
		t.Fatalf("JobID = %q", sub.JobID)
	}
}

func TestJobActions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if _, err := f.actions.Enqueue(ctx, "generateMonthlySnapshots", jobs.Payload{"companyId": "c1"}, jobs.Options{JobID: "snap-1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	counts, err := f.actions.JobCounts(ctx)
	if err != nil || counts[jobs.StateWaiting] != 1 {
		t.Fatalf("JobCounts() = %v, %v", counts, err)
	}
	list, err := f.actions.ListJobs(ctx, []jobs.State{jobs.StateWaiting}, 0, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListJobs() = %v, %v", list, err)
	}
	if _, err := f.actions.GetJob(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := f.actions.RemoveJob(ctx, "snap-1"); err != nil {
		t.Fatalf("RemoveJob() error = %v", err)
	}
	if err := f.actions.RemoveJob(ctx, "snap-1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound on second remove, got %v", err)
	}
}

func TestJobActions_DirectMode(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.actions.JobCounts(context.Background()); !errors.Is(err, jobs.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
}

func TestNewActions_Validation(t *testing.T) {
	f := newFixture(t, true)
	if _, err := NewActions(f.runtime, nil, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
