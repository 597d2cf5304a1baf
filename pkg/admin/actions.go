package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

// RetryResult reports how a failure was retried.
type RetryResult struct {
	FailureID  string          `json:"failureId"`
	JobName    string          `json:"jobName"`
	Submission jobs.Submission `json:"submission"`
	// Resolved is set once the job is resubmitted. In queued mode that is
	// before the retried job has run; a new failure is recorded separately.
	Resolved bool `json:"resolved"`
}

// Actions implements the operator commands.
type Actions struct {
	runtime  JobRuntime
	failures FailureService
	log      logger.Logger
}

// NewActions validates its collaborators.
func NewActions(runtime JobRuntime, svc FailureService, log logger.Logger) (*Actions, error) {
	if runtime == nil {
		return nil, adminError(ErrInvalidRequest, "job runtime is required")
	}
	if svc == nil {
		return nil, adminError(ErrInvalidRequest, "failure service is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Actions{runtime: runtime, failures: svc, log: log}, nil
}

// RetryFailure resubmits the stored payload of a failure and marks it
// resolved. In queued mode the job is enqueued again with broker defaults;
// in direct mode it runs inline once and a handler error leaves the failure
// unresolved. Stored payloads are redacted, so secrets arrive masked.
func (a *Actions) RetryFailure(ctx context.Context, id string) (*RetryResult, error) {
	rec, err := a.failures.GetFailure(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.ResolvedAt != nil {
		return nil, adminError(ErrAlreadyResolved, rec.ID)
	}

	payload := jobs.Payload{}
	if len(rec.Payload) > 0 && string(rec.Payload) != "null" {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return nil, adminError(ErrInvalidRequest, "stored payload is not an object: "+err.Error())
		}
	}

	submission, err := a.runtime.Submit(ctx, rec.JobName, payload, jobs.Options{})
	if err != nil {
		a.log.WithContext(ctx).Warn("ADMIN_RETRY_FAILED",
			"failure_id", rec.ID, "job_name", rec.JobName, "mode", string(a.runtime.Mode()), "error", err)
		return nil, a.submitError(submission, err)
	}

	resolved, err := a.failures.MarkResolved(ctx, rec.ID)
	if err != nil {
		// The job was resubmitted; report that rather than failing the call.
		a.log.WithContext(ctx).Error("ADMIN_RETRY_RESOLVE_FAILED", "failure_id", rec.ID, "error", err)
	}
	a.log.WithContext(ctx).Info("ADMIN_RETRY_SUBMITTED",
		"failure_id", rec.ID, "job_name", rec.JobName, "mode", string(submission.Mode), "job_id", submission.JobID)

	return &RetryResult{
		FailureID:  rec.ID,
		JobName:    rec.JobName,
		Submission: submission,
		Resolved:   resolved,
	}, nil
}

// ResolveFailure marks a failure resolved. The second call returns false.
func (a *Actions) ResolveFailure(ctx context.Context, id string) (bool, error) {
	resolved, err := a.failures.MarkResolved(ctx, id)
	if err != nil {
		return false, err
	}
	if resolved {
		a.log.WithContext(ctx).Info("ADMIN_FAILURE_RESOLVED", "failure_id", id)
	}
	return resolved, nil
}

// PruneFailures deletes failures past retention.
func (a *Actions) PruneFailures(ctx context.Context) (int64, error) {
	return a.failures.PruneOldFailures(ctx)
}

// ListFailures pages through recent failures.
func (a *Actions) ListFailures(ctx context.Context, filter failures.ListFilter) ([]failures.Record, error) {
	return a.failures.ListRecentFailures(ctx, filter)
}

// GetFailure returns one failure.
func (a *Actions) GetFailure(ctx context.Context, id string) (*failures.Record, error) {
	return a.failures.GetFailure(ctx, id)
}

// TopFailedJobs ranks job names by failures in the last hours.
func (a *Actions) TopFailedJobs(ctx context.Context, hours, topN int) []failures.JobCount {
	return a.failures.GetTopFailedJobs(ctx, hours, topN)
}

// JobCounts counts broker jobs per state. Unavailable in direct mode.
func (a *Actions) JobCounts(ctx context.Context, states ...jobs.State) (map[jobs.State]int64, error) {
	broker, err := a.broker()
	if err != nil {
		return nil, err
	}
	return broker.JobCounts(ctx, states...)
}

// ListJobs lists broker jobs in states, start and end inclusive.
func (a *Actions) ListJobs(ctx context.Context, states []jobs.State, start, end int) ([]*jobs.Job, error) {
	broker, err := a.broker()
	if err != nil {
		return nil, err
	}
	return broker.GetJobs(ctx, states, start, end)
}

// GetJob returns a broker job or ErrJobNotFound.
func (a *Actions) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	broker, err := a.broker()
	if err != nil {
		return nil, err
	}
	job, err := broker.GetJob(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, adminError(ErrJobNotFound, id)
	}
	return job, nil
}

// RemoveJob deletes a job that is not active.
func (a *Actions) RemoveJob(ctx context.Context, id string) error {
	broker, err := a.broker()
	if err != nil {
		return err
	}
	if err := broker.Remove(ctx, strings.TrimSpace(id)); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return adminError(ErrJobNotFound, id)
		}
		return err
	}
	a.log.WithContext(ctx).Info("ADMIN_JOB_REMOVED", "job_id", id)
	return nil
}

// Enqueue submits a registered job: it is queued in queued mode and run
// inline in direct mode.
func (a *Actions) Enqueue(ctx context.Context, name string, payload jobs.Payload, opts jobs.Options) (jobs.Submission, error) {
	if err := jobs.ValidateName(name); err != nil {
		return jobs.Submission{}, err
	}
	if registry := a.runtime.Registry(); registry != nil && !registry.Has(name) {
		return jobs.Submission{}, adminError(jobs.ErrUnknownJob, name)
	}
	if payload == nil {
		payload = jobs.Payload{}
	}
	submission, err := a.runtime.Submit(ctx, name, payload, opts)
	if err != nil {
		return submission, a.submitError(submission, err)
	}
	return submission, nil
}

// submitError marks handler failures of inline runs so callers can tell
// them from transport errors.
func (a *Actions) submitError(submission jobs.Submission, err error) error {
	if submission.Mode != jobs.ModeDirect {
		return err
	}
	if status, _ := MapError(err); status != http.StatusInternalServerError {
		return err
	}
	return fmt.Errorf("%w: %w", ErrJobFailed, err)
}

func (a *Actions) broker() (jobs.Broker, error) {
	broker, ok := a.runtime.Broker()
	if !ok {
		return nil, adminError(jobs.ErrBrokerUnavailable, "runtime is in direct mode")
	}
	return broker, nil
}
