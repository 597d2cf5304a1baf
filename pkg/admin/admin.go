// Package admin assembles the operator view of the job system: a health
// snapshot, failure inspection and the retry, resolve and prune actions,
// served over an authenticated gin router.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
)

var (
	// ErrAlreadyResolved is returned when retrying a resolved failure.
	ErrAlreadyResolved = errors.New("failure already resolved")
	// ErrJobNotFound is returned when the broker has no job with the id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidRequest classifies malformed admin input.
	ErrInvalidRequest = errors.New("invalid admin request")
	// ErrJobFailed wraps a handler error from an inline (direct mode) run.
	ErrJobFailed = errors.New("job failed")
)

func adminError(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}

// JobRuntime is the slice of jobs.Runtime the admin surface drives.
type JobRuntime interface {
	Mode() jobs.Mode
	Queue() string
	Registry() *jobs.Registry
	Broker() (jobs.Broker, bool)
	Submit(ctx context.Context, name string, payload jobs.Payload, opts jobs.Options) (jobs.Submission, error)
	WorkerStatus() jobs.WorkerStatus
}

// FailureService is the slice of failures.Service the admin surface reads and mutates.
type FailureService interface {
	ListRecentFailures(ctx context.Context, filter failures.ListFilter) ([]failures.Record, error)
	GetFailure(ctx context.Context, id string) (*failures.Record, error)
	GetFailureCountSince(ctx context.Context, since time.Time) (int, error)
	GetTopFailedJobs(ctx context.Context, hours, topN int) []failures.JobCount
	MarkResolved(ctx context.Context, id string) (bool, error)
	PruneOldFailures(ctx context.Context) (int64, error)
}

var (
	_ JobRuntime     = (*jobs.Runtime)(nil)
	_ FailureService = (*failures.Service)(nil)
)

// StaleAfter is the heartbeat age after which a queued worker counts as
// stuck: three poll intervals plus one lease.
func StaleAfter(pollInterval, leaseDuration time.Duration) time.Duration {
	return 3*pollInterval + leaseDuration
}
