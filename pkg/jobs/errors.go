package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid job definitions, options or payloads.
	ErrValidation = errors.New("jobs validation error")
	// ErrConflict classifies state conflicts such as a duplicate registration.
	ErrConflict = errors.New("jobs conflict")
	// ErrNotFound classifies missing jobs or leases.
	ErrNotFound = errors.New("jobs not found")
	// ErrRetryable classifies transient failures that may succeed on retry.
	ErrRetryable = errors.New("jobs retryable error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("jobs invalid argument")
	// ErrNotInitialized classifies use of an unconfigured component.
	ErrNotInitialized = errors.New("jobs not initialized")
	// ErrClosed classifies operations on a closed broker or executor.
	ErrClosed = errors.New("jobs closed")

	// ErrUnknownJob is returned when no handler is registered for a job name.
	// It never resolves by retrying.
	ErrUnknownJob = errors.New("unknown job")
	// ErrNonRetryable marks a handler failure that must not be retried.
	ErrNonRetryable = errors.New("non-retryable job failure")
	// ErrBrokerUnavailable is returned by enqueue when the process runs without a broker.
	ErrBrokerUnavailable = errors.New("job broker unavailable")
	// ErrDirectModeUnavailable is returned when direct processing is requested outside direct mode.
	ErrDirectModeUnavailable = errors.New("direct job processing unavailable")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }

func (e *nonRetryableError) Unwrap() []error { return []error{e.err, ErrNonRetryable} }

// NonRetryable marks err as permanent: the queued executor records it as the
// final attempt and does not hand it back to the broker for another try.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNonRetryable) {
		return err
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err must not be retried.
func IsNonRetryable(err error) bool {
	return errors.Is(err, ErrNonRetryable) || errors.Is(err, ErrUnknownJob)
}

// PanicError is produced when a handler panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic while handling job: %v", e.Value)
}
