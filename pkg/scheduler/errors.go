package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies bad task definitions and schedules.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies duplicate tasks, double starts and rejected lock operations.
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotFound is returned when triggering an unknown task.
	ErrNotFound = errors.New("scheduler task not found")
	// ErrRetryable classifies transient lock backend failures.
	ErrRetryable = errors.New("scheduler retryable error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("scheduler invalid argument")
	// ErrNotInitialized classifies nil or unopened components.
	ErrNotInitialized = errors.New("scheduler not initialized")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
