package failures

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a failure record id does not exist.
	ErrNotFound = errors.New("failure record not found")
	// ErrInvalidArgument classifies bad caller input.
	ErrInvalidArgument = errors.New("failures invalid argument")
	// ErrValidation classifies invalid store configuration.
	ErrValidation = errors.New("failures validation error")
)

func failuresError(kind error, message string) error {
	return fmt.Errorf("%w: %s", kind, message)
}
