package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both never-existed and expired queue ids.
	ErrNotFound = errors.New("queue not found")
	// ErrForbidden is returned on owner mismatch without revealing
	// anything else about the record.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState is returned for operations that are not legal in
	// the queue's current lifecycle state, e.g. cancelling a terminal
	// queue.
	ErrInvalidState = errors.New("operation invalid for queue state")
)

// ValidationError describes malformed input to create or cancel. No state
// is mutated when it is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
