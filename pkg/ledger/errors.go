package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is an optimistic-concurrency or expected-state mismatch.
	// Callers may retry after re-reading current state.
	ErrConflict = errors.New("conflict")

	// ErrNotFound means the identity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is a policy or invariant violation; never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRecordConflict marks two source records mapping to the same natural key.
	ErrRecordConflict = errors.New("record conflict")

	// ErrStaleShift means a commit target changed underneath an accepted request.
	ErrStaleShift = errors.New("stale shift")

	// ErrAdapterTimeout wraps external I/O that did not finish in time.
	ErrAdapterTimeout = errors.New("adapter timeout")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
