// Package faults defines the orchestrator error taxonomy. Callers classify
// with errors.Is against the sentinels; Transient decides whether the
// dispatcher's retry sub-loop may re-attempt a stage.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers bad submission input. Surfaced immediately;
	// the task is never created.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized covers non-owner operations.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCapacityExceeded means no sandbox slot is available right now.
	// The task stays pending; this is not a user-visible failure.
	ErrCapacityExceeded = errors.New("sandbox capacity exceeded")

	// ErrRepoAccess covers repository auth/clone failures.
	ErrRepoAccess = errors.New("repository access error")

	// ErrNetwork covers timeouts and connection failures during git or API calls.
	ErrNetwork = errors.New("network error")

	// ErrTimeout means the sandbox exceeded its wall-clock budget.
	ErrTimeout = errors.New("sandbox timeout")

	// ErrAgentFailure means the agent exited non-recoverably.
	ErrAgentFailure = errors.New("agent failure")

	// ErrCancelled marks user-initiated cancellation. Not treated as an error
	// by the state machine; the terminal status is cancelled, not failed.
	ErrCancelled = errors.New("cancelled")

	// ErrInvalidState covers operations rejected by the task's current state,
	// e.g. appending chat to a terminal task.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound covers lookups of records the requester cannot see.
	ErrNotFound = errors.New("not found")
)

// Transient reports whether err may be retried by the dispatcher without
// surfacing a terminal failure. Capacity misses are transient but handled by
// requeueing, not by the retry sub-loop.
func Transient(err error) bool {
	return errors.Is(err, ErrRepoAccess) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrCapacityExceeded)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
