package work

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Components wrap these with
// context via fmt.Errorf("%w") and callers branch with errors.Is.
var (
	// ErrNotFound: the referenced work item, ledger stream, or skill does
	// not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a concurrent transaction won a race (dedup insert,
	// message claim). Callers retry once.
	ErrConflict = errors.New("conflict")
	// ErrCancelled: cooperative cancellation propagated through a
	// suspension point.
	ErrCancelled = errors.New("cancelled")
)

// InvalidTransitionError is returned when a state change is rejected by the
// state machine. Internal code paths treat it as a programming bug; the CLI
// surfaces it as a conflict.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ValidationError reports malformed caller input: unknown faculty, unknown
// tool, invalid entry type. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateTransition returns an InvalidTransitionError if from → to is
// disallowed.
func ValidateTransition(from, to State) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to}
}
