package recovery

import "github.com/tphakala/audiokernel/internal/errors"

var (
	// ErrInvalidTransition is returned for moves missing from the adjacency table
	ErrInvalidTransition = errors.NewStd("invalid recovery transition")
	// ErrHookRejected is returned when the validation hook vetoes a transition
	ErrHookRejected = errors.NewStd("transition rejected by validation hook")
	// ErrInvariantViolated is returned when a target-state invariant fails
	ErrInvariantViolated = errors.NewStd("state invariant violated")
	// ErrValidatorFailed is returned when a transition validator fails
	ErrValidatorFailed = errors.NewStd("transition validator failed")
	// ErrValidatorPanic is returned when a validator or invariant panics
	ErrValidatorPanic = errors.NewStd("transition validator panicked")
	// ErrNoRollback is returned when the last transition has no rollback
	ErrNoRollback = errors.NewStd("no rollback registered")
	// ErrRollbackFailed is returned when a rollback function fails
	ErrRollbackFailed = errors.NewStd("rollback failed")
	// ErrNotTerminal is returned by Reset outside Completed or Failed
	ErrNotTerminal = errors.NewStd("recovery not in a terminal state")
	// ErrChangeNotDelivered is reported when a committed state change cannot be published
	ErrChangeNotDelivered = errors.NewStd("state change not delivered")
)
