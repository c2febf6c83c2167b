package cleanup

import "github.com/tphakala/audiokernel/internal/errors"

var (
	// ErrDuplicateStep is returned when a step name is registered twice
	ErrDuplicateStep = errors.NewStd("cleanup step already registered")
	// ErrUnknownDependency is returned when a step depends on an unregistered step
	ErrUnknownDependency = errors.NewStd("unknown cleanup dependency")
	// ErrInvalidPhase is returned for backward or otherwise illegal phase moves
	ErrInvalidPhase = errors.NewStd("invalid cleanup phase transition")
	// ErrStepFailed is returned when a step action fails
	ErrStepFailed = errors.NewStd("cleanup step failed")
	// ErrStepTimeout is returned when a step action exceeds its timeout
	ErrStepTimeout = errors.NewStd("cleanup step timed out")
	// ErrVerifyFailed is returned when verification keeps failing after all retries
	ErrVerifyFailed = errors.NewStd("cleanup verification failed")
	// ErrDependencyFailed marks steps skipped because a dependency failed
	ErrDependencyFailed = errors.NewStd("cleanup dependency failed")
	// ErrCleanupFailed is returned when any step did not complete
	ErrCleanupFailed = errors.NewStd("cleanup failed")
	// ErrCleanupRunning is returned when cleanup is already executing
	ErrCleanupRunning = errors.NewStd("cleanup already running")
)
