package component

import "github.com/tphakala/audiokernel/internal/errors"

var (
	// ErrDuplicate is returned when registering a name twice
	ErrDuplicate = errors.NewStd("component already registered")
	// ErrSelfDependency is returned when a component lists itself as a dependency
	ErrSelfDependency = errors.NewStd("component depends on itself")
	// ErrUnknownDependency is returned when a dependency is not registered
	ErrUnknownDependency = errors.NewStd("unknown dependency")
	// ErrNotFound is returned for unregistered component names
	ErrNotFound = errors.NewStd("component not found")
	// ErrHasDependents is returned when unregistering a component others depend on
	ErrHasDependents = errors.NewStd("component has dependents")
	// ErrInvalidTransition is returned for lifecycle moves missing from the table
	ErrInvalidTransition = errors.NewStd("invalid component transition")
	// ErrLimitExceeded is returned when a scalar resource would exceed its limit
	ErrLimitExceeded = errors.NewStd("resource limit exceeded")
	// ErrOverRelease is returned when releasing more than is held
	ErrOverRelease = errors.NewStd("resource released more than allocated")
	// ErrUnknownBuffer is returned when a component releases a buffer it does not hold
	ErrUnknownBuffer = errors.NewStd("buffer not held by component")
	// ErrThreadExists is returned when a thread name is registered twice
	ErrThreadExists = errors.NewStd("thread already registered")
	// ErrThreadNotFound is returned for unknown threads
	ErrThreadNotFound = errors.NewStd("thread not registered")
	// ErrHealthCheckFailed wraps a failing health check
	ErrHealthCheckFailed = errors.NewStd("health check failed")
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.NewStd("liveness sweep already started")
)
