package metrics

import "time"

// Recorder defines a minimal interface for recording metrics.
// Components depend on this abstraction rather than on KernelMetrics.
type Recorder interface {
	// RecordOperation records a generic operation with its status.
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its type.
	RecordError(operation, errorType string)
}

// Result label values
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultExhausted = "exhausted"
	ResultTimeout   = "timeout"
	ResultRejected  = "rejected"
	ResultReused    = "reused"
	ResultCreated   = "created"
	ResultSkipped   = "skipped"
	ResultDropped   = "dropped"
)

// Queue operations
const (
	OpPut = "put"
	OpGet = "get"
)

// ShutdownTimeout bounds the metrics HTTP server shutdown
const ShutdownTimeout = 5 * time.Second

// NoopRecorder discards everything. It satisfies every narrow recorder
// interface declared by the kernel packages.
type NoopRecorder struct{}

func (NoopRecorder) RecordOperation(string, string) {}
func (NoopRecorder) RecordDuration(string, float64) {}
func (NoopRecorder) RecordError(string, string) {}
func (NoopRecorder) RecordPoolAllocation(string, string) {}
func (NoopRecorder) RecordPoolRelease(string, string) {}
func (NoopRecorder) SetPoolUsage(string, int, int) {}
func (NoopRecorder) SetQueueDepth(string, int) {}
func (NoopRecorder) RecordQueueOperation(string, string, string) {}
func (NoopRecorder) RecordQueueDrained(string, int) {}
func (NoopRecorder) RecordComponentTransition(string, string, bool) {}
func (NoopRecorder) RecordThreadFailure(string) {}
func (NoopRecorder) RecordRecoveryTransition(string, string, bool, time.Duration) {}
func (NoopRecorder) SetRecoveryState(string, string) {}
func (NoopRecorder) RecordCleanupStep(string, string, time.Duration) {}
func (NoopRecorder) RecordKernelError(string, string) {}
func (NoopRecorder) RecordAlert(string, string) {}
func (NoopRecorder) RecordLockTimeout(string) {}
func (NoopRecorder) SetValue(string, float64) {}

var (
	_ Recorder = (*KernelMetrics)(nil)
	_ Recorder = NoopRecorder{}
)
