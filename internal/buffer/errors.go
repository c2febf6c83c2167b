package buffer

import "github.com/tphakala/audiokernel/internal/errors"

var (
	// ErrQueueFull is returned when a put times out on a full queue
	ErrQueueFull = errors.NewStd("queue full")
	// ErrQueueEmpty is returned when a get times out on an empty queue
	ErrQueueEmpty = errors.NewStd("queue empty")
	// ErrOutsideBracket is returned when a bracketed operation runs outside BeginAtomicUpdate/End
	ErrOutsideBracket = errors.NewStd("operation outside atomic update bracket")
	// ErrFlushing is returned for puts into a queue that is being flushed or whose stage is paused
	ErrFlushing = errors.NewStd("queue not accepting data")
	// ErrUnknownQueue is returned for invalid queue identifiers
	ErrUnknownQueue = errors.NewStd("unknown queue")
	// ErrEmptyPayload is returned when putting zero bytes
	ErrEmptyPayload = errors.NewStd("empty payload")
	// ErrNotDrained is returned when queues still hold data after a flush
	ErrNotDrained = errors.NewStd("queues not drained")
	// ErrClosed is returned after Close
	ErrClosed = errors.NewStd("buffer manager closed")
)
