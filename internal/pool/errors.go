package pool

import "github.com/tphakala/audiokernel/internal/errors"

var (
	// ErrExhausted is returned when a tier is at its buffer cap with nothing free
	ErrExhausted = errors.NewStd("buffer pool exhausted")
	// ErrNoSuitableTier is returned when the request exceeds the largest tier
	ErrNoSuitableTier = errors.NewStd("no suitable buffer tier")
	// ErrInvalidSize is returned for non-positive sizes
	ErrInvalidSize = errors.NewStd("invalid buffer size")
	// ErrUnknownBuffer is returned when releasing a buffer the pool does not track
	ErrUnknownBuffer = errors.NewStd("unknown buffer")
	// ErrDoubleRelease is returned when a buffer is released twice
	ErrDoubleRelease = errors.NewStd("buffer already released")
	// ErrUnknownView is returned when releasing an unregistered view
	ErrUnknownView = errors.NewStd("unknown buffer view")
	// ErrInvalidRange is returned when a view does not fit its buffer
	ErrInvalidRange = errors.NewStd("view range out of bounds")
	// ErrNoCleanupScope is returned for staged releases outside a cleanup scope
	ErrNoCleanupScope = errors.NewStd("no cleanup scope open")
	// ErrClosed is returned after Close
	ErrClosed = errors.NewStd("buffer pool closed")
	// ErrInvariant is returned by CheckInvariants
	ErrInvariant = errors.NewStd("buffer pool invariant violated")
)
