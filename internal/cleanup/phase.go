package cleanup

import (
	"fmt"

	"github.com/tphakala/audiokernel/internal/recovery"
)

// Phase is a coarse shutdown stage
type Phase int

const (
	NotStarted Phase = iota
	Initiating
	StoppingCapture
	FlushingStorage
	ReleasingResources
	ClosingLogs
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Initiating:
		return "initiating"
	case StoppingCapture:
		return "stopping_capture"
	case FlushingStorage:
		return "flushing_storage"
	case ReleasingResources:
		return "releasing_resources"
	case ClosingLogs:
		return "closing_logs"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CanAdvance reports whether cleanup may move from -> to. Phases only move
// forward or stay put; NotStarted leads to Initiating, Completed is reached
// only from ClosingLogs, and Failed is reachable from any phase.
func CanAdvance(from, to Phase) bool {
	switch {
	case to == Failed:
		return true
	case from == Failed || from == Completed:
		return false
	case from == NotStarted:
		return to == Initiating
	case to == Completed:
		return from == ClosingLogs
	case to == NotStarted:
		return false
	default:
		return to >= from && to <= ClosingLogs
	}
}

// RecoveryState maps a phase onto the recovery state it corresponds to
func (p Phase) RecoveryState() recovery.State {
	switch p {
	case Initiating:
		return recovery.Initiating
	case StoppingCapture:
		return recovery.StoppingCapture
	case FlushingStorage:
		return recovery.FlushingBuffers
	case ReleasingResources:
		return recovery.Reinitializing
	case ClosingLogs:
		return recovery.Verifying
	case Completed:
		return recovery.Completed
	case Failed:
		return recovery.Failed
	default:
		return recovery.Idle
	}
}

// recoveryPath is the canonical walk through the recovery states
var recoveryPath = []recovery.State{
	recovery.Initiating,
	recovery.StoppingCapture,
	recovery.FlushingBuffers,
	recovery.Reinitializing,
	recovery.Verifying,
	recovery.Completed,
}

// rank returns the position of s on recoveryPath, folding the channel and
// verification variants onto their base state. Idle ranks -1.
func rank(s recovery.State) int {
	switch s {
	case recovery.Initiating:
		return 0
	case recovery.StoppingCapture, recovery.StoppingCaptureLeft, recovery.StoppingCaptureRight:
		return 1
	case recovery.FlushingBuffers, recovery.FlushingBuffersLeft, recovery.FlushingBuffersRight:
		return 2
	case recovery.Reinitializing:
		return 3
	case recovery.Verifying, recovery.VerifyingResources, recovery.VerifyingComponents:
		return 4
	case recovery.Completed:
		return 5
	default:
		return -1
	}
}
