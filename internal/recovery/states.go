package recovery

import (
	"fmt"
	"slices"
	"strings"
)

// State is a recovery state
type State int

const (
	Idle State = iota
	Initiating
	StoppingCapture
	StoppingCaptureLeft
	StoppingCaptureRight
	FlushingBuffers
	FlushingBuffersLeft
	FlushingBuffersRight
	Reinitializing
	Verifying
	VerifyingResources
	VerifyingComponents
	Completed
	Failed
	stateCount
)

// States lists every state
var States = []State{
	Idle, Initiating,
	StoppingCapture, StoppingCaptureLeft, StoppingCaptureRight,
	FlushingBuffers, FlushingBuffersLeft, FlushingBuffersRight,
	Reinitializing,
	Verifying, VerifyingResources, VerifyingComponents,
	Completed, Failed,
}

var stateNames = [stateCount]string{
	Idle:                 "idle",
	Initiating:           "initiating",
	StoppingCapture:      "stopping_capture",
	StoppingCaptureLeft:  "stopping_capture_left",
	StoppingCaptureRight: "stopping_capture_right",
	FlushingBuffers:      "flushing_buffers",
	FlushingBuffersLeft:  "flushing_buffers_left",
	FlushingBuffersRight: "flushing_buffers_right",
	Reinitializing:       "reinitializing",
	Verifying:            "verifying",
	VerifyingResources:   "verifying_resources",
	VerifyingComponents:  "verifying_components",
	Completed:            "completed",
	Failed:               "failed",
}

func (s State) String() string {
	if s >= 0 && s < stateCount {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState converts a state name back to a State
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range States {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown recovery state %q", name)
}

// adjacency lists the legal targets of each state, Failed excluded.
// Failed is reachable from everywhere and leads only to Idle.
var adjacency = map[State][]State{
	Idle:                 {Initiating},
	Initiating:           {StoppingCapture, StoppingCaptureLeft, StoppingCaptureRight},
	StoppingCapture:      {FlushingBuffers, StoppingCaptureLeft, StoppingCaptureRight},
	StoppingCaptureLeft:  {StoppingCaptureRight, FlushingBuffers, FlushingBuffersLeft},
	StoppingCaptureRight: {StoppingCaptureLeft, FlushingBuffers, FlushingBuffersRight},
	FlushingBuffers:      {Reinitializing, FlushingBuffersLeft, FlushingBuffersRight},
	FlushingBuffersLeft:  {FlushingBuffersRight, Reinitializing},
	FlushingBuffersRight: {FlushingBuffersLeft, Reinitializing},
	Reinitializing:       {Verifying},
	Verifying:            {VerifyingResources, VerifyingComponents, Completed},
	VerifyingResources:   {VerifyingComponents, Completed},
	VerifyingComponents:  {VerifyingResources, Completed},
	Completed:            {Idle},
	Failed:               {Idle},
}

// CanTransition reports whether from -> to is in the adjacency table.
// Any state may move to Failed.
func CanTransition(from, to State) bool {
	if to == Failed {
		return from >= 0 && from < stateCount
	}
	return slices.Contains(adjacency[from], to)
}

// Targets returns the legal targets of from, Failed last
func Targets(from State) []State {
	out := slices.Clone(adjacency[from])
	return append(out, Failed)
}

// IsTerminal reports whether s ends a recovery session
func (s State) IsTerminal() bool {
	return s == Completed || s == Failed
}
