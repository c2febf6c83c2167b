package component

import (
	"fmt"
	"slices"
)

// State is a component lifecycle state
type State int

const (
	Uninitialized State = iota
	Initializing
	Idle
	Running
	Paused
	StoppingCapture
	Stopping
	Stopped
	Error
	Recovering
	stateCount
)

var stateNames = [stateCount]string{
	Uninitialized:   "uninitialized",
	Initializing:    "initializing",
	Idle:            "idle",
	Running:         "running",
	Paused:          "paused",
	StoppingCapture: "stopping_capture",
	Stopping:        "stopping",
	Stopped:         "stopped",
	Error:           "error",
	Recovering:      "recovering",
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

var transitions = map[State][]State{
	Uninitialized:   {Initializing},
	Initializing:    {Idle, Running, Error, Stopped},
	Idle:            {Running, Stopping, Error, Stopped},
	Running:         {Paused, Stopping, StoppingCapture, Error},
	Paused:          {Running, Stopping, Error},
	StoppingCapture: {Stopping, Stopped, Error},
	Stopping:        {Stopped, Error},
	Stopped:         {Initializing},
	Error:           {Recovering, Stopping, Stopped, Initializing},
	Recovering:      {Initializing, Running, Error, Stopped},
}

// CanTransition reports whether a component may move from -> to
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// IsTerminal reports whether s is excluded from health verification
func (s State) IsTerminal() bool {
	return s == Stopped
}
