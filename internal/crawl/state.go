package crawl

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a lifecycle request is not valid
// from the controller's current state.
var ErrInvalidTransition = errors.New("invalid crawl state transition")

// State is the lifecycle state of a crawl. Exactly one is active at a time.
type State int32

// Crawl lifecycle states.
const (
	StateNascent State = iota
	StatePreparing
	StateStarted
	StateRunning
	StatePausing
	StatePaused
	StateCheckpointing
	StateStopping
	StateFinished
)

var stateNames = [...]string{
	StateNascent:       "NASCENT",
	StatePreparing:     "PREPARING",
	StateStarted:       "STARTED",
	StateRunning:       "RUNNING",
	StatePausing:       "PAUSING",
	StatePaused:        "PAUSED",
	StateCheckpointing: "CHECKPOINTING",
	StateStopping:      "STOPPING",
	StateFinished:      "FINISHED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further lifecycle requests apply.
func (s State) Terminal() bool {
	return s == StateStopping || s == StateFinished
}

// ParseState maps a state name back to its value.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateNascent, fmt.Errorf("unknown crawl state %q", name)
}

// TransitionError wraps ErrInvalidTransition with the offending request.
func TransitionError(request string, from State) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, request, from)
}

// ExitClass records why a crawl stopped.
type ExitClass string

// Exit classifications.
const (
	ExitFinished   ExitClass = "finished"
	ExitAborted    ExitClass = "aborted"
	ExitDataLimit  ExitClass = "data-limit"
	ExitDocLimit   ExitClass = "doc-limit"
	ExitTimeLimit  ExitClass = "time-limit"
	ExitWriteLimit ExitClass = "write-limit"
	ExitAbnormal   ExitClass = "abnormal"
)

// Valid reports whether the classification is one of the known values.
func (e ExitClass) Valid() bool {
	switch e {
	case ExitFinished, ExitAborted, ExitDataLimit, ExitDocLimit,
		ExitTimeLimit, ExitWriteLimit, ExitAbnormal:
		return true
	default:
		return false
	}
}
