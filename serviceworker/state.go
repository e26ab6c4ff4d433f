package serviceworker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("serviceworker: registration not found")
	ErrInvalidState      = errors.New("serviceworker: invalid state")
	ErrInvalidTransition = errors.New("serviceworker: invalid state transition")
	ErrNotReady          = errors.New("serviceworker: container not ready")
)

// State is the lifecycle state of a registration.
type State int32

const (
	StateNone State = iota
	StateRegistering
	StateRegistered
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateError
)

var stateNames = [...]string{
	StateNone:        "none",
	StateRegistering: "registering",
	StateRegistered:  "registered",
	StateInstalling:  "installing",
	StateInstalled:   "installed",
	StateActivating:  "activating",
	StateActivated:   "activated",
	StateError:       "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// ParseState maps a state name reported by a worker script to a State.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateNone, fmt.Errorf("%w: %q", ErrInvalidState, name)
}

// CanTransition reports whether a registration may move from one state to
// another. Progress is forward only, skipping ahead is allowed, Error is
// reachable from anywhere and nothing leaves Error. Re-reporting the
// current state is accepted.
func CanTransition(from, to State) bool {
	switch {
	case to < StateNone || to > StateError:
		return false
	case from == to:
		return true
	case to == StateError:
		return true
	case from == StateError:
		return false
	case to == StateNone:
		return false
	default:
		return to > from
	}
}
