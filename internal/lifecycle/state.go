// Package lifecycle is the canonical ledger of trade states. Every state
// change goes through Registry.Transition and is checked against the table
// below.
package lifecycle

import "strings"

type State string

const (
	StatePending     State = "PENDING"
	StateSubmitted   State = "SUBMITTED"
	StateWorking     State = "WORKING"
	StateFilled      State = "FILLED"
	StateOCOAttached State = "OCO_ATTACHED"
	StateClosed      State = "CLOSED"
	StateCancelled   State = "CANCELLED"
	StateRejected    State = "REJECTED"
	StateError       State = "ERROR"
)

var transitions = map[State][]State{
	StatePending:     {StateSubmitted, StateCancelled, StateError},
	StateSubmitted:   {StateWorking, StateFilled, StateRejected, StateError},
	StateWorking:     {StateFilled, StateCancelled, StateRejected, StateError},
	StateFilled:      {StateOCOAttached, StateClosed, StateError},
	StateOCOAttached: {StateClosed, StateError},
}

var allStates = []State{
	StatePending, StateSubmitted, StateWorking, StateFilled, StateOCOAttached,
	StateClosed, StateCancelled, StateRejected, StateError,
}

// ParseState accepts any casing.
func ParseState(raw string) (State, bool) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range allStates {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// IsTerminalState reports whether s has no outgoing transitions.
func IsTerminalState(s State) bool {
	switch s {
	case StateClosed, StateCancelled, StateRejected, StateError:
		return true
	default:
		return false
	}
}

func IsValidTransition(from, to State) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// ValidTargets returns a copy of the allowed next states.
func ValidTargets(from State) []State {
	return append([]State(nil), transitions[from]...)
}

// IsOpen reports whether the trade holds or may still acquire a position.
func IsOpen(s State) bool {
	return s == StateFilled || s == StateOCOAttached
}
