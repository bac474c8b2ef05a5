package models

// validTransitions encodes the lifecycle state machine. A job moves
// queued → running → one of the terminal states, with rejected also
// reachable straight from queued (policy denial or cancellation before
// execution started). Terminal states absorb.
var validTransitions = map[string][]string{
	StateQueued:  {StateRunning, StateRejected},
	StateRunning: {StateSucceeded, StateFailed, StateTimedOut, StateRejected},
}

// IsTerminal reports whether no further transitions may leave the state.
func IsTerminal(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateTimedOut, StateRejected:
		return true
	}
	return false
}

// IsValidState reports whether the string is a known lifecycle state.
func IsValidState(state string) bool {
	switch state {
	case StateQueued, StateRunning:
		return true
	}
	return IsTerminal(state)
}

// CanTransition reports whether moving from one state to another is a
// legal step of the lifecycle.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalStateFor maps a backend result reason to the terminal state the
// orchestrator must record. Unknown reasons, including internal faults,
// map to failed.
func TerminalStateFor(reason string) string {
	switch reason {
	case ReasonOK:
		return StateSucceeded
	case ReasonTimeout:
		return StateTimedOut
	case ReasonBackendUnavailable:
		return StateRejected
	default:
		return StateFailed
	}
}
