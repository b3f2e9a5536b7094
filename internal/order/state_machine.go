package order

import "fmt"

// State is one node of the order state machine (§4.6, §7).
type State string

const (
	StatePendingSubmit   State = "PENDING_SUBMIT"
	StateSubmitted       State = "SUBMITTED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCanceled        State = "CANCELED"
	StateRejected        State = "REJECTED"
)

// transitions enumerates every legal edge; anything absent is illegal.
var transitions = map[State]map[State]bool{
	StatePendingSubmit: {
		StateSubmitted: true,
		StateRejected:  true,
	},
	StateSubmitted: {
		StatePartiallyFilled: true,
		StateFilled:          true,
		StateCanceled:        true,
		StateRejected:        true,
	},
	StatePartiallyFilled: {
		StatePartiallyFilled: true, // additional partial fills
		StateFilled:          true,
		StateCanceled:        true,
	},
}

// Transition validates moving an order from `from` to `to`, rejecting any
// edge not in the table (e.g. FILLED -> SUBMITTED, or skipping straight from
// PENDING_SUBMIT to FILLED without an acknowledged SUBMITTED).
func Transition(from, to State) error {
	if from == to {
		return nil
	}
	if edges, ok := transitions[from]; ok && edges[to] {
		return nil
	}
	return fmt.Errorf("broker.illegal_state_transition: %s -> %s", from, to)
}

// IsTerminal reports whether a state admits no further transitions
// (FILLED, CANCELED, REJECTED).
func IsTerminal(s State) bool {
	return s == StateFilled || s == StateCanceled || s == StateRejected
}
