package order

import "testing"

func TestTransition_LegalPath(t *testing.T) {
	steps := []State{StatePendingSubmit, StateSubmitted, StatePartiallyFilled, StateFilled}
	for i := 1; i < len(steps); i++ {
		if err := Transition(steps[i-1], steps[i]); err != nil {
			t.Fatalf("expected %s -> %s to be legal, got %v", steps[i-1], steps[i], err)
		}
	}
}

func TestTransition_RejectsSkippingAcknowledgement(t *testing.T) {
	if err := Transition(StatePendingSubmit, StateFilled); err == nil {
		t.Fatalf("expected PENDING_SUBMIT -> FILLED to be illegal")
	}
}

func TestTransition_RejectsLeavingTerminalState(t *testing.T) {
	if err := Transition(StateFilled, StateSubmitted); err == nil {
		t.Fatalf("expected FILLED -> SUBMITTED to be illegal")
	}
	if err := Transition(StateRejected, StateSubmitted); err == nil {
		t.Fatalf("expected REJECTED -> SUBMITTED to be illegal")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []State{StateFilled, StateCanceled, StateRejected} {
		if !IsTerminal(s) {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if IsTerminal(StateSubmitted) {
		t.Fatalf("expected SUBMITTED not to be terminal")
	}
}
