package statemachine

import (
	"testing"

	"github.com/ocx/agentkernel/internal/kerr"
)

func TestLegalTransitionSequence(t *testing.T) {
	var events []TransitionEvent
	m := New("agent-1", func(e TransitionEvent) { events = append(events, e) })

	steps := []State{Ready, Running, Paused, Ready, Terminated}
	for _, to := range steps {
		if err := m.Transition(to, "test"); err != nil {
			t.Fatalf("unexpected error transitioning to %s: %v", to, err)
		}
	}

	if m.State() != Terminated {
		t.Fatalf("expected final state Terminated, got %s", m.State())
	}
	if len(events) != len(steps) {
		t.Fatalf("expected %d events, got %d", len(steps), len(events))
	}
	for i, e := range events {
		if e.SeqNum != uint64(i+1) {
			t.Fatalf("expected monotonic seq %d, got %d", i+1, e.SeqNum)
		}
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := New("agent-2", nil)
	err := m.Transition(Terminated, "skip-ahead")
	if err != nil {
		t.Fatalf("initializing->terminated should be legal: %v", err)
	}
	err = m.Transition(Running, "resurrect")
	if !kerr.Is(err, kerr.InvalidTransition) {
		t.Fatalf("expected InvalidTransition from terminated state, got %v", err)
	}
}

func TestNoTransitionsOutOfTerminated(t *testing.T) {
	for to := range map[State]bool{Initializing: true, Ready: true, Running: true, Paused: true, Error: true} {
		if CanTransition(Terminated, to) {
			t.Fatalf("terminated should have no outgoing transitions, but allows %s", to)
		}
	}
}
