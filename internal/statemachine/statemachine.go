// Package statemachine implements the Agent lifecycle state machine.
// Grounded on the teacher's Session state enum and monotonic
// SequenceNum (internal/protocol/session.go): the state-enum +
// mutex-guarded struct shape is kept, generalized from session
// NEW/ACTIVE/SUSPENDED/TERMINATING/TERMINATED to the kernel's six
// agent states and their transition table, with every transition
// recorded as an audit event instead of returning silently.
package statemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/ocx/agentkernel/internal/kerr"
)

// State is one of the agent's six lifecycle states.
type State string

const (
	Initializing State = "initializing"
	Ready        State = "ready"
	Running      State = "running"
	Paused       State = "paused"
	Error        State = "error"
	Terminated   State = "terminated"
)

// transitions enumerates every legal State -> State move.
var transitions = map[State]map[State]bool{
	Initializing: {Ready: true, Error: true, Terminated: true},
	Ready:        {Running: true, Paused: true, Error: true, Terminated: true},
	Running:      {Ready: true, Paused: true, Error: true, Terminated: true},
	Paused:       {Ready: true, Error: true, Terminated: true},
	Error:        {Ready: true, Terminated: true},
	Terminated:   {},
}

// CanTransition reports whether moving from -> to is legal.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// TransitionEvent is the audit record appended on every transition.
type TransitionEvent struct {
	AgentID  string
	SeqNum   uint64
	From     State
	To       State
	Trigger  string
	At       time.Time
}

// Machine tracks one agent's current state and sequence number.
type Machine struct {
	mu      sync.RWMutex
	agentID string
	state   State
	seq     uint64
	onEvent func(TransitionEvent)
}

// New constructs a Machine starting in Initializing. onEvent may be
// nil; when set it is invoked synchronously after every successful
// transition.
func New(agentID string, onEvent func(TransitionEvent)) *Machine {
	if onEvent == nil {
		onEvent = func(TransitionEvent) {}
	}
	return &Machine{agentID: agentID, state: Initializing, onEvent: onEvent}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SeqNum returns the number of transitions applied so far.
func (m *Machine) SeqNum() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// Transition attempts to move the machine to `to`, recording `trigger`
// as the reason. Returns kerr.InvalidTransition if the move is not
// legal from the current state.
func (m *Machine) Transition(to State, trigger string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !transitions[from][to] {
		return kerr.New(kerr.InvalidTransition, fmt.Sprintf("agent %s: %s -> %s is not a legal transition", m.agentID, from, to))
	}

	m.state = to
	m.seq++
	event := TransitionEvent{
		AgentID: m.agentID,
		SeqNum:  m.seq,
		From:    from,
		To:      to,
		Trigger: trigger,
		At:      time.Now(),
	}
	m.onEvent(event)
	return nil
}
