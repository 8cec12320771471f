// Package buildstate tracks the lifecycle of a single build.
package buildstate

import (
	"fmt"
	"slices"
	"sync"
)

// State is a build lifecycle state.
type State string

const (
	NotStarted State = "NotStarted"
	Running    State = "Running"
	Finalizing State = "Finalizing"
	Cancelling State = "Cancelling"
	Completed  State = "Completed"
	Failed     State = "Failed"
	Cancelled  State = "Cancelled"
)

var transitions = map[State][]State{
	NotStarted: {Running},
	Running:    {Finalizing, Failed, Cancelling},
	Finalizing: {Completed, Failed, Cancelling},
	Cancelling: {Cancelled},
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case NotStarted, Running, Finalizing, Cancelling, Completed, Failed, Cancelled:
		return true
	}
	return false
}

// ExitCode maps a terminal state onto the process exit status.
func (s State) ExitCode() int {
	switch s {
	case Completed:
		return 0
	case Cancelled:
		return 130
	default:
		return 1
	}
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionError is returned for an illegal transition request. The state is
// left unchanged.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal build state transition %s -> %s", e.From, e.To)
}

// Snapshotter receives the new state after every successful transition.
type Snapshotter interface {
	SetState(string)
}

// Machine guards the current state. It is safe for concurrent use, but only
// the worker is expected to call Transition.
type Machine struct {
	mu       sync.Mutex
	current  State
	history  []State
	snapshot Snapshotter
	observer func(from, to State)
}

// New returns a machine in NotStarted. snapshot may be nil.
func New(snapshot Snapshotter) *Machine {
	m := &Machine{
		current:  NotStarted,
		history:  []State{NotStarted},
		snapshot: snapshot,
	}
	if snapshot != nil {
		snapshot.SetState(string(NotStarted))
	}
	return m
}

// OnTransition registers fn to run after each successful transition.
func (m *Machine) OnTransition(fn func(from, to State)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns every state the machine has been in, oldest first.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// Transition moves to the requested state or returns a *TransitionError.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	m.current = to
	m.history = append(m.history, to)
	if m.snapshot != nil {
		m.snapshot.SetState(string(to))
	}
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(from, to)
	}
	return nil
}
