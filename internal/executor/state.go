// Package executor defines the contract every backend executor satisfies:
// lifecycle states, the observable record, submission schemas and the
// error taxonomy shared by the broker.
package executor

import "fmt"

// State is the lifecycle state of an application.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StateOngoing    State = "ongoing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateError      State = "error"
	StateTerminated State = "terminated"
	StateNotFound   State = "not_found"
)

var transitions = map[State][]State{
	StateCreated:  {StateRunning, StateError, StateTerminated},
	StateRunning:  {StateOngoing, StateError, StateFailed, StateTerminated},
	StateOngoing:  {StateCompleted, StateFailed, StateError, StateTerminated, StateNotFound},
	StateNotFound: {StateOngoing, StateCompleted, StateFailed, StateError, StateTerminated},
}

// ParseState converts a persisted string into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown state %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateRunning, StateOngoing, StateCompleted,
		StateFailed, StateError, StateTerminated, StateNotFound:
		return true
	}
	return false
}

// Terminal reports whether the application is no longer progressing.
// not_found counts as terminal but may still be revised by a later poll.
func (s State) Terminal() bool {
	return s.Settled() || s == StateNotFound
}

// Settled reports whether s is a hard terminal state that can never change.
func (s State) Settled() bool {
	switch s {
	case StateCompleted, StateFailed, StateError, StateTerminated:
		return true
	}
	return false
}

// Active reports whether the backend is (or is about to be) doing work.
func (s State) Active() bool {
	return s == StateRunning || s == StateOngoing
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// A self-transition is always legal and is treated as a no-op by callers.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
