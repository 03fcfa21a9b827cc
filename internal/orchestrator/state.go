package orchestrator

import (
	"fmt"

	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
)

// State is the engine's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

var allowedTransitions = map[State][]State{
	StateIdle:     {StateRunning},
	StateRunning:  {StatePaused, StateStopping, StateIdle, StateError},
	StatePaused:   {StateRunning, StateStopping, StateIdle, StateError},
	StateStopping: {StateStopped},
}

// CanTransition reports whether from -> to is a legal edge. Running -> Idle
// is the clean completion of a session.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to. It returns an error wrapping
// failure.ErrInvalidStateTransition for illegal edges.
func Transition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", failure.ErrInvalidStateTransition, from, to)
	}
	return nil
}
