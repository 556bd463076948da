package swcache

import (
	"fmt"
	"strings"
)

// LifecycleState is the state of one installed cache version.
type LifecycleState string

const (
	StateNone       LifecycleState = ""
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActivating LifecycleState = "activating"
	StateActive     LifecycleState = "active"
	// StateRedundant is terminal: a failed install, or an active version superseded
	// by a newer one.
	StateRedundant LifecycleState = "redundant"
)

var allowedTransitions = map[LifecycleState][]LifecycleState{
	StateNone:       {StateInstalling},
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActive},
	StateActive:     {StateRedundant},
}

func ParseLifecycleState(raw string) (LifecycleState, error) {
	state := LifecycleState(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := allowedTransitions[state]; ok || state == StateRedundant {
		return state, nil
	}
	return StateNone, fmt.Errorf("%w: %q", ErrInvalidState, raw)
}

func CanTransition(from, to LifecycleState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns to when the move is allowed.
func Transition(from, to LifecycleState) (LifecycleState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	return to, nil
}
