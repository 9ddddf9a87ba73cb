package server

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	stateInitializing = "initializing"
	stateSteady       = "steady"
	stateDraining     = "draining"
	stateClosed       = "closed"
)

var lifecycleTransitions = map[string]map[string]struct{}{
	stateInitializing: {
		stateSteady: struct{}{},
		stateClosed: struct{}{},
	},
	stateSteady: {
		stateDraining: struct{}{},
	},
	stateDraining: {
		stateClosed: struct{}{},
	},
}

type stateMachine struct {
	mu           sync.RWMutex
	currentState string
	transitions  map[string]map[string]struct{}
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		currentState: stateInitializing,
		transitions:  lifecycleTransitions,
	}
}

func (sm *stateMachine) Transition(nextState string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if allowedStates, ok := sm.transitions[sm.currentState]; ok {
		if _, ok = allowedStates[nextState]; ok {
			sm.currentState = nextState
			return nil
		}
	}

	return errors.Errorf("invalid state transition %s -> %s", sm.currentState, nextState)
}

func (sm *stateMachine) State() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return sm.currentState
}
