package connection

import (
	"fmt"

	"github.com/vadiminshakov/subbridge/io/transport"
)

type stateMachine struct {
	currentState transport.State
	transitions  map[transport.State]map[transport.State]struct{}
}

var lifecycleTransitions = map[transport.State]map[transport.State]struct{}{
	transport.Disconnected: {
		transport.Connecting: struct{}{},
	},
	transport.Connecting: {
		transport.Connected:    struct{}{},
		transport.Disconnected: struct{}{},
	},
	transport.Connected: {
		transport.Disconnected: struct{}{},
	},
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		currentState: transport.Disconnected,
		transitions:  lifecycleTransitions,
	}
}

func (sm *stateMachine) Transition(nextState transport.State) error {
	if allowedStates, ok := sm.transitions[sm.currentState]; ok {
		if _, ok = allowedStates[nextState]; ok {
			sm.currentState = nextState
			return nil
		}
	}

	return fmt.Errorf("invalid state transition %s -> %s", sm.currentState, nextState)
}

func (sm *stateMachine) Current() transport.State {
	return sm.currentState
}
