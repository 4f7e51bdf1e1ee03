package pair

import "sync"

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func nextState(current State, event Event) State {
	if event == EventAbort {
		switch current {
		case StateIdle, StateAborted:
			return current
		}
		return StateAborted
	}
	switch current {
	case StateIdle:
		if event == EventOpenShort {
			return StateOpeningShort
		}
	case StateOpeningShort:
		if event == EventShortOK {
			return StateOpeningLong
		}
	case StateOpeningLong:
		if event == EventLongOK {
			return StateArmed
		}
	case StateArmed:
		if event == EventTPSet {
			return StateMonitoring
		}
	case StateMonitoring:
		if event == EventClosed {
			return StateClosed
		}
	case StateClosed:
		if event == EventDone {
			return StateIdle
		}
	case StateAborted:
		if event == EventDone {
			return StateIdle
		}
	}
	return current
}
