package harness

import (
	"errors"
	"fmt"
)

// State of one in-flight chat request.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateContextBuilt  State = "CONTEXT_BUILT"
	StateModelCalled   State = "MODEL_CALLED"
	StateToolsResolved State = "TOOLS_RESOLVED"
	StateTranslated    State = "TRANSLATED"
	StatePersisted     State = "PERSISTED"
	StateComplete      State = "COMPLETE"
	StateFailed        State = "FAILED"
)

// ErrIllegalTransition is returned for transitions outside the request lifecycle.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateReceived:      {StateContextBuilt},
	StateContextBuilt:  {StateModelCalled},
	StateModelCalled:   {StateToolsResolved, StateTranslated},
	StateToolsResolved: {StateTranslated},
	StateTranslated:    {StatePersisted},
	StatePersisted:     {StateComplete},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// StateMachine tracks the lifecycle of one request. It is not safe for concurrent use.
type StateMachine struct {
	current State
	history []State
	onEnter func(from, to State)
}

// NewStateMachine starts in RECEIVED. onEnter, if set, runs after every transition.
func NewStateMachine(onEnter func(from, to State)) *StateMachine {
	return &StateMachine{current: StateReceived, history: []State{StateReceived}, onEnter: onEnter}
}

// Current returns the current state.
func (m *StateMachine) Current() State { return m.current }

// History returns every state entered, in order.
func (m *StateMachine) History() []State {
	return append([]State(nil), m.history...)
}

// Transition moves to next. FAILED is reachable from any non-terminal state.
func (m *StateMachine) Transition(next State) error {
	if m.current.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, m.current)
	}
	allowed := next == StateFailed
	for _, s := range transitions[m.current] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.current, next)
	}

	from := m.current
	m.current = next
	m.history = append(m.history, next)
	if m.onEnter != nil {
		m.onEnter(from, next)
	}
	return nil
}
