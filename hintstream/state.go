package hintstream

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidTransition = errors.New("invalid connection state transition")

type StateKind uint8

const (
	StateConnecting StateKind = iota
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (k StateKind) String() string {
	switch k {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// State is the connection state of a subscription. Attempt is only set while reconnecting and counts the
// reconnect attempts since the connection was lost, starting at 1.
type State struct {
	Kind    StateKind
	Attempt int
}

func (s State) String() string {
	if s.Kind == StateReconnecting {
		return fmt.Sprintf("reconnecting{attempt=%d}", s.Attempt)
	}
	return s.Kind.String()
}

// Terminal states have no outgoing transitions.
func (s State) Terminal() bool {
	return s.Kind == StateFailed || s.Kind == StateClosed
}

var transitions = map[StateKind][]StateKind{
	StateConnecting:   {StateConnected, StateReconnecting, StateFailed, StateClosed},
	StateConnected:    {StateReconnecting, StateFailed, StateClosed},
	StateReconnecting: {StateConnected, StateReconnecting, StateFailed, StateClosed},
}

// validTransition checks the transition table. Reconnect attempts must be numbered consecutively while
// reconnecting. A connection that dropped before it was usable continues the count of the attempt that
// opened it, so leaving Connected may resume at any attempt.
func validTransition(from, to State) bool {
	allowed := false
	for _, k := range transitions[from.Kind] {
		if k == to.Kind {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if to.Kind == StateReconnecting {
		switch from.Kind {
		case StateReconnecting:
			return to.Attempt == from.Attempt+1
		case StateConnected:
			return to.Attempt >= 1
		default:
			return to.Attempt == 1
		}
	}
	return to.Attempt == 0
}

type stateMachine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !validTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}
