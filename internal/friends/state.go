package friends

import (
	"fmt"
	"sync"
)

// State is the friend-request state for the current match.
type State string

const (
	StateNone     State = "none"
	StateSent     State = "sent"
	StateReceived State = "received"
	StateAccepted State = "accepted"
	StateDeclined State = "declined"
)

// Machine tracks the friend-request handshake with the current partner.
// Accepted and Declined are sticky: once reached, only a match reset (or an
// unfriend for Accepted) leaves them. Safe for concurrent use.
type Machine struct {
	mu          sync.Mutex
	state       State
	requesterID string
}

// NewMachine starts in StateNone.
func NewMachine() *Machine {
	return &Machine{state: StateNone}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RequesterID returns the user ID of the partner whose inbound request is
// pending, or "" when no request is pending.
func (m *Machine) RequesterID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requesterID
}

// MarkSent records that we sent a request. Valid only from StateNone.
func (m *Machine) MarkSent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateNone {
		return fmt.Errorf("cannot send friend request in state %q", m.state)
	}
	m.state = StateSent
	return nil
}

// MarkReceived records an inbound request from the given partner. Valid only
// from StateNone; a duplicate or out-of-order request is an error the caller
// logs and drops.
func (m *Machine) MarkReceived(requesterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateNone {
		return fmt.Errorf("unexpected friend request in state %q", m.state)
	}
	m.state = StateReceived
	m.requesterID = requesterID
	return nil
}

// MarkAccepted moves to Accepted, either because we accepted an inbound
// request or the partner accepted ours.
func (m *Machine) MarkAccepted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSent && m.state != StateReceived {
		return fmt.Errorf("cannot accept in state %q", m.state)
	}
	m.state = StateAccepted
	m.requesterID = ""
	return nil
}

// MarkDeclined moves to Declined. Sticky until the next match reset.
func (m *Machine) MarkDeclined() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSent && m.state != StateReceived {
		return fmt.Errorf("cannot decline in state %q", m.state)
	}
	m.state = StateDeclined
	m.requesterID = ""
	return nil
}

// Unfriended returns to StateNone after a confirmed unfriend. A no-op unless
// currently Accepted.
func (m *Machine) Unfriended() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAccepted {
		m.state = StateNone
	}
}

// ResetForMatch unconditionally resets for a new partner: StateAccepted when
// the match payload says the pair are already friends, StateNone otherwise.
func (m *Machine) ResetForMatch(alreadyFriends bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requesterID = ""
	if alreadyFriends {
		m.state = StateAccepted
	} else {
		m.state = StateNone
	}
}
