// Package presence publishes the user's online/away/offline state and typing
// indicators to the ephemeral store, and mirrors other users' typing into the
// local cache.
package presence

import (
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a presence status.
type State string

const (
	Online  State = "online"
	Away    State = "away"
	Offline State = "offline"
)

// next reports whether presence may move from s to to. Away is only reached
// from Online; everything can go Offline.
func (s State) next(to State) bool {
	switch to {
	case Online:
		return s == Offline || s == Away
	case Away:
		return s == Online
	case Offline:
		return s == Online || s == Away
	}
	return false
}

// Change is the payload of presence.changed.
type Change struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Machine holds the local user's presence.
type Machine struct {
	mu    sync.Mutex
	state State
	bus   *bus.Bus
}

// NewMachine starts Offline. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{state: Offline, bus: b}
}

func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition emits presence.changed on success.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !from.next(to) {
		return fmt.Errorf("presence: cannot go %s -> %s", from, to)
	}
	m.state = to
	if m.bus != nil {
		m.bus.Emit(bus.PresenceChanged, Change{From: from, To: to})
	}
	return nil
}
