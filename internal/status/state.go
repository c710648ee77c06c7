// Package status holds the daemon lifecycle state machine.
package status

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a daemon lifecycle state.
type State string

const (
	Booting    State = "BOOTING"
	Connecting State = "CONNECTING"
	Preloading State = "PRELOADING"
	Ready      State = "READY"
	Offline    State = "OFFLINE"
	Error      State = "ERROR"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError reports a rejected transition.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// CanMoveTo reports whether the lifecycle allows s -> to. Any state may fail
// into Error except Error itself, which only restarts through Booting.
func (s State) CanMoveTo(to State) bool {
	if to == Error {
		return s != Error
	}
	switch s {
	case Booting:
		return to == Connecting || to == Offline
	case Connecting:
		return to == Preloading || to == Ready || to == Offline
	case Preloading:
		return to == Ready || to == Offline
	case Ready:
		return to == Offline
	case Offline:
		return to == Connecting
	case Error:
		return to == Booting
	}
	return false
}

// StatusChange is published as bus.DaemonStatusChanged.
type StatusChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Snapshot is the machine's state and when it was entered.
type Snapshot struct {
	State State     `json:"state"`
	Since time.Time `json:"since"`
}

// Machine serializes lifecycle transitions and announces them on the bus.
type Machine struct {
	mu    sync.RWMutex
	cur   Snapshot
	bus   *bus.Bus
	nowFn func() time.Time
}

// NewMachine starts in Booting. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	m := &Machine{bus: b, nowFn: time.Now}
	m.cur = Snapshot{State: Booting, Since: m.nowFn()}
	return m
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.State
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Transition moves to the given state or returns a *TransitionError leaving
// the state untouched. The event is published under the lock so subscribers
// see changes in order.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.cur.State
	if !from.CanMoveTo(to) {
		return &TransitionError{From: from, To: to}
	}
	now := m.nowFn()
	m.cur = Snapshot{State: to, Since: now}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.DaemonStatusChanged,
			Timestamp: now,
			Payload:   StatusChange{From: from, To: to, At: now},
		})
	}
	return nil
}
