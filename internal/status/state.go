package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/amigochat/amigo/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"   // dialing RPC endpoints
	Backfilling  State = "BACKFILLING"  // initial historical reads in flight
	Ready        State = "READY"        // live events flowing
	Reconnecting State = "RECONNECTING" // event subscription dropped
	Degraded     State = "DEGRADED"     // reads failing, serving cached data
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Error},
	Connecting:   {Backfilling, Reconnecting, Error},
	Backfilling:  {Ready, Degraded, Reconnecting, Error},
	Ready:        {Reconnecting, Degraded, Error},
	Reconnecting: {Connecting, Degraded, Error},
	Degraded:     {Connecting, Reconnecting, Ready, Error},
	Error:        {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
