package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/mtx/internal/bus"
)

// State represents the client's connectivity to the homeserver.
type State string

const (
	Booting    State = "BOOTING"
	Syncing    State = "SYNCING"
	NotSyncing State = "NOT_SYNCING"
	Stopped    State = "STOPPED"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Syncing, NotSyncing, Error, Stopped},
	Syncing:    {NotSyncing, Error, Stopped},
	NotSyncing: {Syncing, Error, Stopped},
	Error:      {Booting, Syncing, NotSyncing, Stopped},
	Stopped:    {},
}

// Machine tracks and enforces connectivity state transitions. The
// outbox pipeline pauses whenever the state leaves Syncing.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsSyncing reports whether the client currently has a live sync loop.
func (m *Machine) IsSyncing() bool {
	return m.Current() == Syncing
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Now("sync.status_changed", StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
