package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/heartline/internal/bus"
)

// Table lists, for every state, the states it may move to.
type Table[S ~string] map[S][]S

// Allows reports whether from -> to is a listed transition.
func (t Table[S]) Allows(from, to S) bool {
	return slices.Contains(t[from], to)
}

// Machine tracks and enforces state transitions against a Table and
// publishes every accepted change on the bus under Kind.
type Machine[S ~string] struct {
	mu      sync.RWMutex
	current S
	table   Table[S]
	bus     *bus.Bus
	kind    string
	scope   string
}

// NewMachine creates a machine in the initial state. kind is the bus event
// kind used for change notifications, e.g. "conn.state_changed".
func NewMachine[S ~string](initial S, table Table[S], b *bus.Bus, kind string) *Machine[S] {
	return &Machine[S]{
		current: initial,
		table:   table,
		bus:     b,
		kind:    kind,
	}
}

// WithScope tags every published change with an identifier (a call channel
// id, for instance) so subscribers can tell machines of the same kind apart.
func (m *Machine[S]) WithScope(scope string) *Machine[S] {
	m.scope = scope
	return m
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the current state is any of states.
func (m *Machine[S]) Is(states ...S) bool {
	return slices.Contains(states, m.Current())
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine[S]) Transition(to S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.table.Allows(m.current, to) {
		return &TransitionError{From: string(m.current), To: string(to)}
	}
	from := m.current
	m.current = to
	if m.bus != nil && m.kind != "" {
		m.bus.Emit(m.kind, Change{From: string(from), To: string(to), Scope: m.scope})
	}
	return nil
}

// Change is the payload for state change events.
type Change struct {
	From  string
	To    string
	Scope string
}

// TransitionError is returned for a move the table does not allow.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
