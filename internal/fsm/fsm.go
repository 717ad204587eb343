// Package fsm provides a small mutex-guarded finite-state-machine value
// type used by SYNC's service-build/process/barrier phases and CPG's
// cpd_state. VOTEQUORUM's per-node state does not use it.
//
// Generalized from the teacher's ProcessState (a fixed 6-rung escalation
// ladder with Escalate/Decay) into an arbitrary directed transition table,
// so each engine supplies its own states and edges instead of a hardcoded
// ladder.
package fsm

import (
	"fmt"
	"sync"
)

// Transition names an edge out of a state. Edges are looked up by
// (current state, event) — the same "From → On" shape spec.md's CPG
// table uses.
type Transition[S comparable, E comparable] struct {
	From S
	On   E
}

// Table maps (state, event) to the resulting state. A missing entry means
// the event is not permitted from that state.
type Table[S comparable, E comparable] map[Transition[S, E]]S

// Machine is a thread-safe FSM instance over a Table.
type Machine[S comparable, E comparable] struct {
	mu      sync.Mutex
	table   Table[S, E]
	current S
}

// New creates a Machine starting in initial, driven by table.
func New[S comparable, E comparable](table Table[S, E], initial S) *Machine[S, E] {
	return &Machine[S, E]{table: table, current: initial}
}

// Current returns the machine's current state.
func (m *Machine[S, E]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ErrNoTransition is returned by Fire when no edge exists for (state, event).
type ErrNoTransition[S comparable, E comparable] struct {
	State S
	Event E
}

func (e *ErrNoTransition[S, E]) Error() string {
	return fmt.Sprintf("fsm: no transition for event %v in state %v", e.Event, e.State)
}

// Fire applies event to the machine. On success it returns the new state;
// on failure the machine is left unchanged and an *ErrNoTransition is
// returned so callers can map it to the spec's per-call error kind
// (e.g. ERR_EXIST, ERR_BUSY, ERR_NOT_EXIST).
func (m *Machine[S, E]) Fire(event E) (S, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.table[Transition[S, E]{From: m.current, On: event}]
	if !ok {
		return m.current, &ErrNoTransition[S, E]{State: m.current, Event: event}
	}
	m.current = next
	return m.current, nil
}

// Force sets the machine's state directly, bypassing the table. Used when
// a remote event (e.g. a delivered confchg) must move the machine without
// going through a local Fire call.
func (m *Machine[S, E]) Force(s S) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}

// CompareAndForce sets the machine to next only if it is currently want,
// returning whether the swap happened. Useful for idempotent remote
// transitions that must not clobber a state the machine has since left.
func (m *Machine[S, E]) CompareAndForce(want, next S) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != want {
		return false
	}
	m.current = next
	return true
}
