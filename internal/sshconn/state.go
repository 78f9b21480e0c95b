// state.go implements connection state tracking for the sshconn package.
//
// Each target has a ConnectionState (Disconnected, Connecting, Connected,
// Failed) that is updated by the Transport lifecycle. State transitions are
// recorded in a per-target ring buffer (50 entries) for debugging, and
// registered callbacks are invoked on every state change so the GUI layer
// can reflect connectivity.

package sshconn

import (
	"sync"
	"time"
)

// ConnectionState represents the current state of a target's SSH connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the human-readable name of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stateTransitionBufferSize is the maximum number of state transitions stored
// per target for debugging.
const stateTransitionBufferSize = 50

// StateTransition records a single state change for debugging.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called when a connection state changes.
// Callbacks are invoked synchronously; long-running handlers should spawn goroutines.
type StateChangeCallback func(target string, from, to ConnectionState)

// stateEntry tracks the current state and transition history for one target.
type stateEntry struct {
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition // fixed-size ring buffer
	head        int                                        // next write position
	count       int                                        // total entries written (capped at buffer size for reads)
}

// record adds a state transition to the ring buffer.
func (e *stateEntry) record(from, to ConnectionState, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns the state transitions in chronological order.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}

	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		// Buffer not yet full; entries start at index 0.
		copy(result, e.transitions[:e.count])
	} else {
		// Buffer is full; head is the oldest entry.
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

// stateTracker manages per-target connection state, transition history,
// and state change callbacks.
type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states: make(map[string]*stateEntry),
	}
}

// getOrCreate returns the state entry for a target, creating it if needed.
// Caller must hold st.mu (write lock).
func (st *stateTracker) getOrCreate(target string) *stateEntry {
	entry, ok := st.states[target]
	if !ok {
		entry = &stateEntry{current: StateDisconnected}
		st.states[target] = entry
	}
	return entry
}

// setState updates the connection state for a target, records the transition,
// and invokes callbacks. If the state is unchanged, this is a no-op.
func (st *stateTracker) setState(target string, state ConnectionState, reason string) {
	st.mu.Lock()
	entry := st.getOrCreate(target)
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.record(from, state, reason)

	// Copy callbacks under lock, invoke outside lock
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(target, from, state)
	}
}

// getState returns the current connection state for a target.
// Returns StateDisconnected if the target has no tracked state.
func (st *stateTracker) getState(target string) ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[target]
	if !ok {
		return StateDisconnected
	}
	return entry.current
}

// getTransitions returns the state transition history for a target
// in chronological order (oldest first).
func (st *stateTracker) getTransitions(target string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[target]
	if !ok {
		return nil
	}
	return entry.history()
}

// onStateChange registers a callback for state changes.
func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// remove deletes all state tracking for a target.
func (st *stateTracker) remove(target string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, target)
}

// Monitor aggregates connection state tracking and the connection event log.
// One Monitor is shared by all transports a pool creates; the diagnostics
// server reads from it.
type Monitor struct {
	states *stateTracker
	events *eventLog
}

// NewMonitor creates an initialized Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		states: newStateTracker(),
		events: newEventLog(),
	}
}

// SetState updates the connection state for a target.
// Triggers registered state change callbacks and records the transition.
func (m *Monitor) SetState(target string, state ConnectionState, reason string) {
	m.states.setState(target, state, reason)
}

// State returns the current connection state for a target.
func (m *Monitor) State(target string) ConnectionState {
	return m.states.getState(target)
}

// Transitions returns the recent state transition history for a target,
// in chronological order (oldest first). Up to 50 transitions are retained.
func (m *Monitor) Transitions(target string) []StateTransition {
	return m.states.getTransitions(target)
}

// OnStateChange registers a callback that is invoked on every connection
// state change. Callbacks are called synchronously; long-running handlers
// should spawn goroutines.
func (m *Monitor) OnStateChange(cb StateChangeCallback) {
	m.states.onStateChange(cb)
}

// Remove deletes all state and event history for a target.
func (m *Monitor) Remove(target string) {
	m.states.remove(target)
	m.events.remove(target)
}
