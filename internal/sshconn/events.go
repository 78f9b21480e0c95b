// events.go implements connection event logging for the sshconn package.
//
// ConnectionEvents emitted by the Transport lifecycle (connected,
// disconnected, probe failure, eviction, reconnect) are stored in a
// per-target ring buffer (100 entries) for later retrieval and fanned out to
// registered listeners. This complements the state transition history in
// state.go: state.go tracks state changes, events.go tracks individual
// actions and their outcomes.

package sshconn

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events stored per target.
const eventBufferSize = 100

// ConnectionEventType defines the type of connection lifecycle event.
type ConnectionEventType string

const (
	EventConnected    ConnectionEventType = "connected"
	EventDisconnected ConnectionEventType = "disconnected"
	EventProbeFailed  ConnectionEventType = "probe_failed"
	EventEvicted      ConnectionEventType = "evicted"
	EventReconnected  ConnectionEventType = "reconnected"
)

// ConnectionEvent represents a connection lifecycle event.
type ConnectionEvent struct {
	Target    string              `json:"target"`
	Type      ConnectionEventType `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Details   string              `json:"details"`
}

// EventListener is a callback for connection lifecycle events.
// Listeners are called synchronously; long-running handlers should spawn goroutines.
type EventListener func(event ConnectionEvent)

// eventBuffer is a fixed-size ring buffer of ConnectionEvents for one target.
type eventBuffer struct {
	events [eventBufferSize]ConnectionEvent
	head   int // next write position
	count  int // total entries written (capped at buffer size for reads)
}

// record adds an event to the ring buffer.
func (b *eventBuffer) record(event ConnectionEvent) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events in chronological order (oldest first).
func (b *eventBuffer) history() []ConnectionEvent {
	if b.count == 0 {
		return nil
	}

	result := make([]ConnectionEvent, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		// Buffer is full; head is the oldest entry.
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

// eventLog manages per-target event ring buffers and listeners.
type eventLog struct {
	mu        sync.RWMutex
	buffers   map[string]*eventBuffer
	listeners []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{
		buffers: make(map[string]*eventBuffer),
	}
}

// record stores an event and notifies listeners.
func (el *eventLog) record(event ConnectionEvent) {
	el.mu.Lock()
	buf, ok := el.buffers[event.Target]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[event.Target] = buf
	}
	buf.record(event)

	// Copy listeners under lock, invoke outside lock
	listeners := make([]EventListener, len(el.listeners))
	copy(listeners, el.listeners)
	el.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

// getEvents returns the event history for a target in chronological order.
func (el *eventLog) getEvents(target string) []ConnectionEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()

	buf, ok := el.buffers[target]
	if !ok {
		return nil
	}
	return buf.history()
}

// getAllEvents returns event histories for all tracked targets.
func (el *eventLog) getAllEvents() map[string][]ConnectionEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()

	result := make(map[string][]ConnectionEvent, len(el.buffers))
	for target, buf := range el.buffers {
		if events := buf.history(); events != nil {
			result[target] = events
		}
	}
	return result
}

// onEvent registers a listener for connection events.
func (el *eventLog) onEvent(listener EventListener) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.listeners = append(el.listeners, listener)
}

// remove deletes all event history for a target.
func (el *eventLog) remove(target string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.buffers, target)
}

// Emit records a connection event and notifies registered listeners.
func (m *Monitor) Emit(event ConnectionEvent) {
	m.events.record(event)
}

// OnEvent registers a listener for connection lifecycle events.
func (m *Monitor) OnEvent(listener EventListener) {
	m.events.onEvent(listener)
}

// Events returns the connection event history for a target,
// in chronological order (oldest first). Up to 100 events are retained.
func (m *Monitor) Events(target string) []ConnectionEvent {
	return m.events.getEvents(target)
}

// AllEvents returns connection event histories for all tracked targets.
func (m *Monitor) AllEvents() map[string][]ConnectionEvent {
	return m.events.getAllEvents()
}
