// Package sshbridge adapts SSH channels into sequential, cancellable
// send/receive primitives.
//
// A Bridge wraps one logical sub-channel of a Transport (a one-shot command
// execution, a long-lived interactive shell, or a tunneled outbound TCP
// stream) and exposes it as Send for writes plus per-consumer Recv sequences
// for reads. Output is multicast to every attached consumer, and output
// arriving before any consumer has attached is held in a bounded backlog
// that is flushed, in order, to the first consumer. Consumers that attach
// later only see output from that point on.
//
// Termination is idempotent and deterministic: Terminate (or the remote side
// closing the channel) ends every consumer's sequence, cleanly with io.EOF
// or with the triggering error, and makes further sends fail.
package sshbridge

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// defaultBacklogLimit bounds the pre-attach backlog (1 MB).
const defaultBacklogLimit = 1024 * 1024

// State describes the lifecycle of a bridge.
type State int

const (
	StateNew State = iota
	StateActive
	StateTerminated
)

// String returns the human-readable name of the bridge state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "not-started"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Bridge is one logical sub-channel exposed as send/receive primitives.
type Bridge struct {
	id string

	mu           sync.Mutex
	state        State
	backlog      []byte // output seen before the first consumer attached
	backlogLimit int
	attached     bool // a consumer has attached at least once
	subs         map[int]*Consumer
	nextSub      int
	err          error // termination cause; nil for clean termination

	writer  io.Writer    // channel stdin / tunneled stream
	closeFn func() error // closes the underlying channel

	done chan struct{}
}

// newBridge creates a bridge over the given writer and close function.
// backlogLimit <= 0 uses the default.
func newBridge(writer io.Writer, closeFn func() error, backlogLimit int) *Bridge {
	if backlogLimit <= 0 {
		backlogLimit = defaultBacklogLimit
	}
	return &Bridge{
		id:           uuid.New().String(),
		state:        StateNew,
		backlogLimit: backlogLimit,
		subs:         make(map[int]*Consumer),
		writer:       writer,
		closeFn:      closeFn,
		done:         make(chan struct{}),
	}
}

// ID returns the bridge's unique identifier.
func (b *Bridge) ID() string { return b.id }

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done returns a channel closed when the bridge terminates.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Err returns the termination cause, or nil if the bridge terminated cleanly
// or is still active.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// activate marks the bridge active. Called once the underlying channel has
// been accepted by the remote side.
func (b *Bridge) activate() {
	b.mu.Lock()
	if b.state == StateNew {
		b.state = StateActive
	}
	b.mu.Unlock()
}

// Send writes bytes to the channel. It fails immediately if the bridge has
// terminated, and honors ctx cancellation before attempting the write.
func (b *Bridge) Send(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.state == StateTerminated {
		cause := b.err
		b.mu.Unlock()
		if cause != nil {
			return fmt.Errorf("bridge %s terminated: %w", b.id, cause)
		}
		return fmt.Errorf("bridge %s terminated", b.id)
	}
	w := b.writer
	b.mu.Unlock()

	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("bridge %s write: %w", b.id, err)
	}
	return nil
}

// deliver multicasts a chunk of channel output to all attached consumers.
// With no consumer attached yet, the chunk joins the backlog; the backlog is
// trimmed from the front if it outgrows its limit, so the most recent output
// survives.
func (b *Bridge) deliver(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	if b.state == StateTerminated {
		b.mu.Unlock()
		return
	}

	if len(b.subs) == 0 {
		b.backlog = append(b.backlog, p...)
		if len(b.backlog) > b.backlogLimit {
			b.backlog = b.backlog[len(b.backlog)-b.backlogLimit:]
		}
		b.mu.Unlock()
		return
	}

	subs := make([]*Consumer, 0, len(b.subs))
	for _, c := range b.subs {
		subs = append(subs, c)
	}
	b.mu.Unlock()

	// Copy once; consumers never mutate delivered chunks.
	chunk := make([]byte, len(p))
	copy(chunk, p)
	for _, c := range subs {
		c.push(chunk)
	}
}

// Subscribe attaches a new output consumer. The first consumer receives any
// backlogged pre-attach output as its first chunk; later consumers only see
// output delivered after they attach. Subscribing to a terminated bridge
// yields a consumer whose sequence ends immediately.
func (b *Bridge) Subscribe() *Consumer {
	c := &Consumer{notify: make(chan struct{}, 1)}

	b.mu.Lock()
	if b.state == StateTerminated {
		cause := b.err
		b.mu.Unlock()
		c.close(cause)
		return c
	}

	if !b.attached {
		b.attached = true
		if len(b.backlog) > 0 {
			c.queue = append(c.queue, b.backlog)
			b.backlog = nil
		}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = c
	c.detach = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	b.mu.Unlock()

	return c
}

// Terminate ends the bridge cleanly: the underlying channel is closed, every
// attached consumer's sequence ends with io.EOF, and further sends fail.
// Idempotent.
func (b *Bridge) Terminate() error {
	return b.finish(nil)
}

// finish terminates the bridge with the given cause (nil for clean).
// Only the first call has effect.
func (b *Bridge) finish(cause error) error {
	b.mu.Lock()
	if b.state == StateTerminated {
		b.mu.Unlock()
		return nil
	}
	b.state = StateTerminated
	b.err = cause
	subs := make([]*Consumer, 0, len(b.subs))
	for _, c := range b.subs {
		subs = append(subs, c)
	}
	b.subs = make(map[int]*Consumer)
	closeFn := b.closeFn
	b.mu.Unlock()

	var closeErr error
	if closeFn != nil {
		closeErr = closeFn()
	}

	for _, c := range subs {
		c.close(cause)
	}
	close(b.done)

	if closeErr != nil && closeErr != io.EOF {
		return fmt.Errorf("close bridge %s: %w", b.id, closeErr)
	}
	return nil
}

// Consumer is a single-pass, non-restartable sequence of output chunks.
type Consumer struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	err    error // nil means the sequence ended cleanly

	notify chan struct{} // signaled (non-blocking) when the queue or state changes
	detach func()
}

// push appends a chunk and wakes a waiting Recv.
func (c *Consumer) push(p []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// close ends the sequence after any already-queued chunks are drained.
func (c *Consumer) close(cause error) {
	c.mu.Lock()
	c.closed = true
	c.err = cause
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Recv returns the next output chunk, suspending until data arrives, the
// sequence ends, or ctx is cancelled. A cleanly ended sequence returns
// io.EOF; a sequence ended by a transport error returns that error. Chunks
// already delivered before termination are drained first.
func (c *Consumer) Recv(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return p, nil
		}
		if c.closed {
			err := c.err
			c.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.notify:
		}
	}
}

// Close detaches the consumer from its bridge. The bridge and other
// consumers are unaffected.
func (c *Consumer) Close() {
	if c.detach != nil {
		c.detach()
	}
	c.close(nil)
}
