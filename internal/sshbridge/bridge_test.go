package sshbridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// collectingWriter records everything sent through the bridge.
type collectingWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

func (w *collectingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	return w.buf.Write(p)
}

func (w *collectingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func recvWithTimeout(t *testing.T, c *Consumer) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Recv(ctx)
}

func TestSendWritesToChannel(t *testing.T) {
	w := &collectingWriter{}
	b := newBridge(w, nil, 0)
	b.activate()

	if err := b.Send(context.Background(), []byte("input")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := w.String(); got != "input" {
		t.Errorf("written = %q, want %q", got, "input")
	}
}

func TestBacklogFlushedToFirstConsumer(t *testing.T) {
	b := newBridge(&collectingWriter{}, nil, 0)
	b.activate()

	b.deliver([]byte("early "))
	b.deliver([]byte("output"))

	c := b.Subscribe()
	chunk, err := recvWithTimeout(t, c)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if string(chunk) != "early output" {
		t.Errorf("first chunk = %q, want backlog %q", chunk, "early output")
	}

	// Later output arrives as separate chunks.
	b.deliver([]byte("later"))
	chunk, err = recvWithTimeout(t, c)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if string(chunk) != "later" {
		t.Errorf("next chunk = %q, want %q", chunk, "later")
	}
}

func TestBacklogNotRedeliveredToSecondConsumer(t *testing.T) {
	b := newBridge(&collectingWriter{}, nil, 0)
	b.activate()

	b.deliver([]byte("pre-attach"))

	first := b.Subscribe()
	second := b.Subscribe()

	if chunk, err := recvWithTimeout(t, first); err != nil || string(chunk) != "pre-attach" {
		t.Fatalf("first Recv() = %q, %v", chunk, err)
	}

	// The second consumer must only see output delivered after it attached.
	b.deliver([]byte("live"))
	if chunk, err := recvWithTimeout(t, second); err != nil || string(chunk) != "live" {
		t.Errorf("second Recv() = %q, %v, want %q", chunk, err, "live")
	}
}

func TestBacklogTrimmedToLimit(t *testing.T) {
	b := newBridge(&collectingWriter{}, nil, 8)
	b.activate()

	b.deliver([]byte("0123456789")) // over the 8-byte limit already
	b.deliver([]byte("ab"))

	c := b.Subscribe()
	chunk, err := recvWithTimeout(t, c)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	// Most recent bytes survive; the front is dropped.
	if string(chunk) != "456789ab" {
		t.Errorf("backlog = %q, want %q", chunk, "456789ab")
	}
}

func TestMulticastDeliversToAllConsumers(t *testing.T) {
	b := newBridge(&collectingWriter{}, nil, 0)
	b.activate()

	consumers := []*Consumer{b.Subscribe(), b.Subscribe(), b.Subscribe()}
	b.deliver([]byte("fan-out"))

	for i, c := range consumers {
		chunk, err := recvWithTimeout(t, c)
		if err != nil {
			t.Fatalf("consumer %d Recv() error: %v", i, err)
		}
		if string(chunk) != "fan-out" {
			t.Errorf("consumer %d chunk = %q", i, chunk)
		}
	}
}

func TestTerminateEndsConsumersCleanly(t *testing.T) {
	closed := false
	b := newBridge(&collectingWriter{}, func() error { closed = true; return nil }, 0)
	b.activate()

	c := b.Subscribe()
	b.deliver([]byte("final"))

	if err := b.Terminate(); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	if !closed {
		t.Error("close function not called")
	}
	if b.State() != StateTerminated {
		t.Errorf("state = %v, want %v", b.State(), StateTerminated)
	}

	// Queued output is drained before the clean EOF.
	chunk, err := recvWithTimeout(t, c)
	if err != nil || string(chunk) != "final" {
		t.Fatalf("Recv() = %q, %v, want queued chunk", chunk, err)
	}
	if _, err := recvWithTimeout(t, c); err != io.EOF {
		t.Errorf("Recv() after terminate = %v, want io.EOF", err)
	}

	// Idempotent.
	if err := b.Terminate(); err != nil {
		t.Errorf("second Terminate() error: %v", err)
	}

	if err := b.Send(context.Background(), []byte("x")); err == nil {
		t.Error("Send() succeeded on terminated bridge")
	}
}

func TestTerminateUnblocksPendingRecv(t *testing.T) {
	b := newBridge(&collectingWriter{}, nil, 0)
	b.activate()
	c := b.Subscribe()

	got := make(chan error, 1)
	go func() {
		_, err := c.Recv(context.Background())
		got <- err
	}()

	time.Sleep(20 * time.Millisecond) // let Recv park
	b.Terminate()

	select {
	case err := <-got:
		if err != io.EOF {
			t.Errorf("Recv() = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv() still blocked after Terminate")
	}
}

func TestErrorTerminationPropagatesCause(t *testing.T) {
	b := newBridge(&collectingWriter{}, nil, 0)
	b.activate()
	c := b.Subscribe()

	cause := errors.New("connection reset")
	b.finish(cause)

	if _, err := recvWithTimeout(t, c); !errors.Is(err, cause) {
		t.Errorf("Recv() = %v, want cause %v", err, cause)
	}
	if !errors.Is(b.Err(), cause) {
		t.Errorf("Err() = %v, want %v", b.Err(), cause)
	}
}

func TestSubscribeAfterTerminate(t *testing.T) {
	b := newBridge(&collectingWriter{}, nil, 0)
	b.activate()
	b.Terminate()

	c := b.Subscribe()
	if _, err := recvWithTimeout(t, c); err != io.EOF {
		t.Errorf("Recv() on post-terminate consumer = %v, want io.EOF", err)
	}
}

func TestRecvHonorsContext(t *testing.T) {
	b := newBridge(&collectingWriter{}, nil, 0)
	b.activate()
	c := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv() = %v, want context.DeadlineExceeded", err)
	}
}

func TestConsumerCloseDetaches(t *testing.T) {
	b := newBridge(&collectingWriter{}, nil, 0)
	b.activate()

	a := b.Subscribe()
	kept := b.Subscribe()
	a.Close()

	b.deliver([]byte("after"))

	if chunk, err := recvWithTimeout(t, kept); err != nil || string(chunk) != "after" {
		t.Fatalf("kept consumer Recv() = %q, %v", chunk, err)
	}
	if _, err := recvWithTimeout(t, a); err != io.EOF {
		t.Errorf("closed consumer Recv() = %v, want io.EOF", err)
	}
}
