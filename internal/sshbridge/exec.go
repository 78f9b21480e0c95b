// exec.go implements one-shot command execution over a bridge.
//
// The run-to-completion state machine: issue the exec request, stream output
// to consumers as it arrives (never waiting for completion), accumulate
// stdout and stderr separately, let the pipes drain after the exit status
// arrives, then resolve. Matching the behavior callers depend on, a command
// counts as successful when its exit status is 0 OR it produced any output;
// termination by signal is always a failure regardless of output.

package sshbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/clawlink/internal/sshconn"
)

// Result holds the outcome of a completed command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError reports a command that completed but failed.
type ExitError struct {
	Cmd      string
	ExitCode int    // -1 when the remote never reported a status
	Signal   string // non-empty when the command was killed by a signal
	Stderr   string // best-effort stderr text for diagnostics
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("command %q killed by signal %s", e.Cmd, e.Signal)
	}
	return fmt.Sprintf("command %q exited with status %d", e.Cmd, e.ExitCode)
}

// Command is a running one-shot execution. Its embedded Bridge streams
// combined output live; Wait resolves the final outcome.
type Command struct {
	*Bridge

	cmd     string
	outcome chan outcome
}

type outcome struct {
	result *Result
	err    error
}

// StartCommand issues cmd on a fresh exec channel of the transport and
// returns immediately. Output streams to any subscribed consumer while the
// command runs; Wait blocks until the channel goes inactive and resolves
// success or failure.
func StartCommand(ctx context.Context, tr *sshconn.Transport, cmd string, opts Options) (*Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := tr.NewSession()
	if err != nil {
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("exec rejected for %q: %w", cmd, err)
	}

	b := newBridge(stdin, session.Close, opts.BacklogLimit)
	b.activate()

	c := &Command{
		Bridge:  b,
		cmd:     cmd,
		outcome: make(chan outcome, 1),
	}

	go c.run(session, stdout, stderr)
	return c, nil
}

// run drains output, waits for the exit status, and resolves the outcome.
func (c *Command) run(session *ssh.Session, stdout, stderr io.Reader) {
	var outBuf, errBuf lockedBuffer

	var wg sync.WaitGroup
	wg.Add(2)
	go c.drain(&wg, stdout, &outBuf)
	go c.drain(&wg, stderr, &errBuf)

	// Wait returns once the remote reports an exit status (or the channel
	// dies). The pipe readers end at channel close, so waiting on them is
	// the drain step: no buffered output is lost to the resolution race.
	waitErr := session.Wait()
	wg.Wait()

	c.finish(nil)

	res := &Result{
		Stdout: outBuf.bytes(),
		Stderr: errBuf.bytes(),
	}
	c.outcome <- outcome{result: res, err: c.resolve(waitErr, res)}
}

// drain forwards a pipe to consumers while accumulating it.
func (c *Command) drain(wg *sync.WaitGroup, r io.Reader, acc *lockedBuffer) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			acc.write(buf[:n])
			c.deliver(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// resolve applies the success policy to the exit condition.
func (c *Command) resolve(waitErr error, res *Result) error {
	produced := len(res.Stdout) > 0 || len(res.Stderr) > 0

	if waitErr == nil {
		res.ExitCode = 0
		return nil
	}

	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		if sig := exitErr.Signal(); sig != "" {
			// Signal termination fails no matter what was printed.
			res.ExitCode = -1
			return &ExitError{Cmd: c.cmd, ExitCode: -1, Signal: sig, Stderr: string(res.Stderr)}
		}
		res.ExitCode = exitErr.ExitStatus()
		if produced {
			return nil
		}
		return &ExitError{Cmd: c.cmd, ExitCode: res.ExitCode, Stderr: string(res.Stderr)}
	}

	var missingErr *ssh.ExitMissingError
	if errors.As(waitErr, &missingErr) {
		// Remote closed without reporting a status.
		res.ExitCode = -1
		if produced {
			return nil
		}
		return &ExitError{Cmd: c.cmd, ExitCode: -1, Stderr: string(res.Stderr)}
	}

	return fmt.Errorf("command %q channel failed: %w", c.cmd, waitErr)
}

// Wait blocks until the command resolves or ctx is cancelled. Cancellation
// terminates the bridge (closing the exec channel) and returns ctx.Err().
func (c *Command) Wait(ctx context.Context) (*Result, error) {
	select {
	case o := <-c.outcome:
		return o.result, o.err
	case <-ctx.Done():
		c.Terminate()
		return nil, ctx.Err()
	}
}

// Run executes cmd and waits for it to resolve. Convenience wrapper around
// StartCommand for callers that do not stream output.
func Run(ctx context.Context, tr *sshconn.Transport, cmd string, opts Options) (*Result, error) {
	c, err := StartCommand(ctx, tr, cmd, opts)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// lockedBuffer is a mutex-guarded bytes.Buffer for concurrent accumulation.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) write(p []byte) {
	l.mu.Lock()
	l.buf.Write(p)
	l.mu.Unlock()
}

func (l *lockedBuffer) bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.buf.Bytes()...)
}
