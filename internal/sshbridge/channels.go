// channels.go opens the two long-lived bridge flavors: interactive PTY
// shells and tunneled TCP streams. Both are logically infinite; they end
// only when the caller terminates the bridge or the remote side closes the
// channel.

package sshbridge

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/clawlink/internal/sshconn"
)

// Options tunes bridge creation. The zero value uses defaults.
type Options struct {
	// BacklogLimit bounds the pre-attach output backlog in bytes.
	BacklogLimit int

	// Term, Cols and Rows configure the PTY for shell bridges.
	Term string
	Cols int
	Rows int
}

func (o Options) withDefaults() Options {
	if o.Term == "" {
		o.Term = "xterm-256color"
	}
	if o.Cols <= 0 {
		o.Cols = 80
	}
	if o.Rows <= 0 {
		o.Rows = 24
	}
	return o
}

// Shell is an interactive PTY shell bridge.
type Shell struct {
	*Bridge
	session *ssh.Session
}

// Resize changes the terminal dimensions of the PTY.
func (s *Shell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

// OpenShell starts an interactive shell with a PTY on the transport and
// bridges it. Stdout and stderr are forwarded as they arrive.
func OpenShell(ctx context.Context, tr *sshconn.Transport, opts Options) (*Shell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	session, err := tr.NewSession()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
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

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	b := newBridge(stdin, session.Close, opts.BacklogLimit)
	b.activate()
	go b.pump(stdout, stderr)

	return &Shell{Bridge: b, session: session}, nil
}

// OpenTunnel opens a tunneled outbound TCP stream to host:port on the remote
// side and bridges it. Every tunneled HTTP request gets a fresh one of these.
func OpenTunnel(ctx context.Context, tr *sshconn.Transport, host string, port int, opts Options) (*Bridge, error) {
	conn, err := tr.DialTCP(ctx, host, port)
	if err != nil {
		return nil, err
	}

	b := newBridge(conn, conn.Close, opts.BacklogLimit)
	b.activate()
	go b.pump(conn)

	return b, nil
}

// pump reads each reader until EOF, delivering chunks to consumers, then
// terminates the bridge: cleanly if all readers ended with EOF, or with the
// first read error otherwise. Caller-initiated termination wins the race; a
// later finish is a no-op.
func (b *Bridge) pump(readers ...io.Reader) {
	var wg sync.WaitGroup
	var once sync.Once
	var cause error

	for _, r := range readers {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			buf := make([]byte, 32*1024)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					b.deliver(buf[:n])
				}
				if err != nil {
					if err != io.EOF {
						once.Do(func() { cause = err })
					}
					return
				}
			}
		}(r)
	}

	wg.Wait()
	b.finish(cause)
}
