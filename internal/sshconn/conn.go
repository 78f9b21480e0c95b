// Package sshconn provides the physical transport layer: one authenticated
// SSH connection to one remote host.
//
// A Transport is created by Connect and owned by whoever created it
// (normally a pool entry). It exposes the three channel openers the bridge
// layer builds on: command execution sessions, interactive shell sessions,
// and tunneled outbound TCP streams (direct-tcpip). Closing a Transport
// invalidates every channel built on it.
//
// Credentials are resolved through a secrets.CredentialSource at connect
// time; the Transport never retains secret material, only the live SSH
// client. Connection state transitions and lifecycle events are reported to
// an optional Monitor (state.go, events.go) for diagnostics.
package sshconn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/clawlink/internal/secrets"
	"github.com/gluk-w/clawlink/internal/targets"
)

const (
	// defaultKeepaliveInterval is how often keepalive requests are sent.
	defaultKeepaliveInterval = 30 * time.Second

	// defaultConnectTimeout bounds TCP dial plus SSH handshake.
	defaultConnectTimeout = 30 * time.Second

	// probeTimeout is the maximum time to wait for a liveness probe command.
	probeTimeout = 5 * time.Second

	// probeCommand is the trivial round-trip command used by Probe.
	probeCommand = "echo ping"
)

// Options tunes transport behavior. The zero value uses defaults.
type Options struct {
	KeepaliveInterval time.Duration
	ConnectTimeout    time.Duration

	// Monitor receives state transitions and connection events. Optional.
	Monitor *Monitor
}

// Metrics tracks liveness history for one transport.
type Metrics struct {
	mu               sync.Mutex
	ConnectedAt      time.Time `json:"connected_at"`
	LastProbe        time.Time `json:"last_probe"`
	SuccessfulProbes int64     `json:"successful_probes"`
	FailedProbes     int64     `json:"failed_probes"`
}

// Snapshot returns a copy of the metrics safe for concurrent use.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		ConnectedAt:      m.ConnectedAt,
		LastProbe:        m.LastProbe,
		SuccessfulProbes: m.SuccessfulProbes,
		FailedProbes:     m.FailedProbes,
	}
}

func (m *Metrics) recordProbe(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastProbe = time.Now()
	if ok {
		m.SuccessfulProbes++
	} else {
		m.FailedProbes++
	}
}

// Transport is one authenticated SSH connection to a remote host.
type Transport struct {
	target      string
	addr        string
	fingerprint string // SHA256 fingerprint of the host key seen at handshake

	client  *ssh.Client
	cancel  context.CancelFunc // stops the keepalive goroutine
	mon     *Monitor
	metrics *Metrics

	mu   sync.Mutex
	dead bool
}

// Connect resolves credentials and establishes an authenticated SSH
// connection to the host described by spec. The signer returned by creds is
// used for the handshake only and is not retained.
//
// Failures are returned as *ConnError classified by kind (auth, unreachable,
// timeout, handshake) and are never retried here.
func Connect(ctx context.Context, spec targets.Spec, creds secrets.CredentialSource, opts Options) (*Transport, error) {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	addr := net.JoinHostPort(spec.Host, fmt.Sprintf("%d", spec.Port))

	if opts.Monitor != nil {
		opts.Monitor.SetState(spec.ID, StateConnecting, fmt.Sprintf("connecting to %s", addr))
	}

	signer, err := creds.Signer(ctx, spec.KeyRef)
	if err != nil {
		if opts.Monitor != nil {
			opts.Monitor.SetState(spec.ID, StateDisconnected, fmt.Sprintf("credential lookup failed: %v", err))
		}
		return nil, &ConnError{Kind: KindAuth, Target: spec.ID, Err: fmt.Errorf("resolve credential %q: %w", spec.KeyRef, err)}
	}

	var hostFingerprint string
	cfg := &ssh.ClientConfig{
		User: spec.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: pinnedHostKey(spec.ID, spec.HostFingerprint, &hostFingerprint),
		Timeout:         opts.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if opts.Monitor != nil {
			opts.Monitor.SetState(spec.ID, StateDisconnected, fmt.Sprintf("dial failed: %v", err))
		}
		return nil, classifyDialError(spec.ID, fmt.Errorf("dial %s: %w", addr, err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if opts.Monitor != nil {
			opts.Monitor.SetState(spec.ID, StateDisconnected, fmt.Sprintf("ssh handshake failed: %v", err))
		}
		return nil, classifyHandshakeError(spec.ID, fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())
	t := &Transport{
		target:      spec.ID,
		addr:        addr,
		fingerprint: hostFingerprint,
		client:      ssh.NewClient(sshConn, chans, reqs),
		cancel:      keepCancel,
		mon:         opts.Monitor,
		metrics:     &Metrics{ConnectedAt: time.Now()},
	}

	go t.keepalive(keepCtx, opts.KeepaliveInterval)

	if t.mon != nil {
		t.mon.SetState(spec.ID, StateConnected, fmt.Sprintf("connected to %s", addr))
		t.mon.Emit(ConnectionEvent{
			Target:    spec.ID,
			Type:      EventConnected,
			Timestamp: time.Now(),
			Details:   addr,
		})
	}
	return t, nil
}

// Target returns the target id this transport is connected to.
func (t *Transport) Target() string { return t.target }

// Addr returns the remote host:port.
func (t *Transport) Addr() string { return t.addr }

// HostFingerprint returns the SHA256 fingerprint of the host key observed
// during the handshake. Callers connecting without a pinned fingerprint can
// store it to pin future connections.
func (t *Transport) HostFingerprint() string { return t.fingerprint }

// Metrics returns a snapshot of the transport's liveness metrics.
func (t *Transport) Metrics() Metrics { return t.metrics.Snapshot() }

// NewSession opens a new SSH session (exec or shell channel) on the transport.
func (t *Transport) NewSession() (*ssh.Session, error) {
	if t.Dead() {
		return nil, &ConnError{Kind: KindClosed, Target: t.target, Err: fmt.Errorf("transport closed")}
	}
	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session to %s: %w", t.target, err)
	}
	return session, nil
}

// DialTCP opens a tunneled outbound TCP stream (direct-tcpip) terminating at
// host:port as seen from the remote side. The returned connection is a
// virtual stream multiplexed over the SSH connection.
func (t *Transport) DialTCP(ctx context.Context, host string, port int) (net.Conn, error) {
	if t.Dead() {
		return nil, &ConnError{Kind: KindClosed, Target: t.target, Err: fmt.Errorf("transport closed")}
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := t.client.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel dial %s via %s: %w", addr, t.target, err)
	}
	return conn, nil
}

// Alive reports whether the connection still answers a protocol-level
// keepalive. Cheaper than Probe but does not verify command execution.
func (t *Transport) Alive() bool {
	if t.Dead() {
		return false
	}
	_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Probe runs a trivial round-trip command to verify the remote side can
// still execute. Used by the pool reaper. Records the outcome in metrics.
func (t *Transport) Probe(ctx context.Context) error {
	if t.Dead() {
		return &ConnError{Kind: KindClosed, Target: t.target, Err: fmt.Errorf("transport closed")}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	session, err := t.client.NewSession()
	if err != nil {
		t.metrics.recordProbe(false)
		return fmt.Errorf("probe session for %s: %w", t.target, err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		_, err := session.Output(probeCommand)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.metrics.recordProbe(false)
			return fmt.Errorf("probe command failed for %s: %w", t.target, err)
		}
		t.metrics.recordProbe(true)
		return nil
	case <-ctx.Done():
		t.metrics.recordProbe(false)
		return fmt.Errorf("probe timed out for %s", t.target)
	}
}

// Dead reports whether the transport has been closed or its keepalive has
// failed. A dead transport is never revived; the pool creates a fresh one.
func (t *Transport) Dead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

// Close tears down the SSH connection and stops the keepalive goroutine.
// Idempotent. Every session and tunneled stream built on the transport is
// invalidated.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return nil
	}
	t.dead = true
	t.mu.Unlock()

	t.cancel()
	err := t.client.Close()

	if t.mon != nil {
		t.mon.SetState(t.target, StateDisconnected, "connection closed")
		t.mon.Emit(ConnectionEvent{
			Target:    t.target,
			Type:      EventDisconnected,
			Timestamp: time.Now(),
			Details:   "connection closed",
		})
	}
	if err != nil {
		return fmt.Errorf("close ssh connection to %s: %w", t.target, err)
	}
	return nil
}

// keepalive sends periodic keepalive requests to detect dead connections.
// On failure the transport is marked dead so the pool evicts it lazily.
func (t *Transport) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				continue
			}

			t.mu.Lock()
			alreadyDead := t.dead
			t.dead = true
			t.mu.Unlock()

			if !alreadyDead {
				t.client.Close()
				if t.mon != nil {
					reason := fmt.Sprintf("keepalive failed: %v", err)
					t.mon.SetState(t.target, StateDisconnected, reason)
					t.mon.Emit(ConnectionEvent{
						Target:    t.target,
						Type:      EventDisconnected,
						Timestamp: time.Now(),
						Details:   reason,
					})
				}
			}
			return
		}
	}
}
