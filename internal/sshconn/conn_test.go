package sshconn

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/clawlink/internal/secrets"
	"github.com/gluk-w/clawlink/internal/targets"
)

func testSpec(t *testing.T, ts *testServer) targets.Spec {
	t.Helper()
	host, port := ts.hostPort(t)
	return targets.Spec{
		ID:   "test-target",
		Host: host,
		Port: port,
		User: "tester",
	}
}

func TestConnectAndProbe(t *testing.T) {
	signer := newTestSigner(t)
	ts := startTestServer(t, signer.PublicKey())

	tr, err := Connect(context.Background(), testSpec(t, ts), &secrets.StaticSource{S: signer}, Options{})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer tr.Close()

	if tr.Dead() {
		t.Fatal("fresh transport reported dead")
	}
	if !tr.Alive() {
		t.Error("Alive() = false for live connection")
	}

	if err := tr.Probe(context.Background()); err != nil {
		t.Errorf("Probe() error: %v", err)
	}

	m := tr.Metrics()
	if m.SuccessfulProbes != 1 {
		t.Errorf("SuccessfulProbes = %d, want 1", m.SuccessfulProbes)
	}
	if m.ConnectedAt.IsZero() {
		t.Error("ConnectedAt not recorded")
	}
}

func TestConnectAuthFailure(t *testing.T) {
	serverKey := newTestSigner(t)
	ts := startTestServer(t, serverKey.PublicKey())

	wrongKey := newTestSigner(t)
	_, err := Connect(context.Background(), testSpec(t, ts), &secrets.StaticSource{S: wrongKey}, Options{})
	if err == nil {
		t.Fatal("Connect() succeeded with wrong key")
	}
	if kind, ok := KindOf(err); !ok || kind != KindAuth {
		t.Errorf("KindOf(err) = %v, %v, want KindAuth (err: %v)", kind, ok, err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	// Grab a port that nothing is listening on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	signer := newTestSigner(t)
	spec := targets.Spec{ID: "gone", Host: host, Port: port, User: "tester"}
	_, err = Connect(context.Background(), spec, &secrets.StaticSource{S: signer}, Options{ConnectTimeout: 2 * time.Second})
	if err == nil {
		t.Fatal("Connect() succeeded against closed port")
	}
	kind, ok := KindOf(err)
	if !ok || (kind != KindUnreachable && kind != KindTimeout) {
		t.Errorf("KindOf(err) = %v, %v, want KindUnreachable or KindTimeout", kind, ok)
	}
}

func TestHostKeyPinning(t *testing.T) {
	signer := newTestSigner(t)
	ts := startTestServer(t, signer.PublicKey())
	creds := &secrets.StaticSource{S: signer}

	// First connect without a pin records the observed fingerprint.
	spec := testSpec(t, ts)
	tr, err := Connect(context.Background(), spec, creds, Options{})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	observed := tr.HostFingerprint()
	tr.Close()

	if observed == "" {
		t.Fatal("no host fingerprint recorded")
	}
	if want := ssh.FingerprintSHA256(ts.hostSigner.PublicKey()); observed != want {
		t.Errorf("HostFingerprint() = %s, want %s", observed, want)
	}

	// Connecting with the correct pin succeeds.
	spec.HostFingerprint = observed
	tr, err = Connect(context.Background(), spec, creds, Options{})
	if err != nil {
		t.Fatalf("Connect() with matching pin error: %v", err)
	}
	tr.Close()

	// A wrong pin is rejected.
	spec.HostFingerprint = "SHA256:0000000000000000000000000000000000000000000"
	_, err = Connect(context.Background(), spec, creds, Options{})
	if err == nil {
		t.Fatal("Connect() succeeded despite fingerprint mismatch")
	}
	var mismatch *HostKeyMismatchError
	if !errors.As(err, &mismatch) {
		t.Errorf("error %v does not unwrap to HostKeyMismatchError", err)
	}
}

func TestDialTCP(t *testing.T) {
	// Local echo listener standing in for the remote loopback service.
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoLn.Close()
	go func() {
		for {
			conn, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	signer := newTestSigner(t)
	ts := startTestServer(t, signer.PublicKey())

	tr, err := Connect(context.Background(), testSpec(t, ts), &secrets.StaticSource{S: signer}, Options{})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer tr.Close()

	host, portStr, _ := net.SplitHostPort(echoLn.Addr().String())
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	conn, err := tr.DialTCP(context.Background(), host, port)
	if err != nil {
		t.Fatalf("DialTCP() error: %v", err)
	}
	defer conn.Close()

	msg := []byte("round trip\n")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func TestCloseInvalidatesTransport(t *testing.T) {
	signer := newTestSigner(t)
	ts := startTestServer(t, signer.PublicKey())

	mon := NewMonitor()
	tr, err := Connect(context.Background(), testSpec(t, ts), &secrets.StaticSource{S: signer}, Options{Monitor: mon})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if got := mon.State("test-target"); got != StateConnected {
		t.Errorf("state after connect = %v, want %v", got, StateConnected)
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}

	if !tr.Dead() {
		t.Error("Dead() = false after Close")
	}
	if _, err := tr.NewSession(); err == nil {
		t.Error("NewSession() after close succeeded")
	} else if kind, _ := KindOf(err); kind != KindClosed {
		t.Errorf("NewSession() after close: kind = %v, want KindClosed", kind)
	}
	if _, err := tr.DialTCP(context.Background(), "127.0.0.1", 1); err == nil {
		t.Error("DialTCP() after close succeeded")
	} else if kind, _ := KindOf(err); kind != KindClosed {
		t.Errorf("DialTCP() after close: kind = %v, want KindClosed", kind)
	}

	if got := mon.State("test-target"); got != StateDisconnected {
		t.Errorf("state after close = %v, want %v", got, StateDisconnected)
	}

	events := mon.Events("test-target")
	var sawDisconnect bool
	for _, e := range events {
		if e.Type == EventDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Errorf("no %s event recorded, got %v", EventDisconnected, events)
	}
}

func TestKeepaliveDetectsDeadConnection(t *testing.T) {
	signer := newTestSigner(t)
	ts := startTestServer(t, signer.PublicKey())

	tr, err := Connect(context.Background(), testSpec(t, ts), &secrets.StaticSource{S: signer}, Options{
		KeepaliveInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer tr.Close()

	// Kill the server side; the next keepalive should mark the transport dead.
	ts.closeAllConns()

	deadline := time.After(3 * time.Second)
	for !tr.Dead() {
		select {
		case <-deadline:
			t.Fatal("transport not marked dead after server went away")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestErrorKindClassification(t *testing.T) {
	authErr := classifyHandshakeError("x", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"))
	if authErr.Kind != KindAuth {
		t.Errorf("auth handshake error classified as %v", authErr.Kind)
	}

	otherErr := classifyHandshakeError("x", errors.New("ssh: handshake failed: read: connection reset"))
	if otherErr.Kind != KindHandshake {
		t.Errorf("generic handshake error classified as %v", otherErr.Kind)
	}

	if !strings.Contains(authErr.Error(), "x") {
		t.Errorf("error %q does not name the target", authErr.Error())
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("plain error reported as classified")
	}
}
