package sshbridge

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/clawlink/internal/secrets"
	"github.com/gluk-w/clawlink/internal/sshconn"
	"github.com/gluk-w/clawlink/internal/targets"
)

// execBehavior scripts the server side of one exec request. It writes output
// and sends exit-status / exit-signal requests on the channel; the channel is
// closed after it returns.
type execBehavior func(cmd string, ch ssh.Channel)

// sendExitStatus reports a numeric exit status the way sshd does.
func sendExitStatus(ch ssh.Channel, status uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

// sendExitSignal reports termination by signal.
func sendExitSignal(ch ssh.Channel, signal string) {
	ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
		Signal     string
		CoreDumped bool
		Error      string
		Lang       string
	}{Signal: signal}))
}

type testServer struct {
	addr string
	exec execBehavior

	mu       sync.Mutex
	netConns []net.Conn
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	return signer
}

// startTestServer starts an in-process SSH server. Exec requests are handled
// by the given behavior; shell sessions echo their input; direct-tcpip
// channels forward to the requested address.
func startTestServer(t *testing.T, authorizedKey ssh.PublicKey, exec execBehavior) *testServer {
	t.Helper()

	if exec == nil {
		exec = func(cmd string, ch ssh.Channel) {
			fmt.Fprintf(ch, "ok\n")
			sendExitStatus(ch, 0)
		}
	}

	hostSigner := newTestSigner(t)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{addr: listener.Addr().String(), exec: exec}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.netConns = append(ts.netConns, netConn)
			ts.mu.Unlock()
			go ts.handleConnection(netConn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		ts.mu.Lock()
		for _, c := range ts.netConns {
			c.Close()
		}
		ts.netConns = nil
		ts.mu.Unlock()
		<-done
	})

	return ts
}

func (ts *testServer) handleConnection(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ts.handleSession(ch, requests)

		case "direct-tcpip":
			ch, _, err := newChan.Accept()
			if err != nil {
				continue
			}
			host, port := parseDirectTCPIPData(newChan.ExtraData())
			go forwardDirectTCPIP(ch, host, port)

		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (ts *testServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			if req.WantReply {
				req.Reply(true, nil)
			}
			ts.exec(parseExecCommand(req.Payload), ch)
			return
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			// Echo loop standing in for a real shell.
			io.Copy(ch, ch)
			return
		default:
			// pty-req, env, window-change
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}

func parseExecCommand(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if len(payload) < 4+n {
		return ""
	}
	return string(payload[4 : 4+n])
}

func parseDirectTCPIPData(data []byte) (string, int) {
	if len(data) < 4 {
		return "", 0
	}
	hostLen := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if len(data) < 4+hostLen+4 {
		return "", 0
	}
	host := string(data[4 : 4+hostLen])
	portBytes := data[4+hostLen : 4+hostLen+4]
	port := int(portBytes[0])<<24 | int(portBytes[1])<<16 | int(portBytes[2])<<8 | int(portBytes[3])
	return host, port
}

func forwardDirectTCPIP(ch ssh.Channel, host string, port int) {
	defer ch.Close()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), 5*time.Second)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
}

// connectTestTransport dials the test server and returns a live transport.
func connectTestTransport(t *testing.T, ts *testServer, signer ssh.Signer) *sshconn.Transport {
	t.Helper()

	host, portStr, err := net.SplitHostPort(ts.addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	tr, err := sshconn.Connect(context.Background(), targets.Spec{
		ID:   "bridge-test",
		Host: host,
		Port: port,
		User: "tester",
	}, &secrets.StaticSource{S: signer}, sshconn.Options{})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}
