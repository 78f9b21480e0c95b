package sshconn

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server accepting public key auth and
// supporting session (exec) and direct-tcpip channels.
type testServer struct {
	addr       string
	hostSigner ssh.Signer

	mu       sync.Mutex
	netConns []net.Conn
	cleanup  func()
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

func startTestServer(t *testing.T, authorizedKey ssh.PublicKey) *testServer {
	t.Helper()

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

	ts := &testServer{
		addr:       listener.Addr().String(),
		hostSigner: hostSigner,
	}

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
			go handleTestConnection(netConn, config)
		}
	}()

	ts.cleanup = func() {
		listener.Close()
		ts.closeAllConns()
		<-done
	}
	t.Cleanup(ts.cleanup)

	return ts
}

func (ts *testServer) closeAllConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.netConns {
		c.Close()
	}
	ts.netConns = nil
}

func (ts *testServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.addr)
	if err != nil {
		t.Fatalf("split addr %s: %v", ts.addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}
	return host, port
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig) {
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
			go handleTestSession(ch, requests)

		case "direct-tcpip":
			ch, _, err := newChan.Accept()
			if err != nil {
				continue
			}
			host, port := parseDirectTCPIPData(newChan.ExtraData())
			go handleDirectTCPIP(ch, host, port)

		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

// handleTestSession answers exec requests by echoing the command text the
// way "echo" would, then reports exit status 0.
func handleTestSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type == "exec" {
			cmd := parseExecCommand(req.Payload)
			if out, ok := strings.CutPrefix(cmd, "echo "); ok {
				fmt.Fprintf(ch, "%s\n", out)
			} else {
				fmt.Fprintf(ch, "ok\n")
			}
			ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			if req.WantReply {
				req.Reply(true, nil)
			}
			return
		}
		if req.WantReply {
			req.Reply(true, nil)
		}
	}
}

// parseExecCommand extracts the command string from an exec request payload
// (uint32 length followed by the command bytes).
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

// parseDirectTCPIPData parses the channel extra data for direct-tcpip
// channels: string(host) + uint32(port) + string(origAddr) + uint32(origPort).
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

// handleDirectTCPIP forwards the SSH channel to a local TCP connection.
func handleDirectTCPIP(ch ssh.Channel, host string, port int) {
	defer ch.Close()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
}
