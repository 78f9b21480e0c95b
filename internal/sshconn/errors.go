// errors.go defines the typed connection errors surfaced by the sshconn
// package. Acquisition failures are classified so the GUI layer can
// distinguish "credentials problem" from "host unreachable" from "transient
// network", which require different remediation.

package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a connection failure.
type ErrorKind int

const (
	// KindUnreachable means the TCP dial failed (refused, no route, DNS).
	KindUnreachable ErrorKind = iota

	// KindTimeout means the dial or handshake exceeded its deadline.
	KindTimeout

	// KindAuth means the SSH handshake rejected our credentials.
	KindAuth

	// KindHandshake covers other SSH handshake failures (version mismatch,
	// host key trouble, protocol errors).
	KindHandshake

	// KindClosed means the transport was already closed when an operation
	// was attempted on it.
	KindClosed
)

// String returns the human-readable name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindHandshake:
		return "handshake"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnError is a connection failure tagged with its classification and the
// target it concerns. It wraps the underlying error.
type ConnError struct {
	Kind   ErrorKind
	Target string
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("ssh %s (target %s): %v", e.Kind, e.Target, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// KindOf returns the classification of err if it is (or wraps) a ConnError.
// The second return is false for unclassified errors.
func KindOf(err error) (ErrorKind, bool) {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// classifyDialError tags an error from the TCP dial phase.
func classifyDialError(target string, err error) *ConnError {
	kind := KindUnreachable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &ConnError{Kind: kind, Target: target, Err: err}
}

// classifyHandshakeError tags an error from the SSH handshake phase.
// x/crypto/ssh does not expose a typed auth failure, so we match on the
// stable "unable to authenticate" message it produces.
func classifyHandshakeError(target string, err error) *ConnError {
	kind := KindHandshake
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") {
		kind = KindAuth
	}
	return &ConnError{Kind: kind, Target: target, Err: err}
}
