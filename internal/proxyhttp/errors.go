// errors.go defines the error taxonomy for the tunneled HTTP client.
//
// Protocol errors (the peer spoke something that is not HTTP), status errors
// (the peer answered with a failure status), and timeouts are distinct types
// so callers can route them to different remediation. Nothing here is ever
// retried internally; retry policy belongs to the calling feature.

package proxyhttp

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolError reports a malformed response: missing or invalid status
// line, truncated headers, malformed chunk size, or no response bytes at all.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid proxy response: %s", e.Reason)
}

// StatusError reports a response whose status code indicates failure
// (anything outside 2xx). It carries the best-effort body text collected
// before the error was raised.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("proxy returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("proxy returned HTTP %d: %s", e.Code, e.Body)
}

// TimeoutError reports that an exchange exceeded its absolute deadline. The
// bridge is torn down before this is returned.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
