// Package proxyhttp is a hand-rolled HTTP/1.1 client for the agent proxy.
//
// The proxy only listens on the remote host's loopback interface, so no real
// socket ever exists on this side: each exchange opens a fresh virtual
// stream through a Dialer and the raw bytes are serialized and parsed by
// hand (client.go, response.go, chunked.go). The Dialer interface keeps the
// tunneling detail swappable; nothing in this package knows the stream
// rides over SSH.
//
// Single-shot exchanges (Do) race against an absolute timeout; streaming
// exchanges (Stream) return after headers and deliver body payloads
// incrementally until the caller closes the stream or the peer ends it.
package proxyhttp

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// defaultTimeout is the absolute deadline for single-shot exchanges.
const defaultTimeout = 15 * time.Second

// Dialer opens a fresh virtual stream to the proxy. Each exchange gets its
// own stream; Close tears it down.
type Dialer interface {
	DialProxy(ctx context.Context) (io.ReadWriteCloser, error)
}

// Request describes one exchange. Header keys are sent as given; Body, when
// non-nil, is sent with a content-length.
type Request struct {
	Method string
	Path   string
	Header map[string]string
	Body   []byte
}

// Response is a fully collected exchange result.
type Response struct {
	StatusCode int
	Header     map[string]string // keys lower-cased
	Body       []byte
}

// ProxyVersion returns the proxy's reported version, if present.
func (r *Response) ProxyVersion() string { return r.Header[HeaderProxyVersion] }

// ProxyStartedAt returns the proxy's reported start time, if present.
func (r *Response) ProxyStartedAt() string { return r.Header[HeaderProxyStartedAt] }

// Client drives request/response exchanges over a Dialer.
type Client struct {
	dialer  Dialer
	host    string
	timeout time.Duration
}

// ClientOptions tunes a Client. The zero value uses defaults.
type ClientOptions struct {
	// Host is the Host header value (the proxy's loopback authority).
	Host string

	// Timeout is the absolute deadline for single-shot exchanges.
	Timeout time.Duration
}

// NewClient creates a client over the given dialer.
func NewClient(dialer Dialer, opts ClientOptions) *Client {
	if opts.Host == "" {
		opts.Host = "127.0.0.1:8787"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{dialer: dialer, host: opts.Host, timeout: opts.Timeout}
}

// Do performs a single-shot exchange: dial, send, collect the full body.
// The whole exchange races against the client timeout; on loss the stream is
// torn down and a TimeoutError is returned. Non-2xx statuses become
// StatusError after the body (best-effort diagnostic text) is collected.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.exchange(ctx, req, false)
	if err != nil {
		return nil, c.mapTimeout(ctx, req, err)
	}
	defer stream.Close()

	var body []byte
	for {
		chunk, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, c.mapTimeout(ctx, req, err)
		}
		body = append(body, chunk...)
	}

	resp := &Response{StatusCode: stream.StatusCode, Header: stream.Header, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// Stream performs a streaming exchange: it returns once headers are parsed,
// and the returned BodyStream delivers decoded body payloads until the peer
// finishes or the caller closes it. No absolute timeout is applied; the
// caller's ctx governs the stream's lifetime.
func (c *Client) Stream(ctx context.Context, req *Request) (*BodyStream, error) {
	stream, err := c.exchange(ctx, req, true)
	if err != nil {
		return nil, err
	}

	if stream.StatusCode < 200 || stream.StatusCode > 299 {
		// Collect what body text we can for diagnostics, briefly.
		text := stream.collectErrorBody(ctx)
		stream.Close()
		return nil, &StatusError{Code: stream.StatusCode, Body: text}
	}
	return stream, nil
}

// mapTimeout converts a deadline-driven failure to a TimeoutError, distinct
// from protocol and HTTP errors. Parent-context cancellation passes through.
func (c *Client) mapTimeout(ctx context.Context, req *Request, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &TimeoutError{Op: fmt.Sprintf("%s %s", req.Method, req.Path), Timeout: c.timeout}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// exchange dials, writes the serialized request, and reads until headers are
// parsed. The watchdog goroutine closes the stream when ctx ends, which
// unblocks any in-flight read: the operation and the timer race, and the
// loser is cancelled.
func (c *Client) exchange(ctx context.Context, req *Request, streaming bool) (*BodyStream, error) {
	conn, err := c.dialer.DialProxy(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	fail := func(err error) error {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		close(done)
		conn.Close()
		return err
	}

	if _, err := conn.Write(serializeRequest(req, c.host, streaming)); err != nil {
		return nil, fail(fmt.Errorf("send request: %w", err))
	}

	stream := &BodyStream{conn: conn, watchdog: done}
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payloads, complete, perr := stream.parser.feed(buf[:n])
			stream.pending = append(stream.pending, payloads...)
			if perr != nil {
				return nil, fail(perr)
			}
			if stream.parser.phase == phaseBody || stream.parser.phase == phaseDone {
				stream.StatusCode = stream.parser.status
				stream.Header = stream.parser.headers
				stream.complete = complete
				return stream, nil
			}
		}
		if err != nil {
			if eofErr := stream.parser.feedEOF(); eofErr != nil {
				return nil, fail(eofErr)
			}
			return nil, fail(&ProtocolError{Reason: "connection closed before headers completed"})
		}
	}
}

// serializeRequest builds the raw request bytes: request line, headers, and
// optional body, with \r\n line endings. Connection: close is sent unless
// the caller needs the stream kept open.
func serializeRequest(req *Request, host string, streaming bool) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, req.Header[k])
	}

	if req.Body != nil {
		if _, ok := req.Header["Content-Type"]; !ok {
			b.WriteString("Content-Type: application/json\r\n")
		}
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	if !streaming {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")

	out := []byte(b.String())
	if req.Body != nil {
		out = append(out, req.Body...)
	}
	return out
}

// BodyStream is the incrementally decoded body of one exchange.
type BodyStream struct {
	StatusCode int
	Header     map[string]string

	conn     io.ReadWriteCloser
	watchdog chan struct{}
	parser   responseParser
	pending  [][]byte
	complete bool
	closed   bool
}

// Next returns the next decoded body payload: a chunk payload for chunked
// transfers, otherwise a raw segment. Returns io.EOF once the body is
// complete. Payload boundaries follow arrival order; their concatenation is
// the body.
func (s *BodyStream) Next(ctx context.Context) ([]byte, error) {
	for {
		if len(s.pending) > 0 {
			p := s.pending[0]
			s.pending = s.pending[1:]
			return p, nil
		}
		if s.complete {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		buf := make([]byte, 32*1024)
		n, err := s.conn.Read(buf)
		if n > 0 {
			payloads, complete, perr := s.parser.feed(buf[:n])
			s.pending = append(s.pending, payloads...)
			s.complete = complete
			if perr != nil {
				return nil, perr
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if eofErr := s.parser.feedEOF(); eofErr != nil {
				return nil, eofErr
			}
			s.complete = true
		}
	}
}

// collectErrorBody drains up to a small cap of body text for diagnostics on
// failure statuses.
func (s *BodyStream) collectErrorBody(ctx context.Context) string {
	const maxLen = 8 * 1024
	var text []byte
	for len(text) < maxLen {
		chunk, err := s.Next(ctx)
		if err != nil {
			break
		}
		text = append(text, chunk...)
	}
	return strings.TrimSpace(string(text))
}

// Close tears down the underlying stream. Idempotent.
func (s *BodyStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.watchdog)
	return s.conn.Close()
}
