// Package agentstream speaks the agent proxy's private protocol over the
// tunneled HTTP client: streaming agent turns as Server-Sent Events,
// catch-up pulls of missed events, conversation resolution, tool-approval
// answers, per-agent environment, and scheduled tasks.
//
// The proxy listens only on the remote host's loopback interface
// (127.0.0.1:8787 by default); every exchange rides a fresh tunneled-TCP
// channel bridge obtained from the connection pool.
package agentstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/clawlink/internal/proxyhttp"
	"github.com/gluk-w/clawlink/internal/sshpool"
)

const (
	defaultProxyHost = "127.0.0.1"
	defaultProxyPort = 8787
)

// Config wires a Client to one target's proxy.
type Config struct {
	Pool   *sshpool.Pool
	Target string

	// ProxyHost/ProxyPort locate the proxy on the remote loopback.
	ProxyHost string
	ProxyPort int

	// Timeout bounds single-shot calls. Streaming calls are governed by
	// their context instead.
	Timeout time.Duration

	// Cursors may be shared across clients; one is created if nil.
	Cursors *CursorStore
}

// Client drives the proxy protocol for one target.
type Client struct {
	http    *proxyhttp.Client
	target  string
	cursors *CursorStore
}

// New creates a protocol client for the configured target.
func New(cfg Config) *Client {
	if cfg.ProxyHost == "" {
		cfg.ProxyHost = defaultProxyHost
	}
	if cfg.ProxyPort == 0 {
		cfg.ProxyPort = defaultProxyPort
	}
	if cfg.Cursors == nil {
		cfg.Cursors = NewCursorStore()
	}

	dialer := &tunnelDialer{
		pool:    cfg.Pool,
		target:  cfg.Target,
		purpose: sshpool.PurposeAgent,
		host:    cfg.ProxyHost,
		port:    cfg.ProxyPort,
	}
	return &Client{
		http: proxyhttp.NewClient(dialer, proxyhttp.ClientOptions{
			Host:    fmt.Sprintf("%s:%d", cfg.ProxyHost, cfg.ProxyPort),
			Timeout: cfg.Timeout,
		}),
		target:  cfg.Target,
		cursors: cfg.Cursors,
	}
}

// Cursors returns the client's cursor store.
func (c *Client) Cursors() *CursorStore { return c.cursors }

// CanonicalConversation resolves the canonical conversation id for a working
// directory. The result may differ from any locally cached value; callers
// must adopt it (and reset their cursor) before streaming or resuming.
func (c *Client) CanonicalConversation(ctx context.Context, cwd string) (string, error) {
	resp, err := c.getJSON(ctx, "/v1/conversations/canonical?cwd="+url.QueryEscape(cwd))
	if err != nil {
		return "", err
	}

	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode canonical conversation: %w", err)
	}
	if out.ConversationID == "" {
		return "", fmt.Errorf("canonical conversation response missing id")
	}
	return out.ConversationID, nil
}

// EnsureConversation resolves the canonical id and, when it differs from the
// cached one, resets the cursor so resumption starts from zero. Returns the
// canonical id, which the caller should persist.
func (c *Client) EnsureConversation(ctx context.Context, cwd, cached string) (string, error) {
	canonical, err := c.CanonicalConversation(ctx, cwd)
	if err != nil {
		return "", err
	}
	if canonical != cached {
		c.cursors.Reset(c.target, canonical)
	}
	return canonical, nil
}

// ActivateConversation binds (or rebinds) a conversation id to a working
// directory on the remote side.
func (c *Client) ActivateConversation(ctx context.Context, conversationID, cwd string) error {
	body := map[string]string{
		"conversation_id": conversationID,
		"cwd":             cwd,
	}
	return c.postJSON(ctx, "/v1/conversations/activate", body, nil)
}

// TurnRequest starts or resumes an agent turn.
type TurnRequest struct {
	ConversationID    string `json:"conversation_id"`
	Cwd               string `json:"cwd"`
	ConversationGroup string `json:"conversation_group,omitempty"`
	Prompt            string `json:"prompt"`
}

// StreamTurn starts (or resumes) an agent turn and returns the live event
// stream. The current cursor, if nonzero, is sent as Last-Event-ID so the
// proxy can resume. The stream lives until ctx ends, the caller closes it,
// or the remote side finishes the turn.
func (c *Client) StreamTurn(ctx context.Context, req TurnRequest) (*EventStream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}

	header := map[string]string{
		"Accept": "text/event-stream",
	}
	if cursor := c.cursors.Get(c.target, req.ConversationID); cursor > 0 {
		header["Last-Event-ID"] = strconv.FormatInt(cursor, 10)
	}

	stream, err := c.http.Stream(ctx, &proxyhttp.Request{
		Method: "POST",
		Path:   "/v1/agent/stream",
		Header: header,
		Body:   payload,
	})
	if err != nil {
		return nil, err
	}

	return &EventStream{
		body:         stream,
		cursors:      c.cursors,
		target:       c.target,
		conversation: req.ConversationID,
	}, nil
}

// EventsSince pulls events missed after a dropped connection. The proxy
// returns newline-delimited JSON; each line becomes one event whose id is
// synthesized by incrementing the supplied cursor, so ordering agrees with
// the SSE stream without relying on remote id allocation.
func (c *Client) EventsSince(ctx context.Context, conversationID string, since int64, cwd, conversationGroup string) ([]Event, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("cwd", cwd)
	q.Set("conversation_group", conversationGroup)
	path := fmt.Sprintf("/v1/conversations/%s/events?%s", url.PathEscape(conversationID), q.Encode())

	resp, err := c.http.Do(ctx, &proxyhttp.Request{
		Method: "GET",
		Path:   path,
		Header: map[string]string{"Accept": "application/x-ndjson"},
	})
	if err != nil {
		return nil, err
	}

	var events []Event
	id := since
	for _, line := range strings.Split(string(resp.Body), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		id++
		events = append(events, Event{ID: id, HasID: true, Data: line})
	}
	if len(events) > 0 {
		c.cursors.Advance(c.target, conversationID, id)
	}
	return events, nil
}

// PermissionAnswer answers a pending tool-approval prompt.
type PermissionAnswer struct {
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
	Message   string `json:"message,omitempty"`
}

// AnswerToolPermission resolves a pending tool-approval prompt.
func (c *Client) AnswerToolPermission(ctx context.Context, answer PermissionAnswer) error {
	return c.postJSON(ctx, "/v1/agent/tool_permission", answer, nil)
}

// Env reads the per-agent environment variables.
func (c *Client) Env(ctx context.Context) (map[string]string, error) {
	resp, err := c.getJSON(ctx, "/v1/agent/env")
	if err != nil {
		return nil, err
	}

	var env map[string]string
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("decode agent env: %w", err)
	}
	return env, nil
}

// SetEnv replaces the per-agent environment variables.
func (c *Client) SetEnv(ctx context.Context, env map[string]string) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode agent env: %w", err)
	}
	_, err = c.http.Do(ctx, &proxyhttp.Request{
		Method: "PUT",
		Path:   "/v1/agent/env",
		Body:   payload,
	})
	return err
}

// getJSON performs a GET expecting a JSON body.
func (c *Client) getJSON(ctx context.Context, path string) (*proxyhttp.Response, error) {
	return c.http.Do(ctx, &proxyhttp.Request{
		Method: "GET",
		Path:   path,
		Header: map[string]string{"Accept": "application/json"},
	})
}

// postJSON performs a POST with a JSON body, optionally decoding the reply.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	resp, err := c.http.Do(ctx, &proxyhttp.Request{
		Method: "POST",
		Path:   path,
		Body:   payload,
	})
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}

// EventStream is the live SSE sequence of one agent turn. Events are
// delivered in the order their terminating blank line was observed and the
// cursor advances as they are handed to the caller.
type EventStream struct {
	body    *proxyhttp.BodyStream
	dec     Decoder
	queue   []Event
	ended   bool
	cursors *CursorStore

	target       string
	conversation string
}

// Next returns the next event, suspending until one arrives, the stream
// ends (io.EOF), or ctx is cancelled.
func (s *EventStream) Next(ctx context.Context) (Event, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if ev.HasID {
				s.cursors.Advance(s.target, s.conversation, ev.ID)
			}
			return ev, nil
		}
		if s.ended {
			return Event{}, io.EOF
		}

		chunk, err := s.body.Next(ctx)
		if err == io.EOF {
			s.ended = true
			s.queue = append(s.queue, s.dec.Finish()...)
			continue
		}
		if err != nil {
			return Event{}, err
		}
		s.queue = append(s.queue, s.dec.Feed(chunk)...)
	}
}

// ProxyVersion returns the diagnostic proxy version header, if present.
func (s *EventStream) ProxyVersion() string {
	return s.body.Header[proxyhttp.HeaderProxyVersion]
}

// Close tears down the underlying tunneled stream. Idempotent.
func (s *EventStream) Close() error {
	return s.body.Close()
}
