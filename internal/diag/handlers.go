package diag

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/clawlink/internal/logging"
	"github.com/gluk-w/clawlink/internal/sshconn"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type targetSummary struct {
	ID              string   `json:"id"`
	ConnectionState string   `json:"connection_state"`
	ActivePurposes  []string `json:"active_purposes"`
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	mon := s.pool.Monitor()

	out := struct {
		Targets []targetSummary `json:"targets"`
	}{Targets: []targetSummary{}}

	for _, id := range s.registry.IDs() {
		summary := targetSummary{
			ID:              id,
			ConnectionState: sshconn.StateDisconnected.String(),
			ActivePurposes:  []string{},
		}
		if mon != nil {
			summary.ConnectionState = mon.State(id).String()
		}
		for _, purpose := range s.pool.ListActive(id) {
			summary.ActivePurposes = append(summary.ActivePurposes, string(purpose))
		}
		out.Targets = append(out.Targets, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

type connectionHealth struct {
	ConnectedAt      string `json:"connected_at"`
	LastProbe        string `json:"last_probe"`
	SuccessfulProbes int64  `json:"successful_probes"`
	FailedProbes     int64  `json:"failed_probes"`
}

type stateChange struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

type targetStatusResponse struct {
	ConnectionState string            `json:"connection_state"`
	Health          *connectionHealth `json:"health,omitempty"`
	RecentChanges   []stateChange     `json:"recent_changes"`
}

// targetStatus reports connection state, probe metrics of the
// interactive-agent transport, and the last ten state changes.
func (s *Server) targetStatus(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if _, err := s.registry.Resolve(r.Context(), target); err != nil {
		writeError(w, http.StatusNotFound, "Unknown target")
		return
	}

	resp := targetStatusResponse{
		ConnectionState: sshconn.StateDisconnected.String(),
		RecentChanges:   []stateChange{},
	}

	if mon := s.pool.Monitor(); mon != nil {
		resp.ConnectionState = mon.State(target).String()

		transitions := mon.Transitions(target)
		start := 0
		if len(transitions) > 10 {
			start = len(transitions) - 10
		}
		for _, t := range transitions[start:] {
			resp.RecentChanges = append(resp.RecentChanges, stateChange{
				From:      t.From.String(),
				To:        t.To.String(),
				Reason:    t.Reason,
				Timestamp: formatTimestamp(t.Timestamp),
			})
		}
	}

	for _, purpose := range s.pool.ListActive(target) {
		tr := s.pool.Peek(target, purpose)
		if tr == nil || tr.Dead() {
			continue
		}
		m := tr.Metrics()
		resp.Health = &connectionHealth{
			ConnectedAt:      formatTimestamp(m.ConnectedAt),
			LastProbe:        formatTimestamp(m.LastProbe),
			SuccessfulProbes: m.SuccessfulProbes,
			FailedProbes:     m.FailedProbes,
		}
		break
	}

	writeJSON(w, http.StatusOK, resp)
}

type eventResponse struct {
	Target    string `json:"target"`
	Type      string `json:"type"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// targetEvents returns the connection event history for a target.
// Supports ?limit=N (default 50, max 100).
func (s *Server) targetEvents(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}

	out := struct {
		Events []eventResponse `json:"events"`
	}{Events: []eventResponse{}}

	if mon := s.pool.Monitor(); mon != nil {
		events := mon.Events(target)
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
		for _, e := range events {
			out.Events = append(out.Events, eventResponse{
				Target:    e.Target,
				Type:      string(e.Type),
				Details:   e.Details,
				Timestamp: formatTimestamp(e.Timestamp),
			})
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	type pooledConnection struct {
		Target  string `json:"target"`
		Purpose string `json:"purpose"`
	}

	out := struct {
		Connections []pooledConnection `json:"connections"`
	}{Connections: []pooledConnection{}}

	for _, key := range s.pool.Keys() {
		out.Connections = append(out.Connections, pooledConnection{
			Target:  key.Target,
			Purpose: string(key.Purpose),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// liveEvents pushes connection events to a WebSocket client as they happen.
// The monitor's listener list has no unsubscribe, so a dropped client's
// callback keeps firing; once its buffer fills the events are simply
// discarded for that client.
func (s *Server) liveEvents(w http.ResponseWriter, r *http.Request) {
	mon := s.pool.Monitor()
	if mon == nil {
		writeError(w, http.StatusServiceUnavailable, "No connection monitor")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("[diag] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed := make(chan sshconn.ConnectionEvent, 64)
	mon.OnEvent(func(event sshconn.ConnectionEvent) {
		select {
		case feed <- event:
		default:
		}
	})

	// Drain client frames so pings are answered and closure is noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-feed:
			payload, err := json.Marshal(eventResponse{
				Target:    event.Target,
				Type:      string(event.Type),
				Details:   event.Details,
				Timestamp: formatTimestamp(event.Timestamp),
			})
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

// logTail returns the last N lines of the client log file.
// Supports ?lines=N (default 200, max 2000).
func (s *Server) logTail(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if linesStr := r.URL.Query().Get("lines"); linesStr != "" {
		if parsed, err := strconv.Atoi(linesStr); err == nil && parsed > 0 {
			lines = parsed
			if lines > 2000 {
				lines = 2000
			}
		}
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(tail))
}
