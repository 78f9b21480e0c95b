// Package diag serves a loopback-only diagnostics API: pooled connection
// state, health metrics, event history, log tails, and a live event feed
// over WebSocket. It is meant for local debugging of a running client,
// never for exposure beyond the machine.
package diag

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/clawlink/internal/sshpool"
	"github.com/gluk-w/clawlink/internal/targets"
)

// Server exposes the diagnostics API for one pool.
type Server struct {
	pool     *sshpool.Pool
	registry *targets.Registry

	httpSrv *http.Server
}

// NewServer builds a diagnostics server around the given pool and target
// registry.
func NewServer(pool *sshpool.Pool, registry *targets.Registry) *Server {
	return &Server{pool: pool, registry: registry}
}

// Router assembles the chi router for the diagnostics API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/targets", s.listTargets)
		r.Get("/targets/{target}/status", s.targetStatus)
		r.Get("/targets/{target}/events", s.targetEvents)
		r.Get("/connections", s.listConnections)
		r.Get("/events/live", s.liveEvents)
		r.Get("/logs", s.logTail)
	})
	return r
}

// ListenAndServe binds addr and serves until ctx is cancelled. Refuses
// non-loopback addresses.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return &net.AddrError{Err: "diagnostics server requires a loopback address", Addr: addr}
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[diag] Shutdown: %v", err)
		}
	}()

	log.Printf("[diag] Listening on %s", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
