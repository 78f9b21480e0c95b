// Package sshpool maintains the keyed cache of live SSH transports.
//
// Entries are keyed by (target id, purpose) so independent features (the
// interactive agent stream, a terminal tab, file operations) each get their
// own connection to the same host without contending for channels. Entries
// are created lazily on first Acquire, reused on hit, and removed either
// explicitly (Release), by a failed liveness probe (Reap), or wholesale
// after the process resumes from suspension (ReconnectAll, since the
// underlying sockets are assumed dead after mobile backgrounding).
//
// Acquisition failures propagate to the caller as typed sshconn.ConnError
// values and are never retried inside the pool; the pool only ever absorbs a
// failure by evicting the offending entry so the next Acquire starts fresh.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/clawlink/internal/logging"
	"github.com/gluk-w/clawlink/internal/secrets"
	"github.com/gluk-w/clawlink/internal/sshconn"
	"github.com/gluk-w/clawlink/internal/targets"
)

// Purpose tags what a pooled connection is used for.
type Purpose string

const (
	PurposeAgent        Purpose = "interactive-agent"
	PurposeTerminal     Purpose = "terminal"
	PurposeFileOps      Purpose = "file-ops"
	PurposeProvisioning Purpose = "provisioning"
	PurposeHealthCheck  Purpose = "health-check"
)

// Key identifies one pooled transport.
type Key struct {
	Target  string
	Purpose Purpose
}

// Resolver resolves a target id to its connection spec.
// Implemented by targets.Registry.
type Resolver interface {
	Resolve(ctx context.Context, id string) (targets.Spec, error)
}

// Options tunes pool behavior. The zero value uses defaults.
type Options struct {
	Monitor           *sshconn.Monitor
	KeepaliveInterval time.Duration
	ConnectTimeout    time.Duration

	// ReapSchedule is a cron spec (e.g. "@every 30s") for the background
	// reaper started by StartReaper.
	ReapSchedule string
}

// entry is one pooled transport, possibly still connecting. The ready
// channel closes once tr/err are set, deduplicating concurrent Acquires for
// the same key.
type entry struct {
	ready chan struct{}
	tr    *sshconn.Transport
	err   error
}

// Pool is the keyed cache of live transports. Safe for concurrent use; the
// entries map is the only structure shared across callers.
type Pool struct {
	resolver Resolver
	creds    secrets.CredentialSource
	opts     Options

	mu      sync.Mutex
	entries map[Key]*entry

	cron *cron.Cron
}

// New creates a pool that resolves targets through resolver and credentials
// through creds.
func New(resolver Resolver, creds secrets.CredentialSource, opts Options) *Pool {
	if opts.ReapSchedule == "" {
		opts.ReapSchedule = "@every 30s"
	}
	return &Pool{
		resolver: resolver,
		creds:    creds,
		opts:     opts,
		entries:  make(map[Key]*entry),
	}
}

// Monitor returns the connection monitor shared by pooled transports.
// May be nil if none was configured.
func (p *Pool) Monitor() *sshconn.Monitor { return p.opts.Monitor }

// Acquire returns the live transport for (target, purpose), creating and
// authenticating one on a miss. A returned transport is not guaranteed to be
// responsive; callers needing certainty should Probe it. A prior probe
// failure removes stale entries lazily on the next Acquire.
func (p *Pool) Acquire(ctx context.Context, target string, purpose Purpose) (*sshconn.Transport, error) {
	key := Key{Target: target, Purpose: purpose}

	for {
		p.mu.Lock()
		e, ok := p.entries[key]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			p.entries[key] = e
			p.mu.Unlock()

			e.tr, e.err = p.connect(ctx, target)
			close(e.ready)
			if e.err != nil {
				p.remove(key, e)
				return nil, e.err
			}
			return e.tr, nil
		}
		p.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if e.err == nil && !e.tr.Dead() {
			return e.tr, nil
		}

		// Stale or failed entry: evict and start over.
		p.remove(key, e)
	}
}

// connect resolves the target and dials a new transport.
func (p *Pool) connect(ctx context.Context, target string) (*sshconn.Transport, error) {
	spec, err := p.resolver.Resolve(ctx, target)
	if err != nil {
		return nil, &sshconn.ConnError{Kind: sshconn.KindUnreachable, Target: target, Err: err}
	}

	tr, err := sshconn.Connect(ctx, spec, p.creds, sshconn.Options{
		KeepaliveInterval: p.opts.KeepaliveInterval,
		ConnectTimeout:    p.opts.ConnectTimeout,
		Monitor:           p.opts.Monitor,
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// remove deletes an entry from the map if it is still the current one for
// its key, closing its transport.
func (p *Pool) remove(key Key, e *entry) {
	p.mu.Lock()
	if p.entries[key] == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if e.tr != nil {
		e.tr.Close()
	}
}

// Release closes and removes pooled entries for a target: the listed
// purposes, or every purpose when none are given. Used on logout and project
// switch.
func (p *Pool) Release(target string, purposes ...Purpose) {
	p.mu.Lock()
	var victims []*entry
	for key, e := range p.entries {
		if key.Target != target {
			continue
		}
		if len(purposes) > 0 && !containsPurpose(purposes, key.Purpose) {
			continue
		}
		delete(p.entries, key)
		victims = append(victims, e)
	}
	p.mu.Unlock()

	for _, e := range victims {
		closeEntry(e)
	}

	if len(victims) > 0 {
		log.Printf("Pool released %d connection(s) for target %s", len(victims), target)
	}
}

// ListActive returns the purposes with a pooled entry for the target,
// sorted for stable output.
func (p *Pool) ListActive(target string) []Purpose {
	p.mu.Lock()
	defer p.mu.Unlock()

	var purposes []Purpose
	for key := range p.entries {
		if key.Target == target {
			purposes = append(purposes, key.Purpose)
		}
	}
	sort.Slice(purposes, func(i, j int) bool { return purposes[i] < purposes[j] })
	return purposes
}

// Peek returns the pooled transport for the key if one is already
// established, without creating a connection. Returns nil when the key is
// absent or its connect is still in flight.
func (p *Pool) Peek(target string, purpose Purpose) *sshconn.Transport {
	p.mu.Lock()
	e, ok := p.entries[Key{Target: target, Purpose: purpose}]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.ready:
		return e.tr
	default:
		return nil
	}
}

// Keys returns every pooled key, sorted for stable output.
func (p *Pool) Keys() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]Key, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Target != keys[j].Target {
			return keys[i].Target < keys[j].Target
		}
		return keys[i].Purpose < keys[j].Purpose
	})
	return keys
}

// Reap probes every pooled transport with a trivial round-trip command and
// evicts any whose probe fails or times out. The next Acquire for an evicted
// key creates a fresh transport.
func (p *Pool) Reap(ctx context.Context) {
	p.mu.Lock()
	snapshot := make(map[Key]*entry, len(p.entries))
	for key, e := range p.entries {
		snapshot[key] = e
	}
	p.mu.Unlock()

	for key, e := range snapshot {
		select {
		case <-e.ready:
		default:
			continue // still connecting; skip
		}
		if e.err != nil {
			continue
		}

		if err := e.tr.Probe(ctx); err != nil {
			log.Printf("Pool probe failed for %s/%s: %s, evicting", key.Target, key.Purpose, logging.Sanitize(err.Error()))
			if mon := p.opts.Monitor; mon != nil {
				mon.Emit(sshconn.ConnectionEvent{
					Target:    key.Target,
					Type:      sshconn.EventProbeFailed,
					Timestamp: time.Now(),
					Details:   fmt.Sprintf("purpose %s: %v", key.Purpose, err),
				})
				mon.Emit(sshconn.ConnectionEvent{
					Target:    key.Target,
					Type:      sshconn.EventEvicted,
					Timestamp: time.Now(),
					Details:   string(key.Purpose),
				})
			}
			p.remove(key, e)
		}
	}
}

// ReconnectAll recreates every pooled (target, purpose) entry. Called after
// the process resumes from a suspended state, when the underlying sockets
// are assumed dead. Keys whose reconnect fails are left out of the pool;
// their errors are joined and returned.
func (p *Pool) ReconnectAll(ctx context.Context) error {
	p.mu.Lock()
	old := p.entries
	p.entries = make(map[Key]*entry)
	p.mu.Unlock()

	keys := make([]Key, 0, len(old))
	for key, e := range old {
		keys = append(keys, key)
		closeEntry(e)
	}

	var errs []error
	for _, key := range keys {
		if _, err := p.Acquire(ctx, key.Target, key.Purpose); err != nil {
			errs = append(errs, fmt.Errorf("reconnect %s/%s: %w", key.Target, key.Purpose, err))
			continue
		}
		if mon := p.opts.Monitor; mon != nil {
			mon.Emit(sshconn.ConnectionEvent{
				Target:    key.Target,
				Type:      sshconn.EventReconnected,
				Timestamp: time.Now(),
				Details:   string(key.Purpose),
			})
		}
	}

	log.Printf("Pool reconnected %d/%d connection(s)", len(keys)-len(errs), len(keys))
	return errors.Join(errs...)
}

// StartReaper schedules Reap on the configured cron schedule.
func (p *Pool) StartReaper() error {
	if p.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(p.opts.ReapSchedule, func() {
		p.Reap(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule reaper (%q): %w", p.opts.ReapSchedule, err)
	}
	c.Start()
	p.cron = c
	log.Printf("Pool reaper started (schedule: %s)", p.opts.ReapSchedule)
	return nil
}

// Close stops the reaper and closes every pooled transport. Used during
// shutdown.
func (p *Pool) Close() {
	if p.cron != nil {
		p.cron.Stop()
		p.cron = nil
	}

	p.mu.Lock()
	old := p.entries
	p.entries = make(map[Key]*entry)
	p.mu.Unlock()

	for _, e := range old {
		closeEntry(e)
	}
	log.Printf("Pool closed (%d connection(s))", len(old))
}

// closeEntry closes an entry's transport once its connect has settled.
func closeEntry(e *entry) {
	<-e.ready
	if e.tr != nil {
		e.tr.Close()
	}
}

func containsPurpose(purposes []Purpose, p Purpose) bool {
	for _, candidate := range purposes {
		if candidate == p {
			return true
		}
	}
	return false
}
