// cursor.go tracks the last delivered event sequence number per
// (target, conversation). The cursor is monotonic and doubles as the SSE
// resume token (Last-Event-ID header) and the pull-mode since= parameter.
// Durable persistence belongs to the embedding application; this store is
// the in-process source of truth while the client runs.

package agentstream

import (
	"sync"
)

type cursorKey struct {
	target       string
	conversation string
}

// CursorStore holds event cursors for all conversations the client follows.
type CursorStore struct {
	mu      sync.Mutex
	cursors map[cursorKey]int64
}

// NewCursorStore creates an empty cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[cursorKey]int64)}
}

// Get returns the last delivered event id, or 0 if none was recorded.
func (s *CursorStore) Get(target, conversation string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[cursorKey{target, conversation}]
}

// Advance moves the cursor forward to id. Regressions are ignored so the
// cursor stays monotonic even if events are replayed.
func (s *CursorStore) Advance(target, conversation string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cursorKey{target, conversation}
	if id > s.cursors[key] {
		s.cursors[key] = id
	}
}

// Reset zeroes the cursor. Must be called whenever the canonical
// conversation id changes out from under a cached value.
func (s *CursorStore) Reset(target, conversation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, cursorKey{target, conversation})
}
