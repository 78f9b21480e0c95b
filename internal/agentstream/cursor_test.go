package agentstream

import "testing"

func TestCursorDefaultsToZero(t *testing.T) {
	s := NewCursorStore()
	if got := s.Get("alpha", "conv-1"); got != 0 {
		t.Fatalf("expected 0 for unknown cursor, got %d", got)
	}
}

func TestCursorAdvanceIsMonotonic(t *testing.T) {
	s := NewCursorStore()

	s.Advance("alpha", "conv-1", 5)
	if got := s.Get("alpha", "conv-1"); got != 5 {
		t.Fatalf("expected cursor 5, got %d", got)
	}

	s.Advance("alpha", "conv-1", 3)
	if got := s.Get("alpha", "conv-1"); got != 5 {
		t.Fatalf("regression should be ignored, got %d", got)
	}

	s.Advance("alpha", "conv-1", 9)
	if got := s.Get("alpha", "conv-1"); got != 9 {
		t.Fatalf("expected cursor 9, got %d", got)
	}
}

func TestCursorKeysAreIndependent(t *testing.T) {
	s := NewCursorStore()

	s.Advance("alpha", "conv-1", 10)
	s.Advance("alpha", "conv-2", 20)
	s.Advance("beta", "conv-1", 30)

	if got := s.Get("alpha", "conv-1"); got != 10 {
		t.Fatalf("alpha/conv-1 = %d, want 10", got)
	}
	if got := s.Get("alpha", "conv-2"); got != 20 {
		t.Fatalf("alpha/conv-2 = %d, want 20", got)
	}
	if got := s.Get("beta", "conv-1"); got != 30 {
		t.Fatalf("beta/conv-1 = %d, want 30", got)
	}
}

func TestCursorReset(t *testing.T) {
	s := NewCursorStore()

	s.Advance("alpha", "conv-1", 42)
	s.Reset("alpha", "conv-1")

	if got := s.Get("alpha", "conv-1"); got != 0 {
		t.Fatalf("expected 0 after reset, got %d", got)
	}

	// A reset cursor accepts small ids again.
	s.Advance("alpha", "conv-1", 1)
	if got := s.Get("alpha", "conv-1"); got != 1 {
		t.Fatalf("expected cursor 1 after reset, got %d", got)
	}
}
