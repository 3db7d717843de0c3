package chat

import "testing"

func TestCancelSessionRemovesAllItsTokens(t *testing.T) {
	r := NewRegistry()
	tokens := []*Token{
		r.Register("req-1", "session-1"),
		r.Register("req-2", "session-1"),
		r.Register("req-3", "session-1"),
	}
	r.Register("req-4", "session-2")

	if got := r.CancelSession("session-1"); got != 3 {
		t.Fatalf("expected 3 cancelled requests, got %d", got)
	}
	for i, token := range tokens {
		if !token.Cancelled() {
			t.Fatalf("expected token %d to be cancelled", i)
		}
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("expected only the other session's request to remain, got %d", got)
	}
	if got := r.CancelSession("session-1"); got != 0 {
		t.Fatalf("expected the emptied session to cancel nothing, got %d", got)
	}
}

func TestCancelUnknownSessionReturnsZero(t *testing.T) {
	r := NewRegistry()
	if got := r.CancelSession("never-seen"); got != 0 {
		t.Fatalf("expected 0 for an unknown session, got %d", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	token := r.Register("req-1", "session-1")

	r.Release("req-1")
	r.Release("req-1")
	r.Release("never-registered")

	if r.Len() != 0 {
		t.Fatalf("expected an empty registry, got %d entries", r.Len())
	}
	if token.Cancelled() {
		t.Fatalf("expected release to not cancel the token")
	}
	if got := r.CancelSession("session-1"); got != 0 {
		t.Fatalf("expected the released session entry to be gone, got %d", got)
	}
}

func TestCancelAllSweepsEverySession(t *testing.T) {
	r := NewRegistry()
	first := r.Register("req-1", "session-1")
	second := r.Register("req-2", "session-2")

	if got := r.CancelAll(); got != 2 {
		t.Fatalf("expected 2 cancelled requests, got %d", got)
	}
	if !first.Cancelled() || !second.Cancelled() {
		t.Fatalf("expected every token to be cancelled")
	}
	if r.Len() != 0 {
		t.Fatalf("expected an empty registry, got %d entries", r.Len())
	}
}

func TestTokenCancelIsIdempotent(t *testing.T) {
	token := newToken()
	token.Cancel()
	token.Cancel()

	select {
	case <-token.Done():
	default:
		t.Fatalf("expected the done channel to be closed")
	}
}
