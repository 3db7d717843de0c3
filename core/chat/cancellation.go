package chat

import "sync"

// Token is a cooperative cancellation handle for one in-flight streaming
// request. Cancelling never interrupts the network task directly; consumers
// check the token at chunk boundaries and unwind their own error path.
type Token struct {
	once sync.Once
	done chan struct{}
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

func (t *Token) Done() <-chan struct{} {
	return t.done
}

func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Registry tracks cancellation tokens by request and by session. Every
// in-flight call registers before dispatch; entries are removed exactly once
// whether the request succeeds, fails or is cancelled.
type Registry struct {
	mu        sync.Mutex
	byRequest map[string]*Token
	bySession map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byRequest: map[string]*Token{},
		bySession: map[string][]string{},
	}
}

func (r *Registry) Register(requestID, sessionID string) *Token {
	token := newToken()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byRequest[requestID] = token
	r.bySession[sessionID] = append(r.bySession[sessionID], requestID)
	return token
}

// Release removes a request's entries. Releasing an unknown request is a
// no-op, which makes cleanup safe to run from every exit path.
func (r *Registry) Release(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byRequest[requestID]; !ok {
		return
	}
	delete(r.byRequest, requestID)
	for sessionID, requests := range r.bySession {
		for i, id := range requests {
			if id != requestID {
				continue
			}
			requests = append(requests[:i], requests[i+1:]...)
			if len(requests) == 0 {
				delete(r.bySession, sessionID)
			} else {
				r.bySession[sessionID] = requests
			}
			return
		}
	}
}

// CancelSession triggers and removes every token registered under sessionID,
// returning how many were cancelled. Unknown sessions return 0.
func (r *Registry) CancelSession(sessionID string) int {
	r.mu.Lock()
	requests := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	tokens := make([]*Token, 0, len(requests))
	for _, requestID := range requests {
		if token, ok := r.byRequest[requestID]; ok {
			tokens = append(tokens, token)
			delete(r.byRequest, requestID)
		}
	}
	r.mu.Unlock()

	for _, token := range tokens {
		token.Cancel()
	}
	return len(tokens)
}

// CancelAll triggers and removes every registered token.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	tokens := make([]*Token, 0, len(r.byRequest))
	for _, token := range r.byRequest {
		tokens = append(tokens, token)
	}
	r.byRequest = map[string]*Token{}
	r.bySession = map[string][]string{}
	r.mu.Unlock()

	for _, token := range tokens {
		token.Cancel()
	}
	return len(tokens)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRequest)
}
