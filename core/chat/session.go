package chat

import (
	"sync"

	"github.com/parley-labs/parley-core/core/llms"
)

// Session is one conversation's state. Message 0 is always the system
// prompt; it survives resets and trimming.
type Session struct {
	ID          string
	Messages    []llms.Message
	TotalTokens int
}

// sessionStore owns every session touched by the client. It is the single
// mutual-exclusion boundary between the delivery loop and the per-request
// goroutines.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[string]*Session{}}
}

// get returns the session, creating it lazily with systemPrompt as
// message 0.
func (s *sessionStore) get(id, systemPrompt string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		session = &Session{
			ID:       id,
			Messages: []llms.Message{{Role: llms.MessageRoleSystem, Content: systemPrompt}},
		}
		s.sessions[id] = session
	}
	return session
}

func (s *sessionStore) append(id string, messages ...llms.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[id]; ok {
		session.Messages = append(session.Messages, messages...)
	}
}

func (s *sessionStore) addTokens(id string, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[id]; ok {
		session.TotalTokens += tokens
	}
}

// history returns a snapshot of the session's messages past the system
// prompt, plus the system prompt itself.
func (s *sessionStore) history(id string) (systemPrompt string, messages []llms.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok || len(session.Messages) == 0 {
		return "", nil
	}

	systemPrompt = session.Messages[0].Content
	messages = make([]llms.Message, len(session.Messages)-1)
	copy(messages, session.Messages[1:])
	return systemPrompt, messages
}

// trim drops the oldest turns so that at most 1+2*maxExchanges messages
// remain, message 0 untouched.
func (s *sessionStore) trim(id string, maxExchanges int) {
	if maxExchanges <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return
	}

	limit := 1 + 2*maxExchanges
	if len(session.Messages) <= limit {
		return
	}

	keep := session.Messages[len(session.Messages)-(limit-1):]
	trimmed := make([]llms.Message, 0, limit)
	trimmed = append(trimmed, session.Messages[0])
	trimmed = append(trimmed, keep...)
	session.Messages = trimmed
}

// reset truncates every session back to its system prompt.
func (s *sessionStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if len(session.Messages) > 1 {
			session.Messages = session.Messages[:1]
		}
	}
}

func (s *sessionStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (s *sessionStore) len(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return 0
	}
	return len(session.Messages)
}
