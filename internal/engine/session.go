// Package engine implements the conversation and flow orchestration core:
// trigger resolution, step interpretation, ownership arbitration between bot
// and human agents, and human-fallback message logging.
package engine

import (
	"sync"
	"time"

	"github.com/zapdesk/zapdesk/internal/models"
)

// SessionStore holds in-progress flow sessions keyed by conversation address.
// Sessions are transient process state and do not survive a restart.
type SessionStore interface {
	Get(conversationKey string) (*models.Session, bool)
	Set(session *models.Session)
	Delete(conversationKey string)
}

// InMemorySessionStore is the default SessionStore.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]models.Session)}
}

func (s *InMemorySessionStore) Get(conversationKey string) (*models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[conversationKey]
	if !ok {
		return nil, false
	}
	// Copy out so callers never mutate shared state without Set.
	out := sess
	out.FormData = make(map[string]string, len(sess.FormData))
	for k, v := range sess.FormData {
		out.FormData[k] = v
	}
	return &out, true
}

func (s *InMemorySessionStore) Set(session *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *session
	stored.FormData = make(map[string]string, len(session.FormData))
	for k, v := range session.FormData {
		stored.FormData[k] = v
	}
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now()
	}
	s.sessions[session.ConversationKey] = stored
}

func (s *InMemorySessionStore) Delete(conversationKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conversationKey)
}
