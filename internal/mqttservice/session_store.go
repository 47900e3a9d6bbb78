package mqttservice

import (
	"sync"

	"github.com/nimbusmq/broker/internal/model"
)

// SessionStore holds the set of sessions known to this process, keyed
// by client id (section 3: sessions are persistent, surviving
// reconnects with clean_session=0). It implements
// subscribe.SessionProvider.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

// NewSessionStore constructs an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*model.Session)}
}

// Session looks up a session by client id.
func (s *SessionStore) Session(clientID string) (*model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[clientID]
	return sess, ok
}

// GetOrCreate returns clientID's session, creating an offline one if
// none exists. existed reports whether a session was already present.
func (s *SessionStore) GetOrCreate(clientID string) (sess *model.Session, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[clientID]; ok {
		return sess, true
	}
	sess = model.NewSession(clientID)
	s.sessions[clientID] = sess
	return sess, false
}

// Replace discards any existing session for clientID and installs a
// fresh one, used when a CONNECT arrives with clean_session=1 (the
// existing session's state, including subscriptions, must not survive).
func (s *SessionStore) Replace(clientID string) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := model.NewSession(clientID)
	s.sessions[clientID] = sess
	return sess
}

// Remove deletes clientID's session entirely, used when its expiry
// interval elapses while offline.
func (s *SessionStore) Remove(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
}
