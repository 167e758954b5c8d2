package sqlnorm

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SessionStore holds the open prepared statement of each client connection. Entries are
// evicted on execute, on connection close, on TTL expiry and when capacity is exceeded.
type SessionStore struct {
	cache *expirable.LRU[string, string]
}

// NewSessionStore creates a store bounded to size connections.
func NewSessionStore(size int, ttl time.Duration) *SessionStore {
	return &SessionStore{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Open records the prepared text for a connection, replacing any previous one.
func (s *SessionStore) Open(connKey, text string) {
	s.cache.Add(connKey, text)
}

// Take returns and removes the prepared text for a connection.
func (s *SessionStore) Take(connKey string) (string, bool) {
	text, ok := s.cache.Get(connKey)
	if !ok {
		return "", false
	}
	s.cache.Remove(connKey)
	return text, true
}

// Close drops the connection's session.
func (s *SessionStore) Close(connKey string) {
	s.cache.Remove(connKey)
}

// Len returns the number of open sessions.
func (s *SessionStore) Len() int {
	return s.cache.Len()
}
