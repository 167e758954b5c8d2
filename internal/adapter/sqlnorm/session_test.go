package sqlnorm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionStore(t *testing.T) {
	t.Run("take removes the session", func(t *testing.T) {
		s := NewSessionStore(4, time.Minute)
		s.Open("10.0.0.1:1000", "SELECT ?")

		text, ok := s.Take("10.0.0.1:1000")
		assert.True(t, ok)
		assert.Equal(t, "SELECT ?", text)

		_, ok = s.Take("10.0.0.1:1000")
		assert.False(t, ok)
	})

	t.Run("capacity bound evicts oldest", func(t *testing.T) {
		s := NewSessionStore(2, time.Minute)
		s.Open("a", "1")
		s.Open("b", "2")
		s.Open("c", "3")

		assert.Equal(t, 2, s.Len())
		_, ok := s.Take("a")
		assert.False(t, ok)
	})

	t.Run("expired sessions are dropped", func(t *testing.T) {
		s := NewSessionStore(4, 10*time.Millisecond)
		s.Open("a", "1")
		time.Sleep(30 * time.Millisecond)

		_, ok := s.Take("a")
		assert.False(t, ok)
	})
}
