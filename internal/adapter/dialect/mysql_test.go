package dialect

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestFinding(t *testing.T) {
	t.Run("server error is a finding", func(t *testing.T) {
		err := fmt.Errorf("query: %w", &mysql.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"})
		finding, ok := Finding(err)
		assert.True(t, ok)
		assert.Equal(t, "Error 1064: You have an error in your SQL syntax", finding)
	})

	t.Run("connectivity error is not", func(t *testing.T) {
		_, ok := Finding(mysql.ErrInvalidConn)
		assert.False(t, ok)
		_, ok = Finding(context.DeadlineExceeded)
		assert.False(t, ok)
		_, ok = Finding(errors.New("dial tcp: connection refused"))
		assert.False(t, ok)
	})
}

func TestNoop(t *testing.T) {
	finding, err := Noop{}.Check(context.Background(), "SELECT 1")
	assert.NoError(t, err)
	assert.Empty(t, finding)
}
