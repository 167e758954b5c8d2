package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/query-compat/internal/domain"
)

func TestParseTuple(t *testing.T) {
	t.Run("direct query", func(t *testing.T) {
		ev, err := ParseTuple("1700000000.250000000\t10.0.0.5\t51234\t3\tSELECT * FROM t WHERE a = 'x'\n", "task-1")
		require.NoError(t, err)

		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, "task-1", ev.TaskID)
		assert.Equal(t, time.Unix(1700000000, 250000000).UTC(), ev.Timestamp)
		assert.Equal(t, "10.0.0.5", ev.SrcIP)
		assert.Equal(t, "51234", ev.SrcPort)
		assert.Equal(t, domain.CommandDirectQuery, ev.Command)
		assert.Equal(t, "SELECT * FROM t WHERE a = 'x'", ev.Text)
	})

	t.Run("execute with field types", func(t *testing.T) {
		ev, err := ParseTuple("1700000000.0\t10.0.0.5\t51234\t23\t\t8,253", "task-1")
		require.NoError(t, err)
		assert.Equal(t, domain.CommandPreparedExecute, ev.Command)
		assert.Equal(t, []int{8, 253}, ev.FieldTypes)
	})

	malformed := map[string]string{
		"too few fields":    "1700000000.0\t10.0.0.5\t51234",
		"bad time":          "yesterday\t10.0.0.5\t51234\t3\tSELECT 1",
		"bad command":       "1700000000.0\t10.0.0.5\t51234\tquery\tSELECT 1",
		"missing query":     "1700000000.0\t10.0.0.5\t51234\t3",
		"bad field type":    "1700000000.0\t10.0.0.5\t51234\t23\t\tlong",
		"missing source ip": "1700000000.0\t\t51234\t3\tSELECT 1",
	}
	for name, line := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTuple(line, "task-1")
			assert.ErrorIs(t, err, domain.ErrMalformedTuple)
		})
	}
}

func TestReadFeed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	feed := strings.Join([]string{
		"1700000000.0\t10.0.0.5\t51234\t3\tSELECT 1",
		"",
		"garbage",
		"1700000001.0\t10.0.0.5\t51234\t22\tSELECT ?",
		"1700000002.0\t10.0.0.6\t40000\t3\tSELECT 2",
	}, "\n")

	var got []domain.CapturedEvent
	submit := func(ctx context.Context, ev domain.CapturedEvent) error {
		if ev.SrcIP == "10.0.0.6" {
			return errors.New("intake full")
		}
		got = append(got, ev)
		return nil
	}

	stats, err := ReadFeed(context.Background(), strings.NewReader(feed), "task-1", submit, logger)
	require.NoError(t, err)

	assert.Equal(t, FeedStats{Lines: 4, Submitted: 2, Malformed: 1, Rejected: 1}, stats)
	require.Len(t, got, 2)
	assert.Equal(t, domain.CommandPreparedPrepare, got[1].Command)
}
