package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/query-compat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupQueue(t *testing.T, wal domain.WALRepository) (*StatementQueue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewStatementQueue(client, testLogger(), QueueOptions{
		Stream:    "query_statements",
		DLQStream: "query_statements_dlq",
		Group:     "statement-ingestors",
		Consumer:  "c1",
		Block:     -1,
		ClaimIdle: 10 * time.Millisecond,
	}, wal, nil)
	require.NoError(t, err)
	return q, mr, client
}

func stmt(hash string) domain.NormalizedStatement {
	return domain.NormalizedStatement{TaskID: "t1", QueryHash: hash, QueryText: "SELECT 1", SrcIP: "10.0.0.5", SrcPort: "5001"}
}

func TestStatementQueue_PublishReadAck(t *testing.T) {
	ctx := context.Background()
	q, _, client := setupQueue(t, nil)

	require.NoError(t, q.Publish(ctx, stmt("h1")))
	require.NoError(t, q.Publish(ctx, stmt("h2")))

	batch, err := q.ReadBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "h1", batch[0].Statement.QueryHash)
	assert.Equal(t, int64(1), batch[0].Deliveries)

	require.NoError(t, q.Ack(ctx, batch[0].MessageID, batch[1].MessageID))

	pending, err := client.XPending(ctx, "query_statements", "statement-ingestors").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	batch, err = q.ReadBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestStatementQueue_RedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setupQueue(t, nil)
	require.NoError(t, q.Publish(ctx, stmt("h1")))

	first, err := q.ReadBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(30 * time.Millisecond)

	again, err := q.ReadBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].MessageID, again[0].MessageID)
	assert.Positive(t, again[0].Deliveries)
}

func TestStatementQueue_DeadLetters(t *testing.T) {
	ctx := context.Background()
	q, _, client := setupQueue(t, nil)

	t.Run("MoveToDLQ acks originals", func(t *testing.T) {
		require.NoError(t, q.Publish(ctx, stmt("h1")))
		batch, err := q.ReadBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		require.NoError(t, q.MoveToDLQ(ctx, batch, "max deliveries exceeded"))

		dlq, err := client.XRange(ctx, "query_statements_dlq", "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, dlq, 1)
		assert.Equal(t, batch[0].MessageID, dlq[0].Values["original_msg_id"])
		assert.Equal(t, "max deliveries exceeded", dlq[0].Values["reason"])

		pending, err := client.XPending(ctx, "query_statements", "statement-ingestors").Result()
		require.NoError(t, err)
		assert.Zero(t, pending.Count)
	})

	t.Run("undecodable payloads never reach the caller", func(t *testing.T) {
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "query_statements", Values: map[string]interface{}{"payload": "{not json"}}).Err())
		require.NoError(t, q.Publish(ctx, stmt("h2")))

		batch, err := q.ReadBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, "h2", batch[0].Statement.QueryHash)

		dlq, err := client.XLen(ctx, "query_statements_dlq").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(2), dlq)
	})
}

type memoryWAL struct {
	mu       sync.Mutex
	written  []domain.NormalizedStatement
	replayed int
}

func (w *memoryWAL) Write(ctx context.Context, s domain.NormalizedStatement) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, s)
	return nil
}

func (w *memoryWAL) Replay(ctx context.Context, handler func(domain.NormalizedStatement) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.written {
		if err := handler(s); err != nil {
			return err
		}
		w.replayed++
	}
	return nil
}

func (w *memoryWAL) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = nil
	return nil
}

func TestStatementQueue_WALFailover(t *testing.T) {
	ctx := context.Background()
	wal := &memoryWAL{}
	q, _, client := setupQueue(t, wal)

	q.setAvailable(false)
	require.NoError(t, q.Publish(ctx, stmt("h1")))
	assert.Len(t, wal.written, 1)

	q.checkHealth(ctx)
	assert.True(t, q.isAvailable.Load())
	assert.Equal(t, 1, wal.replayed)
	assert.Empty(t, wal.written)

	n, err := client.XLen(ctx, "query_statements").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStatementQueue_UnavailableWithoutWAL(t *testing.T) {
	q, _, _ := setupQueue(t, nil)
	q.setAvailable(false)
	err := q.Publish(context.Background(), stmt("h1"))
	assert.True(t, errors.Is(err, domain.ErrQueueUnavailable))
}
