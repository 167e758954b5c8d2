package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/query-compat/internal/adapter/metrics"
	"github.com/V4T54L/query-compat/internal/domain"
)

const payloadField = "payload"

// QueueOptions names the streams and consumer of a StatementQueue.
type QueueOptions struct {
	Stream    string
	DLQStream string
	Group     string
	Consumer  string
	// Block is how long ReadBatch waits for new messages; negative does not wait.
	Block time.Duration
	// ClaimIdle is how long a message stays unacknowledged before another read reclaims it.
	ClaimIdle time.Duration
}

// StatementQueue implements domain.StatementQueue on a Redis Stream with a consumer
// group. Publishing falls back to a Write-Ahead Log (WAL) while Redis is unreachable.
type StatementQueue struct {
	client      *redis.Client
	logger      *slog.Logger
	wal         domain.WALRepository
	metrics     *metrics.PipelineMetrics
	opts        QueueOptions
	isAvailable atomic.Bool
}

var _ domain.StatementQueue = (*StatementQueue)(nil)

// NewStatementQueue creates the queue and its consumer group. The WAL is optional; pass
// nil for consumers.
func NewStatementQueue(client *redis.Client, logger *slog.Logger, opts QueueOptions, wal domain.WALRepository, m *metrics.PipelineMetrics) (*StatementQueue, error) {
	if opts.Stream == "" || opts.Group == "" {
		return nil, errors.New("stream and group are required")
	}
	if opts.DLQStream == "" {
		opts.DLQStream = opts.Stream + "_dlq"
	}
	if opts.Consumer == "" {
		opts.Consumer = "consumer-1"
	}
	if opts.Block == 0 {
		opts.Block = 2 * time.Second
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = time.Minute
	}
	q := &StatementQueue{
		client:  client,
		logger:  logger.With("component", "redis_statement_queue", "stream", opts.Stream),
		wal:     wal,
		metrics: m,
		opts:    opts,
	}
	q.isAvailable.Store(true) // Assume available initially

	if err := q.setupConsumerGroup(context.Background()); err != nil {
		q.setAvailable(false)
		q.logger.Error("Failed to setup consumer group, Redis may be unavailable on startup", "error", err)
	}
	return q, nil
}

func (q *StatementQueue) setAvailable(ok bool) {
	q.isAvailable.Store(ok)
	q.metrics.SetWALActive(!ok && q.wal != nil)
}

func (q *StatementQueue) setupConsumerGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// StartHealthCheck monitors Redis connectivity and replays the WAL once Redis is back.
func (q *StatementQueue) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if q.wal == nil {
		q.logger.Info("WAL is not configured, skipping health check/replayer")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("Starting Redis health check and WAL replayer")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Stopping Redis health check")
			return
		case <-ticker.C:
			q.checkHealth(ctx)
		}
	}
}

func (q *StatementQueue) checkHealth(ctx context.Context) {
	if err := q.client.Ping(ctx).Err(); err != nil {
		if q.isAvailable.CompareAndSwap(true, false) {
			q.metrics.SetWALActive(true)
			q.logger.Error("Redis connection lost", "error", err)
		}
		return
	}
	if q.isAvailable.Load() {
		return
	}
	q.logger.Info("Redis connection recovered")
	if err := q.setupConsumerGroup(ctx); err != nil {
		q.logger.Error("Failed to setup consumer group after recovery", "error", err)
		return
	}
	if err := q.ReplayWAL(ctx); err != nil {
		q.logger.Error("Failed to replay WAL after Redis recovery", "error", err)
		return
	}
	q.setAvailable(true)
}

// ReplayWAL republishes statements from the WAL and truncates it on success.
func (q *StatementQueue) ReplayWAL(ctx context.Context) error {
	q.logger.Info("Attempting to replay WAL to Redis")
	if err := q.wal.Replay(ctx, func(stmt domain.NormalizedStatement) error {
		return q.publishToRedis(ctx, stmt)
	}); err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}
	if err := q.wal.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate WAL after successful replay: %w", err)
	}
	q.logger.Info("WAL replay to Redis completed successfully")
	return nil
}

// Publish adds a statement to the stream, falling back to the WAL if Redis is unavailable.
func (q *StatementQueue) Publish(ctx context.Context, stmt domain.NormalizedStatement) error {
	if !q.isAvailable.Load() {
		if q.wal == nil {
			return domain.ErrQueueUnavailable
		}
		q.logger.Debug("Redis is unavailable, writing to WAL", "query_hash", stmt.QueryHash)
		return q.wal.Write(ctx, stmt)
	}

	err := q.publishToRedis(ctx, stmt)
	if err == nil || !isNetworkError(err) {
		return err
	}
	if q.isAvailable.CompareAndSwap(true, false) {
		q.metrics.SetWALActive(q.wal != nil)
		q.logger.Error("Redis connection lost during write", "error", err)
	}
	if q.wal == nil {
		return fmt.Errorf("%w: %w", domain.ErrQueueUnavailable, err)
	}
	q.logger.Warn("Redis became unavailable, writing to WAL", "query_hash", stmt.QueryHash)
	return q.wal.Write(ctx, stmt)
}

func (q *StatementQueue) publishToRedis(ctx context.Context, stmt domain.NormalizedStatement) error {
	payload, err := json.Marshal(stmt)
	if err != nil {
		return fmt.Errorf("failed to marshal statement: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]interface{}{payloadField: payload},
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to XADD to redis stream: %w", err)
	}
	return nil
}

// ReadBatch first reclaims messages left unacknowledged for longer than ClaimIdle, then
// reads new messages. Undecodable messages are dead-lettered and never returned.
func (q *StatementQueue) ReadBatch(ctx context.Context, count int) ([]domain.QueuedStatement, error) {
	claimed, err := q.reclaim(ctx, count)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	args := &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    int64(count),
		Block:    q.opts.Block,
	}
	streams, err := q.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to XREADGROUP from redis: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return q.decode(ctx, streams[0].Messages, nil), nil
}

func (q *StatementQueue) reclaim(ctx context.Context, count int) ([]domain.QueuedStatement, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  q.opts.ClaimIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to XAUTOCLAIM from redis: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)),
		Consumer: q.opts.Consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery counts: %w", err)
	}
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
	}
	q.logger.Info("Reclaimed stale statements", "count", len(msgs))
	return q.decode(ctx, msgs, deliveries), nil
}

func (q *StatementQueue) decode(ctx context.Context, msgs []redis.XMessage, deliveries map[string]int64) []domain.QueuedStatement {
	out := make([]domain.QueuedStatement, 0, len(msgs))
	var bad []redis.XMessage
	for _, msg := range msgs {
		stmt, err := decodeStatement(msg)
		if err != nil {
			q.logger.Warn("Undecodable message in stream, dead-lettering", "message_id", msg.ID, "error", err)
			bad = append(bad, msg)
			continue
		}
		n := int64(1)
		if d, ok := deliveries[msg.ID]; ok {
			n = d
		}
		out = append(out, domain.QueuedStatement{MessageID: msg.ID, Deliveries: n, Statement: stmt})
	}
	if len(bad) > 0 {
		if err := q.deadLetter(ctx, bad, "undecodable payload"); err != nil {
			q.logger.Error("Failed to dead-letter undecodable messages", "error", err)
		}
	}
	return out
}

func decodeStatement(msg redis.XMessage) (domain.NormalizedStatement, error) {
	var stmt domain.NormalizedStatement
	payload, ok := msg.Values[payloadField].(string)
	if !ok {
		return stmt, errors.New("missing payload field")
	}
	if err := json.Unmarshal([]byte(payload), &stmt); err != nil {
		return stmt, err
	}
	if stmt.TaskID == "" || stmt.QueryHash == "" {
		return stmt, errors.New("statement without task or hash")
	}
	return stmt, nil
}

// Ack acknowledges processed messages.
func (q *StatementQueue) Ack(ctx context.Context, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to XACK messages in redis: %w", err)
	}
	return nil
}

// MoveToDLQ copies statements to the dead-letter stream and acknowledges the originals.
func (q *StatementQueue) MoveToDLQ(ctx context.Context, msgs []domain.QueuedStatement, reason string) error {
	raw := make([]redis.XMessage, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := json.Marshal(msg.Statement)
		if err != nil {
			q.logger.Error("Failed to marshal statement for DLQ", "message_id", msg.MessageID, "error", err)
			continue
		}
		raw = append(raw, redis.XMessage{ID: msg.MessageID, Values: map[string]interface{}{payloadField: string(payload)}})
	}
	return q.deadLetter(ctx, raw, reason)
}

func (q *StatementQueue) deadLetter(ctx context.Context, msgs []redis.XMessage, reason string) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	pipe := q.client.TxPipeline()
	for _, msg := range msgs {
		values := map[string]interface{}{
			"original_stream": q.opts.Stream,
			"original_msg_id": msg.ID,
			"reason":          reason,
			"failed_at":       time.Now().UTC().Format(time.RFC3339),
		}
		if payload, ok := msg.Values[payloadField]; ok {
			values[payloadField] = payload
		}
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.opts.DLQStream, Values: values})
		ids = append(ids, msg.ID)
	}
	pipe.XAck(ctx, q.opts.Stream, q.opts.Group, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute DLQ pipeline: %w", err)
	}
	q.logger.Warn("Moved statements to DLQ", "count", len(msgs), "reason", reason)
	return nil
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
