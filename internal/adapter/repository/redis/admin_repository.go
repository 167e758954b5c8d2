package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/query-compat/internal/domain"
)

// AdminRepository inspects and repairs statement streams.
type AdminRepository struct {
	client *redis.Client
	logger *slog.Logger
}

var _ domain.StreamAdminRepository = (*AdminRepository)(nil)

func NewAdminRepository(client *redis.Client, logger *slog.Logger) *AdminRepository {
	return &AdminRepository{
		client: client,
		logger: logger.With("component", "redis_admin_repository"),
	}
}

func (r *AdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	groups, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("XINFO GROUPS %s: %w", stream, err)
	}

	out := make([]domain.ConsumerGroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, domain.ConsumerGroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			Lag:             g.Lag,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return out, nil
}

func (r *AdminRepository) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	consumers, err := r.client.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("XINFO CONSUMERS %s %s: %w", stream, group, err)
	}

	out := make([]domain.ConsumerInfo, 0, len(consumers))
	for _, c := range consumers {
		// go-redis already converts the idle milliseconds to a Duration.
		out = append(out, domain.ConsumerInfo{Name: c.Name, Pending: c.Pending, Idle: c.Idle})
	}
	return out, nil
}

func (r *AdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	pending, err := r.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("XPENDING %s %s: %w", stream, group, err)
	}
	return &domain.PendingMessageSummary{
		Total:          pending.Count,
		FirstMessageID: pending.Lower,
		LastMessageID:  pending.Upper,
		ConsumerTotals: pending.Consumers,
	}, nil
}

// GetPendingMessages lists unacknowledged statements from startID on, resolving the task
// and query hash of each so operators can see what is stuck.
func (r *AdminRepository) GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    startID,
		End:      "+",
		Count:    count,
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("XPENDING %s %s: %w", stream, group, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	ranges := make([]*redis.XMessageSliceCmd, len(pending))
	for i, p := range pending {
		ranges[i] = pipe.XRangeN(ctx, stream, p.ID, p.ID, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load pending statements: %w", err)
	}

	out := make([]domain.PendingMessageDetail, len(pending))
	for i, p := range pending {
		out[i] = domain.PendingMessageDetail{
			ID:         p.ID,
			Consumer:   p.Consumer,
			IdleTime:   p.Idle,
			Deliveries: p.RetryCount,
		}
		msgs, err := ranges[i].Result()
		if err != nil || len(msgs) == 0 {
			continue
		}
		if stmt, err := decodeStatement(msgs[0]); err == nil {
			out[i].TaskID = stmt.TaskID
			out[i].QueryHash = stmt.QueryHash
		}
	}
	return out, nil
}

// ClaimMessages moves pending statements to consumer. Undecodable payloads are claimed
// but left out of the result.
func (r *AdminRepository) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.QueuedStatement, error) {
	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdleTime,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("XCLAIM %s %s: %w", stream, group, err)
	}

	out := make([]domain.QueuedStatement, 0, len(claimed))
	for _, msg := range claimed {
		stmt, err := decodeStatement(msg)
		if err != nil {
			r.logger.Warn("claimed an undecodable message", "message_id", msg.ID, "error", err)
			continue
		}
		out = append(out, domain.QueuedStatement{MessageID: msg.ID, Statement: stmt})
	}
	r.logger.Info("claimed pending statements", "stream", stream, "group", group, "consumer", consumer, "count", len(out))
	return out, nil
}

func (r *AdminRepository) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, errors.New("at least one message ID is required")
	}
	return r.client.XAck(ctx, stream, group, messageIDs...).Result()
}

func (r *AdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	return r.client.XTrimMaxLen(ctx, stream, maxLen).Result()
}

// RequeueDeadLetters moves up to count of the oldest dead-lettered statements back onto
// stream. Entries without a payload are removed from the DLQ without being requeued.
func (r *AdminRepository) RequeueDeadLetters(ctx context.Context, dlqStream, stream string, count int64) (int64, error) {
	msgs, err := r.client.XRangeN(ctx, dlqStream, "-", "+", count).Result()
	if err != nil {
		return 0, fmt.Errorf("XRANGE %s: %w", dlqStream, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	var requeued int64
	ids := make([]string, 0, len(msgs))
	pipe := r.client.TxPipeline()
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		payload, ok := msg.Values[payloadField]
		if !ok {
			r.logger.Warn("dropping dead letter without payload", "message_id", msg.ID)
			continue
		}
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]interface{}{payloadField: payload}})
		requeued++
	}
	pipe.XDel(ctx, dlqStream, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to requeue dead letters: %w", err)
	}
	r.logger.Info("requeued dead-lettered statements", "dlq", dlqStream, "stream", stream, "count", requeued)
	return requeued, nil
}
