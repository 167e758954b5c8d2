package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/V4T54L/query-compat/internal/domain"
)

// ErrMissingConsumer is returned when a claim names no target consumer.
var ErrMissingConsumer = errors.New("consumer is required")

// AdminStreamUseCase inspects and repairs the statement work queue. Empty stream or
// group arguments fall back to the queue the pipeline runs on.
type AdminStreamUseCase struct {
	repo   domain.StreamAdminRepository
	stream string
	group  string
}

// NewAdminStreamUseCase creates a new AdminStreamUseCase.
func NewAdminStreamUseCase(repo domain.StreamAdminRepository, stream, group string) *AdminStreamUseCase {
	return &AdminStreamUseCase{repo: repo, stream: stream, group: group}
}

func (uc *AdminStreamUseCase) target(stream, group string) (string, string) {
	if stream == "" {
		stream = uc.stream
	}
	if group == "" {
		group = uc.group
	}
	return stream, group
}

func (uc *AdminStreamUseCase) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	stream, _ = uc.target(stream, "")
	return uc.repo.GetGroupInfo(ctx, stream)
}

func (uc *AdminStreamUseCase) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	stream, group = uc.target(stream, group)
	return uc.repo.GetConsumerInfo(ctx, stream, group)
}

func (uc *AdminStreamUseCase) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	stream, group = uc.target(stream, group)
	return uc.repo.GetPendingSummary(ctx, stream, group)
}

func (uc *AdminStreamUseCase) GetPendingMessages(ctx context.Context, stream, group, consumer string, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	stream, group = uc.target(stream, group)
	if startID == "" {
		startID = "-"
	}
	if count <= 0 {
		count = 100
	}
	return uc.repo.GetPendingMessages(ctx, stream, group, consumer, startID, count)
}

// ClaimMessages reassigns stuck statements to consumer, for example after a consumer
// host was lost.
func (uc *AdminStreamUseCase) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.QueuedStatement, error) {
	if consumer == "" {
		return nil, ErrMissingConsumer
	}
	stream, group = uc.target(stream, group)
	return uc.repo.ClaimMessages(ctx, stream, group, consumer, minIdleTime, messageIDs)
}

func (uc *AdminStreamUseCase) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	stream, group = uc.target(stream, group)
	return uc.repo.AcknowledgeMessages(ctx, stream, group, messageIDs...)
}

func (uc *AdminStreamUseCase) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	stream, _ = uc.target(stream, "")
	return uc.repo.TrimStream(ctx, stream, maxLen)
}

// RequeueDeadLetters returns up to count dead-lettered statements to stream. The DLQ is
// the stream name with a "_dlq" suffix, matching the queue's default.
func (uc *AdminStreamUseCase) RequeueDeadLetters(ctx context.Context, stream string, count int64) (int64, error) {
	stream, _ = uc.target(stream, "")
	if count <= 0 {
		count = 100
	}
	return uc.repo.RequeueDeadLetters(ctx, stream+"_dlq", stream, count)
}
