package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/query-compat/internal/domain/mocks"
)

func TestAdminStreamUseCase_DefaultsToPipelineQueue(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.MockStreamAdminRepository{}
	uc := NewAdminStreamUseCase(repo, "query_statements", "statement-ingestors")

	_, err := uc.GetGroupInfo(ctx, "")
	require.NoError(t, err)
	_, err = uc.GetPendingMessages(ctx, "", "", "", "", 0)
	require.NoError(t, err)
	_, err = uc.AcknowledgeMessages(ctx, "other", "", "1-0", "2-0")
	require.NoError(t, err)
	_, err = uc.ClaimMessages(ctx, "", "", "consumer-2", time.Minute, []string{"1-0"})
	require.NoError(t, err)
	n, err := uc.RequeueDeadLetters(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	assert.Equal(t, []string{
		"groups query_statements",
		"pending query_statements statement-ingestors  - 100",
		"ack other statement-ingestors 1-0,2-0",
		"claim query_statements statement-ingestors consumer-2 1-0",
		"requeue query_statements_dlq query_statements 100",
	}, repo.Calls)
}

func TestAdminStreamUseCase_ClaimRequiresConsumer(t *testing.T) {
	uc := NewAdminStreamUseCase(&mocks.MockStreamAdminRepository{}, "s", "g")
	_, err := uc.ClaimMessages(context.Background(), "", "", "", time.Minute, []string{"1-0"})
	assert.ErrorIs(t, err, ErrMissingConsumer)
}
