package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/query-compat/internal/domain"
	"github.com/V4T54L/query-compat/internal/domain/mocks"
)

func TestCompletePercentage(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "0.00%", CompletePercentage(created, 2, created))
	assert.Equal(t, "25.00%", CompletePercentage(created, 2, created.Add(30*time.Minute)))
	assert.Equal(t, "100%", CompletePercentage(created, 2, created.Add(3*time.Hour)))
	assert.Equal(t, "100%", CompletePercentage(created, 0, created))
}

func TestTaskProgress_Get(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := mocks.NewMemoryTaskStore()
	require.NoError(t, tasks.Create(ctx, domain.TaskRecord{TaskID: "t1", CreatedTime: created, TrafficWindow: 4}))
	require.NoError(t, tasks.Create(ctx, domain.TaskRecord{TaskID: "broken", Status: domain.TaskStatusError, Message: "agent failed to start"}))
	uc := NewTaskProgressUseCase(tasks)
	uc.now = func() time.Time { return created.Add(time.Hour) }

	p, err := uc.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "25.00%", p.CompletePercentage)
	assert.Empty(t, p.Report)

	require.NoError(t, tasks.Finalize(ctx, "t1", domain.TaskStatusStopped, created.Add(time.Hour)))
	p, err = uc.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ReportPending, p.Report)
	assert.NotNil(t, p.EndTime)

	require.NoError(t, tasks.SetReportLocation(ctx, "t1", "file://reports/failed_reports/id=t1/failed_queries.csv"))
	p, err = uc.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "100%", p.CompletePercentage)
	assert.Equal(t, "file://reports/failed_reports/id=t1/failed_queries.csv", p.Report)

	p, err = uc.Get(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, "agent failed to start", p.Message)
	assert.Empty(t, p.CompletePercentage)

	_, err = uc.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}
