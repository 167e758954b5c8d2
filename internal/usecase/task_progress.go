package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/V4T54L/query-compat/internal/domain"
)

// ReportPending is shown in place of a report location while it is being generated.
const ReportPending = "Report is generating, please wait a moment."

// TaskProgress is the externally visible state of a task.
type TaskProgress struct {
	TaskID             string            `json:"task_id"`
	Status             domain.TaskStatus `json:"status"`
	CapturedQuery      int64             `json:"captured_query"`
	CheckedQuery       int64             `json:"checked_query"`
	FailedQuery        int64             `json:"failed_query"`
	Message            string            `json:"message"`
	TrafficWindow      int               `json:"traffic_window"`
	CreatedTime        time.Time         `json:"created_time"`
	StartCaptureTime   *time.Time        `json:"start_capture_time,omitempty"`
	EndTime            *time.Time        `json:"end_time,omitempty"`
	CompletePercentage string            `json:"complete_percentage,omitempty"`
	Report             string            `json:"report,omitempty"`
}

// TaskProgressUseCase reports the progress of a task.
type TaskProgressUseCase struct {
	tasks domain.TaskStore
	now   func() time.Time
}

func NewTaskProgressUseCase(tasks domain.TaskStore) *TaskProgressUseCase {
	return &TaskProgressUseCase{tasks: tasks, now: time.Now}
}

func (uc *TaskProgressUseCase) Get(ctx context.Context, taskID string) (TaskProgress, error) {
	task, err := uc.tasks.Get(ctx, taskID)
	if err != nil {
		return TaskProgress{}, err
	}
	if task.Status == domain.TaskStatusError {
		return TaskProgress{TaskID: task.TaskID, Status: task.Status, Message: task.Message}, nil
	}

	p := TaskProgress{
		TaskID:             task.TaskID,
		Status:             task.Status,
		CapturedQuery:      task.CapturedQuery,
		CheckedQuery:       task.CheckedQuery,
		FailedQuery:        task.FailedQuery,
		Message:            task.Message,
		TrafficWindow:      task.TrafficWindow,
		CreatedTime:        task.CreatedTime,
		StartCaptureTime:   task.StartCaptureTime,
		CompletePercentage: CompletePercentage(task.CreatedTime, task.TrafficWindow, uc.now()),
	}
	if task.Status.Finalized() {
		p.EndTime = task.EndTime
		p.Report = ReportPending
		if task.ReportLocation != "" {
			p.CompletePercentage = "100%"
			p.Report = task.ReportLocation
		}
	}
	return p, nil
}

// CompletePercentage is the share of the traffic window, in hours, elapsed since created.
func CompletePercentage(created time.Time, windowHours int, now time.Time) string {
	window := time.Duration(windowHours) * time.Hour
	elapsed := now.Sub(created).Truncate(time.Second)
	if window <= 0 || elapsed >= window {
		return "100%"
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return fmt.Sprintf("%.2f%%", float64(elapsed)/float64(window)*100)
}
