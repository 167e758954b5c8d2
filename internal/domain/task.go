package domain

import (
	"errors"
	"time"
)

// TaskStatus is the lifecycle state of a capture-and-validate run.
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "Created"
	TaskStatusInProgress TaskStatus = "In-progress"
	TaskStatusStopped    TaskStatus = "Stopped"
	TaskStatusFinished   TaskStatus = "Finished"
	TaskStatusError      TaskStatus = "Error"
)

// Finalized reports whether counters are frozen for the status.
func (s TaskStatus) Finalized() bool {
	return s == TaskStatusStopped || s == TaskStatusFinished
}

// ErrTaskNotFound is returned when the task store has no record for an id.
var ErrTaskNotFound = errors.New("task not found")

// TaskRecord is the durable per-task record owned by the external orchestrator.
type TaskRecord struct {
	TaskID           string     `json:"task_id"`
	Status           TaskStatus `json:"status"`
	InProgress       bool       `json:"in_progress"`
	CapturedQuery    int64      `json:"captured_query"`
	CheckedQuery     int64      `json:"checked_query"`
	FailedQuery      int64      `json:"failed_query"`
	TrafficWindow    int        `json:"traffic_window"`
	Message          string     `json:"message,omitempty"`
	CreatedTime      time.Time  `json:"created_time"`
	StartCaptureTime *time.Time `json:"start_capture_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	ReportLocation   string     `json:"report_location,omitempty"`
}

// UpdateOutcome is the typed result of a guarded task counter update.
type UpdateOutcome int

const (
	OutcomeApplied UpdateOutcome = iota
	OutcomeSkippedStaleTask
	OutcomeStoreError
)

func (o UpdateOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkippedStaleTask:
		return "skipped_stale_task"
	default:
		return "store_error"
	}
}
