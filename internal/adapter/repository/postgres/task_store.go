package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/query-compat/internal/domain"
)

// TaskStore implements domain.TaskStore and domain.TaskLifecycle on the tasks table.
// Every counter mutation is a single-row conditional UPDATE; no row affected means the
// task left the guarded state.
type TaskStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ domain.TaskStore     = (*TaskStore)(nil)
	_ domain.TaskLifecycle = (*TaskStore)(nil)
)

func NewTaskStore(db *sql.DB, logger *slog.Logger) *TaskStore {
	return &TaskStore{db: db, logger: logger.With("component", "postgres_task_store")}
}

const taskColumns = `task_id, status, in_progress, captured_query, checked_query, failed_query,
	traffic_window, message, created_time, start_capture_time, end_time, report_location`

func scanTask(row interface{ Scan(...any) error }) (domain.TaskRecord, error) {
	var t domain.TaskRecord
	var status string
	var start, end sql.NullTime
	err := row.Scan(&t.TaskID, &status, &t.InProgress, &t.CapturedQuery, &t.CheckedQuery, &t.FailedQuery,
		&t.TrafficWindow, &t.Message, &t.CreatedTime, &start, &end, &t.ReportLocation)
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedTime = t.CreatedTime.UTC()
	if start.Valid {
		ts := start.Time.UTC()
		t.StartCaptureTime = &ts
	}
	if end.Valid {
		ts := end.Time.UTC()
		t.EndTime = &ts
	}
	return t, nil
}

func (s *TaskStore) Get(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.TaskRecord{}, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *TaskStore) ActiveTask(ctx context.Context) (domain.TaskRecord, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE in_progress
		ORDER BY created_time DESC
		LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.TaskRecord{}, fmt.Errorf("failed to get active task: %w", err)
	}
	return task, nil
}

// AddCaptured moves a Created task to In-progress in the same statement; SET expressions
// all read the pre-update row.
func (s *TaskStore) AddCaptured(ctx context.Context, taskID string, n int64, at time.Time) (domain.UpdateOutcome, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			captured_query     = captured_query + $2,
			start_capture_time = CASE WHEN status = 'Created' THEN $3 ELSE start_capture_time END,
			status             = CASE WHEN status = 'Created' THEN 'In-progress' ELSE status END
		WHERE task_id = $1 AND in_progress AND status IN ('Created', 'In-progress')`,
		taskID, n, at)
	return outcome(res, err, "captured")
}

func (s *TaskStore) AddValidated(ctx context.Context, taskID string, checked, failed int64) (domain.UpdateOutcome, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			checked_query = checked_query + $2,
			failed_query  = failed_query + $3
		WHERE task_id = $1 AND in_progress AND status NOT IN ('Stopped', 'Finished')`,
		taskID, checked, failed)
	return outcome(res, err, "validated")
}

func outcome(res sql.Result, err error, counter string) (domain.UpdateOutcome, error) {
	if err != nil {
		return domain.OutcomeStoreError, fmt.Errorf("failed to update %s counter: %w", counter, describe(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.OutcomeStoreError, err
	}
	if n == 0 {
		return domain.OutcomeSkippedStaleTask, nil
	}
	return domain.OutcomeApplied, nil
}

func (s *TaskStore) SetReportLocation(ctx context.Context, taskID, location string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET report_location = $2 WHERE task_id = $1`, taskID, location)
	if err != nil {
		return fmt.Errorf("failed to set report location: %w", err)
	}
	return requireRow(res)
}

func (s *TaskStore) ListUnreported(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id FROM tasks
		WHERE status IN ('Stopped', 'Finished') AND report_location = ''
		ORDER BY end_time NULLS FIRST, task_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreported tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *TaskStore) Create(ctx context.Context, task domain.TaskRecord) error {
	if task.Status == "" {
		task.Status = domain.TaskStatusCreated
		task.InProgress = true
	}
	if task.CreatedTime.IsZero() {
		task.CreatedTime = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, status, in_progress, traffic_window, message, created_time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.TaskID, string(task.Status), task.InProgress, task.TrafficWindow, task.Message, task.CreatedTime)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", describe(err))
	}
	return nil
}

// Finalize clears the guard first so in-flight counter updates become no-ops; the status
// change fires the task_finalized notification.
func (s *TaskStore) Finalize(ctx context.Context, taskID string, status domain.TaskStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET in_progress = FALSE, status = $2, end_time = $3
		WHERE task_id = $1`, taskID, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to finalize task: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// describe adds the SQLSTATE name to server errors.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}
