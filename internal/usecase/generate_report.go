package usecase

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/V4T54L/query-compat/internal/adapter/metrics"
	"github.com/V4T54L/query-compat/internal/domain"
)

// ErrTaskNotFinalized is returned when a report is requested for a task still capturing.
var ErrTaskNotFinalized = errors.New("task is not stopped or finished")

var reportHeader = []string{"task_id", "query_text", "src_ip", "src_port", "message"}

// ReportKey is the object key of a task's failure report.
func ReportKey(taskID string) string {
	return fmt.Sprintf("failed_reports/id=%s/failed_queries.csv", taskID)
}

// ReportOptions configures report generation.
type ReportOptions struct {
	PageSize      int
	RetryAttempts uint64
	RetryBackoff  time.Duration
	SweepInterval time.Duration
	StoreTimeout  time.Duration
}

// GenerateReportUseCase writes the failed entries of a finalized task to the object store.
type GenerateReportUseCase struct {
	logs    domain.LogStore
	tasks   domain.TaskStore
	store   domain.ObjectStore
	metrics *metrics.PipelineMetrics
	logger  *slog.Logger
	opts    ReportOptions
}

// NewGenerateReportUseCase creates the use case. metrics may be nil.
func NewGenerateReportUseCase(logs domain.LogStore, tasks domain.TaskStore, store domain.ObjectStore, m *metrics.PipelineMetrics, logger *slog.Logger, opts ReportOptions) *GenerateReportUseCase {
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	return &GenerateReportUseCase{
		logs:    logs,
		tasks:   tasks,
		store:   store,
		metrics: m,
		logger:  logger.With("component", "generate_report"),
		opts:    opts,
	}
}

// Generate builds the report for taskID, stores it and records its location on the task.
// Re-running overwrites the same object.
func (uc *GenerateReportUseCase) Generate(ctx context.Context, taskID string) (string, error) {
	getCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
	task, err := uc.tasks.Get(getCtx, taskID)
	cancel()
	if err != nil {
		uc.metrics.Report("error")
		return "", fmt.Errorf("failed to read task %s: %w", taskID, err)
	}
	if !task.Status.Finalized() {
		return "", ErrTaskNotFinalized
	}

	data, rows, err := uc.render(ctx, taskID)
	if err != nil {
		uc.metrics.Report("error")
		return "", err
	}

	key := ReportKey(taskID)
	var location string
	backoff := retry.WithMaxRetries(uc.opts.RetryAttempts, retry.NewExponential(uc.opts.RetryBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		putCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
		defer cancel()
		var err error
		if location, err = uc.store.Put(putCtx, key, data); err != nil {
			uc.logger.Warn("report upload failed, retrying", "task_id", taskID, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		uc.metrics.Report("error")
		return "", fmt.Errorf("failed to store report for task %s: %w", taskID, err)
	}

	setCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
	defer cancel()
	if err := uc.tasks.SetReportLocation(setCtx, taskID, location); err != nil {
		uc.metrics.Report("error")
		return "", fmt.Errorf("failed to record report location for task %s: %w", taskID, err)
	}

	uc.metrics.Report("ok")
	uc.logger.Info("report generated", "task_id", taskID, "rows", rows, "location", location)
	return location, nil
}

// render follows continuation tokens until every failed entry has been written.
func (uc *GenerateReportUseCase) render(ctx context.Context, taskID string) ([]byte, int, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(reportHeader); err != nil {
		return nil, 0, err
	}

	rows := 0
	cursor := ""
	for {
		listCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
		page, err := uc.logs.ListByTask(listCtx, taskID, domain.LogStatusFailed, cursor, uc.opts.PageSize)
		cancel()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to list failed entries of task %s: %w", taskID, err)
		}
		for _, e := range page.Entries {
			if err := w.Write([]string{e.TaskID, e.QueryText, e.SrcIP, e.SrcPort, e.Message}); err != nil {
				return nil, 0, err
			}
			rows++
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, 0, fmt.Errorf("failed to encode report: %w", err)
	}
	return buf.Bytes(), rows, nil
}

// Sweep generates reports for finalized tasks that have none.
func (uc *GenerateReportUseCase) Sweep(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
	ids, err := uc.tasks.ListUnreported(listCtx, 100)
	cancel()
	if err != nil {
		uc.logger.Error("failed to list unreported tasks", "error", err)
		return
	}
	for _, id := range ids {
		if _, err := uc.Generate(ctx, id); err != nil {
			uc.logger.Error("failed to generate report", "task_id", id, "error", err)
		}
	}
}

type finalizedPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Run consumes task finalization events until the channel closes or ctx is cancelled.
func (uc *GenerateReportUseCase) Run(ctx context.Context, events <-chan domain.ChangeEvent) {
	uc.logger.Info("starting report generator")
	sweep := time.NewTicker(uc.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Resync {
				uc.Sweep(ctx)
				continue
			}
			if ev.Channel != domain.ChannelTaskFinalized {
				continue
			}
			var p finalizedPayload
			if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil || p.TaskID == "" {
				uc.logger.Warn("ignoring malformed finalization notification", "payload", ev.Payload)
				continue
			}
			if _, err := uc.Generate(ctx, p.TaskID); err != nil {
				uc.logger.Error("failed to generate report", "task_id", p.TaskID, "error", err)
			}
		case <-sweep.C:
			uc.Sweep(ctx)
		}
	}
}
