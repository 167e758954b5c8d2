package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/V4T54L/query-compat/internal/adapter/compat"
	"github.com/V4T54L/query-compat/internal/adapter/metrics"
	"github.com/V4T54L/query-compat/internal/domain"
)

// ValidateOptions configures batching of change feed notifications.
type ValidateOptions struct {
	BatchSize     int
	Window        time.Duration
	SweepInterval time.Duration
	StoreTimeout  time.Duration
	RetryAttempts uint64
	RetryBackoff  time.Duration
}

// ValidateEntriesUseCase classifies newly inserted log entries against the target
// dialect and folds the results into the task counters.
type ValidateEntriesUseCase struct {
	logs    domain.LogStore
	tasks   domain.TaskStore
	rules   *compat.Rules
	checker domain.DialectChecker
	metrics *metrics.PipelineMetrics
	logger  *slog.Logger
	opts    ValidateOptions

	// backlog holds counter contributions whose update failed after retries. They are
	// applied with the next batch or sweep.
	mu      sync.Mutex
	backlog map[string]*taskTally
}

// NewValidateEntriesUseCase creates the use case. metrics may be nil.
func NewValidateEntriesUseCase(logs domain.LogStore, tasks domain.TaskStore, rules *compat.Rules, checker domain.DialectChecker, m *metrics.PipelineMetrics, logger *slog.Logger, opts ValidateOptions) *ValidateEntriesUseCase {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Window <= 0 {
		opts.Window = 500 * time.Millisecond
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	return &ValidateEntriesUseCase{
		logs:    logs,
		tasks:   tasks,
		rules:   rules,
		checker: checker,
		metrics: m,
		logger:  logger.With("component", "validate_entries"),
		opts:    opts,
		backlog: make(map[string]*taskTally),
	}
}

// Classify runs every stage against the statement and aggregates their messages. err is
// set only when the reference engine could not be reached.
func (uc *ValidateEntriesUseCase) Classify(ctx context.Context, statement string) (domain.LogStatus, string, error) {
	findings := uc.rules.Findings(statement)

	finding, err := uc.checker.Check(ctx, statement)
	if err != nil {
		return "", "", err
	}
	if finding != "" {
		findings = append(findings, finding+"; ")
	}

	if len(findings) == 0 {
		return domain.LogStatusChecked, "", nil
	}
	return domain.LogStatusFailed, strings.Join(findings, ""), nil
}

type taskTally struct {
	checked, failed int64
}

// ValidateBatch validates the entries behind keys. Each entry is updated at most once;
// an entry that fails to validate stays Created and is listed in the report's Errors.
func (uc *ValidateEntriesUseCase) ValidateBatch(ctx context.Context, keys []domain.LogKey) domain.ValidationReport {
	report := domain.ValidationReport{Errors: make(map[domain.LogKey]error)}
	tallies := make(map[string]*taskTally)

	for _, key := range keys {
		status, err := uc.validate(ctx, key)
		switch {
		case err != nil:
			report.Errors[key] = err
			uc.metrics.Validation("error")
			uc.logger.Error("failed to validate log entry", "task_id", key.TaskID, "query_hash", key.QueryHash, "error", err)
			continue
		case status == "":
			report.Skipped++
			uc.metrics.Validation("skipped")
			continue
		}

		t, ok := tallies[key.TaskID]
		if !ok {
			t = &taskTally{}
			tallies[key.TaskID] = t
		}
		t.checked++
		report.Checked++
		if status == domain.LogStatusFailed {
			t.failed++
			report.Failed++
		}
		uc.metrics.Validation(string(status))
	}

	report.Deferred = uc.settle(ctx, tallies)
	return report
}

// validate returns the status written, or "" when the entry needed no update.
func (uc *ValidateEntriesUseCase) validate(ctx context.Context, key domain.LogKey) (domain.LogStatus, error) {
	getCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
	entry, err := uc.logs.Get(getCtx, key)
	cancel()
	if errors.Is(err, domain.ErrEntryNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read log entry: %w", err)
	}
	if entry.Status != domain.LogStatusCreated {
		return "", nil
	}

	status, message, err := uc.Classify(ctx, entry.QueryText)
	if err != nil {
		return "", err
	}

	updCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
	defer cancel()
	updated, err := uc.logs.UpdateResult(updCtx, key, status, message)
	if err != nil {
		return "", fmt.Errorf("failed to update log entry: %w", err)
	}
	if !updated {
		// a concurrent validator got there first
		return "", nil
	}
	return status, nil
}

// settle applies tallies together with any carried over from earlier failures and returns
// how many tasks had to be carried over again.
func (uc *ValidateEntriesUseCase) settle(ctx context.Context, tallies map[string]*taskTally) int {
	uc.mu.Lock()
	for id, t := range uc.backlog {
		if cur, ok := tallies[id]; ok {
			cur.checked += t.checked
			cur.failed += t.failed
		} else {
			tallies[id] = t
		}
	}
	uc.backlog = make(map[string]*taskTally)
	uc.mu.Unlock()

	taskIDs := make([]string, 0, len(tallies))
	for id := range tallies {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	deferred := 0
	for _, id := range taskIDs {
		t := tallies[id]
		if err := uc.aggregate(ctx, id, t); err != nil {
			uc.logger.Error("failed to update validation counters, carrying over", "task_id", id, "checked", t.checked, "failed", t.failed, "error", err)
			uc.carryOver(id, t)
			deferred++
		}
	}
	return deferred
}

func (uc *ValidateEntriesUseCase) carryOver(taskID string, t *taskTally) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if cur, ok := uc.backlog[taskID]; ok {
		cur.checked += t.checked
		cur.failed += t.failed
		return
	}
	uc.backlog[taskID] = t
}

// aggregate adds the tally to the task counters, retrying store errors. A task whose guard
// is cleared takes nothing and is not an error.
func (uc *ValidateEntriesUseCase) aggregate(ctx context.Context, taskID string, t *taskTally) error {
	outcome := domain.OutcomeStoreError
	backoff := retry.WithMaxRetries(uc.opts.RetryAttempts, retry.NewExponential(uc.opts.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
		defer cancel()
		var err error
		outcome, err = uc.tasks.AddValidated(callCtx, taskID, t.checked, t.failed)
		if err != nil {
			uc.logger.Warn("validation counter update failed, retrying", "task_id", taskID, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		uc.metrics.CounterUpdate("validated", domain.OutcomeStoreError.String())
		return err
	}
	uc.metrics.CounterUpdate("validated", outcome.String())
	if outcome == domain.OutcomeSkippedStaleTask {
		uc.logger.Debug("task is no longer active, validation counters not updated", "task_id", taskID)
	}
	return nil
}

// Sweep validates entries that are still Created, covering notifications the change feed
// lost, and retries carried-over counter updates. It returns the number of entries it
// resolved; entries that failed to validate are not counted.
func (uc *ValidateEntriesUseCase) Sweep(ctx context.Context) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
	keys, err := uc.logs.ListPending(listCtx, uc.opts.BatchSize)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list pending entries: %w", err)
	}
	if len(keys) == 0 {
		uc.settle(ctx, make(map[string]*taskTally))
		return 0, nil
	}
	report := uc.ValidateBatch(ctx, keys)
	uc.logger.Info("swept pending log entries", "count", len(keys), "checked", report.Checked, "failed", report.Failed, "errors", len(report.Errors), "deferred", report.Deferred)
	return len(keys) - len(report.Errors), nil
}

// Run consumes change events until the channel closes or ctx is cancelled. Inserted
// entries are batched by size and window; a resync or the sweep ticker validates whatever
// is still pending.
func (uc *ValidateEntriesUseCase) Run(ctx context.Context, events <-chan domain.ChangeEvent) {
	uc.logger.Info("starting validator", "batch_size", uc.opts.BatchSize, "window", uc.opts.Window)
	sweep := time.NewTicker(uc.opts.SweepInterval)
	defer sweep.Stop()
	window := time.NewTimer(uc.opts.Window)
	window.Stop()

	var pending []domain.LogKey
	flush := func() {
		if len(pending) == 0 {
			return
		}
		report := uc.ValidateBatch(ctx, pending)
		uc.logger.Debug("validated batch", "count", len(pending), "checked", report.Checked, "failed", report.Failed, "skipped", report.Skipped, "errors", len(report.Errors))
		pending = nil
	}
	sweepAll := func() {
		for ctx.Err() == nil {
			n, err := uc.Sweep(ctx)
			if err != nil {
				uc.logger.Error("sweep failed", "error", err)
				return
			}
			if n < uc.opts.BatchSize {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			if ev.Resync {
				flush()
				sweepAll()
				continue
			}
			if ev.Channel != domain.ChannelLogInserted {
				continue
			}
			var key domain.LogKey
			if err := json.Unmarshal([]byte(ev.Payload), &key); err != nil || key.TaskID == "" || key.QueryHash == "" {
				uc.logger.Warn("ignoring malformed insert notification", "payload", ev.Payload)
				continue
			}
			if len(pending) == 0 {
				window.Reset(uc.opts.Window)
			}
			pending = append(pending, key)
			if len(pending) >= uc.opts.BatchSize {
				window.Stop()
				flush()
			}
		case <-window.C:
			flush()
		case <-sweep.C:
			flush()
			sweepAll()
		}
	}
}
