package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/V4T54L/query-compat/internal/adapter/metrics"
	"github.com/V4T54L/query-compat/internal/domain"
)

const (
	defaultIngestBatchSize = 10
	defaultRetryAttempts   = 3
	defaultRetryBackoff    = 100 * time.Millisecond
	defaultStoreTimeout    = 5 * time.Second
)

// IngestOptions configures the deduplicator.
type IngestOptions struct {
	BatchSize int
	// MaxDeliveries dead-letters messages delivered more often than this; zero disables.
	MaxDeliveries int64
	RetryAttempts uint64
	RetryBackoff  time.Duration
	StoreTimeout  time.Duration
}

// IngestStatementsUseCase moves statements from the work queue into the log store,
// storing each distinct statement once per task and advancing the task's captured
// counter.
type IngestStatementsUseCase struct {
	queue   domain.StatementQueue
	logs    domain.LogStore
	tasks   domain.TaskStore
	metrics *metrics.PipelineMetrics
	logger  *slog.Logger
	opts    IngestOptions
	now     func() time.Time
}

// NewIngestStatementsUseCase creates the use case. metrics may be nil.
func NewIngestStatementsUseCase(queue domain.StatementQueue, logs domain.LogStore, tasks domain.TaskStore, m *metrics.PipelineMetrics, logger *slog.Logger, opts IngestOptions) *IngestStatementsUseCase {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultIngestBatchSize
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	return &IngestStatementsUseCase{
		queue:   queue,
		logs:    logs,
		tasks:   tasks,
		metrics: m,
		logger:  logger.With("component", "ingest_statements"),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch reads one batch from the queue, ingests it and acknowledges the messages
// that were stored. Failed messages stay pending and are redelivered.
func (uc *IngestStatementsUseCase) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := uc.queue.ReadBatch(ctx, uc.opts.BatchSize)
	if err != nil {
		uc.logger.Error("failed to read statement batch from queue", "error", err)
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	uc.logger.Debug("read batch of statements from queue", "count", len(msgs))

	live := msgs[:0:0]
	var dead []domain.QueuedStatement
	for _, msg := range msgs {
		if uc.opts.MaxDeliveries > 0 && msg.Deliveries > uc.opts.MaxDeliveries {
			dead = append(dead, msg)
			continue
		}
		live = append(live, msg)
	}
	if len(dead) > 0 {
		if err := uc.queue.MoveToDLQ(ctx, dead, "max deliveries exceeded"); err != nil {
			uc.logger.Error("failed to dead-letter statements", "count", len(dead), "error", err)
		} else {
			uc.metrics.Ingest("dead_lettered", len(dead))
		}
	}

	results := uc.Ingest(ctx, live)

	acked := make([]string, 0, len(results))
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			continue
		}
		acked = append(acked, res.MessageID)
	}
	if err := uc.queue.Ack(ctx, acked...); err != nil {
		// Stored entries are redelivered and collapse on the idempotent insert.
		uc.logger.Error("failed to acknowledge statements", "count", len(acked), "error", err)
		return 0, err
	}
	if failed > 0 {
		uc.logger.Warn("statements left pending for redelivery", "failed", failed, "acked", len(acked))
	}
	return len(acked), nil
}

// Ingest stores a batch and returns one result per message in input order.
func (uc *IngestStatementsUseCase) Ingest(ctx context.Context, msgs []domain.QueuedStatement) []domain.IngestResult {
	results := make([]domain.IngestResult, len(msgs))
	byTask := make(map[string][]int)
	var order []string
	for i, msg := range msgs {
		results[i].MessageID = msg.MessageID
		taskID := msg.Statement.TaskID
		if _, ok := byTask[taskID]; !ok {
			order = append(order, taskID)
		}
		byTask[taskID] = append(byTask[taskID], i)
	}

	for _, taskID := range order {
		uc.ingestTask(ctx, taskID, msgs, byTask[taskID], results)
	}
	return results
}

func (uc *IngestStatementsUseCase) ingestTask(ctx context.Context, taskID string, msgs []domain.QueuedStatement, idx []int, results []domain.IngestResult) {
	// first occurrence of each hash, and the messages sharing it
	first := make(map[string]int)
	var unique []int
	for _, i := range idx {
		hash := msgs[i].Statement.QueryHash
		if _, ok := first[hash]; !ok {
			first[hash] = i
			unique = append(unique, i)
		}
	}

	outcome, err := uc.addCaptured(ctx, taskID, int64(len(idx)))
	uc.metrics.CounterUpdate("captured", outcome.String())
	if err != nil {
		uc.logger.Error("failed to update captured counter", "task_id", taskID, "error", err)
		for _, i := range idx {
			results[i].Err = fmt.Errorf("captured counter for task %s: %w", taskID, err)
		}
		uc.metrics.Ingest("failed", len(idx))
		return
	}
	if outcome == domain.OutcomeSkippedStaleTask {
		uc.logger.Info("task is stopped or finished, captured counter not updated", "task_id", taskID, "count", len(idx))
	}

	for _, i := range unique {
		inserted, err := uc.put(ctx, domain.NewLogEntry(msgs[i].Statement))
		results[i].Inserted = inserted
		results[i].Err = err
		switch {
		case err != nil:
			uc.logger.Error("failed to store log entry", "task_id", taskID, "query_hash", msgs[i].Statement.QueryHash, "error", err)
			uc.metrics.Ingest("failed", 1)
		case inserted:
			uc.metrics.Ingest("inserted", 1)
		default:
			uc.metrics.Ingest("duplicate", 1)
		}
	}
	for _, i := range idx {
		if j := first[msgs[i].Statement.QueryHash]; j != i {
			results[i].Err = results[j].Err
			if results[i].Err == nil {
				uc.metrics.Ingest("duplicate", 1)
			}
		}
	}
}

// addCaptured retries store errors; a stale task is a final answer.
func (uc *IngestStatementsUseCase) addCaptured(ctx context.Context, taskID string, n int64) (domain.UpdateOutcome, error) {
	outcome := domain.OutcomeStoreError
	backoff := retry.WithMaxRetries(uc.opts.RetryAttempts, retry.NewExponential(uc.opts.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
		defer cancel()
		var err error
		outcome, err = uc.tasks.AddCaptured(callCtx, taskID, n, uc.now())
		if err != nil {
			uc.logger.Warn("captured counter update failed, retrying", "task_id", taskID, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return domain.OutcomeStoreError, err
	}
	return outcome, nil
}

func (uc *IngestStatementsUseCase) put(ctx context.Context, entry domain.LogEntry) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, uc.opts.StoreTimeout)
	defer cancel()
	return uc.logs.PutIfAbsent(ctx, entry)
}

// Run processes batches until ctx is cancelled, backing off after queue errors.
func (uc *IngestStatementsUseCase) Run(ctx context.Context) {
	uc.logger.Info("starting statement ingestion loop", "batch_size", uc.opts.BatchSize)
	for {
		select {
		case <-ctx.Done():
			uc.logger.Info("stopping statement ingestion loop")
			return
		default:
		}
		if _, err := uc.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}
