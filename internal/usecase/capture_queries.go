package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/query-compat/internal/adapter/metrics"
	"github.com/V4T54L/query-compat/internal/adapter/sqlnorm"
	"github.com/V4T54L/query-compat/internal/domain"
)

// ErrIntakeFull is returned by Submit when the normalizer cannot keep up. Only the HTTP
// upload path sees it; the capture feed waits for room with SubmitWait.
var ErrIntakeFull = errors.New("capture intake is full")

// ErrIntakeClosed is returned by Submit after Close.
var ErrIntakeClosed = errors.New("capture intake is closed")

// CaptureOptions configures the normalizer pool.
type CaptureOptions struct {
	Workers        int
	Buffer         int
	PublishTimeout time.Duration
	// DrainTimeout bounds how long Run keeps publishing accepted tuples after its context
	// is cancelled.
	DrainTimeout time.Duration
}

// CaptureStats counts tuples by what happened to them.
type CaptureStats struct {
	Received      int64 `json:"received"`
	Normalized    int64 `json:"normalized"`
	Published     int64 `json:"published"`
	Malformed     int64 `json:"malformed"`
	Unmatched     int64 `json:"unmatched_execute"`
	PublishErrors int64 `json:"publish_errors"`
	Abandoned     int64 `json:"abandoned"`
}

// CaptureQueriesUseCase normalizes captured tuples on a bounded worker pool and publishes
// the resulting statements to the work queue.
type CaptureQueriesUseCase struct {
	normalizer *sqlnorm.Normalizer
	queue      domain.StatementQueue
	metrics    *metrics.PipelineMetrics
	logger     *slog.Logger
	opts       CaptureOptions

	intake chan domain.CapturedEvent
	mu     sync.RWMutex
	closed bool

	received, normalized, published, malformed, unmatched, publishErrors, abandoned atomic.Int64
}

// NewCaptureQueriesUseCase creates the use case. metrics may be nil.
func NewCaptureQueriesUseCase(normalizer *sqlnorm.Normalizer, queue domain.StatementQueue, m *metrics.PipelineMetrics, logger *slog.Logger, opts CaptureOptions) *CaptureQueriesUseCase {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &CaptureQueriesUseCase{
		normalizer: normalizer,
		queue:      queue,
		metrics:    m,
		logger:     logger.With("component", "capture_queries"),
		opts:       opts,
		intake:     make(chan domain.CapturedEvent, opts.Buffer),
	}
}

// Submit offers a tuple to the pool without blocking.
func (uc *CaptureQueriesUseCase) Submit(event domain.CapturedEvent) error {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	if uc.closed {
		return ErrIntakeClosed
	}
	select {
	case uc.intake <- event:
		uc.received.Add(1)
		return nil
	default:
		uc.metrics.Tuple("rejected")
		return ErrIntakeFull
	}
}

// SubmitWait offers a tuple to the pool, waiting for room until ctx is done.
func (uc *CaptureQueriesUseCase) SubmitWait(ctx context.Context, event domain.CapturedEvent) error {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	if uc.closed {
		return ErrIntakeClosed
	}
	select {
	case uc.intake <- event:
		uc.received.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tuples. Run drains what was already submitted and returns.
func (uc *CaptureQueriesUseCase) Close() {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if !uc.closed {
		uc.closed = true
		close(uc.intake)
	}
}

// Run processes submitted tuples until the intake is closed and drained. Cancelling ctx
// closes the intake; tuples already accepted are still published for up to DrainTimeout,
// after which the rest are abandoned and counted. Under the correlate policy tuples are
// sharded by connection so that a prepare is always normalized before the execute that
// follows it on the same connection.
func (uc *CaptureQueriesUseCase) Run(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		uc.Close()
		select {
		case <-time.After(uc.opts.DrainTimeout):
			uc.logger.Warn("drain deadline passed, abandoning queued tuples", "queued", len(uc.intake))
			cancel()
		case <-workCtx.Done():
		}
	})
	defer stop()

	var g errgroup.Group
	if uc.normalizer.Policy() != sqlnorm.PolicyCorrelate {
		for i := 0; i < uc.opts.Workers; i++ {
			g.Go(func() error { return uc.work(workCtx, uc.intake) })
		}
		return g.Wait()
	}

	shards := make([]chan domain.CapturedEvent, uc.opts.Workers)
	for i := range shards {
		shards[i] = make(chan domain.CapturedEvent, max(1, uc.opts.Buffer/uc.opts.Workers))
		shard := shards[i]
		g.Go(func() error { return uc.work(workCtx, shard) })
	}
	g.Go(func() error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()
		for event := range uc.intake {
			shards[xxhash.Sum64String(event.ConnectionKey())%uint64(len(shards))] <- event
		}
		return nil
	})
	return g.Wait()
}

// work consumes in until it is closed. Once ctx is done the remaining tuples are only
// counted.
func (uc *CaptureQueriesUseCase) work(ctx context.Context, in <-chan domain.CapturedEvent) error {
	for event := range in {
		if ctx.Err() != nil {
			uc.abandoned.Add(1)
			uc.metrics.Tuple("abandoned")
			continue
		}
		uc.process(ctx, event)
	}
	return nil
}

func (uc *CaptureQueriesUseCase) process(ctx context.Context, event domain.CapturedEvent) {
	statements, err := uc.normalizer.Normalize(event)
	switch {
	case errors.Is(err, domain.ErrMalformedTuple):
		uc.malformed.Add(1)
		uc.metrics.Tuple("malformed")
		uc.logger.Warn("dropping malformed tuple", "event_id", event.ID, "command", event.Command.String())
		return
	case errors.Is(err, sqlnorm.ErrUnmatchedExecute):
		uc.unmatched.Add(1)
		uc.metrics.Tuple("unmatched_execute")
		uc.logger.Debug("dropping execute without prepare", "connection", event.ConnectionKey())
		return
	case err != nil:
		uc.malformed.Add(1)
		uc.metrics.Tuple("malformed")
		uc.logger.Warn("failed to normalize tuple", "event_id", event.ID, "error", err)
		return
	}
	uc.normalized.Add(1)
	uc.metrics.Tuple("normalized")

	for _, stmt := range statements {
		if err := uc.publish(ctx, stmt); err != nil {
			uc.publishErrors.Add(1)
			uc.metrics.Tuple("publish_error")
			uc.logger.Error("failed to publish statement", "task_id", stmt.TaskID, "query_hash", stmt.QueryHash, "error", err)
			continue
		}
		uc.published.Add(1)
		uc.metrics.Published()
	}
}

func (uc *CaptureQueriesUseCase) publish(ctx context.Context, stmt domain.NormalizedStatement) error {
	ctx, cancel := context.WithTimeout(ctx, uc.opts.PublishTimeout)
	defer cancel()
	return uc.queue.Publish(ctx, stmt)
}

// Stats returns a snapshot of the counters.
func (uc *CaptureQueriesUseCase) Stats() CaptureStats {
	return CaptureStats{
		Received:      uc.received.Load(),
		Normalized:    uc.normalized.Load(),
		Published:     uc.published.Load(),
		Malformed:     uc.malformed.Load(),
		Unmatched:     uc.unmatched.Load(),
		PublishErrors: uc.publishErrors.Load(),
		Abandoned:     uc.abandoned.Load(),
	}
}
