package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/V4T54L/query-compat/internal/adapter/capture"
	"github.com/V4T54L/query-compat/internal/adapter/sqlnorm"
	"github.com/V4T54L/query-compat/internal/domain"
	"github.com/V4T54L/query-compat/internal/domain/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func directQuery(taskID, port, text string) domain.CapturedEvent {
	return domain.CapturedEvent{
		TaskID:    taskID,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		SrcIP:     "10.0.0.5",
		SrcPort:   port,
		Command:   domain.CommandDirectQuery,
		Text:      text,
	}
}

func TestCaptureQueriesUseCase_Run(t *testing.T) {
	logger := testLogger()

	t.Run("Normalizes and Publishes", func(t *testing.T) {
		queue := &mocks.MockStatementQueue{}
		uc := NewCaptureQueriesUseCase(sqlnorm.NewNormalizer(sqlnorm.PolicyFlatten, nil), queue, nil, logger, CaptureOptions{Workers: 3, Buffer: 16})

		events := []domain.CapturedEvent{
			directQuery("t1", "5001", "SELECT * FROM users WHERE email = 'alice@example.com'; SELECT 2"),
			directQuery("t1", "5002", "SELECT 1"),
			{TaskID: "t1", SrcIP: "10.0.0.5", Command: domain.CommandDirectQuery, Text: "SELECT 1"}, // no port
			{TaskID: "t1", SrcIP: "10.0.0.5", SrcPort: "5003", Command: 99, Text: "x"},
		}
		for _, e := range events {
			if err := uc.Submit(e); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
		uc.Close()

		if err := uc.Run(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		published := queue.PublishedStatements()
		if len(published) != 3 {
			t.Fatalf("expected 3 published statements, got %d", len(published))
		}
		for _, stmt := range published {
			if stmt.QueryText == "" || len(stmt.QueryHash) != 128 {
				t.Errorf("unexpected statement %+v", stmt)
			}
		}

		stats := uc.Stats()
		if stats.Received != 4 || stats.Normalized != 2 || stats.Published != 3 || stats.Malformed != 2 {
			t.Errorf("unexpected stats %+v", stats)
		}
	})

	t.Run("Publish Errors Are Counted Not Fatal", func(t *testing.T) {
		queue := &mocks.MockStatementQueue{PublishErr: errors.New("redis down")}
		uc := NewCaptureQueriesUseCase(sqlnorm.NewNormalizer(sqlnorm.PolicyFlatten, nil), queue, nil, logger, CaptureOptions{Workers: 1, Buffer: 4})

		_ = uc.Submit(directQuery("t1", "5001", "SELECT 1"))
		uc.Close()

		if err := uc.Run(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := uc.Stats().PublishErrors; got != 1 {
			t.Errorf("expected 1 publish error, got %d", got)
		}
	})

	t.Run("Correlate Keeps Per-Connection Order", func(t *testing.T) {
		queue := &mocks.MockStatementQueue{}
		sessions := sqlnorm.NewSessionStore(1000, time.Minute)
		uc := NewCaptureQueriesUseCase(sqlnorm.NewNormalizer(sqlnorm.PolicyCorrelate, sessions), queue, nil, logger, CaptureOptions{Workers: 4, Buffer: 512})

		const connections = 50
		for i := 0; i < connections; i++ {
			port := fmt.Sprintf("%d", 40000+i)
			prepare := domain.CapturedEvent{TaskID: "t1", SrcIP: "10.0.0.5", SrcPort: port, Command: domain.CommandPreparedPrepare, Text: "SELECT * FROM t WHERE id = ? AND name = ?"}
			execute := domain.CapturedEvent{TaskID: "t1", SrcIP: "10.0.0.5", SrcPort: port, Command: domain.CommandPreparedExecute, FieldTypes: []int{8, 253}}
			if err := uc.Submit(prepare); err != nil {
				t.Fatalf("submit prepare: %v", err)
			}
			if err := uc.Submit(execute); err != nil {
				t.Fatalf("submit execute: %v", err)
			}
		}
		uc.Close()

		if err := uc.Run(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if got := uc.Stats().Unmatched; got != 0 {
			t.Fatalf("expected every execute to match its prepare, %d unmatched", got)
		}
		published := queue.PublishedStatements()
		if len(published) != connections {
			t.Fatalf("expected %d statements, got %d", connections, len(published))
		}
		if published[0].QueryText != "SELECT * FROM t WHERE id = 1 AND name = ''" {
			t.Errorf("unexpected bound text %q", published[0].QueryText)
		}
	})

	t.Run("Stops On Context Cancel", func(t *testing.T) {
		uc := NewCaptureQueriesUseCase(sqlnorm.NewNormalizer(sqlnorm.PolicyFlatten, nil), &mocks.MockStatementQueue{}, nil, logger, CaptureOptions{Workers: 2, Buffer: 4})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- uc.Run(ctx) }()

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})
}

// slowQueue publishes after a delay, giving up when ctx ends first.
type slowQueue struct {
	*mocks.MockStatementQueue
	delay time.Duration
}

func (q *slowQueue) Publish(ctx context.Context, stmt domain.NormalizedStatement) error {
	select {
	case <-time.After(q.delay):
		return q.MockStatementQueue.Publish(ctx, stmt)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCaptureQueriesUseCase_FeedWaitsForRoom(t *testing.T) {
	logger := testLogger()
	queue := &slowQueue{MockStatementQueue: &mocks.MockStatementQueue{}, delay: time.Millisecond}
	uc := NewCaptureQueriesUseCase(sqlnorm.NewNormalizer(sqlnorm.PolicyFlatten, nil), queue, nil, logger, CaptureOptions{Workers: 2, Buffer: 16})

	done := make(chan error, 1)
	go func() { done <- uc.Run(context.Background()) }()

	const lines = 500
	var feed strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&feed, "1700000000.0\t10.0.0.5\t%d\t3\tSELECT a FROM t WHERE id = %d\n", 40000+i%100, i)
	}
	stats, err := capture.ReadFeed(context.Background(), strings.NewReader(feed.String()), "t1", uc.SubmitWait, logger)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	if stats.Submitted != lines || stats.Rejected != 0 {
		t.Fatalf("expected every tuple submitted, got %+v", stats)
	}

	uc.Close()
	if err := <-done; err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := len(queue.PublishedStatements()); got != lines {
		t.Errorf("expected %d published statements, got %d", lines, got)
	}
}

func TestCaptureQueriesUseCase_Shutdown(t *testing.T) {
	logger := testLogger()

	t.Run("Drains Accepted Tuples", func(t *testing.T) {
		queue := &slowQueue{MockStatementQueue: &mocks.MockStatementQueue{}, delay: time.Millisecond}
		uc := NewCaptureQueriesUseCase(sqlnorm.NewNormalizer(sqlnorm.PolicyFlatten, nil), queue, nil, logger, CaptureOptions{Workers: 1, Buffer: 32})
		for i := 0; i < 20; i++ {
			if err := uc.Submit(directQuery("t1", "5001", fmt.Sprintf("SELECT %d", i))); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := uc.Run(ctx); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		stats := uc.Stats()
		if stats.Published != 20 || stats.Abandoned != 0 {
			t.Errorf("expected all 20 tuples published on shutdown, got %+v", stats)
		}
		if err := uc.Submit(directQuery("t1", "5001", "SELECT 1")); !errors.Is(err, ErrIntakeClosed) {
			t.Errorf("expected intake closed after cancel, got %v", err)
		}
	})

	t.Run("Abandons After Drain Deadline", func(t *testing.T) {
		queue := &slowQueue{MockStatementQueue: &mocks.MockStatementQueue{}, delay: 50 * time.Millisecond}
		uc := NewCaptureQueriesUseCase(sqlnorm.NewNormalizer(sqlnorm.PolicyFlatten, nil), queue, nil, logger, CaptureOptions{Workers: 1, Buffer: 16, DrainTimeout: 20 * time.Millisecond})
		for i := 0; i < 10; i++ {
			if err := uc.Submit(directQuery("t1", "5001", fmt.Sprintf("SELECT %d", i))); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- uc.Run(ctx) }()
		cancel()

		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after the drain deadline")
		}

		stats := uc.Stats()
		if stats.Abandoned == 0 {
			t.Errorf("expected abandoned tuples, got %+v", stats)
		}
		if stats.Published+stats.PublishErrors+stats.Abandoned != 10 {
			t.Errorf("expected every tuple accounted for, got %+v", stats)
		}
	})
}

func TestCaptureQueriesUseCase_SubmitWait(t *testing.T) {
	uc := NewCaptureQueriesUseCase(sqlnorm.NewNormalizer(sqlnorm.PolicyFlatten, nil), &mocks.MockStatementQueue{}, nil, testLogger(), CaptureOptions{Workers: 1, Buffer: 1})
	ctx := context.Background()

	if err := uc.SubmitWait(ctx, directQuery("t1", "1", "SELECT 1")); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := uc.SubmitWait(waitCtx, directQuery("t1", "1", "SELECT 2")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected to wait until the deadline, got %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-uc.intake
	}()
	if err := uc.SubmitWait(ctx, directQuery("t1", "1", "SELECT 3")); err != nil {
		t.Fatalf("expected submit to succeed once room frees up, got %v", err)
	}

	uc.Close()
	if err := uc.SubmitWait(ctx, directQuery("t1", "1", "SELECT 4")); !errors.Is(err, ErrIntakeClosed) {
		t.Fatalf("expected ErrIntakeClosed, got %v", err)
	}
}

func TestCaptureQueriesUseCase_Submit(t *testing.T) {
	uc := NewCaptureQueriesUseCase(sqlnorm.NewNormalizer(sqlnorm.PolicyFlatten, nil), &mocks.MockStatementQueue{}, nil, testLogger(), CaptureOptions{Workers: 1, Buffer: 1})

	if err := uc.Submit(directQuery("t1", "1", "SELECT 1")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := uc.Submit(directQuery("t1", "1", "SELECT 2")); !errors.Is(err, ErrIntakeFull) {
		t.Fatalf("expected ErrIntakeFull, got %v", err)
	}

	uc.Close()
	uc.Close()
	if err := uc.Submit(directQuery("t1", "1", "SELECT 3")); !errors.Is(err, ErrIntakeClosed) {
		t.Fatalf("expected ErrIntakeClosed, got %v", err)
	}
}
