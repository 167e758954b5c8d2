package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/query-compat/internal/adapter/compat"
	"github.com/V4T54L/query-compat/internal/adapter/sqlnorm"
	"github.com/V4T54L/query-compat/internal/domain"
	"github.com/V4T54L/query-compat/internal/domain/mocks"
)

type validateFixture struct {
	logs    *mocks.MemoryLogStore
	tasks   *mocks.MemoryTaskStore
	checker *mocks.StubDialectChecker
	uc      *ValidateEntriesUseCase
}

func newValidateFixture(t *testing.T, taskIDs ...string) *validateFixture {
	t.Helper()
	f := &validateFixture{
		logs:    mocks.NewMemoryLogStore(),
		tasks:   newTasks(t, taskIDs...),
		checker: &mocks.StubDialectChecker{},
	}
	f.uc = NewValidateEntriesUseCase(f.logs, f.tasks, compat.DefaultRules(), f.checker, nil, testLogger(), ValidateOptions{
		BatchSize:     2,
		Window:        10 * time.Millisecond,
		SweepInterval: time.Hour,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})
	return f
}

// withTasks rebuilds the use case over a different task store.
func (f *validateFixture) withTasks(tasks domain.TaskStore) *ValidateEntriesUseCase {
	return NewValidateEntriesUseCase(f.logs, tasks, compat.DefaultRules(), f.checker, nil, testLogger(), ValidateOptions{
		BatchSize:     2,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})
}

// capture stores an entry the way the deduplicator does and returns its key.
func (f *validateFixture) capture(t *testing.T, taskID, text string) domain.LogKey {
	t.Helper()
	ctx := context.Background()
	_, err := f.tasks.AddCaptured(ctx, taskID, 1, time.Now())
	require.NoError(t, err)
	entry := domain.NewLogEntry(domain.NormalizedStatement{TaskID: taskID, QueryHash: sqlnorm.Hash(text), QueryText: text, SrcIP: "10.0.0.5", SrcPort: "5001"})
	_, err = f.logs.PutIfAbsent(ctx, entry)
	require.NoError(t, err)
	return entry.Key()
}

func TestValidateEntries_Classify(t *testing.T) {
	f := newValidateFixture(t)
	f.checker.Findings = map[string]string{"GROUP BY a WITH ROLLUP ORDER": "Error 1221: Incorrect usage of CUBE/ROLLUP and ORDER BY"}
	ctx := context.Background()

	tests := []struct {
		name       string
		query      string
		wantStatus domain.LogStatus
		wantMsg    string
	}{
		{"clean", "SELECT a FROM t WHERE id = 1", domain.LogStatusChecked, ""},
		{"function", "SELECT LOAD_FILE('')", domain.LogStatusFailed, "Query contains unsupported functions: LOAD_FILE; "},
		{"back-quoted keyword", "SELECT `rank` FROM t", domain.LogStatusChecked, ""},
		{
			"all stages aggregate",
			"SELECT encode(a), rank FROM t GROUP BY a WITH ROLLUP ORDER BY a",
			domain.LogStatusFailed,
			"Query contains unsupported functions: encode; Query contains 8.0 keywords without ``: rank; Error 1221: Incorrect usage of CUBE/ROLLUP and ORDER BY; ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg, err := f.uc.Classify(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestValidateEntries_ValidateBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("updates entries and counters once", func(t *testing.T) {
		f := newValidateFixture(t, "t1")
		bad := f.capture(t, "t1", "SELECT LOAD_FILE('')")
		good := f.capture(t, "t1", "SELECT 1")

		report := f.uc.ValidateBatch(ctx, []domain.LogKey{bad, good})
		assert.Equal(t, 2, report.Checked)
		assert.Equal(t, 1, report.Failed)
		assert.Empty(t, report.Errors)

		entry, err := f.logs.Get(ctx, bad)
		require.NoError(t, err)
		assert.Equal(t, domain.LogStatusFailed, entry.Status)

		// redelivered notifications do not validate or count again
		report = f.uc.ValidateBatch(ctx, []domain.LogKey{bad, good})
		assert.Equal(t, 2, report.Skipped)

		task, err := f.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), task.CheckedQuery)
		assert.Equal(t, int64(1), task.FailedQuery)
		assert.LessOrEqual(t, task.CheckedQuery, task.CapturedQuery)
	})

	t.Run("finalized task keeps counters frozen", func(t *testing.T) {
		f := newValidateFixture(t, "t1")
		key := f.capture(t, "t1", "SELECT LOAD_FILE('')")
		require.NoError(t, f.tasks.Finalize(ctx, "t1", domain.TaskStatusFinished, time.Now()))

		report := f.uc.ValidateBatch(ctx, []domain.LogKey{key})
		assert.Equal(t, 1, report.Failed)

		entry, err := f.logs.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.LogStatusFailed, entry.Status, "entry update still lands")

		task, err := f.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Zero(t, task.CheckedQuery)
		assert.Zero(t, task.FailedQuery)
	})

	t.Run("unreachable engine leaves entry pending", func(t *testing.T) {
		f := newValidateFixture(t, "t1")
		f.checker.Err = errors.New("dial tcp: connection refused")
		key := f.capture(t, "t1", "SELECT 1")

		report := f.uc.ValidateBatch(ctx, []domain.LogKey{key})
		require.Contains(t, report.Errors, key)

		entry, err := f.logs.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.LogStatusCreated, entry.Status)

		task, err := f.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Zero(t, task.CheckedQuery)
	})

	t.Run("store error on one entry does not block siblings", func(t *testing.T) {
		f := newValidateFixture(t, "t1")
		key := f.capture(t, "t1", "SELECT 1")
		missing := domain.LogKey{TaskID: "t1", QueryHash: "nope"}
		flaky := &flakyLogStore{MemoryLogStore: f.logs, failHash: key.QueryHash}
		uc := NewValidateEntriesUseCase(flaky, f.tasks, compat.DefaultRules(), f.checker, nil, testLogger(), ValidateOptions{})
		other := f.capture(t, "t1", "SELECT 2")

		report := uc.ValidateBatch(ctx, []domain.LogKey{key, missing, other})
		assert.Len(t, report.Errors, 1)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 1, report.Checked)
	})
}

func TestValidateEntries_CounterStoreErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("transient error is retried", func(t *testing.T) {
		f := newValidateFixture(t, "t1")
		key := f.capture(t, "t1", "SELECT LOAD_FILE('')")
		uc := f.withTasks(&flakyTaskStore{MemoryTaskStore: f.tasks, fails: 1})

		report := uc.ValidateBatch(ctx, []domain.LogKey{key})
		assert.Equal(t, 1, report.Failed)
		assert.Zero(t, report.Deferred)

		task, err := f.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), task.CheckedQuery)
		assert.Equal(t, int64(1), task.FailedQuery)
	})

	t.Run("exhausted retries carry over to the next batch", func(t *testing.T) {
		f := newValidateFixture(t, "t1")
		key := f.capture(t, "t1", "SELECT LOAD_FILE('')")
		uc := f.withTasks(&flakyTaskStore{MemoryTaskStore: f.tasks, fails: 3})

		report := uc.ValidateBatch(ctx, []domain.LogKey{key})
		assert.Equal(t, 1, report.Deferred)
		entry, err := f.logs.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.LogStatusFailed, entry.Status)
		task, err := f.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Zero(t, task.CheckedQuery)

		// the redelivered notification is skipped but the carried tally lands
		report = uc.ValidateBatch(ctx, []domain.LogKey{key})
		assert.Equal(t, 1, report.Skipped)
		assert.Zero(t, report.Deferred)
		task, err = f.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), task.CheckedQuery)
		assert.Equal(t, int64(1), task.FailedQuery)

		// applied once only
		uc.ValidateBatch(ctx, nil)
		task, err = f.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), task.CheckedQuery)
	})

	t.Run("sweep applies carried tallies with nothing pending", func(t *testing.T) {
		f := newValidateFixture(t, "t1")
		key := f.capture(t, "t1", "SELECT 1")
		flaky := &flakyTaskStore{MemoryTaskStore: f.tasks, fails: 3}
		uc := f.withTasks(flaky)

		report := uc.ValidateBatch(ctx, []domain.LogKey{key})
		require.Equal(t, 1, report.Deferred)

		n, err := uc.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		task, err := f.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), task.CheckedQuery)
		assert.Zero(t, task.FailedQuery)
	})

	t.Run("carried tally is dropped once the task is finalized", func(t *testing.T) {
		f := newValidateFixture(t, "t1")
		key := f.capture(t, "t1", "SELECT 1")
		uc := f.withTasks(&flakyTaskStore{MemoryTaskStore: f.tasks, fails: 3})

		require.Equal(t, 1, uc.ValidateBatch(ctx, []domain.LogKey{key}).Deferred)
		require.NoError(t, f.tasks.Finalize(ctx, "t1", domain.TaskStatusStopped, time.Now()))

		report := uc.ValidateBatch(ctx, nil)
		assert.Zero(t, report.Deferred)
		task, err := f.tasks.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Zero(t, task.CheckedQuery)
	})
}

func TestValidateEntries_ClearedGuardTakesNoCounts(t *testing.T) {
	ctx := context.Background()
	f := newValidateFixture(t)
	require.NoError(t, f.tasks.Create(ctx, domain.TaskRecord{TaskID: "broken", Status: domain.TaskStatusError}))
	key := f.capture(t, "broken", "SELECT LOAD_FILE('')")

	report := f.uc.ValidateBatch(ctx, []domain.LogKey{key})
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Deferred)

	entry, err := f.logs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.LogStatusFailed, entry.Status)

	task, err := f.tasks.Get(ctx, "broken")
	require.NoError(t, err)
	assert.Zero(t, task.CheckedQuery)
	assert.Zero(t, task.FailedQuery)
}

func TestValidateEntries_Run(t *testing.T) {
	f := newValidateFixture(t, "t1")
	k1 := f.capture(t, "t1", "SELECT 1")
	k2 := f.capture(t, "t1", "SELECT rank FROM t")
	k3 := f.capture(t, "t1", "SELECT 3")
	lost := f.capture(t, "t1", "SELECT 4")

	events := make(chan domain.ChangeEvent, 8)
	for _, k := range []domain.LogKey{k1, k2, k3} {
		payload, err := json.Marshal(k)
		require.NoError(t, err)
		events <- domain.ChangeEvent{Channel: domain.ChannelLogInserted, Payload: string(payload)}
	}
	events <- domain.ChangeEvent{Channel: domain.ChannelLogInserted, Payload: "not json"}
	events <- domain.ChangeEvent{Resync: true}
	close(events)

	f.uc.Run(context.Background(), events)

	for _, k := range []domain.LogKey{k1, k2, k3, lost} {
		entry, err := f.logs.Get(context.Background(), k)
		require.NoError(t, err)
		assert.NotEqual(t, domain.LogStatusCreated, entry.Status, entry.QueryText)
	}
	task, err := f.tasks.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), task.CheckedQuery)
	assert.Equal(t, int64(1), task.FailedQuery)
}

type flakyLogStore struct {
	*mocks.MemoryLogStore
	failHash string
}

func (s *flakyLogStore) UpdateResult(ctx context.Context, key domain.LogKey, status domain.LogStatus, message string) (bool, error) {
	if key.QueryHash == s.failHash {
		return false, errors.New("conditional check failed: connection reset")
	}
	return s.MemoryLogStore.UpdateResult(ctx, key, status, message)
}

// flakyTaskStore fails the next fails validation counter updates.
type flakyTaskStore struct {
	*mocks.MemoryTaskStore
	mu    sync.Mutex
	fails int
}

func (s *flakyTaskStore) AddValidated(ctx context.Context, taskID string, checked, failed int64) (domain.UpdateOutcome, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return domain.OutcomeStoreError, errors.New("write tcp: connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryTaskStore.AddValidated(ctx, taskID, checked, failed)
}
