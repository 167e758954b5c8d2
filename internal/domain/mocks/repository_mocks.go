package mocks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/query-compat/internal/domain"
)

// MockStatementQueue is a mock implementation of domain.StatementQueue for testing.
type MockStatementQueue struct {
	mu              sync.Mutex
	Published       []domain.NormalizedStatement
	ReadBatchResult []domain.QueuedStatement
	AckedMessageIDs []string
	DLQMessages     []domain.QueuedStatement
	PublishErr      error
	ReadErr         error
	AckErr          error
	DLQErr          error
}

func (m *MockStatementQueue) Publish(ctx context.Context, stmt domain.NormalizedStatement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, stmt)
	return nil
}

func (m *MockStatementQueue) ReadBatch(ctx context.Context, count int) ([]domain.QueuedStatement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	return m.ReadBatchResult, nil
}

func (m *MockStatementQueue) Ack(ctx context.Context, messageIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.AckedMessageIDs = append(m.AckedMessageIDs, messageIDs...)
	return nil
}

func (m *MockStatementQueue) MoveToDLQ(ctx context.Context, msgs []domain.QueuedStatement, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DLQErr != nil {
		return m.DLQErr
	}
	m.DLQMessages = append(m.DLQMessages, msgs...)
	for _, msg := range msgs {
		m.AckedMessageIDs = append(m.AckedMessageIDs, msg.MessageID)
	}
	return nil
}

// PublishedStatements returns a copy of everything published so far.
func (m *MockStatementQueue) PublishedStatements() []domain.NormalizedStatement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.NormalizedStatement(nil), m.Published...)
}

// MemoryLogStore is an in-memory domain.LogStore with the same conditional semantics as
// the Postgres store. PageSize caps every ListByTask page regardless of the requested
// limit, which lets tests force pagination.
type MemoryLogStore struct {
	mu        sync.Mutex
	entries   map[domain.LogKey]domain.LogEntry
	PageSize  int
	PutErrs   map[string]error // keyed by query hash
	UpdateErr error
	ListErr   error
	Puts      int
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{entries: make(map[domain.LogKey]domain.LogEntry)}
}

func (s *MemoryLogStore) Get(ctx context.Context, key domain.LogKey) (domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return domain.LogEntry{}, domain.ErrEntryNotFound
	}
	return entry, nil
}

func (s *MemoryLogStore) PutIfAbsent(ctx context.Context, entry domain.LogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.PutErrs[entry.QueryHash]; err != nil {
		return false, err
	}
	s.Puts++
	if _, ok := s.entries[entry.Key()]; ok {
		return false, nil
	}
	s.entries[entry.Key()] = entry
	return true, nil
}

func (s *MemoryLogStore) UpdateResult(ctx context.Context, key domain.LogKey, status domain.LogStatus, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return false, s.UpdateErr
	}
	entry, ok := s.entries[key]
	if !ok || entry.Status != domain.LogStatusCreated {
		return false, nil
	}
	entry.Status = status
	entry.Message = message
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryLogStore) ListByTask(ctx context.Context, taskID string, status domain.LogStatus, cursor string, limit int) (domain.LogPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return domain.LogPage{}, s.ListErr
	}
	if s.PageSize > 0 && (limit <= 0 || limit > s.PageSize) {
		limit = s.PageSize
	}

	var matched []domain.LogEntry
	for key, entry := range s.entries {
		if key.TaskID == taskID && entry.Status == status && key.QueryHash > cursor {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].QueryHash < matched[j].QueryHash })

	page := domain.LogPage{Entries: matched}
	if limit > 0 && len(matched) > limit {
		page.Entries = matched[:limit]
		page.Next = matched[limit-1].QueryHash
	}
	return page, nil
}

func (s *MemoryLogStore) ListPending(ctx context.Context, limit int) ([]domain.LogKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []domain.LogKey
	for key, entry := range s.entries {
		if entry.Status == domain.LogStatusCreated {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TaskID != keys[j].TaskID {
			return keys[i].TaskID < keys[j].TaskID
		}
		return keys[i].QueryHash < keys[j].QueryHash
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Entries returns all stored entries of a task sorted by hash.
func (s *MemoryLogStore) Entries(taskID string) []domain.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LogEntry
	for key, entry := range s.entries {
		if key.TaskID == taskID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueryHash < out[j].QueryHash })
	return out
}

// MemoryTaskStore is an in-memory domain.TaskStore and domain.TaskLifecycle.
type MemoryTaskStore struct {
	mu          sync.Mutex
	tasks       map[string]domain.TaskRecord
	CapturedErr error
	ValidateErr error
	GetErr      error
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]domain.TaskRecord)}
}

func (s *MemoryTaskStore) Create(ctx context.Context, task domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; ok {
		return fmt.Errorf("task %s already exists", task.TaskID)
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusCreated
		task.InProgress = true
	}
	s.tasks[task.TaskID] = task
	return nil
}

func (s *MemoryTaskStore) Finalize(ctx context.Context, taskID string, status domain.TaskStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	task.Status = status
	task.InProgress = false
	task.EndTime = &at
	s.tasks[taskID] = task
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return domain.TaskRecord{}, s.GetErr
	}
	task, ok := s.tasks[taskID]
	if !ok {
		return domain.TaskRecord{}, domain.ErrTaskNotFound
	}
	return task, nil
}

func (s *MemoryTaskStore) ActiveTask(ctx context.Context) (domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.InProgress {
			return task, nil
		}
	}
	return domain.TaskRecord{}, domain.ErrTaskNotFound
}

func (s *MemoryTaskStore) AddCaptured(ctx context.Context, taskID string, n int64, at time.Time) (domain.UpdateOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CapturedErr != nil {
		return domain.OutcomeStoreError, s.CapturedErr
	}
	task, ok := s.tasks[taskID]
	if !ok || !task.InProgress || task.Status.Finalized() || task.Status == domain.TaskStatusError {
		return domain.OutcomeSkippedStaleTask, nil
	}
	task.CapturedQuery += n
	if task.Status == domain.TaskStatusCreated {
		task.Status = domain.TaskStatusInProgress
		task.StartCaptureTime = &at
	}
	s.tasks[taskID] = task
	return domain.OutcomeApplied, nil
}

func (s *MemoryTaskStore) AddValidated(ctx context.Context, taskID string, checked, failed int64) (domain.UpdateOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ValidateErr != nil {
		return domain.OutcomeStoreError, s.ValidateErr
	}
	task, ok := s.tasks[taskID]
	if !ok || !task.InProgress || task.Status.Finalized() {
		return domain.OutcomeSkippedStaleTask, nil
	}
	task.CheckedQuery += checked
	task.FailedQuery += failed
	s.tasks[taskID] = task
	return domain.OutcomeApplied, nil
}

func (s *MemoryTaskStore) SetReportLocation(ctx context.Context, taskID, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	task.ReportLocation = location
	s.tasks[taskID] = task
	return nil
}

func (s *MemoryTaskStore) ListUnreported(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, task := range s.tasks {
		if task.Status.Finalized() && task.ReportLocation == "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// MockObjectStore records objects in memory.
type MockObjectStore struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Puts    int
	PutErr  error
}

func (m *MockObjectStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Puts++
	if m.PutErr != nil {
		return "", m.PutErr
	}
	if m.Objects == nil {
		m.Objects = make(map[string][]byte)
	}
	m.Objects[key] = append([]byte(nil), data...)
	return "mem://reports/" + key, nil
}

// StubDialectChecker reports a finding for statements containing any key of Findings.
type StubDialectChecker struct {
	mu       sync.Mutex
	Findings map[string]string
	Err      error
	Checked  []string
}

func (s *StubDialectChecker) Check(ctx context.Context, statement string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Checked = append(s.Checked, statement)
	if s.Err != nil {
		return "", s.Err
	}
	for fragment, finding := range s.Findings {
		if strings.Contains(statement, fragment) {
			return finding, nil
		}
	}
	return "", nil
}

// MockAPIKeyRepository accepts the keys listed in Valid.
type MockAPIKeyRepository struct {
	Valid map[string]bool
	Err   error
}

func (m *MockAPIKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	return m.Valid[key], nil
}

// MockStreamAdminRepository records the stream and group each call targeted.
type MockStreamAdminRepository struct {
	mu      sync.Mutex
	Calls   []string
	Claimed []domain.QueuedStatement
	Err     error
}

func (m *MockStreamAdminRepository) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *MockStreamAdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	m.record("groups " + stream)
	return []domain.ConsumerGroupInfo{{Name: "statement-ingestors"}}, m.Err
}

func (m *MockStreamAdminRepository) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	m.record("consumers " + stream + " " + group)
	return nil, m.Err
}

func (m *MockStreamAdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	m.record("summary " + stream + " " + group)
	return &domain.PendingMessageSummary{}, m.Err
}

func (m *MockStreamAdminRepository) GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	m.record(fmt.Sprintf("pending %s %s %s %s %d", stream, group, consumer, startID, count))
	return nil, m.Err
}

func (m *MockStreamAdminRepository) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.QueuedStatement, error) {
	m.record(fmt.Sprintf("claim %s %s %s %s", stream, group, consumer, strings.Join(messageIDs, ",")))
	return m.Claimed, m.Err
}

func (m *MockStreamAdminRepository) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	m.record(fmt.Sprintf("ack %s %s %s", stream, group, strings.Join(messageIDs, ",")))
	return int64(len(messageIDs)), m.Err
}

func (m *MockStreamAdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	m.record(fmt.Sprintf("trim %s %d", stream, maxLen))
	return 0, m.Err
}

func (m *MockStreamAdminRepository) RequeueDeadLetters(ctx context.Context, dlqStream, stream string, count int64) (int64, error) {
	m.record(fmt.Sprintf("requeue %s %s %d", dlqStream, stream, count))
	return count, m.Err
}
