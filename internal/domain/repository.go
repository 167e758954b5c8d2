package domain

import (
	"context"
	"errors"
	"time"
)

// ErrQueueUnavailable is returned when the work queue cannot accept a statement and no
// failover is configured.
var ErrQueueUnavailable = errors.New("work queue unavailable")

// StatementQueue is the at-least-once work queue between the normalizer and the
// deduplicator.
type StatementQueue interface {
	// Publish enqueues one normalized statement.
	Publish(ctx context.Context, stmt NormalizedStatement) error

	// ReadBatch returns up to count statements, redelivering stale unacknowledged ones first.
	ReadBatch(ctx context.Context, count int) ([]QueuedStatement, error)

	// Ack marks messages as processed.
	Ack(ctx context.Context, messageIDs ...string) error

	// MoveToDLQ copies messages to the dead-letter stream and acknowledges them.
	MoveToDLQ(ctx context.Context, msgs []QueuedStatement, reason string) error
}

// LogStore persists one LogEntry per (task_id, query_hash).
type LogStore interface {
	Get(ctx context.Context, key LogKey) (LogEntry, error)

	// PutIfAbsent inserts the entry unless a row with the same key exists. It reports
	// whether a row was inserted; existing rows are never overwritten.
	PutIfAbsent(ctx context.Context, entry LogEntry) (bool, error)

	// UpdateResult sets status and message on an entry still in Created state. It reports
	// whether the entry was updated.
	UpdateResult(ctx context.Context, key LogKey, status LogStatus, message string) (bool, error)

	// ListByTask pages through a task's entries with the given status. cursor is the
	// continuation token returned by the previous page, empty for the first page.
	ListByTask(ctx context.Context, taskID string, status LogStatus, cursor string, limit int) (LogPage, error)

	// ListPending returns keys of entries that were never validated.
	ListPending(ctx context.Context, limit int) ([]LogKey, error)
}

// TaskStore is the core's view of the orchestrator-owned task records.
type TaskStore interface {
	Get(ctx context.Context, taskID string) (TaskRecord, error)

	// ActiveTask returns the task currently flagged in progress.
	ActiveTask(ctx context.Context) (TaskRecord, error)

	// AddCaptured adds n to captured_query while the task's guard flag is set. The first
	// applied update moves a Created task to In-progress and stamps start_capture_time.
	AddCaptured(ctx context.Context, taskID string, n int64, at time.Time) (UpdateOutcome, error)

	// AddValidated adds to checked_query and failed_query unless the task is finalized.
	AddValidated(ctx context.Context, taskID string, checked, failed int64) (UpdateOutcome, error)

	SetReportLocation(ctx context.Context, taskID, location string) error

	// ListUnreported returns finalized tasks that have no report location yet.
	ListUnreported(ctx context.Context, limit int) ([]string, error)
}

// TaskLifecycle is the orchestrator side of the task store.
type TaskLifecycle interface {
	Create(ctx context.Context, task TaskRecord) error

	// Finalize clears the guard flag, sets the final status and stamps end_time.
	Finalize(ctx context.Context, taskID string, status TaskStatus, at time.Time) error
}

// ObjectStore persists report artifacts.
type ObjectStore interface {
	// Put writes data under key, replacing any previous object, and returns its location.
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// DialectChecker submits a statement to the reference engine. finding holds the
// engine-reported error text (empty when the engine accepts the statement); err is
// reserved for failures to reach the engine.
type DialectChecker interface {
	Check(ctx context.Context, statement string) (finding string, err error)
}

// Change feed channels.
const (
	ChannelLogInserted   = "log_entry_inserted"
	ChannelTaskFinalized = "task_finalized"
)

// ChangeEvent is one notification from the store change feed. Resync is set after the
// feed reconnects, when notifications may have been lost.
type ChangeEvent struct {
	Channel string
	Payload string
	Resync  bool
}

// APIKeyRepository defines the interface for validating API keys.
type APIKeyRepository interface {
	// IsValid checks if the provided API key is valid and active.
	// Implementations should handle caching to reduce database load.
	IsValid(ctx context.Context, key string) (bool, error)
}

// WALRepository defines the interface for the Write-Ahead Log failover mechanism.
type WALRepository interface {
	// Write appends a statement to the local WAL file.
	Write(ctx context.Context, stmt NormalizedStatement) error

	// Replay reads statements from the WAL and sends them to a handler function.
	// The handler is responsible for re-publishing the statement.
	Replay(ctx context.Context, handler func(stmt NormalizedStatement) error) error

	// Truncate removes WAL segments that have been successfully replayed.
	Truncate(ctx context.Context) error
}

// StreamAdminRepository exposes work queue inspection and repair operations.
type StreamAdminRepository interface {
	GetGroupInfo(ctx context.Context, stream string) ([]ConsumerGroupInfo, error)
	GetConsumerInfo(ctx context.Context, stream, group string) ([]ConsumerInfo, error)
	GetPendingSummary(ctx context.Context, stream, group string) (*PendingMessageSummary, error)
	GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]PendingMessageDetail, error)
	ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]QueuedStatement, error)
	AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error)
	TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error)
	RequeueDeadLetters(ctx context.Context, dlqStream, stream string, count int64) (int64, error)
}
