package domain

import "errors"

// LogStatus is the validation state of a captured query.
type LogStatus string

const (
	LogStatusCreated LogStatus = "Created"
	LogStatusChecked LogStatus = "Checked"
	LogStatusFailed  LogStatus = "Failed"
)

// ErrEntryNotFound is returned when no log entry exists for a key.
var ErrEntryNotFound = errors.New("log entry not found")

// LogKey addresses one log entry.
type LogKey struct {
	TaskID    string `json:"task_id"`
	QueryHash string `json:"query_hash"`
}

// LogEntry is the durable record of one distinct redacted query per task.
type LogEntry struct {
	TaskID    string    `json:"task_id"`
	QueryHash string    `json:"query_hash"`
	QueryText string    `json:"query"`
	SrcIP     string    `json:"src"`
	SrcPort   string    `json:"src_port"`
	Status    LogStatus `json:"status"`
	Message   string    `json:"message"`
}

// Key returns the entry's primary key.
func (e LogEntry) Key() LogKey {
	return LogKey{TaskID: e.TaskID, QueryHash: e.QueryHash}
}

// NewLogEntry builds the initial Created entry for a normalized statement.
func NewLogEntry(s NormalizedStatement) LogEntry {
	return LogEntry{
		TaskID:    s.TaskID,
		QueryHash: s.QueryHash,
		QueryText: s.QueryText,
		SrcIP:     s.SrcIP,
		SrcPort:   s.SrcPort,
		Status:    LogStatusCreated,
	}
}

// LogPage is one page of a paginated log store query. Next is empty on the last page.
type LogPage struct {
	Entries []LogEntry
	Next    string
}

// IngestResult is the outcome of one dequeued statement. Err is nil when the statement is
// durably stored (inserted or already present) and the message can be acknowledged.
type IngestResult struct {
	MessageID string
	Inserted  bool
	Err       error
}

// ValidationReport summarizes one validation batch.
type ValidationReport struct {
	Checked int
	Failed  int
	// Skipped counts entries already validated, missing, or belonging to finalized tasks.
	Skipped int
	// Deferred counts tasks whose counter update failed and was kept for a later attempt.
	Deferred int
	Errors   map[LogKey]error
}
