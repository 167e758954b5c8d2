package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V4T54L/query-compat/internal/domain"
)

// LogStore implements domain.LogStore on the query_logs table.
type LogStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.LogStore = (*LogStore)(nil)

func NewLogStore(db *sql.DB, logger *slog.Logger) *LogStore {
	return &LogStore{db: db, logger: logger.With("component", "postgres_log_store")}
}

const logColumns = `task_id, query_hash, query_text, src_ip, src_port, status, message`

func scanEntry(row interface{ Scan(...any) error }) (domain.LogEntry, error) {
	var e domain.LogEntry
	var status string
	err := row.Scan(&e.TaskID, &e.QueryHash, &e.QueryText, &e.SrcIP, &e.SrcPort, &status, &e.Message)
	e.Status = domain.LogStatus(status)
	return e, err
}

func (s *LogStore) Get(ctx context.Context, key domain.LogKey) (domain.LogEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM query_logs WHERE task_id = $1 AND query_hash = $2`, key.TaskID, key.QueryHash)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LogEntry{}, domain.ErrEntryNotFound
	}
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("failed to get log entry: %w", err)
	}
	return entry, nil
}

// PutIfAbsent relies on the primary key; the insert trigger fires only for new rows.
func (s *LogStore) PutIfAbsent(ctx context.Context, entry domain.LogEntry) (bool, error) {
	if entry.Status == "" {
		entry.Status = domain.LogStatusCreated
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO query_logs (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id, query_hash) DO NOTHING`,
		entry.TaskID, entry.QueryHash, entry.QueryText, entry.SrcIP, entry.SrcPort, string(entry.Status), entry.Message)
	if err != nil {
		return false, fmt.Errorf("failed to insert log entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LogStore) UpdateResult(ctx context.Context, key domain.LogKey, status domain.LogStatus, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE query_logs SET status = $3, message = $4
		WHERE task_id = $1 AND query_hash = $2 AND status = 'Created'`,
		key.TaskID, key.QueryHash, string(status), message)
	if err != nil {
		return false, fmt.Errorf("failed to update log entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListByTask pages by query_hash; the last hash of a full page is the continuation token.
func (s *LogStore) ListByTask(ctx context.Context, taskID string, status domain.LogStatus, cursor string, limit int) (domain.LogPage, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+` FROM query_logs
		WHERE task_id = $1 AND status = $2 AND query_hash > $3
		ORDER BY query_hash
		LIMIT $4`,
		taskID, string(status), cursor, limit+1)
	if err != nil {
		return domain.LogPage{}, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()

	var page domain.LogPage
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return domain.LogPage{}, fmt.Errorf("failed to scan log entry: %w", err)
		}
		page.Entries = append(page.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return domain.LogPage{}, err
	}
	if len(page.Entries) > limit {
		page.Entries = page.Entries[:limit]
		page.Next = page.Entries[limit-1].QueryHash
	}
	return page, nil
}

func (s *LogStore) ListPending(ctx context.Context, limit int) ([]domain.LogKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, query_hash FROM query_logs
		WHERE status = 'Created'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	defer rows.Close()

	var keys []domain.LogKey
	for rows.Next() {
		var k domain.LogKey
		if err := rows.Scan(&k.TaskID, &k.QueryHash); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
