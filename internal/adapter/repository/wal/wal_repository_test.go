package wal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/V4T54L/query-compat/internal/adapter/sqlnorm"
	"github.com/V4T54L/query-compat/internal/domain"
)

func setupTestWAL(t *testing.T, fs afero.Fs, maxSegmentSize, maxTotalSize int64) *WALRepository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wal, err := NewWALRepositoryFs(fs, "/wal", maxSegmentSize, maxTotalSize, logger)
	if err != nil {
		t.Fatalf("failed to create WALRepository: %v", err)
	}
	t.Cleanup(func() { wal.Close() })
	return wal
}

func statement(text string) domain.NormalizedStatement {
	return domain.NormalizedStatement{
		TaskID:     "t1",
		QueryHash:  sqlnorm.Hash(text),
		QueryText:  text,
		SrcIP:      "10.0.0.5",
		SrcPort:    "5001",
		CapturedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestWAL_WriteAndReplay(t *testing.T) {
	fs := afero.NewMemMapFs()
	wal := setupTestWAL(t, fs, 1024, 10*1024)

	stmts := []domain.NormalizedStatement{
		statement("SELECT 1"),
		statement("SELECT a FROM b"),
		statement("UPDATE t SET c = ''"),
	}
	for _, s := range stmts {
		if err := wal.Write(context.Background(), s); err != nil {
			t.Fatalf("failed to write statement: %v", err)
		}
	}
	wal.Close()

	// Re-open the WAL to simulate a restart
	wal = setupTestWAL(t, fs, 1024, 10*1024)

	var replayed []domain.NormalizedStatement
	if err := wal.Replay(context.Background(), func(s domain.NormalizedStatement) error {
		replayed = append(replayed, s)
		return nil
	}); err != nil {
		t.Fatalf("failed to replay statements: %v", err)
	}

	if len(replayed) != len(stmts) {
		t.Fatalf("expected %d replayed statements, got %d", len(stmts), len(replayed))
	}
	for i, s := range stmts {
		if replayed[i].QueryHash != s.QueryHash || replayed[i].QueryText != s.QueryText || !replayed[i].CapturedAt.Equal(s.CapturedAt) {
			t.Errorf("replayed statement mismatch at index %d: got %+v, want %+v", i, replayed[i], s)
		}
	}
}

func TestWAL_ReplayStopsOnHandlerError(t *testing.T) {
	wal := setupTestWAL(t, afero.NewMemMapFs(), 1024, 10*1024)
	for _, text := range []string{"SELECT 1", "SELECT 2"} {
		if err := wal.Write(context.Background(), statement(text)); err != nil {
			t.Fatalf("failed to write statement: %v", err)
		}
	}

	calls := 0
	err := wal.Replay(context.Background(), func(domain.NormalizedStatement) error {
		calls++
		return errors.New("redis down")
	})
	if err == nil {
		t.Fatal("expected replay to fail")
	}
	if calls != 1 {
		t.Errorf("expected replay to stop after the first failure, handler called %d times", calls)
	}
}

func TestWAL_SegmentRotation(t *testing.T) {
	wal := setupTestWAL(t, afero.NewMemMapFs(), 100, 4096)

	s := statement("SELECT a_long_enough_column_name FROM a_long_enough_table_name")
	size, _ := json.Marshal(s)
	numWrites := (100 / len(size)) + 2
	for i := 0; i < numWrites; i++ {
		if err := wal.Write(context.Background(), s); err != nil {
			t.Fatalf("failed to write statement: %v", err)
		}
	}

	segments, err := wal.list()
	if err != nil {
		t.Fatalf("failed to get segments: %v", err)
	}
	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments, got %d", len(segments))
	}
}

func TestWAL_Truncate(t *testing.T) {
	fs := afero.NewMemMapFs()
	wal := setupTestWAL(t, fs, 1024, 1024)

	if err := wal.Write(context.Background(), statement("SELECT 1")); err != nil {
		t.Fatalf("failed to write statement: %v", err)
	}
	if err := wal.Truncate(context.Background()); err != nil {
		t.Fatalf("failed to truncate WAL: %v", err)
	}

	segments, _ := wal.list()
	if len(segments) != 1 { // Truncate creates a new empty segment
		t.Fatalf("expected 1 segment after truncate, got %d", len(segments))
	}
	if segments[0].size != 0 {
		t.Errorf("expected new segment to be empty, size is %d", segments[0].size)
	}
	if wal.total != 0 {
		t.Errorf("expected size total to reset, got %d", wal.total)
	}
}

func TestWAL_MaxTotalSize(t *testing.T) {
	wal := setupTestWAL(t, afero.NewMemMapFs(), 100, 150)

	var err error
	for i := 0; i < 5; i++ {
		if err = wal.Write(context.Background(), statement("SELECT some data that will fill up the WAL")); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull when writing beyond max total size, got %v", err)
	}
}

func TestWAL_ResumeCountsExistingSegments(t *testing.T) {
	fs := afero.NewMemMapFs()
	wal := setupTestWAL(t, fs, 1024, 10*1024)
	if err := wal.Write(context.Background(), statement("SELECT 1")); err != nil {
		t.Fatalf("failed to write statement: %v", err)
	}
	written := wal.total
	wal.Close()

	wal = setupTestWAL(t, fs, 1024, 10*1024)
	if wal.total != written {
		t.Errorf("expected resumed total %d, got %d", written, wal.total)
	}
	if wal.written != written {
		t.Errorf("expected to resume the partial segment at %d bytes, got %d", written, wal.written)
	}
}

func TestWAL_OnDisk(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wal, err := NewWALRepository(t.TempDir(), 1024, 4096, logger)
	if err != nil {
		t.Fatalf("failed to create WALRepository: %v", err)
	}
	defer wal.Close()

	if err := wal.Write(context.Background(), statement("SELECT 1")); err != nil {
		t.Fatalf("failed to write statement: %v", err)
	}
	n := 0
	if err := wal.Replay(context.Background(), func(domain.NormalizedStatement) error { n++; return nil }); err != nil {
		t.Fatalf("failed to replay: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 replayed statement, got %d", n)
	}
}
