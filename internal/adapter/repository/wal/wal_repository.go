package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/V4T54L/query-compat/internal/domain"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".log"
	filePerm      = 0644
	maxLineBytes  = 4 << 20
)

// ErrFull is returned by Write when the statement would push the log past its size budget.
var ErrFull = errors.New("wal size budget exhausted")

type segment struct {
	path string
	size int64
}

// WALRepository buffers normalized statements in size-bounded segment files while the
// work queue is unreachable. Segment names sort in creation order.
type WALRepository struct {
	fs          afero.Fs
	dir         string
	segmentSize int64
	budget      int64
	logger      *slog.Logger

	mu      sync.Mutex
	active  afero.File
	written int64 // bytes in the active segment
	total   int64 // bytes across all segments
	seq     int64
}

var _ domain.WALRepository = (*WALRepository)(nil)

// NewWALRepository creates a WAL in dir on the host filesystem.
func NewWALRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	return NewWALRepositoryFs(afero.NewOsFs(), dir, maxSegmentSize, maxTotalSize, logger)
}

// NewWALRepositoryFs creates a WAL in dir on fs, resuming the newest segment left by a
// previous run.
func NewWALRepositoryFs(fs afero.Fs, dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", dir, err)
	}
	w := &WALRepository{
		fs:          fs,
		dir:         dir,
		segmentSize: maxSegmentSize,
		budget:      maxTotalSize,
		logger:      logger.With("component", "wal_repository"),
	}
	if err := w.resume(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends stmt as one JSON line. It fails with ErrFull rather than evicting older
// statements.
func (w *WALRepository) Write(ctx context.Context, stmt domain.NormalizedStatement) error {
	line, err := json.Marshal(stmt)
	if err != nil {
		return fmt.Errorf("failed to marshal statement for WAL: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.total+int64(len(line)) > w.budget {
		return fmt.Errorf("%w: %d of %d bytes used", ErrFull, w.total, w.budget)
	}
	if w.active == nil {
		if err := w.startSegment(); err != nil {
			return err
		}
	}

	n, err := w.active.Write(line)
	w.written += int64(n)
	w.total += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write to WAL segment: %w", err)
	}

	if w.written >= w.segmentSize {
		if err := w.startSegment(); err != nil {
			w.logger.Error("Failed to rotate WAL segment", "error", err)
		}
	}
	return nil
}

// Replay feeds every buffered statement, oldest first, to handler and stops at the first
// handler error. Lines that do not decode, such as one torn by a crash, are skipped.
func (w *WALRepository) Replay(ctx context.Context, handler func(stmt domain.NormalizedStatement) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closeActive()

	segs, err := w.list()
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return nil
	}
	w.logger.Info("Replaying WAL", "segments", len(segs), "bytes", w.total)

	replayed := 0
	for _, seg := range segs {
		n, err := w.replayFile(ctx, seg.path, handler)
		replayed += n
		if err != nil {
			w.logger.Warn("WAL replay interrupted", "replayed", replayed, "error", err)
			return err
		}
	}
	w.logger.Info("WAL replay completed", "replayed", replayed)
	return nil
}

func (w *WALRepository) replayFile(ctx context.Context, path string, handler func(domain.NormalizedStatement) error) (int, error) {
	f, err := w.fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open WAL segment %s: %w", path, err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var stmt domain.NormalizedStatement
		if err := json.Unmarshal(sc.Bytes(), &stmt); err != nil {
			w.logger.Warn("Skipping undecodable WAL line", "segment", path, "error", err)
			continue
		}
		if err := handler(stmt); err != nil {
			return n, fmt.Errorf("replay handler failed: %w", err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("failed to scan WAL segment %s: %w", path, err)
	}
	return n, nil
}

// Truncate drops every segment and opens an empty one.
func (w *WALRepository) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closeActive()

	segs, err := w.list()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if err := w.fs.Remove(seg.path); err != nil {
			w.logger.Error("Failed to remove WAL segment", "path", seg.path, "error", err)
			continue
		}
		w.total -= seg.size
	}
	if w.total < 0 {
		w.total = 0
	}
	return w.startSegment()
}

// Close flushes and closes the active segment.
func (w *WALRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return nil
	}
	err := w.active.Close()
	w.active = nil
	return err
}

// resume adopts the newest existing segment, or starts one, and seeds the size totals.
func (w *WALRepository) resume() error {
	segs, err := w.list()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		w.total += seg.size
	}
	if len(segs) == 0 {
		return w.startSegment()
	}

	last := segs[len(segs)-1]
	if last.size >= w.segmentSize {
		return w.startSegment()
	}
	f, err := w.fs.OpenFile(last.path, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %s: %w", last.path, err)
	}
	w.active = f
	w.written = last.size
	w.logger.Info("Resumed WAL segment", "path", last.path, "size", last.size, "total", w.total)
	return nil
}

func (w *WALRepository) startSegment() error {
	w.closeActive()

	w.seq++
	name := fmt.Sprintf("%s%020d-%06d%s", segmentPrefix, time.Now().UnixNano(), w.seq, segmentSuffix)
	path := filepath.Join(w.dir, name)
	f, err := w.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create WAL segment %s: %w", path, err)
	}
	w.active = f
	w.written = 0
	w.logger.Debug("Started WAL segment", "path", path)
	return nil
}

func (w *WALRepository) closeActive() {
	if w.active == nil {
		return
	}
	if err := w.active.Sync(); err != nil {
		w.logger.Error("Failed to sync WAL segment", "error", err)
	}
	if err := w.active.Close(); err != nil {
		w.logger.Error("Failed to close WAL segment", "error", err)
	}
	w.active = nil
}

func (w *WALRepository) list() ([]segment, error) {
	entries, err := afero.ReadDir(w.fs, w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}
	var segs []segment
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), segmentPrefix) {
			continue
		}
		segs = append(segs, segment{path: filepath.Join(w.dir, e.Name()), size: e.Size()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].path < segs[j].path })
	return segs, nil
}
