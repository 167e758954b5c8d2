// Package capture reads decoded MySQL protocol tuples from the capture tool.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"

	"github.com/V4T54L/query-compat/internal/domain"
)

const maxLineSize = 4 << 20

// Field order written by `tshark -T fields -e frame.time_epoch -e ip.src -e tcp.srcport
// -e mysql.command -e mysql.query -e mysql.field.type`.
const (
	fieldTime = iota
	fieldSrcIP
	fieldSrcPort
	fieldCommand
	fieldQuery
	fieldTypes
)

// ParseTuple decodes one tab-separated feed line for the given task.
func ParseTuple(line, taskID string) (domain.CapturedEvent, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) <= fieldCommand {
		return domain.CapturedEvent{}, fmt.Errorf("%w: %d fields", domain.ErrMalformedTuple, len(fields))
	}

	epoch, err := strconv.ParseFloat(fields[fieldTime], 64)
	if err != nil {
		return domain.CapturedEvent{}, fmt.Errorf("%w: time %q", domain.ErrMalformedTuple, fields[fieldTime])
	}
	// Segmented packets may carry several command codes; the first one is the client's.
	cmdField, _, _ := strings.Cut(fields[fieldCommand], ",")
	cmd, err := strconv.Atoi(cmdField)
	if err != nil {
		return domain.CapturedEvent{}, fmt.Errorf("%w: command %q", domain.ErrMalformedTuple, fields[fieldCommand])
	}

	sec, frac := math.Modf(epoch)
	ev := domain.CapturedEvent{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		SrcIP:     fields[fieldSrcIP],
		SrcPort:   fields[fieldSrcPort],
		Command:   domain.CommandKind(cmd),
	}
	if len(fields) > fieldQuery {
		ev.Text = fields[fieldQuery]
	}
	if len(fields) > fieldTypes && fields[fieldTypes] != "" {
		for _, raw := range strings.Split(fields[fieldTypes], ",") {
			t, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return domain.CapturedEvent{}, fmt.Errorf("%w: field type %q", domain.ErrMalformedTuple, raw)
			}
			ev.FieldTypes = append(ev.FieldTypes, t)
		}
	}

	if err := ev.Validate(); err != nil {
		return domain.CapturedEvent{}, err
	}
	return ev, nil
}

// FeedStats summarizes one feed read.
type FeedStats struct {
	Lines     int64
	Submitted int64
	Malformed int64
	Rejected  int64
}

// SubmitFunc hands a parsed tuple to the normalizer, waiting for room until ctx is done.
type SubmitFunc func(ctx context.Context, ev domain.CapturedEvent) error

// ReadFeed parses lines from r until EOF or cancellation. Malformed lines and tuples the
// submitter rejects are counted and skipped; a submit cut short by ctx ends the read.
func ReadFeed(ctx context.Context, r io.Reader, taskID string, submit SubmitFunc, logger *slog.Logger) (FeedStats, error) {
	var stats FeedStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		stats.Lines++

		ev, err := ParseTuple(line, taskID)
		if err != nil {
			stats.Malformed++
			logger.Warn("dropping malformed tuple", "error", err)
			continue
		}
		if err := submit(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Rejected++
			logger.Warn("capture intake rejected tuple", "error", err, "event_id", ev.ID)
			continue
		}
		stats.Submitted++
	}
	return stats, scanner.Err()
}

// StartCommand runs the capture tool and returns its stdout. wait must be called after
// the output is drained.
func StartCommand(ctx context.Context, command string) (io.ReadCloser, func() error, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse feed command: %w", err)
	}
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("feed command is empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open feed command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start feed command: %w", err)
	}
	return stdout, cmd.Wait, nil
}
