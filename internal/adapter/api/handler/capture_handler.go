package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/V4T54L/query-compat/internal/adapter/capture"
	"github.com/V4T54L/query-compat/internal/domain"
	"github.com/V4T54L/query-compat/internal/usecase"
)

const maxLineSize = 4 << 20

// Submitter accepts captured tuples for normalization.
type Submitter interface {
	Submit(event domain.CapturedEvent) error
}

// CaptureResponse reports what happened to the lines of one upload.
type CaptureResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// CaptureHandler receives captured tuples over HTTP, either as NDJSON CapturedEvent
// objects or as the capture tool's tab-separated lines.
type CaptureHandler struct {
	submitter     Submitter
	logger        *slog.Logger
	maxUploadSize int64
	defaultTaskID string
}

// NewCaptureHandler creates a new CaptureHandler. Tuples without a task id are assigned
// the task_id query parameter, falling back to defaultTaskID.
func NewCaptureHandler(s Submitter, logger *slog.Logger, maxUploadSize int64, defaultTaskID string) *CaptureHandler {
	return &CaptureHandler{
		submitter:     s,
		logger:        logger.With("component", "capture_handler"),
		maxUploadSize: maxUploadSize,
		defaultTaskID: defaultTaskID,
	}
}

// ServeHTTP processes one capture upload. The whole upload is refused with 503 once the
// normalizer intake is full; lines accepted before that point stay accepted.
func (h *CaptureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		taskID = h.defaultTaskID
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var decode func(line string) (domain.CapturedEvent, error)
	switch mediaType {
	case "application/x-ndjson":
		decode = func(line string) (domain.CapturedEvent, error) { return decodeEvent(line, taskID) }
	case "text/tab-separated-values":
		if taskID == "" {
			http.Error(w, "task_id is required", http.StatusBadRequest)
			return
		}
		decode = func(line string) (domain.CapturedEvent, error) { return capture.ParseTuple(line, taskID) }
	default:
		http.Error(w, "Unsupported Content-Type", http.StatusUnsupportedMediaType)
		return
	}

	// Enforce max body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	resp, err := h.consume(r.Body, decode)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, usecase.ErrIntakeFull), errors.Is(err, usecase.ErrIntakeClosed):
			h.logger.Warn("capture intake refused upload", "error", err, "accepted", resp.Accepted)
			w.Header().Set("Retry-After", "1")
			respondJSON(w, h.logger, http.StatusServiceUnavailable, resp)
		default:
			h.logger.Error("failed to read capture upload", "error", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
		}
		return
	}

	respondJSON(w, h.logger, http.StatusAccepted, resp)
}

func (h *CaptureHandler) consume(body io.Reader, decode func(string) (domain.CapturedEvent, error)) (CaptureResponse, error) {
	var resp CaptureResponse
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		ev, err := decode(line)
		if err != nil {
			resp.Rejected++
			h.logger.Warn("dropping malformed tuple", "error", err)
			continue
		}
		if err := h.submitter.Submit(ev); err != nil {
			return resp, err
		}
		resp.Accepted++
	}
	return resp, scanner.Err()
}

func decodeEvent(line, taskID string) (domain.CapturedEvent, error) {
	var ev domain.CapturedEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return ev, err
	}
	if ev.TaskID == "" {
		ev.TaskID = taskID
	}
	return ev, ev.Validate()
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
