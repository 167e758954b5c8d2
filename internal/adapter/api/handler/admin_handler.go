package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/V4T54L/query-compat/internal/usecase"
)

// AdminHandler serves work queue administration. Routes without stream or group path
// values address the pipeline's own statement queue.
type AdminHandler struct {
	uc     *usecase.AdminStreamUseCase
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(uc *usecase.AdminStreamUseCase, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, logger: logger.With("component", "admin_handler")}
}

// HealthCheck reports liveness.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// queueRef is the stream and group a request addresses; empty values select the defaults.
type queueRef struct {
	stream, group string
}

func refOf(r *http.Request) queueRef {
	return queueRef{stream: r.PathValue("streamName"), group: r.PathValue("groupName")}
}

// decodeBody reads a JSON request body into dst and answers 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter, answering 400 when malformed.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid "+name+" parameter", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func (h *AdminHandler) reply(w http.ResponseWriter, op string, ref queueRef, payload any, err error) {
	if err != nil {
		h.logger.Error("queue admin operation failed", "op", op, "stream", ref.stream, "group", ref.group, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, payload)
}

// GetGroupInfo lists consumer groups with their pending and lag counts.
// GET /admin/streams/{streamName}/groups
func (h *AdminHandler) GetGroupInfo(w http.ResponseWriter, r *http.Request) {
	ref := refOf(r)
	groups, err := h.uc.GetGroupInfo(r.Context(), ref.stream)
	h.reply(w, "groups", ref, groups, err)
}

// GET /admin/streams/{streamName}/groups/{groupName}/consumers
func (h *AdminHandler) GetConsumerInfo(w http.ResponseWriter, r *http.Request) {
	ref := refOf(r)
	consumers, err := h.uc.GetConsumerInfo(r.Context(), ref.stream, ref.group)
	h.reply(w, "consumers", ref, consumers, err)
}

// GET /admin/streams/{streamName}/groups/{groupName}/pending
func (h *AdminHandler) GetPendingSummary(w http.ResponseWriter, r *http.Request) {
	ref := refOf(r)
	summary, err := h.uc.GetPendingSummary(r.Context(), ref.stream, ref.group)
	h.reply(w, "pending_summary", ref, summary, err)
}

// GetPendingMessages lists unacknowledged statements with their task and query hash.
// GET /admin/streams/{streamName}/groups/{groupName}/pending/messages?consumer=&start=&count=
func (h *AdminHandler) GetPendingMessages(w http.ResponseWriter, r *http.Request) {
	ref := refOf(r)
	count, ok := queryInt(w, r, "count", 100)
	if !ok {
		return
	}
	q := r.URL.Query()
	messages, err := h.uc.GetPendingMessages(r.Context(), ref.stream, ref.group, q.Get("consumer"), q.Get("start"), count)
	h.reply(w, "pending_messages", ref, messages, err)
}

// ClaimMessages reassigns pending statements to another consumer.
// POST /admin/streams/{streamName}/groups/{groupName}/claim
func (h *AdminHandler) ClaimMessages(w http.ResponseWriter, r *http.Request) {
	ref := refOf(r)
	var req struct {
		Consumer    string   `json:"consumer"`
		MinIdleTime string   `json:"min_idle_time"`
		MessageIDs  []string `json:"message_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var minIdle time.Duration
	if req.MinIdleTime != "" {
		d, err := time.ParseDuration(req.MinIdleTime)
		if err != nil {
			http.Error(w, "invalid min_idle_time format", http.StatusBadRequest)
			return
		}
		minIdle = d
	}

	claimed, err := h.uc.ClaimMessages(r.Context(), ref.stream, ref.group, req.Consumer, minIdle, req.MessageIDs)
	if errors.Is(err, usecase.ErrMissingConsumer) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.reply(w, "claim", ref, claimed, err)
}

// POST /admin/streams/{streamName}/groups/{groupName}/ack
func (h *AdminHandler) AcknowledgeMessages(w http.ResponseWriter, r *http.Request) {
	ref := refOf(r)
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.MessageIDs) == 0 {
		http.Error(w, "message_ids cannot be empty", http.StatusBadRequest)
		return
	}

	acked, err := h.uc.AcknowledgeMessages(r.Context(), ref.stream, ref.group, req.MessageIDs...)
	h.reply(w, "ack", ref, map[string]int64{"acknowledged": acked}, err)
}

// POST /admin/streams/{streamName}/trim
func (h *AdminHandler) TrimStream(w http.ResponseWriter, r *http.Request) {
	ref := refOf(r)
	var req struct {
		MaxLen int64 `json:"maxlen"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MaxLen <= 0 {
		http.Error(w, "maxlen must be a positive integer", http.StatusBadRequest)
		return
	}

	trimmed, err := h.uc.TrimStream(r.Context(), ref.stream, req.MaxLen)
	h.reply(w, "trim", ref, map[string]int64{"trimmed": trimmed}, err)
}

// RequeueDeadLetters moves dead-lettered statements back onto the stream.
// POST /admin/streams/{streamName}/requeue?count=
func (h *AdminHandler) RequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	ref := refOf(r)
	count, ok := queryInt(w, r, "count", 100)
	if !ok {
		return
	}
	requeued, err := h.uc.RequeueDeadLetters(r.Context(), ref.stream, count)
	h.reply(w, "requeue", ref, map[string]int64{"requeued": requeued}, err)
}
