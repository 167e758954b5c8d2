package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/V4T54L/query-compat/internal/domain"
	"github.com/V4T54L/query-compat/internal/usecase"
)

// TaskHandler serves task progress.
type TaskHandler struct {
	uc     *usecase.TaskProgressUseCase
	logger *slog.Logger
}

func NewTaskHandler(uc *usecase.TaskProgressUseCase, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{uc: uc, logger: logger.With("component", "task_handler")}
}

// GetProgress handles GET /tasks/{taskID}/progress.
func (h *TaskHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")
	if taskID == "" {
		http.Error(w, "taskID is required", http.StatusBadRequest)
		return
	}

	progress, err := h.uc.Get(r.Context(), taskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get task progress", "error", err, "task_id", taskID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, progress)
}
