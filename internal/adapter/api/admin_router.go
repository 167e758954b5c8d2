package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/query-compat/internal/adapter/api/handler"
	"github.com/V4T54L/query-compat/internal/usecase"
)

// AdminDeps selects what the admin server exposes. Nil members leave their routes out.
type AdminDeps struct {
	Streams  *usecase.AdminStreamUseCase
	Progress *usecase.TaskProgressUseCase
	Gatherer prometheus.Gatherer
}

// NewAdminRouter creates and configures the HTTP router for admin operations.
func NewAdminRouter(deps AdminDeps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handler.HealthCheck)

	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if deps.Progress != nil {
		taskHandler := handler.NewTaskHandler(deps.Progress, logger)
		mux.HandleFunc("GET /tasks/{taskID}/progress", taskHandler.GetProgress)
	}

	if deps.Streams != nil {
		adminHandler := handler.NewAdminHandler(deps.Streams, logger)

		// Stream Info
		mux.HandleFunc("GET /admin/streams/{streamName}/groups", adminHandler.GetGroupInfo)
		mux.HandleFunc("GET /admin/streams/{streamName}/groups/{groupName}/consumers", adminHandler.GetConsumerInfo)

		// Pending Messages
		mux.HandleFunc("GET /admin/streams/{streamName}/groups/{groupName}/pending", adminHandler.GetPendingSummary)
		mux.HandleFunc("GET /admin/streams/{streamName}/groups/{groupName}/pending/messages", adminHandler.GetPendingMessages)

		// Stream Operations
		mux.HandleFunc("POST /admin/streams/{streamName}/groups/{groupName}/claim", adminHandler.ClaimMessages)
		mux.HandleFunc("POST /admin/streams/{streamName}/groups/{groupName}/ack", adminHandler.AcknowledgeMessages)
		mux.HandleFunc("POST /admin/streams/{streamName}/trim", adminHandler.TrimStream)
		mux.HandleFunc("POST /admin/streams/{streamName}/requeue", adminHandler.RequeueDeadLetters)

		// The pipeline's own statement queue
		mux.HandleFunc("GET /admin/queue/groups", adminHandler.GetGroupInfo)
		mux.HandleFunc("GET /admin/queue/consumers", adminHandler.GetConsumerInfo)
		mux.HandleFunc("GET /admin/queue/pending", adminHandler.GetPendingSummary)
		mux.HandleFunc("GET /admin/queue/pending/messages", adminHandler.GetPendingMessages)
		mux.HandleFunc("POST /admin/queue/claim", adminHandler.ClaimMessages)
		mux.HandleFunc("POST /admin/queue/ack", adminHandler.AcknowledgeMessages)
		mux.HandleFunc("POST /admin/queue/trim", adminHandler.TrimStream)
		mux.HandleFunc("POST /admin/queue/requeue", adminHandler.RequeueDeadLetters)
	}

	return mux
}
