package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/query-compat/internal/adapter/api/handler"
	"github.com/V4T54L/query-compat/internal/adapter/api/middleware"
	"github.com/V4T54L/query-compat/internal/domain"
)

// NewCaptureRouter creates the HTTP router of the capture agent. Uploads require an API
// key; health does not.
func NewCaptureRouter(
	logger *slog.Logger,
	apiKeyRepo domain.APIKeyRepository,
	submitter handler.Submitter,
	maxUploadSize int64,
	defaultTaskID string,
) http.Handler {
	mux := http.NewServeMux()

	captureHandler := handler.NewCaptureHandler(submitter, logger, maxUploadSize, defaultTaskID)
	authMiddleware := middleware.Auth(apiKeyRepo, logger)

	mux.Handle("POST /capture", authMiddleware(captureHandler))

	mux.HandleFunc("GET /health", handler.HealthCheck)

	return middleware.Logging(logger)(mux)
}
