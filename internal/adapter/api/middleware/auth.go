package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/V4T54L/query-compat/internal/domain"
)

const APIKeyHeader = "X-API-Key"

const keyLookupTimeout = 2 * time.Second

// Auth returns a middleware that admits requests carrying an active API key, either in
// the X-API-Key header or as an `Authorization: Bearer` token. A failed key lookup
// answers 503 with Retry-After.
func Auth(repo domain.APIKeyRepository, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "auth_middleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := apiKeyFrom(r)
			if apiKey == "" {
				logger.Warn("API key missing from request", "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: API key required", http.StatusUnauthorized)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), keyLookupTimeout)
			isValid, err := repo.IsValid(ctx, apiKey)
			cancel()
			if err != nil {
				logger.Error("failed to validate API key", "error", err)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}

			if !isValid {
				logger.Warn("invalid API key provided", "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
