package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/V4T54L/query-compat/internal/adapter/metrics"
	"github.com/V4T54L/query-compat/internal/domain"
)

const apiKeyCacheSize = 1024

// APIKeyRepository implements the domain.APIKeyRepository interface using PostgreSQL
// as the source of truth and a bounded, time-based cache.
type APIKeyRepository struct {
	db      *sql.DB
	logger  *slog.Logger
	cache   *expirable.LRU[string, bool]
	metrics *metrics.PipelineMetrics
}

var _ domain.APIKeyRepository = (*APIKeyRepository)(nil)

// NewAPIKeyRepository creates a new instance of the PostgreSQL API key repository.
func NewAPIKeyRepository(db *sql.DB, logger *slog.Logger, cacheTTL time.Duration, m *metrics.PipelineMetrics) *APIKeyRepository {
	return &APIKeyRepository{
		db:      db,
		logger:  logger.With("component", "postgres_apikey_repository"),
		cache:   expirable.NewLRU[string, bool](apiKeyCacheSize, nil, cacheTTL),
		metrics: m,
	}
}

// IsValid checks the cache first and falls back to the database on a miss or expiry.
func (r *APIKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	if valid, ok := r.cache.Get(key); ok {
		r.metrics.APIKeyCache(true)
		return valid, nil
	}
	r.metrics.APIKeyCache(false)

	var isValid bool
	// A key is valid if it exists, is active, and has not expired.
	query := `SELECT EXISTS(SELECT 1 FROM api_keys WHERE key = $1 AND is_active = true AND (expires_at IS NULL OR expires_at > NOW()))`
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&isValid); err != nil {
		r.logger.Error("failed to validate API key in database", "error", err)
		// Don't cache errors, let the next request retry from the DB
		return false, err
	}

	r.cache.Add(key, isValid)
	return isValid, nil
}
