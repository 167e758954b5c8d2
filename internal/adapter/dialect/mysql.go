// Package dialect submits statements to a reference MySQL 8 engine to detect syntax the
// target dialect rejects.
package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/time/rate"

	"github.com/V4T54L/query-compat/internal/domain"
)

const digestQuery = "SELECT STATEMENT_DIGEST_TEXT(?)"

// MySQLChecker runs STATEMENT_DIGEST_TEXT against the reference engine. The server parses
// the statement without executing it, so any parse error it reports is a finding.
type MySQLChecker struct {
	db      *sql.DB
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

var _ domain.DialectChecker = (*MySQLChecker)(nil)

// MySQLOptions configures the checker.
type MySQLOptions struct {
	// RequestsPerSecond caps calls to the engine; zero disables the limit.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// OpenMySQL opens a pool against dsn and verifies connectivity.
func OpenMySQL(ctx context.Context, dsn string, opts MySQLOptions, logger *slog.Logger) (*MySQLChecker, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach mysql at %s: %w", cfg.Addr, err)
	}
	return NewMySQLChecker(db, opts, logger), nil
}

// NewMySQLChecker wraps an existing pool.
func NewMySQLChecker(db *sql.DB, opts MySQLOptions, logger *slog.Logger) *MySQLChecker {
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &MySQLChecker{
		db:      db,
		limiter: rate.NewLimiter(limit, burst),
		timeout: opts.Timeout,
		logger:  logger.With("component", "mysql_dialect_checker"),
	}
}

// Check returns the engine's error text for statements it cannot parse.
func (c *MySQLChecker) Check(ctx context.Context, statement string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("dialect check rate limiter: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var digest sql.NullString
	err := c.db.QueryRowContext(ctx, digestQuery, statement).Scan(&digest)
	if err == nil {
		return "", nil
	}
	if finding, ok := Finding(err); ok {
		return finding, nil
	}
	return "", fmt.Errorf("dialect check failed: %w", err)
}

// Finding extracts the engine-reported message from err. It reports false for errors
// that did not come from the server, such as timeouts and broken connections.
func Finding(err error) (string, bool) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return "", false
	}
	return fmt.Sprintf("Error %d: %s", myErr.Number, myErr.Message), true
}

func (c *MySQLChecker) Close() error {
	return c.db.Close()
}

// Noop accepts every statement. It stands in when no reference engine is configured.
type Noop struct{}

func (Noop) Check(context.Context, string) (string, error) { return "", nil }
