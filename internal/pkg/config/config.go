package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Prepared statement policies.
const (
	PreparedFlatten   = "flatten"
	PreparedCorrelate = "correlate"
)

// Config holds all application configuration. Each binary reads the subset it needs.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	RedisAddr   string `env:"REDIS_ADDR,required"`
	PostgresURL string `env:"POSTGRES_URL,required"`
	MySQLDSN    string `env:"MYSQL_DSN"`
	TaskID      string `env:"TASK_ID"`

	QueueStream        string        `env:"QUEUE_STREAM" envDefault:"query_statements"`
	QueueDLQStream     string        `env:"QUEUE_DLQ_STREAM" envDefault:"query_statements_dlq"`
	QueueGroup         string        `env:"QUEUE_GROUP" envDefault:"statement-ingestors"`
	QueueBatchSize     int           `env:"QUEUE_BATCH_SIZE" envDefault:"10"`
	QueueBlock         time.Duration `env:"QUEUE_BLOCK" envDefault:"2s"`
	QueueClaimIdle     time.Duration `env:"QUEUE_CLAIM_IDLE" envDefault:"1m"`
	QueueMaxDeliveries int64         `env:"QUEUE_MAX_DELIVERIES" envDefault:"5"`

	NormalizerWorkers int           `env:"NORMALIZER_WORKERS" envDefault:"7"`
	NormalizerBuffer  int           `env:"NORMALIZER_BUFFER" envDefault:"4096"`
	CaptureDrain      time.Duration `env:"CAPTURE_DRAIN_TIMEOUT" envDefault:"10s"`
	PreparedPolicy    string        `env:"PREPARED_POLICY" envDefault:"flatten"`
	SessionCacheSize  int           `env:"SESSION_CACHE_SIZE" envDefault:"10000"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"5m"`
	FeedCommand       string        `env:"FEED_COMMAND"`

	CaptureServerAddr string        `env:"CAPTURE_SERVER_ADDR" envDefault:":8080"`
	AdminServerAddr   string        `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES" envDefault:"1048576"` // 1MB
	APIKeyCacheTTL    time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"5m"`

	WALPath        string `env:"WAL_PATH" envDefault:"./wal"`
	WALSegmentSize int64  `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`  // 100MB
	WALMaxDiskSize int64  `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB

	ValidationBatchSize int           `env:"VALIDATION_BATCH_SIZE" envDefault:"100"`
	ValidationWindow    time.Duration `env:"VALIDATION_WINDOW" envDefault:"500ms"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	DialectTimeout      time.Duration `env:"DIALECT_TIMEOUT" envDefault:"5s"`
	DialectRPS          float64       `env:"DIALECT_RPS" envDefault:"50"`
	StoreTimeout        time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	ReportRoot     string `env:"REPORT_ROOT" envDefault:"./reports"`
	ReportBucket   string `env:"REPORT_BUCKET" envDefault:"query-compat-reports"`
	ReportPageSize int    `env:"REPORT_PAGE_SIZE" envDefault:"500"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.PreparedPolicy {
	case PreparedFlatten, PreparedCorrelate:
	default:
		return fmt.Errorf("PREPARED_POLICY must be %q or %q, got %q", PreparedFlatten, PreparedCorrelate, c.PreparedPolicy)
	}
	if c.NormalizerWorkers <= 0 {
		return fmt.Errorf("NORMALIZER_WORKERS must be positive, got %d", c.NormalizerWorkers)
	}
	if c.QueueBatchSize <= 0 || c.ValidationBatchSize <= 0 || c.ReportPageSize <= 0 {
		return fmt.Errorf("batch and page sizes must be positive")
	}
	return nil
}
