package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvLabel identifies the deployment class. It selects the report bucket suffix and
// whether local-only features (such as the report download endpoint) are available.
type EnvLabel string

const (
	EnvProd  EnvLabel = "prod"
	EnvQA    EnvLabel = "qa"
	EnvDev   EnvLabel = "dev"
	EnvLocal EnvLabel = "local"
)

const (
	// MaxPageSize is the hard ceiling for any paginated endpoint.
	MaxPageSize = 5000

	defaultTempDirName = "varda-reporting"
)

// Config is the single source of runtime configuration for the api server, the
// report worker and the CLI. Values are read from the environment.
type Config struct {
	EnvLabel EnvLabel `env:"ENV_LABEL,required"`
	LogLevel string   `env:"LOG_LEVEL" envDefault:"info"`

	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:","`

	DatabaseURL    string `env:"DATABASE_URL,required"`
	DatabaseSchema string `env:"DATABASE_SCHEMA" envDefault:"varda"`
	DBMaxConns     int32  `env:"DB_MAX_CONNS" envDefault:"20"`

	// DBStatementTimeout caps single statements; zero disables it.
	DBStatementTimeout time.Duration `env:"DB_STATEMENT_TIMEOUT" envDefault:"0s"`

	// SnapshotWorkMem is applied with SET LOCAL for expensive sorted snapshot queries.
	SnapshotWorkMem string `env:"SNAPSHOT_WORK_MEM" envDefault:"64MB"`

	PageSizeDefault int `env:"PAGE_SIZE_DEFAULT" envDefault:"20"`
	PageSizeMax     int `env:"PAGE_SIZE_MAX" envDefault:"5000"`

	TempDir string `env:"TEMP_DIR"`

	EncryptionURL     string        `env:"ENCRYPTION_URL"`
	EncryptionTimeout time.Duration `env:"ENCRYPTION_TIMEOUT" envDefault:"5m"`
	EncryptionRetries int           `env:"ENCRYPTION_RETRIES" envDefault:"2"`

	StorageBackend      string `env:"STORAGE_BACKEND" envDefault:"gcs"` // gcs | local
	StorageBucketPrefix string `env:"STORAGE_BUCKET_PREFIX"`
	StorageLocalDir     string `env:"STORAGE_LOCAL_DIR" envDefault:"./.data/storage"`
	StorageEndpoint     string `env:"STORAGE_ENDPOINT"` // emulator endpoint for the gcs backend
	UploadAttempts      int    `env:"UPLOAD_ATTEMPTS" envDefault:"5"`

	RedisURL      string        `env:"REDIS_URL"`
	AuthzCacheTTL time.Duration `env:"AUTHZ_CACHE_TTL" envDefault:"5m"`

	JobMaxDuration     time.Duration `env:"JOB_MAX_DURATION" envDefault:"2h"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"10s"`
	JobLockBackend     string        `env:"JOB_LOCK_BACKEND" envDefault:"postgres"` // postgres | redis

	FeeOverlapLimit int `env:"FEE_OVERLAP_LIMIT" envDefault:"2"`

	FeedGenesisDate    string `env:"FEED_GENESIS_DATE" envDefault:"2019-01-01"`
	FeedGenesisEndDate string `env:"FEED_GENESIS_END_DATE" envDefault:"2019-01-01"`

	NationalIDKey        string `env:"NATIONAL_ID_KEY"`
	NationalIDHashSecret string `env:"NATIONAL_ID_HASH_SECRET"`

	AuthProvider        string `env:"AUTH_PROVIDER" envDefault:"firebase"` // firebase | hmac | dev
	AuthHMACSecret      string `env:"AUTH_HMAC_SECRET"`
	AuthHMACIssuer      string `env:"AUTH_HMAC_ISSUER"`
	FirebaseCredentials string `env:"FIREBASE_CONFIG"` // service account file; application default credentials when empty
	RootOrganizationOID string `env:"ROOT_ORGANIZATION_OID" envDefault:"1.2.246.562.10.00000000001"`

	TracingExporter string `env:"TRACING_EXPORTER" envDefault:"none"` // none | stdout | otlp

	TelemetryBuffer int `env:"TELEMETRY_BUFFER" envDefault:"1024"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules env tags cannot express and fills derived defaults.
func (c *Config) Validate() error {
	var errs []error

	switch c.EnvLabel {
	case EnvProd, EnvQA, EnvDev, EnvLocal:
	default:
		errs = append(errs, fmt.Errorf("ENV_LABEL must be one of prod, qa, dev, local (got %q)", c.EnvLabel))
	}

	if c.PageSizeMax <= 0 || c.PageSizeMax > MaxPageSize {
		errs = append(errs, fmt.Errorf("PAGE_SIZE_MAX must be between 1 and %d", MaxPageSize))
	}
	if c.PageSizeDefault <= 0 || c.PageSizeDefault > c.PageSizeMax {
		errs = append(errs, errors.New("PAGE_SIZE_DEFAULT must be positive and not exceed PAGE_SIZE_MAX"))
	}

	if _, err := ParseWorkMem(c.SnapshotWorkMem); err != nil {
		errs = append(errs, fmt.Errorf("SNAPSHOT_WORK_MEM: %w", err))
	}

	switch c.StorageBackend {
	case "gcs":
	case "local":
		if strings.TrimSpace(c.StorageLocalDir) == "" {
			errs = append(errs, errors.New("STORAGE_LOCAL_DIR is required when STORAGE_BACKEND=local"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be gcs or local (got %q)", c.StorageBackend))
	}

	switch c.JobLockBackend {
	case "postgres":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when JOB_LOCK_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("JOB_LOCK_BACKEND must be postgres or redis (got %q)", c.JobLockBackend))
	}

	if c.EncryptionURL == "" && c.EnvLabel != EnvLocal {
		errs = append(errs, errors.New("ENCRYPTION_URL is required outside the local environment"))
	}
	if c.UploadAttempts < 1 {
		errs = append(errs, errors.New("UPLOAD_ATTEMPTS must be at least 1"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.JobMaxDuration <= 0 {
		errs = append(errs, errors.New("JOB_MAX_DURATION must be positive"))
	}
	if c.DBStatementTimeout < 0 {
		errs = append(errs, errors.New("DB_STATEMENT_TIMEOUT must not be negative"))
	}
	if c.FeeOverlapLimit < 1 {
		errs = append(errs, errors.New("FEE_OVERLAP_LIMIT must be at least 1"))
	}

	if _, err := time.Parse(time.DateOnly, c.FeedGenesisDate); err != nil {
		errs = append(errs, fmt.Errorf("FEED_GENESIS_DATE: %w", err))
	}
	if _, err := time.Parse(time.DateOnly, c.FeedGenesisEndDate); err != nil {
		errs = append(errs, fmt.Errorf("FEED_GENESIS_END_DATE: %w", err))
	}

	switch c.AuthProvider {
	case "firebase", "dev":
	case "hmac":
		if c.AuthHMACSecret == "" {
			errs = append(errs, errors.New("AUTH_HMAC_SECRET is required when AUTH_PROVIDER=hmac"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_PROVIDER must be firebase, hmac or dev (got %q)", c.AuthProvider))
	}

	switch c.TracingExporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("TRACING_EXPORTER must be none, stdout or otlp (got %q)", c.TracingExporter))
	}

	if strings.TrimSpace(c.TempDir) == "" {
		c.TempDir = filepath.Join(os.TempDir(), defaultTempDirName)
	}

	return errors.Join(errs...)
}

// BucketName returns the report bucket for the environment: <prefix><env>-reports.
func (c Config) BucketName() string {
	return c.StorageBucketPrefix + string(c.EnvLabel) + "-reports"
}

// IsLocal reports whether the deployment runs with local-only features enabled.
func (c Config) IsLocal() bool {
	return c.EnvLabel == EnvLocal
}

// GenesisDates returns the parsed change-feed gating dates. Validate must have passed.
func (c Config) GenesisDates() (time.Time, time.Time) {
	start, _ := time.Parse(time.DateOnly, c.FeedGenesisDate)
	end, _ := time.Parse(time.DateOnly, c.FeedGenesisEndDate)
	return start, end
}

// ParseWorkMem validates a Postgres memory setting such as "64MB" and returns its size in kilobytes.
func ParseWorkMem(value string) (int64, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, errors.New("value is required")
	}

	units := []struct {
		suffix string
		kb     int64
	}{
		{"GB", 1024 * 1024},
		{"MB", 1024},
		{"kB", 1},
	}

	for _, u := range units {
		if !strings.HasSuffix(v, u.suffix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(v, u.suffix), 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid amount in %q", value)
		}
		return n * u.kb, nil
	}

	return 0, fmt.Errorf("unsupported unit in %q (use kB, MB or GB)", value)
}
