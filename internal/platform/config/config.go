package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process level configuration. Nested sections map onto the
// collaborators wired in cmd/server.
type Server struct {
	Addr       string
	AdminToken string
	LogLevel   string

	// TrustedProxies lists CIDRs or addresses whose forwarding headers are
	// believed. Empty means the peer address is always the client.
	TrustedProxies []string

	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Crypto    CryptoConfig
	Export    ExportConfig
	Scheduler SchedulerConfig
	Ingest    IngestConfig
	SMTP      SMTPConfig
	Retention RetentionConfig
	Audit     AuditConfig
}

// DatabaseConfig points at Postgres. An empty URL selects the in-memory stores.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the shared Redis client used for rate limiting.
// An empty URL keeps rate limiting in process.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig enables fan-out of appended events. No brokers disables it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// CryptoConfig holds the field encryption keyring.
type CryptoConfig struct {
	// EncryptionKey is base64 of 32 bytes and becomes the current key.
	EncryptionKey string
	// KeyVersion is the version byte written with new ciphertext.
	KeyVersion int
	// RetiredKeys is "version:base64key" pairs separated by commas.
	RetiredKeys string
}

// ExportConfig controls the export worker pool and artifact storage.
type ExportConfig struct {
	Dir          string
	Workers      int
	StuckAfter   time.Duration
	ChromiumPath string
	DownloadTTL  time.Duration
	// DownloadSigningKey signs short-lived download tokens. Falls back to
	// AdminToken when empty.
	DownloadSigningKey string
	PublicBaseURL      string
}

// SchedulerConfig controls the report scheduler tick.
type SchedulerConfig struct {
	Interval time.Duration
	Enabled  bool
}

// IngestConfig controls the ingestion gateway limits.
type IngestConfig struct {
	RateLimitPerMinute int
	MaxBatch           int
}

// SMTPConfig configures the mail collaborator. An empty Host logs instead of
// sending.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// RetentionConfig feeds the reporting-only retention report.
type RetentionConfig struct {
	Days int
}

// AuditConfig controls the operator audit trail.
type AuditConfig struct {
	Enabled bool
	// Tenant is the chain that admin actions are appended to.
	Tenant string
	Buffer int
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	adminToken := env("ACTIVITYLOG_ADMIN_TOKEN", "")
	if adminToken == "" {
		// Use a default for development - should be overridden in production
		adminToken = "dev-admin-token-change-in-production"
	}

	return Server{
		Addr:           env("ACTIVITYLOG_ADDR", ":8080"),
		AdminToken:     adminToken,
		LogLevel:       env("ACTIVITYLOG_LOG_LEVEL", "info"),
		TrustedProxies: envList("ACTIVITYLOG_TRUSTED_PROXIES"),
		Database: DatabaseConfig{
			URL:             env("ACTIVITYLOG_DATABASE_URL", ""),
			MaxOpenConns:    envInt("ACTIVITYLOG_DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("ACTIVITYLOG_DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("ACTIVITYLOG_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          env("ACTIVITYLOG_REDIS_URL", ""),
			PoolSize:     envInt("ACTIVITYLOG_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("ACTIVITYLOG_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("ACTIVITYLOG_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("ACTIVITYLOG_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("ACTIVITYLOG_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: envList("ACTIVITYLOG_KAFKA_BROKERS"),
			Topic:   env("ACTIVITYLOG_KAFKA_TOPIC", "activity.events"),
		},
		Crypto: CryptoConfig{
			EncryptionKey: env("ACTIVITYLOG_ENCRYPTION_KEY", ""),
			KeyVersion:    envInt("ACTIVITYLOG_KEY_VERSION", 1),
			RetiredKeys:   env("ACTIVITYLOG_RETIRED_KEYS", ""),
		},
		Export: ExportConfig{
			Dir:                env("ACTIVITYLOG_EXPORT_DIR", "./var/exports"),
			Workers:            envInt("ACTIVITYLOG_EXPORT_WORKERS", 4),
			StuckAfter:         envDuration("ACTIVITYLOG_EXPORT_STUCK_AFTER", 30*time.Minute),
			ChromiumPath:       env("ACTIVITYLOG_CHROMIUM_PATH", ""),
			DownloadTTL:        envDuration("ACTIVITYLOG_DOWNLOAD_TTL", 5*time.Minute),
			DownloadSigningKey: env("ACTIVITYLOG_DOWNLOAD_SIGNING_KEY", ""),
			PublicBaseURL:      env("ACTIVITYLOG_PUBLIC_BASE_URL", ""),
		},
		Scheduler: SchedulerConfig{
			Interval: envDuration("ACTIVITYLOG_SCHEDULER_INTERVAL", time.Minute),
			Enabled:  env("ACTIVITYLOG_SCHEDULER_ENABLED", "true") == "true",
		},
		Ingest: IngestConfig{
			RateLimitPerMinute: envInt("ACTIVITYLOG_INGEST_RATE_LIMIT", 600),
			MaxBatch:           envInt("ACTIVITYLOG_INGEST_MAX_BATCH", 100),
		},
		SMTP: SMTPConfig{
			Host:     env("ACTIVITYLOG_SMTP_HOST", ""),
			Port:     envInt("ACTIVITYLOG_SMTP_PORT", 587),
			Username: env("ACTIVITYLOG_SMTP_USERNAME", ""),
			Password: env("ACTIVITYLOG_SMTP_PASSWORD", ""),
			From:     env("ACTIVITYLOG_SMTP_FROM", "reports@activitylog.local"),
		},
		Retention: RetentionConfig{
			Days: envInt("ACTIVITYLOG_RETENTION_DAYS", 365),
		},
		Audit: AuditConfig{
			Enabled: env("ACTIVITYLOG_OPERATOR_AUDIT_ENABLED", "true") == "true",
			Tenant:  env("ACTIVITYLOG_OPERATOR_TENANT", "_operators"),
			Buffer:  envInt("ACTIVITYLOG_OPERATOR_AUDIT_BUFFER", 1024),
		},
	}
}

// SigningKey returns the key used for download tokens.
func (e ExportConfig) SigningKey(fallback string) []byte {
	if e.DownloadSigningKey != "" {
		return []byte(e.DownloadSigningKey)
	}
	return []byte(fallback)
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(key string, def int) int {
	v := env(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string) []string {
	v := env(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
