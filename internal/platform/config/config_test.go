package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("ACTIVITYLOG_ADDR", "")
	t.Setenv("ACTIVITYLOG_KAFKA_BROKERS", "")

	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.NotEmpty(t, cfg.AdminToken)
	assert.Equal(t, 600, cfg.Ingest.RateLimitPerMinute)
	assert.Equal(t, 100, cfg.Ingest.MaxBatch)
	assert.Equal(t, 30*time.Minute, cfg.Export.StuckAfter)
	assert.Equal(t, 5*time.Minute, cfg.Export.DownloadTTL)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Nil(t, cfg.Kafka.Brokers)
	assert.Nil(t, cfg.TrustedProxies)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "_operators", cfg.Audit.Tenant)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ACTIVITYLOG_ADDR", ":9090")
	t.Setenv("ACTIVITYLOG_KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("ACTIVITYLOG_EXPORT_WORKERS", "8")
	t.Setenv("ACTIVITYLOG_EXPORT_STUCK_AFTER", "10m")
	t.Setenv("ACTIVITYLOG_INGEST_RATE_LIMIT", "not-a-number")
	t.Setenv("ACTIVITYLOG_OPERATOR_AUDIT_ENABLED", "false")
	t.Setenv("ACTIVITYLOG_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.1")

	cfg := FromEnv()

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 8, cfg.Export.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Export.StuckAfter)
	assert.Equal(t, 600, cfg.Ingest.RateLimitPerMinute, "invalid values fall back to the default")
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.TrustedProxies)
}

func TestSigningKeyFallsBackToAdminToken(t *testing.T) {
	assert.Equal(t, []byte("admin"), ExportConfig{}.SigningKey("admin"))
	assert.Equal(t, []byte("k"), ExportConfig{DownloadSigningKey: "k"}.SigningKey("admin"))
}
