package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 1000, cfg.GCThreshold)
	assert.Equal(t, 100*time.Millisecond, cfg.MaxRetrySleep)
	assert.Equal(t, 5*time.Millisecond, cfg.MaxRetryJitter)
	assert.Equal(t, 14*24*time.Hour, cfg.Limits.MessageTTLMax)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/claimq")
	t.Setenv("GC_INTERVAL", "5")
	t.Setenv("MAX_RETRY_SLEEP", "0.25")
	t.Setenv("MAX_RETRY_JITTER", "0")
	t.Setenv("CLAIM_GRACE_MAX", "120")
	t.Setenv("MESSAGE_PAGING_UPLIMIT", "50")
	t.Setenv("DEFAULT_MESSAGE_PAGING", "50")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.StorageDriver)
	assert.Equal(t, 5*time.Second, cfg.GCInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.MaxRetrySleep)
	assert.Zero(t, cfg.MaxRetryJitter)
	assert.Equal(t, 2*time.Minute, cfg.Limits.ClaimGraceMax)
	assert.Equal(t, 50, cfg.Limits.DefaultMessagePaging)
}

func TestLoadConfigReportsEveryProblem(t *testing.T) {
	t.Setenv("PORT", "eighty")
	t.Setenv("GC_THRESHOLD", "0")
	t.Setenv("STORAGE_DRIVER", "mongo")
	t.Setenv("DEFAULT_QUEUE_PAGING", "30")

	_, err := LoadConfig()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "PORT: not an integer")
	assert.Contains(t, msg, "invalid GC_THRESHOLD")
	assert.Contains(t, msg, "invalid STORAGE_DRIVER")
	assert.Contains(t, msg, "invalid DEFAULT_QUEUE_PAGING")
}

func TestValidateRequiresDatabaseURLForPostgres(t *testing.T) {
	cfg := Default()
	cfg.StorageDriver = DriverPostgres
	assert.ErrorContains(t, cfg.Validate(), "DATABASE_URL is required")

	cfg.DatabaseURL = "postgres://localhost/claimq"
	assert.NoError(t, cfg.Validate())
}
