package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.InDelta(t, 0.1, cfg.Sharing.FeeRate, 1e-9)
	assert.Equal(t, 7*24*time.Hour, cfg.Reconciler.GracePeriod)
	assert.Equal(t, 30*time.Minute, cfg.Sweeper.PendingTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Sharing.RecruitingTimeout)
	assert.Equal(t, "usd", cfg.Stripe.Currency)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("SHARING_APP_PORT", "9999")
	t.Setenv("SHARING_SHARING_FEE_RATE", "0.25")
	t.Setenv("SHARING_SWEEPER_PENDING_TTL", "45m")
	t.Setenv("SHARING_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.App.Port)
	assert.InDelta(t, 0.25, cfg.Sharing.FeeRate, 1e-9)
	assert.Equal(t, 45*time.Minute, cfg.Sweeper.PendingTTL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadConfigFromYAML(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yaml := []byte("app:\n  port: \"7000\"\nreconciler:\n  grace_period: 72h\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.App.Port)
	assert.Equal(t, 72*time.Hour, cfg.Reconciler.GracePeriod)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.App.Port)
}

func TestValidate(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.Sharing.FeeRate = 1.5
	cfg.App.Env = "production"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fee_rate")
	assert.Contains(t, err.Error(), "webhook_secret")
}
