package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 18790, cfg.Gateway.Port)
	assert.Equal(t, "loopback", cfg.Gateway.Bind)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 60, cfg.Cadence.CoachingSeconds)
	assert.Equal(t, 30, cfg.Cadence.SummarySeconds)
	assert.Equal(t, 90, cfg.Cadence.EndTimeoutSeconds)
	assert.Equal(t, 4, cfg.Session.TTLHours)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadAppliesDefaultsToPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  port: 4000\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Gateway.Port)
	assert.Equal(t, "loopback", cfg.Gateway.Bind)
	assert.Equal(t, 30, cfg.Cadence.SummarySeconds)
}

func TestLoadExpandsSecretEnvVars(t *testing.T) {
	t.Setenv("TEST_REDIS_PASS", "s3cret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  password: ${TEST_REDIS_PASS}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Redis.Password)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COACHD_GATEWAY_PORT", "9999")
	t.Setenv("COACHD_REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Gateway.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
}

func TestLoadRejectsMalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway: [not a map"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.IsType(t, &ConfigError{}, err)
}
