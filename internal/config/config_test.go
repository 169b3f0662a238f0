package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"REDIS_URL", "REDIS_MAX_CONNECTIONS", "REDIS_CONNECTION_TIMEOUT",
		"REDIS_OPERATION_TIMEOUT", "REDIS_HEALTH_CHECK_INTERVAL",
		"CIRCUIT_BREAKER_FAILURE_THRESHOLD", "CIRCUIT_BREAKER_RECOVERY_TIMEOUT",
		"AGENT_MAX_RETRIES", "AGENT_RETRY_DELAY_SECONDS",
		"AGENT_CIRCUIT_BREAKER_THRESHOLD", "AGENT_CIRCUIT_BREAKER_TIMEOUT_SECONDS",
		"REDIS_PASSWORD",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		require.NoError(t, os.Unsetenv(v))
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, 40, cfg.Redis.MaxConnections)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Agent.MaxRetries)
}

func TestLoadFromEnv_OverridesFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://cache.internal:6380")
	t.Setenv("REDIS_MAX_CONNECTIONS", "64")
	t.Setenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD", "9")
	t.Setenv("AGENT_RETRY_DELAY_SECONDS", "7")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis://cache.internal:6380", cfg.Redis.URL)
	assert.Equal(t, 64, cfg.Redis.MaxConnections)
	assert.Equal(t, 9, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 7*time.Second, cfg.Agent.RetryDelay)
}

func TestLoadFromEnv_InvalidIntRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_MAX_CONNECTIONS", "not-a-number")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestValidate_RejectsNonPositiveMaxConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyRedisURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.URL = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFile_YAMLOverlayAppliesOnTopOfEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_PASSWORD", "ignored-by-yaml")

	dir := t.TempDir()
	path := dir + "/config.yaml"
	body := "redis:\n  max_connections: 12\ncircuit_breaker:\n  failure_threshold: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Redis.MaxConnections)
	assert.Equal(t, 2, cfg.CircuitBreaker.FailureThreshold)
	// Untouched fields keep their env-derived defaults.
	assert.Equal(t, 3, cfg.Agent.MaxRetries)
}

func TestLoadFromFile_EmptyPathSkipsOverlay(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Redis.MaxConnections, cfg.Redis.MaxConnections)
}

func TestConnFactoryConfig_StripsRedisScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.URL = "redis://localhost:6379"
	fc := cfg.ConnFactoryConfig()
	assert.Equal(t, "localhost:6379", fc.Addr)
	assert.Equal(t, cfg.Redis.MaxConnections, fc.MaxConnections)
	assert.Equal(t, cfg.CircuitBreaker.FailureThreshold, fc.CircuitBreaker.FailureThreshold)
}
