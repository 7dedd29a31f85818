package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "localhost", cfg.Broker.Host)
	assert.Equal(t, 6379, cfg.Broker.Port)
	assert.Equal(t, "dramatiq", cfg.Broker.KeyPrefix)
	assert.Equal(t, "render_subtask", cfg.Broker.SubtaskQueue)
	assert.Equal(t, 1, cfg.Scaling.MinProcesses)
	assert.Equal(t, 10, cfg.Scaling.MaxProcesses)
	assert.Equal(t, 180*time.Second, cfg.Scaling.CheckInterval)
	assert.Equal(t, 5.0, cfg.Scaling.ScaleUpMultiplier)
	assert.Equal(t, 2.5, cfg.Scaling.ScaleDownMultiplier)
	assert.Equal(t, 30, cfg.Generation.MaxPollAttempts)
	assert.Equal(t, 50, cfg.Generation.FidelityAttempts)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RENDERQ_BROKER_HOST", "redis.internal")
	t.Setenv("RENDERQ_BROKER_PORT", "6380")
	t.Setenv("RENDERQ_SCALING_MAX_PROCESSES", "4")
	t.Setenv("RENDERQ_WORKER_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.Broker.Host)
	assert.Equal(t, 6380, cfg.Broker.Port)
	assert.Equal(t, 4, cfg.Scaling.MaxProcesses)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
}

func TestLoad_ValidationFailures(t *testing.T) {
	t.Run("invalid log level", func(t *testing.T) {
		t.Setenv("RENDERQ_SERVER_LOG_LEVEL", "verbose")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("max below min", func(t *testing.T) {
		t.Setenv("RENDERQ_SCALING_MIN_PROCESSES", "5")
		t.Setenv("RENDERQ_SCALING_MAX_PROCESSES", "2")

		_, err := Load()
		require.Error(t, err)
	})
}
