package main

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"FASTFLOW_HTTP_ADDR", "FASTFLOW_CONCURRENCY_LIMIT", "FASTFLOW_EXECUTOR", "FASTFLOW_STORE", "FASTFLOW_CANCEL_GRACE", "FASTFLOW_CORS_ORIGINS"} {
		t.Setenv(key, "")
	}
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, 4, cfg.ConcurrencyLimit)
	assert.Equal(t, executorDocker, cfg.Executor)
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.CancelGrace)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	require.NoError(t, cfg.Validate())
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("FASTFLOW_CONCURRENCY_LIMIT", "8")
	t.Setenv("FASTFLOW_EXECUTOR", "Kubernetes")
	t.Setenv("FASTFLOW_DATA_DIR", "/srv/fastflow")
	t.Setenv("FASTFLOW_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.ConcurrencyLimit)
	assert.Equal(t, executorKubernetes, cfg.Executor)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, filepath.Join("/srv/fastflow", "logs"), cfg.logsDir())
	assert.Equal(t, filepath.Join("/srv/fastflow", "pipeline_overrides.json"), cfg.overridesPath())
}

func TestConfigFromEnvReportsEveryParseError(t *testing.T) {
	t.Setenv("FASTFLOW_CONCURRENCY_LIMIT", "many")
	t.Setenv("FASTFLOW_CANCEL_GRACE", "soon")

	_, err := ConfigFromEnv()
	require.Error(t, err)
	assert.ErrorContains(t, err, "FASTFLOW_CONCURRENCY_LIMIT")
	assert.ErrorContains(t, err, "FASTFLOW_CANCEL_GRACE")
}

func TestConfigValidate(t *testing.T) {
	t.Setenv("FASTFLOW_LOG_RETENTION", "")
	base := func() Config {
		cfg, err := ConfigFromEnv()
		require.NoError(t, err)
		return cfg
	}
	tests := map[string]func(*Config){
		"zero concurrency":   func(c *Config) { c.ConcurrencyLimit = 0 },
		"unknown executor":   func(c *Config) { c.Executor = "nomad" },
		"unknown store":      func(c *Config) { c.Store = "sqlite" },
		"grace over timeout": func(c *Config) { c.CancelGrace, c.CancelTimeout = time.Minute, time.Second },
		"no worker image":    func(c *Config) { c.WorkerImage = " " },
		"bad log level":      func(c *Config) { c.LogLevel = "loud" },
		"bad retention cron": func(c *Config) { c.LogRetention, c.RetentionSchedule = time.Hour, "every tuesday" },
		"zero stream buffer": func(c *Config) { c.StreamBuffer = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := base()
	cfg.LogRetention = 72 * time.Hour
	cfg.RetentionSchedule = "30 3 * * *"
	assert.NoError(t, cfg.Validate())
}

func TestParseLogLevel(t *testing.T) {
	level, err := parseLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = parseLogLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
