package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fastflow-labs/fastflow/internal/platform/env"
)

const (
	executorDocker     = "docker"
	executorKubernetes = "kubernetes"

	storeMemory   = "memory"
	storePostgres = "postgres"
)

// Config holds the daemon settings. Every field has an env var; serve flags
// override them.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string
	DataDir         string

	ConcurrencyLimit int
	Executor         string
	WorkerImage      string
	DockerNetwork    string
	K8sSvcAccount    string

	MonitorInterval time.Duration
	CancelGrace     time.Duration
	CancelTimeout   time.Duration
	LaunchTimeout   time.Duration

	LogHistory      int
	StreamBuffer    int
	StreamRetention time.Duration

	Store             string
	GitSubdir         string
	LogRetention      time.Duration
	RetentionSchedule string
	CORSOrigins       []string
}

func ConfigFromEnv() (Config, error) {
	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		v, err := env.Duration(key, def)
		errs = append(errs, err)
		return v
	}
	integer := func(key string, def int) int {
		v, err := env.Int(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		HTTPAddr:          env.String("FASTFLOW_HTTP_ADDR", ":8000"),
		ShutdownTimeout:   duration("FASTFLOW_SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:          env.String("FASTFLOW_LOG_LEVEL", "info"),
		DataDir:           env.String("FASTFLOW_DATA_DIR", "./data"),
		ConcurrencyLimit:  integer("FASTFLOW_CONCURRENCY_LIMIT", 4),
		Executor:          strings.ToLower(env.String("FASTFLOW_EXECUTOR", executorDocker)),
		WorkerImage:       env.String("FASTFLOW_WORKER_IMAGE", "python:3.12-slim"),
		DockerNetwork:     env.String("FASTFLOW_DOCKER_NETWORK", ""),
		K8sSvcAccount:     env.String("FASTFLOW_K8S_SERVICE_ACCOUNT", ""),
		MonitorInterval:   duration("FASTFLOW_MONITOR_INTERVAL", 2*time.Second),
		CancelGrace:       duration("FASTFLOW_CANCEL_GRACE", 10*time.Second),
		CancelTimeout:     duration("FASTFLOW_CANCEL_TIMEOUT", 30*time.Second),
		LaunchTimeout:     duration("FASTFLOW_LAUNCH_TIMEOUT", 10*time.Minute),
		LogHistory:        integer("FASTFLOW_LOG_HISTORY", 1000),
		StreamBuffer:      integer("FASTFLOW_STREAM_BUFFER", 256),
		StreamRetention:   duration("FASTFLOW_STREAM_RETENTION", 10*time.Minute),
		Store:             strings.ToLower(env.String("FASTFLOW_STORE", storeMemory)),
		GitSubdir:         env.String("FASTFLOW_GIT_SUBDIR", "pipelines"),
		LogRetention:      duration("FASTFLOW_LOG_RETENTION", 0),
		RetentionSchedule: env.String("FASTFLOW_RETENTION_SCHEDULE", "@hourly"),
		CORSOrigins:       env.CSV("FASTFLOW_CORS_ORIGINS", []string{"*"}),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("FASTFLOW_HTTP_ADDR is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("FASTFLOW_DATA_DIR is required")
	}
	if c.ConcurrencyLimit < 1 {
		return errors.New("FASTFLOW_CONCURRENCY_LIMIT must be >= 1")
	}
	switch c.Executor {
	case executorDocker, executorKubernetes:
	default:
		return fmt.Errorf("FASTFLOW_EXECUTOR must be one of: docker, kubernetes (got %q)", c.Executor)
	}
	if strings.TrimSpace(c.WorkerImage) == "" {
		return errors.New("FASTFLOW_WORKER_IMAGE is required")
	}
	if c.MonitorInterval <= 0 {
		return errors.New("FASTFLOW_MONITOR_INTERVAL must be positive")
	}
	if c.CancelGrace < 0 {
		return errors.New("FASTFLOW_CANCEL_GRACE must be non-negative")
	}
	if c.CancelTimeout <= c.CancelGrace {
		return errors.New("FASTFLOW_CANCEL_TIMEOUT must exceed FASTFLOW_CANCEL_GRACE")
	}
	if c.LogHistory < 1 || c.StreamBuffer < 1 {
		return errors.New("FASTFLOW_LOG_HISTORY and FASTFLOW_STREAM_BUFFER must be >= 1")
	}
	if c.StreamRetention <= 0 {
		return errors.New("FASTFLOW_STREAM_RETENTION must be positive")
	}
	switch c.Store {
	case storeMemory, storePostgres:
	default:
		return fmt.Errorf("FASTFLOW_STORE must be one of: memory, postgres (got %q)", c.Store)
	}
	if c.LogRetention < 0 {
		return errors.New("FASTFLOW_LOG_RETENTION must be non-negative")
	}
	if c.LogRetention > 0 {
		if _, err := cron.ParseStandard(c.RetentionSchedule); err != nil {
			return fmt.Errorf("FASTFLOW_RETENTION_SCHEDULE: %w", err)
		}
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c Config) logsDir() string { return filepath.Join(c.DataDir, "logs") }
func (c Config) secretsDir() string { return filepath.Join(c.DataDir, "secrets") }
func (c Config) gitDir() string { return filepath.Join(c.DataDir, "git") }
func (c Config) overridesPath() string { return filepath.Join(c.DataDir, "pipeline_overrides.json") }

func parseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("FASTFLOW_LOG_LEVEL: %w", err)
	}
	return level, nil
}
