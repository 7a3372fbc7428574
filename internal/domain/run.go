package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending     RunStatus = "PENDING"
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusSuccess     RunStatus = "SUCCESS"
	RunStatusFailed      RunStatus = "FAILED"
	RunStatusInterrupted RunStatus = "INTERRUPTED"
)

// ErrorType classifies why a run failed.
type ErrorType string

const (
	ErrorTypePipeline       ErrorType = "pipeline_error"
	ErrorTypeInfrastructure ErrorType = "infrastructure_error"
)

// Run represents a single execution of a pipeline.
type Run struct {
	ID           string            `json:"id"`
	PipelineName string            `json:"pipeline_name"`
	Status       RunStatus         `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	EnvVars      map[string]string `json:"env_vars"`
	Parameters   map[string]string `json:"parameters"`
	ErrorType    ErrorType         `json:"error_type,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	LogFile      string            `json:"log_file"`
	MetricsFile  string            `json:"metrics_file,omitempty"`
	LogArchive   string            `json:"log_archive,omitempty"`
	Limits       Limits            `json:"limits"`
	SecretEnv    []string          `json:"-"`
	Executor     string            `json:"executor,omitempty"`
	Handle       string            `json:"handle,omitempty"`
	TriggeredBy  string            `json:"triggered_by,omitempty"`

	CPUSoftLimitExceeded bool `json:"cpu_soft_limit_exceeded"`
	MemSoftLimitExceeded bool `json:"mem_soft_limit_exceeded"`
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.PipelineName) == "" {
		return errors.New("pipeline name is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("created at is required")
	}
	return nil
}

// Terminal reports whether the run can no longer change.
func (r Run) Terminal() bool {
	return r.Status.Terminal()
}

// Duration is the wall time between start and finish, or zero when unknown.
func (r Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// Clone returns a deep copy so callers can never mutate stored maps.
func (r Run) Clone() Run {
	out := r
	out.EnvVars = cloneStrings(r.EnvVars)
	out.Parameters = cloneStrings(r.Parameters)
	if r.SecretEnv != nil {
		out.SecretEnv = append([]string(nil), r.SecretEnv...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		out.ExitCode = &c
	}
	return out
}

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusInterrupted:
		return true
	default:
		return false
	}
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(RunStatusPending):
		return RunStatusPending
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSuccess), "SUCCEEDED":
		return RunStatusSuccess
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusInterrupted), "CANCELED", "CANCELLED":
		return RunStatusInterrupted
	default:
		return ""
	}
}

// CanTransition enforces the one-directional run state machine:
// PENDING -> {RUNNING, INTERRUPTED}, RUNNING -> {SUCCESS, FAILED, INTERRUPTED}.
func CanTransition(current, next RunStatus) bool {
	switch current {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusInterrupted
	case RunStatusRunning:
		return next == RunStatusSuccess || next == RunStatusFailed || next == RunStatusInterrupted
	default:
		return false
	}
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
