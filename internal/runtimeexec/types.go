package runtimeexec

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

const (
	KindDocker     = "docker"
	KindKubernetes = "kubernetes"

	// PipelineMountPath is where the pipeline directory is visible inside the workload.
	PipelineMountPath = "/pipeline"
)

// Executor runs one pipeline workload per run on a container backend.
type Executor interface {
	Kind() string
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
	Poll(ctx context.Context, h Handle) (Observation, error)
	Stats(ctx context.Context, h Handle) (Usage, error)
	Logs(ctx context.Context, h Handle) (io.ReadCloser, error)
	Wait(ctx context.Context, h Handle) (int, error)
	Terminate(ctx context.Context, h Handle, grace time.Duration) (int, error)
	Cleanup(ctx context.Context, h Handle) error
	Ping(ctx context.Context) error
}

// Handle identifies a launched workload: a container id or a job name.
type Handle string

func (h Handle) String() string {
	return string(h)
}

type LaunchSpec struct {
	RunID           string
	PipelineName    string
	PipelineDir     string
	Image           string
	HasRequirements bool
	Env             map[string]string
	Parameters      map[string]string
	Limits          domain.Limits
}

func (s LaunchSpec) Validate() error {
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(s.PipelineName) == "" {
		return errors.New("pipeline name is required")
	}
	if strings.TrimSpace(s.PipelineDir) == "" {
		return errors.New("pipeline dir is required")
	}
	if strings.TrimSpace(s.Image) == "" {
		return errors.New("image is required")
	}
	return nil
}

// Observation is a point-in-time view of a workload.
type Observation struct {
	ContainerStatus string
	Health          string
	ExitCode        int
	OOMKilled       bool
	Running         bool
	Finished        bool
	Message         string
}

// Usage is a raw resource reading. CPUPercent is relative to one core.
type Usage struct {
	CPUPercent       float64
	MemoryBytes      uint64
	MemoryLimitBytes uint64
}

var (
	ErrLaunchFailed     = errors.New("launch failed")
	ErrWorkloadNotFound = errors.New("workload not found")
)

const (
	EnvRunID       = "FASTFLOW_RUN_ID"
	EnvPipeline    = "FASTFLOW_PIPELINE"
	EnvParamPrefix = "FASTFLOW_PARAM_"
)

func isReservedEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case EnvRunID, EnvPipeline:
		return true
	default:
		return strings.HasPrefix(strings.ToUpper(key), EnvParamPrefix)
	}
}

// BuildEnv returns the workload environment as sorted KEY=VALUE pairs.
// Parameters become FASTFLOW_PARAM_<NAME>; user env cannot shadow reserved keys.
func BuildEnv(spec LaunchSpec) []string {
	merged := make(map[string]string, len(spec.Env)+len(spec.Parameters)+2)
	for k, v := range spec.Env {
		key := strings.TrimSpace(k)
		if key == "" || isReservedEnvKey(key) {
			continue
		}
		merged[key] = v
	}
	for k, v := range spec.Parameters {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		merged[EnvParamPrefix+strings.ToUpper(key)] = v
	}
	merged[EnvRunID] = spec.RunID
	merged[EnvPipeline] = spec.PipelineName

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// Command is the entrypoint run inside the workload's working directory.
func Command(spec LaunchSpec) []string {
	if spec.HasRequirements {
		return []string{"sh", "-c", "pip install --quiet --no-cache-dir -r requirements.txt && exec python -u main.py"}
	}
	return []string{"python", "-u", "main.py"}
}

// graceSeconds rounds a grace period up to whole seconds, at least one. A
// zero timeout makes the runtime kill without sending SIGTERM first.
func graceSeconds(grace time.Duration) int64 {
	secs := int64((grace + time.Second - 1) / time.Second)
	return max(secs, 1)
}

func splitEnv(pair string) (string, string) {
	k, v, _ := strings.Cut(pair, "=")
	return k, v
}
