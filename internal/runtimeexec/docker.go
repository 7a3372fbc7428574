package runtimeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

const (
	labelRunID    = "fastflow.run_id"
	labelPipeline = "fastflow.pipeline"
	labelApp      = "app.kubernetes.io/name"
	appName       = "fastflow-pipeline"
)

// dockerAPI is the subset of the Docker engine client used by DockerExecutor.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

type DockerOptions struct {
	Logger  *slog.Logger
	Network string
}

type DockerExecutor struct {
	api     dockerAPI
	logger  *slog.Logger
	network string

	mu      sync.Mutex
	lastCPU map[Handle]container.CPUStats
}

// NewDockerExecutor connects to the engine named by DOCKER_HOST and friends.
func NewDockerExecutor(opts DockerOptions) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerExecutor(cli, opts), nil
}

func newDockerExecutor(api dockerAPI, opts DockerOptions) *DockerExecutor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerExecutor{
		api:     api,
		logger:  logger,
		network: strings.TrimSpace(opts.Network),
		lastCPU: map[Handle]container.CPUStats{},
	}
}

func (e *DockerExecutor) Kind() string {
	return KindDocker
}

func (e *DockerExecutor) Close() error {
	return e.api.Close()
}

func (e *DockerExecutor) Ping(ctx context.Context) error {
	if _, err := e.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (e *DockerExecutor) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	source, err := filepath.Abs(spec.PipelineDir)
	if err != nil {
		return "", fmt.Errorf("%w: pipeline dir: %w", ErrLaunchFailed, err)
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        Command(spec),
		Env:        BuildEnv(spec),
		WorkingDir: PipelineMountPath,
		Labels: map[string]string{
			labelApp:      appName,
			labelRunID:    spec.RunID,
			labelPipeline: spec.PipelineName,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   source,
			Target:   PipelineMountPath,
			ReadOnly: true,
		}},
		Resources: dockerResources(spec.Limits),
	}
	if e.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(e.network)
	}
	name := "fastflow-" + spec.RunID

	created, err := e.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil && client.IsErrNotFound(err) {
		e.logger.Info("pulling worker image", "image", spec.Image, "run_id", spec.RunID)
		if pullErr := e.pull(ctx, spec.Image); pullErr != nil {
			return "", fmt.Errorf("%w: pull %s: %w", ErrLaunchFailed, spec.Image, pullErr)
		}
		created, err = e.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("%w: create container: %w", ErrLaunchFailed, err)
	}
	h := Handle(created.ID)
	if err := e.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = e.api.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("%w: start container: %w", ErrLaunchFailed, err)
	}
	return h, nil
}

func (e *DockerExecutor) pull(ctx context.Context, ref string) error {
	rc, err := e.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func dockerResources(l domain.Limits) container.Resources {
	var res container.Resources
	if l.CPUHard > 0 {
		res.NanoCPUs = int64(l.CPUHard * 1e9)
	}
	if l.MemHardMB > 0 {
		res.Memory = l.MemHardMB * 1024 * 1024
		res.MemorySwap = res.Memory
	}
	return res
}

func (e *DockerExecutor) Poll(ctx context.Context, h Handle) (Observation, error) {
	info, err := e.api.ContainerInspect(ctx, h.String())
	if err != nil {
		if client.IsErrNotFound(err) {
			return Observation{}, fmt.Errorf("%w: %s", ErrWorkloadNotFound, h)
		}
		return Observation{}, fmt.Errorf("docker inspect: %w", err)
	}
	obs := Observation{ContainerStatus: "unknown", Health: "none"}
	if info.ContainerJSONBase == nil || info.State == nil {
		return obs, nil
	}
	st := info.State
	obs.ContainerStatus = string(st.Status)
	obs.Running = st.Running
	obs.ExitCode = st.ExitCode
	obs.OOMKilled = st.OOMKilled
	obs.Message = st.Error
	obs.Finished = obs.ContainerStatus == "exited" || obs.ContainerStatus == "dead"
	if st.Health != nil && st.Health.Status != "" {
		obs.Health = string(st.Health.Status)
	}
	return obs, nil
}

func (e *DockerExecutor) Stats(ctx context.Context, h Handle) (Usage, error) {
	resp, err := e.api.ContainerStatsOneShot(ctx, h.String())
	if err != nil {
		return Usage{}, fmt.Errorf("docker stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Usage{}, fmt.Errorf("decode docker stats: %w", err)
	}

	e.mu.Lock()
	prev, ok := e.lastCPU[h]
	e.lastCPU[h] = stats.CPUStats
	e.mu.Unlock()
	if !ok {
		prev = stats.PreCPUStats
	}

	return Usage{
		CPUPercent:       cpuPercent(prev, stats.CPUStats),
		MemoryBytes:      memoryUsage(stats.MemoryStats),
		MemoryLimitBytes: stats.MemoryStats.Limit,
	}, nil
}

// cpuPercent follows the docker CLI calculation: 100 means one full core.
func cpuPercent(prev, cur container.CPUStats) float64 {
	cpuDelta := float64(cur.CPUUsage.TotalUsage) - float64(prev.CPUUsage.TotalUsage)
	systemDelta := float64(cur.SystemUsage) - float64(prev.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 || prev.SystemUsage == 0 {
		return 0
	}
	online := float64(cur.OnlineCPUs)
	if online == 0 {
		online = float64(len(cur.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / systemDelta * online * 100
}

// memoryUsage excludes reclaimable page cache (cgroup v1 and v2 keys).
func memoryUsage(m container.MemoryStats) uint64 {
	for _, key := range []string{"total_inactive_file", "inactive_file"} {
		if v, ok := m.Stats[key]; ok && v < m.Usage {
			return m.Usage - v
		}
	}
	return m.Usage
}

func (e *DockerExecutor) Logs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	rc, err := e.api.ContainerLogs(ctx, h.String(), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker logs: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = pw.CloseWithError(err)
	}()
	return &demuxReader{PipeReader: pr, src: rc}, nil
}

type demuxReader struct {
	*io.PipeReader
	src io.Closer
}

func (r *demuxReader) Close() error {
	err := r.src.Close()
	_ = r.PipeReader.Close()
	return err
}

func (e *DockerExecutor) Wait(ctx context.Context, h Handle) (int, error) {
	statusCh, errCh := e.api.ContainerWait(ctx, h.String(), container.WaitConditionNotRunning)
	select {
	case resp := <-statusCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return int(resp.StatusCode), fmt.Errorf("docker wait: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return -1, fmt.Errorf("%w: %s", ErrWorkloadNotFound, h)
		}
		return -1, fmt.Errorf("docker wait: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Terminate asks the engine to stop the container; the engine sends SIGTERM and
// escalates to SIGKILL once grace has elapsed.
func (e *DockerExecutor) Terminate(ctx context.Context, h Handle, grace time.Duration) (int, error) {
	secs := int(graceSeconds(grace))
	err := e.api.ContainerStop(ctx, h.String(), container.StopOptions{Signal: "SIGTERM", Timeout: &secs})
	if err != nil {
		if client.IsErrNotFound(err) {
			return -1, fmt.Errorf("%w: %s", ErrWorkloadNotFound, h)
		}
		e.logger.Warn("docker stop failed, killing", "container", h.String(), "error", err)
		if killErr := e.api.ContainerKill(ctx, h.String(), "SIGKILL"); killErr != nil && !client.IsErrNotFound(killErr) {
			return -1, errors.Join(fmt.Errorf("docker stop: %w", err), fmt.Errorf("docker kill: %w", killErr))
		}
	}
	obs, err := e.Poll(ctx, h)
	if err != nil {
		return -1, err
	}
	return obs.ExitCode, nil
}

func (e *DockerExecutor) Cleanup(ctx context.Context, h Handle) error {
	e.mu.Lock()
	delete(e.lastCPU, h)
	e.mu.Unlock()
	err := e.api.ContainerRemove(ctx, h.String(), container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker remove: %w", err)
	}
	return nil
}
