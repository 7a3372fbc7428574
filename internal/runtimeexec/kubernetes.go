package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/platform/k8s"
)

const (
	containerName = "pipeline"
	labelJob      = "fastflow.job"
	// ConfigMaps are capped at 1MiB by the API server.
	maxPipelineBytes = 1 << 20
)

type KubernetesOptions struct {
	Logger         *slog.Logger
	JobTTLSeconds  int
	ServiceAccount string
	PollInterval   time.Duration
}

// KubernetesExecutor runs each pipeline as a batch/v1 Job whose code is shipped
// in a ConfigMap owned by the Job.
type KubernetesExecutor struct {
	core           kubernetes.Interface
	metrics        metricsclient.Interface
	namespace      string
	jobTTLSeconds  int32
	serviceAccount string
	pollInterval   time.Duration
	logger         *slog.Logger
}

func NewKubernetesExecutor(clients *k8s.Clients, opts KubernetesOptions) (*KubernetesExecutor, error) {
	if clients == nil || clients.Core == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace := strings.TrimSpace(clients.Namespace)
	if namespace == "" {
		return nil, errors.New("k8s namespace is required")
	}
	if opts.JobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &KubernetesExecutor{
		core:           clients.Core,
		metrics:        clients.Metrics,
		namespace:      namespace,
		jobTTLSeconds:  int32(opts.JobTTLSeconds),
		serviceAccount: strings.TrimSpace(opts.ServiceAccount),
		pollInterval:   interval,
		logger:         logger,
	}, nil
}

func (e *KubernetesExecutor) Kind() string {
	return KindKubernetes
}

func (e *KubernetesExecutor) Ping(ctx context.Context) error {
	if _, err := e.core.BatchV1().Jobs(e.namespace).List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("k8s list jobs: %w", err)
	}
	return nil
}

func jobName(runID string) string {
	return "fastflow-" + strings.ToLower(runID)
}

func codeConfigMapName(job string) string {
	return job + "-code"
}

func (e *KubernetesExecutor) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	name := jobName(spec.RunID)
	labels := map[string]string{
		labelApp:      appName,
		labelRunID:    spec.RunID,
		labelPipeline: spec.PipelineName,
		labelJob:      name,
	}

	cm, err := pipelineConfigMap(spec.PipelineDir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	cm.Name = codeConfigMapName(name)
	cm.Namespace = e.namespace
	cm.Labels = labels
	savedCM, err := e.core.CoreV1().ConfigMaps(e.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return "", fmt.Errorf("%w: create configmap: %w", ErrLaunchFailed, err)
		}
		savedCM = nil
	}

	job := e.buildJob(name, labels, spec)
	created, err := e.core.BatchV1().Jobs(e.namespace).Create(ctx, job, metav1.CreateOptions{})
	switch {
	case err == nil:
	case apierrors.IsAlreadyExists(err):
		return Handle(name), nil
	default:
		_ = e.core.CoreV1().ConfigMaps(e.namespace).Delete(context.WithoutCancel(ctx), codeConfigMapName(name), metav1.DeleteOptions{})
		return "", fmt.Errorf("%w: create job: %w", ErrLaunchFailed, err)
	}

	// Tie the code ConfigMap to the Job so TTL garbage collection removes both.
	if savedCM != nil {
		savedCM.OwnerReferences = []metav1.OwnerReference{{
			APIVersion: "batch/v1",
			Kind:       "Job",
			Name:       created.Name,
			UID:        created.UID,
		}}
		if _, err := e.core.CoreV1().ConfigMaps(e.namespace).Update(ctx, savedCM, metav1.UpdateOptions{}); err != nil {
			e.logger.Warn("set configmap owner failed", "job", name, "error", err)
		}
	}
	return Handle(name), nil
}

func (e *KubernetesExecutor) buildJob(name string, labels map[string]string, spec LaunchSpec) *batchv1.Job {
	backoff := int32(0)
	var ttl *int32
	if e.jobTTLSeconds > 0 {
		ttl = &e.jobTTLSeconds
	}

	pairs := BuildEnv(spec)
	env := make([]corev1.EnvVar, 0, len(pairs))
	for _, pair := range pairs {
		k, v := splitEnv(pair)
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers: []corev1.Container{{
			Name:       containerName,
			Image:      spec.Image,
			Command:    Command(spec),
			WorkingDir: PipelineMountPath,
			Env:        env,
			Resources:  k8sResources(spec.Limits),
			VolumeMounts: []corev1.VolumeMount{{
				Name:      "pipeline",
				MountPath: PipelineMountPath,
				ReadOnly:  true,
			}},
		}},
		Volumes: []corev1.Volume{{
			Name: "pipeline",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: codeConfigMapName(name)},
				},
			},
		}},
	}
	if e.serviceAccount != "" {
		podSpec.ServiceAccountName = e.serviceAccount
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: e.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

// k8sResources maps hard limits to limits and soft limits to requests.
func k8sResources(l domain.Limits) corev1.ResourceRequirements {
	var out corev1.ResourceRequirements
	if l.CPUHard > 0 || l.MemHardMB > 0 {
		out.Limits = corev1.ResourceList{}
	}
	if l.CPUSoft > 0 || l.MemSoftMB > 0 {
		out.Requests = corev1.ResourceList{}
	}
	if l.CPUHard > 0 {
		out.Limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(l.CPUHard*1000), resource.DecimalSI)
	}
	if l.MemHardMB > 0 {
		out.Limits[corev1.ResourceMemory] = *resource.NewQuantity(l.MemHardMB*1024*1024, resource.BinarySI)
	}
	if l.CPUSoft > 0 {
		out.Requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(l.CPUSoft*1000), resource.DecimalSI)
	}
	if l.MemSoftMB > 0 {
		out.Requests[corev1.ResourceMemory] = *resource.NewQuantity(l.MemSoftMB*1024*1024, resource.BinarySI)
	}
	return out
}

// pipelineConfigMap packs the top-level files of a pipeline directory.
func pipelineConfigMap(dir string) (*corev1.ConfigMap, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipeline dir: %w", err)
	}
	cm := &corev1.ConfigMap{Data: map[string]string{}, BinaryData: map[string][]byte{}}
	total := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		total += len(b)
		if total > maxPipelineBytes {
			return nil, fmt.Errorf("pipeline files exceed %d bytes", maxPipelineBytes)
		}
		if utf8.Valid(b) {
			cm.Data[entry.Name()] = string(b)
		} else {
			cm.BinaryData[entry.Name()] = b
		}
	}
	return cm, nil
}

func (e *KubernetesExecutor) findPod(ctx context.Context, h Handle) (*corev1.Pod, error) {
	pods, err := e.core.CoreV1().Pods(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelJob + "=" + h.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("k8s list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	sort.Slice(pods.Items, func(i, j int) bool {
		return pods.Items[j].CreationTimestamp.Before(&pods.Items[i].CreationTimestamp)
	})
	return &pods.Items[0], nil
}

func (e *KubernetesExecutor) Poll(ctx context.Context, h Handle) (Observation, error) {
	job, err := e.core.BatchV1().Jobs(e.namespace).Get(ctx, h.String(), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Observation{}, fmt.Errorf("%w: %s", ErrWorkloadNotFound, h)
		}
		return Observation{}, fmt.Errorf("k8s get job: %w", err)
	}
	pod, err := e.findPod(ctx, h)
	if err != nil {
		return Observation{}, err
	}

	obs := Observation{ContainerStatus: "pending", Health: "none"}
	if pod != nil {
		obs = observePod(pod)
	}
	if cond, ok := findJobCondition(job.Status.Conditions, batchv1.JobFailed); ok {
		obs.Finished = true
		obs.Running = false
		if obs.ContainerStatus != "exited" {
			obs.ContainerStatus = "failed"
			obs.ExitCode = -1
		}
		if obs.Message == "" {
			obs.Message = conditionMessage(cond)
		}
	} else if _, ok := findJobCondition(job.Status.Conditions, batchv1.JobComplete); ok {
		obs.Finished = true
		obs.Running = false
		if obs.ContainerStatus != "exited" {
			obs.ContainerStatus = "exited"
		}
	}
	return obs, nil
}

func observePod(pod *corev1.Pod) Observation {
	obs := Observation{ContainerStatus: strings.ToLower(string(pod.Status.Phase)), Health: "none"}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != containerName {
			continue
		}
		switch {
		case cs.State.Terminated != nil:
			t := cs.State.Terminated
			obs.ContainerStatus = "exited"
			obs.ExitCode = int(t.ExitCode)
			obs.OOMKilled = t.Reason == "OOMKilled"
			obs.Finished = true
			obs.Message = strings.TrimSpace(t.Message)
		case cs.State.Running != nil:
			obs.ContainerStatus = "running"
			obs.Running = true
		case cs.State.Waiting != nil:
			obs.ContainerStatus = "waiting"
			obs.Message = strings.TrimSpace(cs.State.Waiting.Reason)
		}
	}
	if obs.Running {
		obs.Health = "unhealthy"
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				obs.Health = "healthy"
			}
		}
	}
	return obs
}

func findJobCondition(conditions []batchv1.JobCondition, conditionType batchv1.JobConditionType) (batchv1.JobCondition, bool) {
	for _, cond := range conditions {
		if cond.Type == conditionType && cond.Status == corev1.ConditionTrue {
			return cond, true
		}
	}
	return batchv1.JobCondition{}, false
}

func conditionMessage(cond batchv1.JobCondition) string {
	if msg := strings.TrimSpace(cond.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(cond.Reason)
}

func (e *KubernetesExecutor) Stats(ctx context.Context, h Handle) (Usage, error) {
	if e.metrics == nil {
		return Usage{}, errors.New("k8s metrics client is not configured")
	}
	pod, err := e.findPod(ctx, h)
	if err != nil {
		return Usage{}, err
	}
	if pod == nil {
		return Usage{}, fmt.Errorf("%w: no pod for %s", ErrWorkloadNotFound, h)
	}
	pm, err := e.metrics.MetricsV1beta1().PodMetricses(e.namespace).Get(ctx, pod.Name, metav1.GetOptions{})
	if err != nil {
		return Usage{}, fmt.Errorf("k8s pod metrics: %w", err)
	}
	var usage Usage
	for _, c := range pm.Containers {
		if c.Name != containerName {
			continue
		}
		if cpu, ok := c.Usage[corev1.ResourceCPU]; ok {
			usage.CPUPercent = float64(cpu.MilliValue()) / 10
		}
		if mem, ok := c.Usage[corev1.ResourceMemory]; ok {
			usage.MemoryBytes = uint64(mem.Value())
		}
	}
	for _, c := range pod.Spec.Containers {
		if c.Name != containerName {
			continue
		}
		if mem, ok := c.Resources.Limits[corev1.ResourceMemory]; ok {
			usage.MemoryLimitBytes = uint64(mem.Value())
		}
	}
	return usage, nil
}

// Logs waits for the pod's container to start and then follows its output.
func (e *KubernetesExecutor) Logs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	var podName string
	err := wait.PollUntilContextCancel(ctx, e.pollInterval, true, func(ctx context.Context) (bool, error) {
		pod, err := e.findPod(ctx, h)
		if err != nil || pod == nil {
			return false, nil
		}
		obs := observePod(pod)
		if obs.Running || obs.Finished {
			podName = pod.Name
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("k8s wait for pod: %w", err)
	}
	stream, err := e.core.CoreV1().Pods(e.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
	}).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("k8s stream logs: %w", err)
	}
	return stream, nil
}

func (e *KubernetesExecutor) Wait(ctx context.Context, h Handle) (int, error) {
	var last Observation
	err := wait.PollUntilContextCancel(ctx, e.pollInterval, true, func(ctx context.Context) (bool, error) {
		obs, err := e.Poll(ctx, h)
		if err != nil {
			if errors.Is(err, ErrWorkloadNotFound) {
				return false, err
			}
			e.logger.Debug("k8s poll failed", "job", h.String(), "error", err)
			return false, nil
		}
		last = obs
		return obs.Finished, nil
	})
	if err != nil {
		return -1, err
	}
	return last.ExitCode, nil
}

// Terminate deletes the pod with the given grace period, waits for it to stop
// and then deletes the Job so no replacement pod is scheduled.
func (e *KubernetesExecutor) Terminate(ctx context.Context, h Handle, grace time.Duration) (int, error) {
	exitCode := 137
	pod, err := e.findPod(ctx, h)
	if err != nil {
		return -1, err
	}
	if pod != nil {
		secs := graceSeconds(grace)
		err := e.core.CoreV1().Pods(e.namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{GracePeriodSeconds: &secs})
		if err != nil && !apierrors.IsNotFound(err) {
			return -1, fmt.Errorf("k8s delete pod: %w", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, grace+15*time.Second)
		_ = wait.PollUntilContextCancel(waitCtx, e.pollInterval, true, func(ctx context.Context) (bool, error) {
			p, err := e.core.CoreV1().Pods(e.namespace).Get(ctx, pod.Name, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			if err != nil {
				return false, nil
			}
			if obs := observePod(p); obs.Finished {
				exitCode = obs.ExitCode
				return true, nil
			}
			return false, nil
		})
		cancel()
	}
	if err := e.deleteJob(ctx, h); err != nil {
		return exitCode, err
	}
	return exitCode, nil
}

func (e *KubernetesExecutor) deleteJob(ctx context.Context, h Handle) error {
	policy := metav1.DeletePropagationBackground
	err := e.core.BatchV1().Jobs(e.namespace).Delete(ctx, h.String(), metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("k8s delete job: %w", err)
	}
	return nil
}

func (e *KubernetesExecutor) Cleanup(ctx context.Context, h Handle) error {
	jobErr := e.deleteJob(ctx, h)
	var cmErr error
	if err := e.core.CoreV1().ConfigMaps(e.namespace).Delete(ctx, codeConfigMapName(h.String()), metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		cmErr = fmt.Errorf("k8s delete configmap: %w", err)
	}
	return errors.Join(jobErr, cmErr)
}
