package engine

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastflow-labs/fastflow/internal/admission"
	"github.com/fastflow-labs/fastflow/internal/catalog"
	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/monitor"
	"github.com/fastflow-labs/fastflow/internal/repo"
	"github.com/fastflow-labs/fastflow/internal/repo/memory"
	"github.com/fastflow-labs/fastflow/internal/runlog"
	"github.com/fastflow-labs/fastflow/internal/runtimeexec"
	"github.com/fastflow-labs/fastflow/internal/stream"
)

type harness struct {
	store  *memory.RunStore
	ctrl   *admission.Controller
	engine *Engine
	exec   *fakeExecutor
	stream *stream.Broadcaster
	files  runlog.Files
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	store := memory.NewRunStore()
	cat, err := catalog.New(nil, store, "")
	require.NoError(t, err)
	cat.Replace(map[string]domain.Pipeline{
		"etl":    {Name: "etl", Enabled: true, Path: t.TempDir(), HasRequirements: true},
		"slow":   {Name: "slow", Enabled: true, Path: t.TempDir(), Metadata: domain.PipelineMetadata{Timeout: 50 * time.Millisecond}},
		"custom": {Name: "custom", Enabled: true, Path: t.TempDir(), Metadata: domain.PipelineMetadata{Image: "ghcr.io/acme/worker:2"}},
	})
	files := runlog.Files{Dir: t.TempDir()}
	ctrl, err := admission.New(admission.Config{Runs: store, Pipelines: cat, Files: files, Limit: limit})
	require.NoError(t, err)

	bc := stream.New(stream.Config{})
	ex := newFakeExecutor()
	eng, err := New(Config{
		Runs:          store,
		Slots:         ctrl,
		Pipelines:     cat,
		Executor:      ex,
		Stream:        bc,
		Monitor:       monitor.New(monitor.Config{Interval: 5 * time.Millisecond, Runs: store, Publisher: bc}),
		Image:         "python:3.12-slim",
		CancelGrace:   10 * time.Millisecond,
		CancelTimeout: 2 * time.Second,
		LogDrain:      500 * time.Millisecond,
	})
	require.NoError(t, err)
	ctrl.SetLauncher(eng.Start)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return &harness{store: store, ctrl: ctrl, engine: eng, exec: ex, stream: bc, files: files}
}

func (h *harness) submit(t *testing.T, pipeline string) domain.Run {
	t.Helper()
	run, err := h.ctrl.Submit(t.Context(), admission.SubmitRequest{
		PipelineName: pipeline,
		EnvVars:      map[string]string{"REGION": "eu"},
		Parameters:   map[string]string{"date": "2024-05-01"},
		TriggeredBy:  "tester",
	})
	require.NoError(t, err)
	return run
}

func (h *harness) launched(t *testing.T) runtimeexec.Handle {
	t.Helper()
	select {
	case handle := <-h.exec.launched:
		return handle
	case <-time.After(2 * time.Second):
		t.Fatal("workload was not launched")
		return ""
	}
}

func (h *harness) waitTerminal(t *testing.T, id string) domain.Run {
	t.Helper()
	var run domain.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = h.store.GetRun(context.Background(), id)
		return err == nil && run.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	return run
}

func drain(t *testing.T, sub *stream.Subscription) []stream.Event {
	t.Helper()
	var out []stream.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("subscription did not close")
		}
	}
}

func TestRunSucceeds(t *testing.T) {
	h := newHarness(t, 2)
	run := h.submit(t, "etl")
	assert.Equal(t, domain.RunStatusRunning, run.Status)

	handle := h.launched(t)
	sub := h.stream.Subscribe(t.Context(), run.ID, stream.KindLogs, 0)
	require.NoError(t, h.exec.emit(handle, "hello", "world"))
	// Let the monitor record a few samples.
	require.Eventually(t, func() bool {
		n, _ := runlog.CountLines(run.MetricsFile)
		return n >= 2
	}, 2*time.Second, 5*time.Millisecond)
	h.exec.finish(handle, 0)

	events := drain(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, "hello", events[0].Line)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, "world", events[1].Line)
	assert.Equal(t, uint64(2), events[1].Seq)

	final := h.waitTerminal(t, run.ID)
	assert.Equal(t, domain.RunStatusSuccess, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Zero(t, *final.ExitCode)
	assert.Empty(t, final.ErrorType)
	assert.Equal(t, "fake", final.Executor)
	assert.Equal(t, handle.String(), final.Handle)

	lines, err := runlog.Tail(final.LogFile, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, lines)

	f, err := os.Open(final.MetricsFile)
	require.NoError(t, err)
	samples, err := runlog.ReadMetrics(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	for _, s := range samples {
		assert.False(t, s.Timestamp.Before(*final.StartedAt))
		assert.False(t, s.Timestamp.After(*final.FinishedAt), "no sample after the run finished")
	}

	specs := h.exec.launches()
	require.Len(t, specs, 1)
	assert.Equal(t, "python:3.12-slim", specs[0].Image)
	assert.True(t, specs[0].HasRequirements)
	assert.Equal(t, "eu", specs[0].Env["REGION"])
	assert.Equal(t, "2024-05-01", specs[0].Parameters["date"])
	require.Eventually(t, func() bool {
		return h.exec.wasCleaned(handle) && h.ctrl.Utilization().Active == 0
	}, time.Second, 5*time.Millisecond, "workload removed and slot released")
}

func TestPipelineImageOverridesDefault(t *testing.T) {
	h := newHarness(t, 1)
	h.submit(t, "custom")
	handle := h.launched(t)
	h.exec.finish(handle, 0)
	assert.Equal(t, "ghcr.io/acme/worker:2", h.exec.launches()[0].Image)
}

func TestNonZeroExitIsPipelineError(t *testing.T) {
	h := newHarness(t, 1)
	h.exec.oom = true
	run := h.submit(t, "etl")
	handle := h.launched(t)
	h.exec.finish(handle, 137)

	final := h.waitTerminal(t, run.ID)
	assert.Equal(t, domain.RunStatusFailed, final.Status)
	assert.Equal(t, domain.ErrorTypePipeline, final.ErrorType)
	assert.Contains(t, final.ErrorMessage, "exited with code 137")
	assert.Contains(t, final.ErrorMessage, "OOM killed")
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 137, *final.ExitCode)
}

func TestLaunchFailureReleasesSlot(t *testing.T) {
	h := newHarness(t, 1)
	gate := make(chan struct{})
	h.exec.launchHook = func(spec runtimeexec.LaunchSpec) error {
		if spec.Parameters["fail"] == "" {
			return nil
		}
		<-gate
		return fmt.Errorf("%w: image not found", runtimeexec.ErrLaunchFailed)
	}

	broken, err := h.ctrl.Submit(t.Context(), admission.SubmitRequest{PipelineName: "etl", Parameters: map[string]string{"fail": "yes"}})
	require.NoError(t, err)
	queued := h.submit(t, "etl")
	assert.Equal(t, domain.RunStatusPending, queued.Status)

	close(gate)
	final := h.waitTerminal(t, broken.ID)
	assert.Equal(t, domain.RunStatusFailed, final.Status)
	assert.Equal(t, domain.ErrorTypeInfrastructure, final.ErrorType)
	assert.Contains(t, final.ErrorMessage, "image not found")
	assert.Nil(t, final.ExitCode)

	handle := h.launched(t)
	assert.Equal(t, runtimeexec.Handle("w-"+queued.ID), handle)
	promoted, err := h.store.GetRun(t.Context(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, promoted.Status)
}

func TestCancelRunning(t *testing.T) {
	h := newHarness(t, 1)
	run := h.submit(t, "etl")
	handle := h.launched(t)
	require.NoError(t, h.exec.emit(handle, "working"))

	final, err := h.engine.Cancel(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, final.Status)
	assert.Equal(t, "cancelled by user", final.ErrorMessage)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 143, *final.ExitCode)
	assert.True(t, h.exec.wasTerminated(handle))

	again, err := h.engine.Cancel(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Status, again.Status)
	assert.Equal(t, final.FinishedAt, again.FinishedAt)
}

func TestCancelTimeoutReleasesStuckWorkload(t *testing.T) {
	h := newHarness(t, 1)
	h.engine.cfg.CancelTimeout = 100 * time.Millisecond
	h.exec.stuck = true
	run := h.submit(t, "etl")
	handle := h.launched(t)
	queued := h.submit(t, "etl")
	require.Equal(t, domain.RunStatusPending, queued.Status)
	require.Eventually(t, func() bool {
		n, _ := runlog.CountLines(run.MetricsFile)
		return n >= 1
	}, 2*time.Second, 5*time.Millisecond)

	final, err := h.engine.Cancel(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, final.Status)
	assert.True(t, h.exec.wasTerminated(handle))

	frozen, err := runlog.CountLines(run.MetricsFile)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	after, err := runlog.CountLines(run.MetricsFile)
	require.NoError(t, err)
	assert.Equal(t, frozen, after, "an interrupted run is no longer sampled")

	// The slot went to the queued run while the old workload is still up.
	assert.Equal(t, runtimeexec.Handle("w-"+queued.ID), h.launched(t))
	assert.Equal(t, 1, h.ctrl.Utilization().Active)
	assert.False(t, h.exec.wasCleaned(handle))

	h.exec.finish(handle, 137)
	require.Eventually(t, func() bool { return h.exec.wasCleaned(handle) }, 2*time.Second, 5*time.Millisecond)
	stored, err := h.store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, stored.Status)
	assert.Equal(t, final.FinishedAt, stored.FinishedAt)
	assert.Equal(t, 1, h.ctrl.Utilization().Active)
}

func TestCancelBeforeStartNeverLaunches(t *testing.T) {
	h := newHarness(t, 1)
	// Promotion wrote RUNNING; the cancel lands before Start registers.
	run := runningRecord(t, h, "raced-run", "")
	require.NoError(t, h.ctrl.Reconcile(t.Context()))
	require.Equal(t, 1, h.ctrl.Utilization().Active)

	final, err := h.engine.Cancel(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, final.Status)

	h.engine.Start(run)
	require.Eventually(t, func() bool { return h.engine.supervisor(run.ID) == nil }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.exec.launches())
	assert.Zero(t, h.ctrl.Utilization().Active)

	stored, err := h.store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, stored.Status)
	assert.Equal(t, final.FinishedAt, stored.FinishedAt)
}

// gatedRuns holds the INTERRUPTED transition until gate is closed.
type gatedRuns struct {
	repo.RunRepository
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedRuns) Transition(ctx context.Context, id string, req repo.TransitionRequest) (domain.Run, error) {
	if req.To == domain.RunStatusInterrupted {
		close(g.entered)
		<-g.gate
	}
	return g.RunRepository.Transition(ctx, id, req)
}

func TestStartDuringCancelNeverLaunches(t *testing.T) {
	h := newHarness(t, 1)
	gated := &gatedRuns{RunRepository: h.store, entered: make(chan struct{}), gate: make(chan struct{})}
	h.engine.cfg.Runs = gated
	run := runningRecord(t, h, "raced-run", "")
	require.NoError(t, h.ctrl.Reconcile(t.Context()))

	done := make(chan domain.Run, 1)
	go func() {
		final, err := h.engine.Cancel(context.Background(), run.ID)
		assert.NoError(t, err)
		done <- final
	}()
	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not reach the store")
	}
	h.engine.Start(run)
	close(gated.gate)

	select {
	case final := <-done:
		assert.Equal(t, domain.RunStatusInterrupted, final.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not return")
	}
	assert.Empty(t, h.exec.launches())
	require.Eventually(t, func() bool { return h.ctrl.Utilization().Active == 0 }, time.Second, 5*time.Millisecond)
}

func TestCancelPendingNeverLaunches(t *testing.T) {
	h := newHarness(t, 1)
	first := h.submit(t, "etl")
	firstHandle := h.launched(t)
	pending := h.submit(t, "etl")
	require.Equal(t, domain.RunStatusPending, pending.Status)

	sub := h.stream.Subscribe(t.Context(), pending.ID, stream.KindLogs, 0)
	final, err := h.engine.Cancel(t.Context(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, final.Status)
	assert.Nil(t, final.StartedAt)
	assert.Empty(t, drain(t, sub), "subscribers of a cancelled pending run are released")

	h.exec.finish(firstHandle, 0)
	h.waitTerminal(t, first.ID)
	assert.Len(t, h.exec.launches(), 1)
	assert.Zero(t, h.ctrl.Utilization().Queued)
}

func TestCancelUnknownRun(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.engine.Cancel(t.Context(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, 1)
	run := h.submit(t, "slow")
	handle := h.launched(t)

	final := h.waitTerminal(t, run.ID)
	assert.Equal(t, domain.RunStatusFailed, final.Status)
	assert.Equal(t, domain.ErrorTypePipeline, final.ErrorType)
	assert.Equal(t, "timeout exceeded", final.ErrorMessage)
	assert.True(t, h.exec.wasTerminated(handle))
}

func TestHealth(t *testing.T) {
	h := newHarness(t, 1)
	run := h.submit(t, "etl")
	handle := h.launched(t)

	require.Eventually(t, func() bool {
		health, err := h.engine.Health(t.Context(), run.ID)
		return err == nil && health.Phase == string(PhaseRunning)
	}, time.Second, 5*time.Millisecond)
	health, err := h.engine.Health(t.Context(), run.ID)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, "running", health.ContainerStatus)
	assert.Equal(t, "healthy", health.Health)

	h.exec.finish(handle, 0)
	h.waitTerminal(t, run.ID)
	health, err = h.engine.Health(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.RunStatusSuccess), health.Phase)
	assert.Equal(t, "exited", health.ContainerStatus)
}

func TestPipelineDirs(t *testing.T) {
	h := newHarness(t, 2)
	dirs, complete := h.engine.PipelineDirs()
	assert.True(t, complete)
	assert.Empty(t, dirs)

	run := h.submit(t, "etl")
	handle := h.launched(t)
	dirs, complete = h.engine.PipelineDirs()
	assert.True(t, complete)
	assert.Equal(t, []string{h.exec.launches()[0].PipelineDir}, dirs)

	// A re-attached run's directory is unknown.
	h.exec.add("w-alive")
	runningRecord(t, h, "alive-run", "w-alive")
	require.NoError(t, h.engine.Recover(t.Context()))
	_, complete = h.engine.PipelineDirs()
	assert.False(t, complete)

	h.exec.finish(handle, 0)
	h.exec.finish("w-alive", 0)
	h.waitTerminal(t, run.ID)
	h.waitTerminal(t, "alive-run")
	require.Eventually(t, func() bool {
		dirs, complete := h.engine.PipelineDirs()
		return complete && len(dirs) == 0
	}, time.Second, 5*time.Millisecond)
}

// runningRecord stores a RUNNING run as a previous process would have left it.
func runningRecord(t *testing.T, h *harness, id, handle string) domain.Run {
	t.Helper()
	now := time.Now().UTC()
	run := domain.Run{
		ID:           id,
		PipelineName: "etl",
		Status:       domain.RunStatusPending,
		CreatedAt:    now.Add(-time.Minute),
		LogFile:      h.files.LogPath(id),
		MetricsFile:  h.files.MetricsPath(id),
	}
	require.NoError(t, h.store.CreateRun(t.Context(), run))
	_, err := h.store.Transition(t.Context(), id, repo.TransitionRequest{
		From: domain.RunStatusPending, To: domain.RunStatusRunning, At: now.Add(-30 * time.Second),
	})
	require.NoError(t, err)
	require.NoError(t, h.store.SetHandle(t.Context(), id, "fake", handle))
	run, err = h.store.GetRun(t.Context(), id)
	require.NoError(t, err)
	return run
}

func TestRecover(t *testing.T) {
	h := newHarness(t, 2)
	lost := runningRecord(t, h, "lost-run", "w-gone")
	alive := runningRecord(t, h, "alive-run", "w-alive")
	h.exec.add("w-alive")
	require.NoError(t, os.MkdirAll(h.files.Dir, 0o755))
	require.NoError(t, os.WriteFile(alive.LogFile, []byte("old1\nold2\n"), 0o644))

	require.NoError(t, h.ctrl.Reconcile(t.Context()))
	assert.Equal(t, 2, h.ctrl.Utilization().Active)
	require.NoError(t, h.engine.Recover(t.Context()))

	failed := h.waitTerminal(t, lost.ID)
	assert.Equal(t, domain.RunStatusFailed, failed.Status)
	assert.Equal(t, domain.ErrorTypeInfrastructure, failed.ErrorType)
	assert.Equal(t, "lost on restart", failed.ErrorMessage)

	sub := h.stream.Subscribe(t.Context(), alive.ID, stream.KindLogs, 2)
	// The runtime replays the whole output after a re-attach.
	require.NoError(t, h.exec.emit("w-alive", "old1", "old2", "new"))
	h.exec.finish("w-alive", 0)

	events := drain(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].Line)
	assert.Equal(t, uint64(3), events[0].Seq)

	final := h.waitTerminal(t, alive.ID)
	assert.Equal(t, domain.RunStatusSuccess, final.Status)
	lines, err := runlog.Tail(final.LogFile, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"old1", "old2", "new"}, lines)
	require.Eventually(t, func() bool { return h.ctrl.Utilization().Active == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownDetachesRuns(t *testing.T) {
	h := newHarness(t, 1)
	run := h.submit(t, "etl")
	h.launched(t)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))

	stored, err := h.store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, stored.Status, "runs survive a restart of the scheduler")
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor is required")
}
