package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/events"
	"github.com/fastflow-labs/fastflow/internal/monitor"
	"github.com/fastflow-labs/fastflow/internal/platform/metrics"
	"github.com/fastflow-labs/fastflow/internal/repo"
	"github.com/fastflow-labs/fastflow/internal/runtimeexec"
	"github.com/fastflow-labs/fastflow/internal/stream"
)

// Phase is the supervisor's view of a live run.
type Phase string

const (
	PhaseCreating Phase = "CREATING"
	PhaseRunning  Phase = "RUNNING"
	PhaseReaping  Phase = "REAPING"
	PhaseKilling  Phase = "KILLING"
)

const (
	msgCancelled     = "cancelled by user"
	msgTimeout       = "timeout exceeded"
	msgLostOnRestart = "lost on restart"
)

// Slots is the part of the admission controller the engine drives.
type Slots interface {
	Release(ctx context.Context, runID string)
	CancelPending(ctx context.Context, runID string) (bool, error)
}

type PipelineLookup interface {
	Lookup(name string) (domain.Pipeline, bool)
}

type Archiver interface {
	Upload(ctx context.Context, run domain.Run) (string, error)
}

type Config struct {
	Logger    *slog.Logger
	Runs      repo.RunRepository
	Slots     Slots
	Pipelines PipelineLookup
	Executor  runtimeexec.Executor
	Monitor   *monitor.Monitor
	Stream    *stream.Broadcaster
	// Archiver is optional; finished run files are uploaded when set.
	Archiver      Archiver
	Image         string
	CancelGrace   time.Duration
	CancelTimeout time.Duration
	LaunchTimeout time.Duration
	// LogDrain bounds how long the log pump may lag behind a finished workload.
	LogDrain time.Duration
	Metrics  *metrics.Metrics
	Notifier *events.Notifier
	Now      func() time.Time
}

func (c *Config) validate() error {
	var errs []error
	if c.Runs == nil {
		errs = append(errs, errors.New("engine: run repository is required"))
	}
	if c.Slots == nil {
		errs = append(errs, errors.New("engine: admission slots are required"))
	}
	if c.Pipelines == nil {
		errs = append(errs, errors.New("engine: pipeline lookup is required"))
	}
	if c.Executor == nil {
		errs = append(errs, errors.New("engine: executor is required"))
	}
	if c.Stream == nil {
		errs = append(errs, errors.New("engine: stream broadcaster is required"))
	}
	if c.Image == "" {
		errs = append(errs, errors.New("engine: worker image is required"))
	}
	return errors.Join(errs...)
}

// Engine launches admitted runs, supervises them to a terminal status and
// cancels them on request.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*supervisor
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Monitor == nil {
		cfg.Monitor = monitor.New(monitor.Config{Logger: cfg.Logger, Runs: cfg.Runs, Publisher: cfg.Stream, Metrics: cfg.Metrics, Notifier: cfg.Notifier})
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 30 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 10 * time.Minute
	}
	if cfg.LogDrain <= 0 {
		cfg.LogDrain = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		ctx:    ctx,
		cancel: cancel,
		active: map[string]*supervisor{},
	}, nil
}

// Start supervises a run that was just promoted to RUNNING. It returns
// immediately; the run is finalized in the background.
func (e *Engine) Start(run domain.Run) {
	s := newSupervisor(run, PhaseCreating)
	if !e.register(s) {
		// A cancel holds the run and releases its slot when done.
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.unregister(s)
		if !e.stillRunning(e.ctx, s) {
			return
		}
		e.launch(e.ctx, s)
	}()
}

// stillRunning re-reads the record before a workload is created for it. A
// cancel that reached the record between promotion and Start has already
// finalized it.
func (e *Engine) stillRunning(ctx context.Context, s *supervisor) bool {
	current, err := e.cfg.Runs.GetRun(ctx, s.run.ID)
	if err != nil {
		e.logger.Warn("reload run before launch failed", "run_id", s.run.ID, "error", err)
		return true
	}
	if current.Status == domain.RunStatusRunning {
		return true
	}
	e.logger.Info("run finished before launch", "run_id", s.run.ID, "status", current.Status)
	e.cfg.Slots.Release(ctx, s.run.ID)
	return false
}

// Shutdown detaches from live runs without touching their workloads. Runs
// stay RUNNING and are picked up again by Recover on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) register(s *supervisor) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[s.run.ID]; ok {
		return false
	}
	e.active[s.run.ID] = s
	return true
}

func (e *Engine) unregister(s *supervisor) {
	e.mu.Lock()
	if e.active[s.run.ID] == s {
		delete(e.active, s.run.ID)
	}
	e.mu.Unlock()
	s.markDone()
}

func (e *Engine) supervisor(runID string) *supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[runID]
}

// claim returns the run's supervisor. A run without one gets a stopping
// placeholder so a concurrent Start cannot launch it; owned reports that the
// caller must finalize the run and unregister the placeholder.
func (e *Engine) claim(run domain.Run) (s *supervisor, owned bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.active[run.ID]; ok {
		return s, false
	}
	s = newSupervisor(run, PhaseKilling)
	s.stop = reasonCancel
	e.active[run.ID] = s
	return s, true
}

// PipelineDirs lists the pipeline directories live runs execute from.
// complete is false while some live run's directory is unknown.
func (e *Engine) PipelineDirs() (dirs []string, complete bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	complete = true
	for _, s := range e.active {
		dir := s.dir()
		if dir == "" {
			complete = false
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs, complete
}

func (e *Engine) launch(ctx context.Context, s *supervisor) {
	run := s.run
	if s.reason() == reasonCancel {
		e.finalize(ctx, s, outcome{status: domain.RunStatusInterrupted, message: msgCancelled})
		return
	}
	pipeline, ok := e.cfg.Pipelines.Lookup(run.PipelineName)
	if !ok {
		e.finalize(ctx, s, outcome{status: domain.RunStatusFailed, errType: domain.ErrorTypeInfrastructure,
			message: fmt.Sprintf("pipeline %s is no longer available", run.PipelineName)})
		return
	}
	s.setDir(pipeline.Path)
	image := pipeline.Metadata.Image
	if image == "" {
		image = e.cfg.Image
	}
	spec := runtimeexec.LaunchSpec{
		RunID:           run.ID,
		PipelineName:    run.PipelineName,
		PipelineDir:     pipeline.Path,
		Image:           image,
		HasRequirements: pipeline.HasRequirements,
		Env:             run.EnvVars,
		Parameters:      run.Parameters,
		Limits:          run.Limits,
	}

	launchCtx, cancel := context.WithTimeout(ctx, e.cfg.LaunchTimeout)
	h, err := e.cfg.Executor.Launch(launchCtx, spec)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			e.logger.Warn("engine stopped during launch", "run_id", run.ID)
			return
		}
		if s.reason() == reasonCancel {
			e.finalize(ctx, s, outcome{status: domain.RunStatusInterrupted, message: msgCancelled})
			return
		}
		e.logger.Error("launch failed", "run_id", run.ID, "pipeline", run.PipelineName, "error", err)
		e.finalize(ctx, s, outcome{status: domain.RunStatusFailed, errType: domain.ErrorTypeInfrastructure, message: err.Error()})
		return
	}

	if err := e.cfg.Runs.SetHandle(ctx, run.ID, e.cfg.Executor.Kind(), h.String()); err != nil {
		e.logger.Warn("record handle failed", "run_id", run.ID, "error", err)
	}
	s.run.Executor = e.cfg.Executor.Kind()
	s.run.Handle = h.String()
	e.logger.Info("run started", "run_id", run.ID, "pipeline", run.PipelineName, "executor", e.cfg.Executor.Kind(), "handle", h.String())
	e.cfg.Notifier.Notify(ctx, events.RunEvent(events.RunStarted, s.run))

	if pending := s.attach(h); pending != reasonNone {
		e.terminate(s, h)
	}
	if pipeline.Metadata.Timeout > 0 {
		timer := time.AfterFunc(pipeline.Metadata.Timeout, func() { e.expire(s) })
		defer timer.Stop()
	}
	e.supervise(ctx, s, h, 0)
}

// expire terminates a run that exceeded its pipeline timeout.
func (e *Engine) expire(s *supervisor) {
	h, first := s.requestStop(reasonTimeout)
	if !first || h == "" {
		return
	}
	e.logger.Warn("run timed out", "run_id", s.run.ID, "pipeline", s.run.PipelineName)
	e.terminate(s, h)
}

// terminate stops the workload in the background; the supervisor observes
// the exit through Wait.
func (e *Engine) terminate(s *supervisor, h runtimeexec.Handle) {
	grace := e.cfg.CancelGrace
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace+30*time.Second)
		defer cancel()
		code, err := e.cfg.Executor.Terminate(ctx, h, grace)
		if err != nil {
			e.logger.Error("terminate failed", "run_id", s.run.ID, "handle", h.String(), "error", err)
			return
		}
		s.setKillCode(code)
	}()
}

// Cancel stops a run. Pending runs never start; running runs are terminated
// with a grace period and Cancel waits for the final record. Cancelling a
// finished run returns it unchanged.
func (e *Engine) Cancel(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.cfg.Runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Terminal() {
		return run, nil
	}

	if run.Status == domain.RunStatusPending {
		cancelled, err := e.cfg.Slots.CancelPending(ctx, runID)
		if err != nil {
			return domain.Run{}, err
		}
		if cancelled {
			e.cfg.Stream.Close(runID)
			return e.cfg.Runs.GetRun(ctx, runID)
		}
		// Promoted while we looked; cancel it as a running run.
		if run, err = e.cfg.Runs.GetRun(ctx, runID); err != nil {
			return domain.Run{}, err
		}
		if run.Terminal() {
			return run, nil
		}
	}

	s, owned := e.claim(run)
	if owned {
		defer e.unregister(s)
		return e.interruptOrphan(ctx, s)
	}
	if h, first := s.requestStop(reasonCancel); first {
		e.logger.Info("cancelling run", "run_id", runID, "pipeline", run.PipelineName)
		if h != "" {
			e.terminate(s, h)
		}
	}

	timer := time.NewTimer(e.cfg.CancelTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		e.logger.Warn("cancel timed out waiting for workload", "run_id", runID)
		// The workload may outlive the run record: it is no longer sampled
		// and no longer holds a slot. Cleanup follows once it exits.
		s.haltSampling()
		final, err := e.cfg.Runs.Transition(ctx, runID, repo.TransitionRequest{
			From:         domain.RunStatusRunning,
			To:           domain.RunStatusInterrupted,
			At:           e.now(),
			ErrorMessage: msgCancelled,
		})
		if err == nil {
			e.release(ctx, s, final)
			return final, nil
		}
		if !errors.Is(err, repo.ErrInvalidTransition) {
			return domain.Run{}, err
		}
	case <-ctx.Done():
		return domain.Run{}, ctx.Err()
	}
	return e.cfg.Runs.GetRun(ctx, runID)
}

// interruptOrphan finalizes a RUNNING record that had no supervisor in this
// process, for example after a failed re-attach. s is the claimed placeholder.
func (e *Engine) interruptOrphan(ctx context.Context, s *supervisor) (domain.Run, error) {
	run := s.run
	final, err := e.cfg.Runs.Transition(ctx, run.ID, repo.TransitionRequest{
		From:         domain.RunStatusRunning,
		To:           domain.RunStatusInterrupted,
		At:           e.now(),
		ErrorMessage: msgCancelled,
	})
	if errors.Is(err, repo.ErrInvalidTransition) {
		return e.cfg.Runs.GetRun(ctx, run.ID)
	}
	if err != nil {
		return domain.Run{}, err
	}
	if run.Handle != "" {
		h := runtimeexec.Handle(run.Handle)
		if _, err := e.cfg.Executor.Terminate(ctx, h, e.cfg.CancelGrace); err != nil && !errors.Is(err, runtimeexec.ErrWorkloadNotFound) {
			e.logger.Warn("terminate orphan failed", "run_id", run.ID, "error", err)
		}
		s.attach(h)
	}
	return e.settle(ctx, s, final), nil
}

// RunHealth is the live view of a run's workload.
type RunHealth struct {
	Healthy         bool   `json:"healthy"`
	ContainerStatus string `json:"container_status"`
	Health          string `json:"health"`
	Phase           string `json:"phase"`
}

func (e *Engine) Health(ctx context.Context, runID string) (RunHealth, error) {
	run, err := e.cfg.Runs.GetRun(ctx, runID)
	if err != nil {
		return RunHealth{}, err
	}
	s := e.supervisor(runID)
	if s == nil || run.Terminal() {
		return staticHealth(run), nil
	}
	phase, h := s.snapshot()
	out := RunHealth{Phase: string(phase), ContainerStatus: "creating", Health: "none"}
	if h == "" {
		out.Healthy = phase == PhaseCreating
		return out, nil
	}
	obs, err := e.cfg.Executor.Poll(ctx, h)
	if err != nil {
		out.ContainerStatus = "unknown"
		out.Health = "unknown"
		return out, nil
	}
	out.ContainerStatus = obs.ContainerStatus
	out.Health = obs.Health
	out.Healthy = obs.Running && obs.Health != "unhealthy" && phase == PhaseRunning
	return out, nil
}

func staticHealth(run domain.Run) RunHealth {
	switch run.Status {
	case domain.RunStatusPending:
		return RunHealth{Healthy: true, ContainerStatus: "pending", Health: "none", Phase: string(run.Status)}
	case domain.RunStatusRunning:
		return RunHealth{ContainerStatus: "unknown", Health: "unknown", Phase: string(run.Status)}
	default:
		return RunHealth{Healthy: run.Status == domain.RunStatusSuccess, ContainerStatus: "exited", Health: "none", Phase: string(run.Status)}
	}
}

// Recover re-attaches to RUNNING runs left by a previous process. Runs whose
// workload no longer exists are failed. It must run after admission has been
// reconciled so freshly promoted runs are already supervised.
func (e *Engine) Recover(ctx context.Context) error {
	runs, err := e.cfg.Runs.ListByStatus(ctx, domain.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	attached, lost := 0, 0
	for _, run := range runs {
		if e.supervisor(run.ID) != nil {
			continue
		}
		if run.Handle == "" || (run.Executor != "" && run.Executor != e.cfg.Executor.Kind()) {
			e.loseRun(ctx, run)
			lost++
			continue
		}
		h := runtimeexec.Handle(run.Handle)
		if _, err := e.cfg.Executor.Poll(ctx, h); err != nil {
			if !errors.Is(err, runtimeexec.ErrWorkloadNotFound) {
				e.logger.Warn("poll during recovery failed", "run_id", run.ID, "error", err)
			}
			e.loseRun(ctx, run)
			lost++
			continue
		}
		e.reattach(run, h)
		attached++
	}
	e.logger.Info("runs recovered", "attached", attached, "lost", lost)
	return nil
}

func (e *Engine) loseRun(ctx context.Context, run domain.Run) {
	e.logger.Warn("run lost on restart", "run_id", run.ID, "pipeline", run.PipelineName)
	s := newSupervisor(run, PhaseReaping)
	e.finalize(ctx, s, outcome{status: domain.RunStatusFailed, errType: domain.ErrorTypeInfrastructure, message: msgLostOnRestart})
}

func (e *Engine) reattach(run domain.Run, h runtimeexec.Handle) {
	s := newSupervisor(run, PhaseRunning)
	s.attach(h)
	if !e.register(s) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.unregister(s)
		skip, err := countLines(run.LogFile)
		if err != nil {
			e.logger.Warn("count existing log lines failed", "run_id", run.ID, "error", err)
		}
		e.cfg.Stream.Resume(run.ID, stream.KindLogs, skip)
		if samples, err := countLines(run.MetricsFile); err == nil {
			e.cfg.Stream.Resume(run.ID, stream.KindMetrics, samples)
		}
		e.logger.Info("run re-attached", "run_id", run.ID, "handle", h.String(), "log_lines", skip)
		e.supervise(e.ctx, s, h, skip)
	}()
}
