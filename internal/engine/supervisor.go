package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/events"
	"github.com/fastflow-labs/fastflow/internal/monitor"
	"github.com/fastflow-labs/fastflow/internal/repo"
	"github.com/fastflow-labs/fastflow/internal/runlog"
	"github.com/fastflow-labs/fastflow/internal/runtimeexec"
)

const maxLogLine = 1 << 20

type stopReason int

const (
	reasonNone stopReason = iota
	reasonCancel
	reasonTimeout
)

// supervisor tracks one live run. The first stop request wins.
type supervisor struct {
	run  domain.Run
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	phase    Phase
	handle   runtimeexec.Handle
	stop     stopReason
	killCode *int
	pipeDir  string
	// sampling stops the resource monitor and waits for it to return.
	sampling func()
	halted   bool
	released bool
}

func newSupervisor(run domain.Run, phase Phase) *supervisor {
	return &supervisor{run: run, phase: phase, done: make(chan struct{})}
}

// attach records the workload handle and returns any stop request that
// arrived while the workload was being created.
func (s *supervisor) attach(h runtimeexec.Handle) stopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
	if s.stop == reasonNone {
		s.phase = PhaseRunning
	}
	return s.stop
}

func (s *supervisor) requestStop(r stopReason) (runtimeexec.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != reasonNone {
		return s.handle, false
	}
	s.stop = r
	s.phase = PhaseKilling
	return s.handle, true
}

func (s *supervisor) reason() stopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

func (s *supervisor) snapshot() (Phase, runtimeexec.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.handle
}

func (s *supervisor) reaping() {
	s.mu.Lock()
	if s.phase != PhaseKilling {
		s.phase = PhaseReaping
	}
	s.mu.Unlock()
}

func (s *supervisor) setKillCode(code int) {
	s.mu.Lock()
	s.killCode = &code
	s.mu.Unlock()
}

func (s *supervisor) terminatedWith() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killCode
}

func (s *supervisor) setDir(dir string) {
	s.mu.Lock()
	s.pipeDir = dir
	s.mu.Unlock()
}

func (s *supervisor) dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeDir
}

// setSampling registers the monitor's stop function. It reports false when
// sampling was already halted and the monitor must not start.
func (s *supervisor) setSampling(stop func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return false
	}
	s.sampling = stop
	return true
}

func (s *supervisor) haltSampling() {
	s.mu.Lock()
	s.halted = true
	stop := s.sampling
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// markReleased reports whether this call is the first to release the run.
func (s *supervisor) markReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.released = true
	return true
}

func (s *supervisor) markDone() {
	s.once.Do(func() { close(s.done) })
}

type outcome struct {
	status     domain.RunStatus
	errType    domain.ErrorType
	message    string
	exitCode   *int
	lastSample time.Time
}

// supervise pumps logs and samples resources until the workload exits, then
// finalizes the run. skip is the number of log lines already on disk from a
// previous process.
func (e *Engine) supervise(ctx context.Context, s *supervisor, h runtimeexec.Handle, skip uint64) {
	run := s.run
	logs := e.openAppender(run.ID, run.LogFile)
	samples := e.openAppender(run.ID, run.MetricsFile)

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		e.pumpLogs(pumpCtx, run.ID, h, logs, skip)
	}()

	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	var sink monitor.SampleWriter
	if samples != nil {
		sink = samples
	}
	var last time.Time
	monDone := make(chan struct{})
	halt := sync.OnceFunc(func() {
		stopMonitor()
		<-monDone
	})
	if s.setSampling(halt) {
		go func() {
			defer close(monDone)
			last = e.cfg.Monitor.Watch(monCtx, run, h, e.cfg.Executor, sink)
		}()
	} else {
		close(monDone)
	}

	code, waitErr := e.cfg.Executor.Wait(ctx, h)
	if ctx.Err() != nil {
		halt()
		stopPump()
		<-pumpDone
		closeAppenders(logs, samples)
		e.logger.Info("supervisor detached", "run_id", run.ID)
		return
	}

	s.reaping()
	// Sampling stops before the terminal status is written.
	halt()

	drain := time.NewTimer(e.cfg.LogDrain)
	select {
	case <-pumpDone:
	case <-drain.C:
		e.logger.Warn("log stream did not end after workload exit", "run_id", run.ID)
		stopPump()
		<-pumpDone
	}
	drain.Stop()
	closeAppenders(logs, samples)

	out := e.outcome(ctx, s, h, code, waitErr)
	out.lastSample = last
	e.finalize(ctx, s, out)
}

func (e *Engine) outcome(ctx context.Context, s *supervisor, h runtimeexec.Handle, code int, waitErr error) outcome {
	exitCode := func() *int {
		if waitErr == nil {
			return &code
		}
		return s.terminatedWith()
	}
	switch s.reason() {
	case reasonCancel:
		return outcome{status: domain.RunStatusInterrupted, message: msgCancelled, exitCode: exitCode()}
	case reasonTimeout:
		return outcome{status: domain.RunStatusFailed, errType: domain.ErrorTypePipeline, message: msgTimeout, exitCode: exitCode()}
	}
	if waitErr != nil {
		return outcome{status: domain.RunStatusFailed, errType: domain.ErrorTypeInfrastructure,
			message: fmt.Sprintf("wait for workload: %v", waitErr)}
	}
	if code == 0 {
		return outcome{status: domain.RunStatusSuccess, exitCode: &code}
	}
	msg := fmt.Sprintf("pipeline exited with code %d", code)
	if obs, err := e.cfg.Executor.Poll(ctx, h); err == nil && obs.OOMKilled {
		msg += " (OOM killed: memory hard limit exceeded)"
	}
	return outcome{status: domain.RunStatusFailed, errType: domain.ErrorTypePipeline, message: msg, exitCode: &code}
}

// finalize writes the terminal status and releases everything the run held.
// It runs exactly once per supervised run.
func (e *Engine) finalize(ctx context.Context, s *supervisor, out outcome) {
	ctx = context.WithoutCancel(ctx)
	run := s.run
	at := e.now()
	if out.lastSample.After(at) {
		at = out.lastSample
	}

	final, err := e.cfg.Runs.Transition(ctx, run.ID, repo.TransitionRequest{
		From:         domain.RunStatusRunning,
		To:           out.status,
		At:           at,
		ExitCode:     out.exitCode,
		ErrorType:    out.errType,
		ErrorMessage: out.message,
	})
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrInvalidTransition):
		// Finalized elsewhere, e.g. a cancel that timed out.
		if final, err = e.cfg.Runs.GetRun(ctx, run.ID); err != nil {
			final = run
		}
	default:
		e.logger.Error("final transition failed", "run_id", run.ID, "status", out.status, "error", err)
		final = run
	}

	e.settle(ctx, s, final)
}

// settle releases what a run held once its terminal status is recorded.
func (e *Engine) settle(ctx context.Context, s *supervisor, final domain.Run) domain.Run {
	run := s.run
	e.cfg.Stream.Close(run.ID)

	if _, h := s.snapshot(); h != "" {
		cleanupCtx, cancel := context.WithTimeout(ctx, time.Minute)
		if err := e.cfg.Executor.Cleanup(cleanupCtx, h); err != nil && !errors.Is(err, runtimeexec.ErrWorkloadNotFound) {
			e.logger.Warn("workload cleanup failed", "run_id", run.ID, "handle", h.String(), "error", err)
		}
		cancel()
	}

	if e.cfg.Archiver != nil && final.Terminal() {
		if key, err := e.cfg.Archiver.Upload(ctx, final); err != nil {
			e.logger.Warn("archive run files failed", "run_id", run.ID, "error", err)
		} else if err := e.cfg.Runs.SetLogArchive(ctx, run.ID, key); err != nil {
			e.logger.Warn("record log archive failed", "run_id", run.ID, "error", err)
		} else {
			final.LogArchive = key
		}
	}

	e.release(ctx, s, final)
	return final
}

// release announces a terminal run once and gives its slot back. A cancel
// that timed out releases the run before its workload is gone.
func (e *Engine) release(ctx context.Context, s *supervisor, final domain.Run) {
	e.cfg.Stream.Close(s.run.ID)
	if final.Terminal() && s.markReleased() {
		e.logger.Info("run finished",
			"run_id", final.ID,
			"pipeline", final.PipelineName,
			"status", final.Status,
			"error_type", final.ErrorType,
			"error_message", final.ErrorMessage,
			"duration", final.Duration(),
		)
		e.cfg.Metrics.RunFinished(string(final.Status), final.Duration())
		e.cfg.Notifier.Notify(ctx, events.RunEvent(events.TerminalType(final.Status), final))
	}
	e.cfg.Slots.Release(ctx, s.run.ID)
}

// pumpLogs copies the workload's output into the run log file and the
// broadcaster. The n-th line written is published with sequence n.
func (e *Engine) pumpLogs(ctx context.Context, runID string, h runtimeexec.Handle, out *runlog.Appender, skip uint64) {
	rc, err := e.cfg.Executor.Logs(ctx, h)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("open workload logs failed", "run_id", runID, "error", err)
		}
		return
	}
	closeLogs := sync.OnceFunc(func() { _ = rc.Close() })
	defer closeLogs()
	stop := context.AfterFunc(ctx, closeLogs)
	defer stop()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	var n uint64
	writeFailed := false
	for sc.Scan() {
		n++
		if n <= skip {
			continue
		}
		line := sc.Text()
		if out != nil {
			err := out.WriteLine(line)
			if err == nil {
				err = out.Flush()
			}
			if err != nil && !writeFailed {
				writeFailed = true
				e.logger.Error("write run log failed", "run_id", runID, "error", err)
			}
		}
		e.cfg.Stream.PublishLog(runID, line)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, io.ErrClosedPipe) {
		e.logger.Warn("read workload logs failed", "run_id", runID, "error", err)
	}
}

func (e *Engine) openAppender(runID, path string) *runlog.Appender {
	if path == "" {
		return nil
	}
	a, err := runlog.OpenAppender(path)
	if err != nil {
		e.logger.Error("open run file failed", "run_id", runID, "path", path, "error", err)
		return nil
	}
	return a
}

func closeAppenders(appenders ...*runlog.Appender) {
	for _, a := range appenders {
		if a != nil {
			_ = a.Close()
		}
	}
}

func countLines(path string) (uint64, error) {
	if path == "" {
		return 0, nil
	}
	return runlog.CountLines(path)
}
