package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/events"
	"github.com/fastflow-labs/fastflow/internal/platform/metrics"
	"github.com/fastflow-labs/fastflow/internal/repo"
	"github.com/fastflow-labs/fastflow/internal/runlog"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PipelineLookup resolves pipelines at submission time.
type PipelineLookup interface {
	Lookup(name string) (domain.Pipeline, bool)
}

// Launcher starts a run that was just promoted to RUNNING. It must not block.
type Launcher func(run domain.Run)

type SubmitRequest struct {
	PipelineName string
	EnvVars      map[string]string
	Parameters   map[string]string
	TriggeredBy  string
}

type Utilization struct {
	Active int     `json:"active_runs"`
	Limit  int     `json:"concurrency_limit"`
	Queued int     `json:"queued_runs"`
	Ratio  float64 `json:"utilization"`
}

type Config struct {
	Logger    *slog.Logger
	Runs      repo.RunRepository
	Pipelines PipelineLookup
	Files     runlog.Files
	Limit     int
	Metrics   *metrics.Metrics
	Notifier  *events.Notifier
	Now       func() time.Time

	// RetryDelay spaces promotion retries after a store failure.
	RetryDelay time.Duration
}

// Controller bounds the number of RUNNING runs and queues the rest in
// submission order.
type Controller struct {
	logger    *slog.Logger
	runs      repo.RunRepository
	pipelines PipelineLookup
	files     runlog.Files
	metrics   *metrics.Metrics
	notifier  *events.Notifier
	now       func() time.Time
	retry     time.Duration

	mu       sync.Mutex
	launch   Launcher
	limit    int
	active   int
	held     map[string]struct{}
	queue    []string
	retrying bool
}

func New(cfg Config) (*Controller, error) {
	if cfg.Runs == nil {
		return nil, errors.New("run repository is required")
	}
	if cfg.Pipelines == nil {
		return nil, errors.New("pipeline lookup is required")
	}
	if cfg.Limit < 1 {
		return nil, errors.New("concurrency limit must be at least 1")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	c := &Controller{
		logger:    logger,
		runs:      cfg.Runs,
		pipelines: cfg.Pipelines,
		files:     cfg.Files,
		metrics:   cfg.Metrics,
		notifier:  cfg.Notifier,
		now:       now,
		retry:     cfg.RetryDelay,
		limit:     cfg.Limit,
		held:      map[string]struct{}{},
	}
	c.observe()
	return c, nil
}

// SetLauncher wires the component that starts promoted runs. Runs promoted
// before a launcher is set stay RUNNING without a workload, so it must be
// called before Reconcile or Submit.
func (c *Controller) SetLauncher(l Launcher) {
	c.mu.Lock()
	c.launch = l
	c.mu.Unlock()
}

// Submit creates a PENDING run and promotes it immediately when a slot is
// free. It never fails because of capacity.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (domain.Run, error) {
	pipeline, ok := c.pipelines.Lookup(req.PipelineName)
	if !ok {
		return domain.Run{}, fmt.Errorf("%w: %w: %s", domain.ErrAdmissionRejected, domain.ErrPipelineNotFound, req.PipelineName)
	}
	if !pipeline.Enabled {
		return domain.Run{}, fmt.Errorf("%w: %w: %s", domain.ErrAdmissionRejected, domain.ErrPipelineDisabled, req.PipelineName)
	}
	if err := validateNames(req.EnvVars, "env var"); err != nil {
		return domain.Run{}, err
	}
	if err := validateNames(req.Parameters, "parameter"); err != nil {
		return domain.Run{}, err
	}

	id := uuid.NewString()
	run := domain.Run{
		ID:           id,
		PipelineName: pipeline.Name,
		Status:       domain.RunStatusPending,
		CreatedAt:    c.now(),
		EnvVars:      mergeEnv(pipeline.Metadata.DefaultEnv, req.EnvVars),
		Parameters:   copyMap(req.Parameters),
		LogFile:      c.files.LogPath(id),
		MetricsFile:  c.files.MetricsPath(id),
		Limits:       pipeline.Metadata.Limits,
		SecretEnv:    append([]string(nil), pipeline.Metadata.SecretEnv...),
		TriggeredBy:  req.TriggeredBy,
	}
	if err := c.runs.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	c.logger.Info("run submitted", "run_id", run.ID, "pipeline", run.PipelineName, "triggered_by", run.TriggeredBy)
	c.notifier.Notify(ctx, events.RunEvent(events.RunSubmitted, run))

	c.mu.Lock()
	c.queue = append(c.queue, run.ID)
	promote := c.reserveLocked()
	c.mu.Unlock()
	c.observe()

	c.promote(ctx, promote)

	current, err := c.runs.GetRun(ctx, run.ID)
	if err != nil {
		return run, nil
	}
	return current, nil
}

// Release frees the slot held by runID. Calling it more than once for the
// same run is a no-op.
func (c *Controller) Release(ctx context.Context, runID string) {
	c.mu.Lock()
	if _, ok := c.held[runID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.held, runID)
	c.active--
	promote := c.reserveLocked()
	c.mu.Unlock()
	c.observe()

	c.promote(ctx, promote)
}

// CancelPending interrupts a run that has not started. It reports false when
// the run is no longer PENDING.
func (c *Controller) CancelPending(ctx context.Context, runID string) (bool, error) {
	c.mu.Lock()
	for i, id := range c.queue {
		if id == runID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.observe()

	run, err := c.runs.Transition(ctx, runID, repo.TransitionRequest{
		From:         domain.RunStatusPending,
		To:           domain.RunStatusInterrupted,
		At:           c.now(),
		ErrorMessage: "cancelled before start",
	})
	if errors.Is(err, repo.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.logger.Info("pending run cancelled", "run_id", runID)
	c.notifier.Notify(ctx, events.RunEvent(events.RunInterrupted, run))
	return true, nil
}

func (c *Controller) Utilization() Utilization {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utilizationLocked()
}

func (c *Controller) utilizationLocked() Utilization {
	u := Utilization{Active: c.active, Limit: c.limit, Queued: len(c.queue)}
	if c.limit > 0 {
		u.Ratio = float64(c.active) / float64(c.limit)
	}
	return u
}

// Position is the 1-based queue position of a pending run, or 0.
func (c *Controller) Position(runID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.queue {
		if id == runID {
			return i + 1
		}
	}
	return 0
}

// SetLimit changes the concurrency cap. Raising it promotes queued runs;
// lowering it never stops running ones.
func (c *Controller) SetLimit(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: concurrency limit must be at least 1", domain.ErrInvalidInput)
	}
	c.mu.Lock()
	c.limit = n
	promote := c.reserveLocked()
	c.mu.Unlock()
	c.observe()
	c.logger.Info("concurrency limit changed", "limit", n)

	c.promote(ctx, promote)
	return nil
}

// Reconcile rebuilds the slot count and the queue from durable records. It
// runs once at startup, before any submission.
func (c *Controller) Reconcile(ctx context.Context) error {
	running, err := c.runs.ListByStatus(ctx, domain.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	pending, err := c.runs.ListByStatus(ctx, domain.RunStatusPending)
	if err != nil {
		return fmt.Errorf("list pending runs: %w", err)
	}

	c.mu.Lock()
	c.held = make(map[string]struct{}, len(running))
	for _, run := range running {
		c.held[run.ID] = struct{}{}
	}
	c.active = len(running)
	c.queue = c.queue[:0]
	for _, run := range pending {
		c.queue = append(c.queue, run.ID)
	}
	promote := c.reserveLocked()
	c.mu.Unlock()
	c.observe()
	c.logger.Info("admission reconciled", "running", len(running), "pending", len(pending))

	c.promote(ctx, promote)
	return nil
}

// reserveLocked takes slots for queued runs in FIFO order.
func (c *Controller) reserveLocked() []string {
	var out []string
	for c.active < c.limit && len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]
		c.active++
		c.held[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (c *Controller) promote(ctx context.Context, ids []string) {
	ctx = context.WithoutCancel(ctx)
	var failed []string
	for _, id := range ids {
		run, err := c.runs.Transition(ctx, id, repo.TransitionRequest{
			From: domain.RunStatusPending,
			To:   domain.RunStatusRunning,
			At:   c.now(),
		})
		if errors.Is(err, repo.ErrInvalidTransition) {
			// Cancelled meanwhile; give the slot to the next run.
			c.Release(ctx, id)
			continue
		}
		if err != nil {
			c.logger.Error("promote run failed", "run_id", id, "error", err)
			failed = append(failed, id)
			continue
		}
		c.mu.Lock()
		launch := c.launch
		c.mu.Unlock()
		c.logger.Info("run admitted", "run_id", id, "pipeline", run.PipelineName)
		if launch != nil {
			launch(run)
		}
	}
	if len(failed) > 0 {
		c.requeue(ctx, failed)
	}
}

// requeue puts runs whose promotion failed back at the head of the queue.
// They are still PENDING in the store; promotion is retried after a delay.
func (c *Controller) requeue(ctx context.Context, ids []string) {
	c.mu.Lock()
	for _, id := range ids {
		if _, ok := c.held[id]; ok {
			delete(c.held, id)
			c.active--
		}
	}
	c.queue = append(slices.Clone(ids), c.queue...)
	schedule := !c.retrying
	c.retrying = true
	c.mu.Unlock()
	c.observe()
	if !schedule {
		return
	}
	time.AfterFunc(c.retry, func() {
		c.mu.Lock()
		c.retrying = false
		promote := c.reserveLocked()
		c.mu.Unlock()
		c.observe()
		c.promote(ctx, promote)
	})
}

func (c *Controller) observe() {
	if c.metrics == nil {
		return
	}
	u := c.Utilization()
	c.metrics.SetUtilization(u.Active, u.Queued, u.Limit)
}

func validateNames(values map[string]string, kind string) error {
	for k := range values {
		if !envNamePattern.MatchString(k) {
			return fmt.Errorf("%w: invalid %s name %q", domain.ErrInvalidInput, kind, k)
		}
	}
	return nil
}

func mergeEnv(defaults, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
