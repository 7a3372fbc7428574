package monitor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/events"
	"github.com/fastflow-labs/fastflow/internal/platform/metrics"
	"github.com/fastflow-labs/fastflow/internal/runtimeexec"
)

const bytesPerMB = 1024 * 1024

type StatsSource interface {
	Stats(ctx context.Context, h runtimeexec.Handle) (runtimeexec.Usage, error)
}

type SoftLimitMarker interface {
	MarkSoftLimit(ctx context.Context, id string, cpu, mem bool) error
}

type SamplePublisher interface {
	PublishMetric(runID string, sample domain.MetricSample) uint64
}

type SampleWriter interface {
	WriteSample(sample domain.MetricSample) error
}

// Evaluate turns a raw usage reading into a metric sample and flags soft limit
// breaches. CPU limits are in cores while CPUPercent is relative to one core:
// a pipeline declaring cpu_soft_limit "50%" carries 0.5 and a 75% sample is
// flagged. A bare 50 means fifty cores.
func Evaluate(u runtimeexec.Usage, limits domain.Limits, at time.Time) domain.MetricSample {
	ramMB := float64(u.MemoryBytes) / bytesPerMB
	sample := domain.MetricSample{
		Timestamp:  at.UTC(),
		CPUPercent: round2(u.CPUPercent),
		RAMMB:      round2(ramMB),
	}
	switch {
	case limits.MemHardMB > 0:
		v := float64(limits.MemHardMB)
		sample.RAMLimitMB = &v
	case u.MemoryLimitBytes > 0:
		v := round2(float64(u.MemoryLimitBytes) / bytesPerMB)
		sample.RAMLimitMB = &v
	}
	sample.CPUSoftExceeded = limits.CPUSoft > 0 && u.CPUPercent > limits.CPUSoft*100
	sample.MemSoftExceeded = limits.MemSoftMB > 0 && ramMB > float64(limits.MemSoftMB)
	sample.SoftLimitExceeded = sample.CPUSoftExceeded || sample.MemSoftExceeded
	return sample
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type Config struct {
	Logger    *slog.Logger
	Interval  time.Duration
	Runs      SoftLimitMarker
	Publisher SamplePublisher
	Metrics   *metrics.Metrics
	Notifier  *events.Notifier
	Now       func() time.Time
}

// Monitor samples resource usage of running workloads.
type Monitor struct {
	logger    *slog.Logger
	interval  time.Duration
	runs      SoftLimitMarker
	publisher SamplePublisher
	metrics   *metrics.Metrics
	notifier  *events.Notifier
	now       func() time.Time
}

func New(cfg Config) *Monitor {
	m := &Monitor{
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		runs:      cfg.Runs,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		notifier:  cfg.Notifier,
		now:       cfg.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.interval <= 0 {
		m.interval = 2 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Watch samples the workload every interval until ctx is done and returns the
// timestamp of the last recorded sample (zero when none was recorded).
// Samples never go backwards in time and never precede the run's start.
func (m *Monitor) Watch(ctx context.Context, run domain.Run, h runtimeexec.Handle, src StatsSource, out SampleWriter) time.Time {
	w := &watch{
		Monitor: m,
		run:     run,
		handle:  h,
		src:     src,
		out:     out,
		warn:    rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	if run.StartedAt != nil {
		w.last = run.StartedAt.UTC()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if w.recorded == 0 {
				return time.Time{}
			}
			return w.last
		case <-ticker.C:
			w.sample(ctx)
		}
	}
}

type watch struct {
	*Monitor
	run    domain.Run
	handle runtimeexec.Handle
	src    StatsSource
	out    SampleWriter
	warn   rate.Sometimes

	last     time.Time
	recorded int
	cpuFlag  bool
	memFlag  bool
}

func (w *watch) sample(ctx context.Context) {
	usage, err := w.src.Stats(ctx, w.handle)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		w.metrics.SampleError()
		w.logger.Debug("resource sample skipped", "run_id", w.run.ID, "error", err)
		return
	}

	at := w.now().UTC()
	if at.Before(w.last) {
		at = w.last
	}
	sample := Evaluate(usage, w.run.Limits, at)
	w.last = at
	w.recorded++

	if w.out != nil {
		if err := w.out.WriteSample(sample); err != nil {
			w.logger.Warn("write metric sample failed", "run_id", w.run.ID, "error", err)
		}
	}
	if w.publisher != nil {
		w.publisher.PublishMetric(w.run.ID, sample)
	}
	if sample.SoftLimitExceeded {
		w.softLimit(ctx, sample)
	}
}

func (w *watch) softLimit(ctx context.Context, sample domain.MetricSample) {
	w.warn.Do(func() {
		w.logger.Warn("soft limit exceeded",
			"run_id", w.run.ID,
			"pipeline", w.run.PipelineName,
			"cpu_percent", sample.CPUPercent,
			"ram_mb", sample.RAMMB,
			"cpu_soft_limit", w.run.Limits.CPUSoft,
			"mem_soft_limit_mb", w.run.Limits.MemSoftMB,
		)
	})

	newCPU := sample.CPUSoftExceeded && !w.cpuFlag
	newMem := sample.MemSoftExceeded && !w.memFlag
	if !newCPU && !newMem {
		return
	}
	first := !w.cpuFlag && !w.memFlag
	if newCPU {
		w.cpuFlag = true
		w.metrics.SoftLimitBreach("cpu")
	}
	if newMem {
		w.memFlag = true
		w.metrics.SoftLimitBreach("memory")
	}
	if w.runs != nil {
		if err := w.runs.MarkSoftLimit(ctx, w.run.ID, newCPU, newMem); err != nil {
			w.logger.Warn("mark soft limit failed", "run_id", w.run.ID, "error", err)
		}
	}
	if first {
		ev := events.RunEvent(events.RunSoftLimit, w.run)
		ev.Data = map[string]any{
			"cpu_percent":             sample.CPUPercent,
			"ram_mb":                  sample.RAMMB,
			"cpu_soft_limit_exceeded": sample.CPUSoftExceeded,
			"mem_soft_limit_exceeded": sample.MemSoftExceeded,
		}
		w.notifier.Notify(ctx, ev)
	}
}
