package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fastflow"

// Metrics holds the scheduler collectors. All methods are safe on a nil
// receiver so components can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	activeRuns        prometheus.Gauge
	queuedRuns        prometheus.Gauge
	concurrencyLimit  prometheus.Gauge
	runsFinished      *prometheus.CounterVec
	runDuration       prometheus.Histogram
	softLimitBreaches *prometheus.CounterVec
	sampleErrors      prometheus.Counter
	slowConsumers     prometheus.Counter
	gitSyncs          *prometheus.CounterVec
	eventsDropped     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently holding a concurrency slot.",
		}),
		queuedRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_runs",
			Help:      "Pending runs waiting for a slot.",
		}),
		concurrencyLimit: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_limit",
			Help:      "Configured maximum of concurrently running runs.",
		}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		softLimitBreaches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soft_limit_breaches_total",
			Help:      "Metric samples above a soft limit.",
		}, []string{"resource"}),
		sampleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_sample_errors_total",
			Help:      "Resource samples skipped because the runtime returned an error.",
		}),
		slowConsumers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_slow_consumers_total",
			Help:      "Stream subscribers disconnected for falling behind.",
		}),
		gitSyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "git_syncs_total",
			Help:      "Pipeline repository sync attempts.",
		}, []string{"result"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_failures_total",
			Help:      "Lifecycle events that could not be published.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetUtilization(active, queued, limit int) {
	if m == nil {
		return
	}
	m.activeRuns.Set(float64(active))
	m.queuedRuns.Set(float64(queued))
	m.concurrencyLimit.Set(float64(limit))
}

func (m *Metrics) RunFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	if duration > 0 {
		m.runDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) SoftLimitBreach(resource string) {
	if m == nil {
		return
	}
	m.softLimitBreaches.WithLabelValues(resource).Inc()
}

func (m *Metrics) SampleError() {
	if m == nil {
		return
	}
	m.sampleErrors.Inc()
}

func (m *Metrics) SlowConsumer() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}

func (m *Metrics) GitSync(result string) {
	if m == nil {
		return
	}
	m.gitSyncs.WithLabelValues(result).Inc()
}

func (m *Metrics) EventPublishFailed() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
