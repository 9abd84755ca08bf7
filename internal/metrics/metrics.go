package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exchange/saga/pkg/saga"
)

const (
	ScanRetry = "retry"
	ScanStale = "stale"
)

// Metrics holds Prometheus metrics for the saga service.
type Metrics struct {
	SagasStarted         *prometheus.CounterVec
	SagasFinished        *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	RetriesScheduled     *prometheus.CounterVec
	CompensationFailures *prometheus.CounterVec
	ScannerRuns          *prometheus.CounterVec
	ScannerResumed       *prometheus.CounterVec
	ScannerErrors        *prometheus.CounterVec
	gatherer             prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total sagas started by saga type.",
		}, []string{"saga"}),
		SagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total sagas reaching a terminal status.",
		}, []string{"saga", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Step execution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga", "step", "result"}),
		RetriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_retries_scheduled_total",
			Help: "Total step retries scheduled (saga suspended).",
		}, []string{"saga"}),
		CompensationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensation_failures_total",
			Help: "Total failed step compensations.",
		}, []string{"saga", "step"}),
		ScannerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_scanner_runs_total",
			Help: "Total scanner passes by kind.",
		}, []string{"kind"}),
		ScannerResumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_scanner_resumed_total",
			Help: "Total sagas resumed by the scanner.",
		}, []string{"kind"}),
		ScannerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_scanner_errors_total",
			Help: "Total scanner errors.",
		}, []string{"kind"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagasStarted,
		m.SagasFinished,
		m.StepDuration,
		m.RetriesScheduled,
		m.CompensationFailures,
		m.ScannerRuns,
		m.ScannerResumed,
		m.ScannerErrors,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// OnEvent implements saga.Listener.
func (m *Metrics) OnEvent(_ context.Context, ev saga.Event) {
	switch ev.Type {
	case saga.EventSagaStarted:
		m.SagasStarted.WithLabelValues(ev.Saga).Inc()
	case saga.EventStepCompleted:
		m.StepDuration.WithLabelValues(ev.Saga, ev.Step, "ok").Observe(ev.Duration.Seconds())
	case saga.EventStepFailed:
		m.StepDuration.WithLabelValues(ev.Saga, ev.Step, "error").Observe(ev.Duration.Seconds())
	case saga.EventSagaSuspended:
		m.RetriesScheduled.WithLabelValues(ev.Saga).Inc()
	case saga.EventStepCompensationFailed:
		m.CompensationFailures.WithLabelValues(ev.Saga, ev.Step).Inc()
	case saga.EventSagaCompleted, saga.EventSagaCompensated, saga.EventSagaFailed:
		m.SagasFinished.WithLabelValues(ev.Saga, string(ev.Status)).Inc()
	}
}

// IncScannerRun counts one scanner pass.
func (m *Metrics) IncScannerRun(kind string) {
	m.ScannerRuns.WithLabelValues(kind).Inc()
}

// AddScannerResumed counts sagas resumed in one pass.
func (m *Metrics) AddScannerResumed(kind string, n int) {
	m.ScannerResumed.WithLabelValues(kind).Add(float64(n))
}

// IncScannerError counts one scanner failure.
func (m *Metrics) IncScannerError(kind string) {
	m.ScannerErrors.WithLabelValues(kind).Inc()
}
