package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soaringjerry/NormLab/internal/services"
)

const namespace = "normlab"

// Metrics owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted    prometheus.Counter
	phaseTransitions   *prometheus.CounterVec
	completionsTotal   *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	rowsAppended       *prometheus.CounterVec
	storeErrors        *prometheus.CounterVec
	draftsTotal        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions created by participants",
		}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Accepted session phase transitions",
		}, []string{"from", "to"}),
		completionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Language model completions",
		}, []string{"mode", "status"}), // mode: complete, stream
		completionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Duration of language model completions in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"mode"}),
		rowsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_appended_total",
			Help:      "Session rows appended to the store",
		}, []string{"status"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations",
		}, []string{"op"}),
		draftsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draft_snapshots_total",
			Help:      "Argumentation draft snapshots received",
		}, []string{"status"}), // accepted, throttled, rejected
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsStarted, m.phaseTransitions, m.completionsTotal, m.completionDuration,
		m.rowsAppended, m.storeErrors, m.draftsTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveTransition matches services.Experiment.OnTransition.
func (m *Metrics) ObserveTransition(from, to services.Phase) {
	m.phaseTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// meteredCompleter records count and latency of every completion.
type meteredCompleter struct {
	next    services.Completer
	metrics *Metrics
}

// MeterCompleter wraps c; a nil metrics returns c unchanged.
func MeterCompleter(c services.Completer, m *Metrics) services.Completer {
	if m == nil {
		return c
	}
	return &meteredCompleter{next: c, metrics: m}
}

func (c *meteredCompleter) observe(mode string, start time.Time, err error) {
	c.metrics.completionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	c.metrics.completionsTotal.WithLabelValues(mode, statusLabel(err)).Inc()
}

func (c *meteredCompleter) Complete(ctx context.Context, msgs []services.ChatMessage) (string, error) {
	start := time.Now()
	out, err := c.next.Complete(ctx, msgs)
	c.observe("complete", start, err)
	return out, err
}

func (c *meteredCompleter) Stream(ctx context.Context, msgs []services.ChatMessage, onDelta func(string)) (string, error) {
	start := time.Now()
	out, err := c.next.Stream(ctx, msgs, onDelta)
	c.observe("stream", start, err)
	return out, err
}
