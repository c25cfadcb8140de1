// Package metrics exposes Prometheus collectors for the deployment pipeline.
//
// All methods are safe to call on a nil *Metrics, which lets components run
// with metrics disabled without branching at every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cyberrange"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomePanic   = "panic"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	tasks        *prometheus.CounterVec
	inFlight     prometheus.Gauge
	queued       prometheus.Gauge
	toolDuration *prometheus.HistogramVec
	initRetries  prometheus.Counter
	httpRequests *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Deployment tasks finished, by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Deployment tasks currently executing",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Deployment tasks waiting for a worker",
		}),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Duration of IaC tool invocations in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"command", "outcome"},
		),
		initRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "init_retries_total",
			Help:      "Init attempts that failed and were retried",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served, by method and status code",
			},
			[]string{"method", "code"},
		),
	}

	registry.MustRegister(
		m.tasks, m.inFlight, m.queued, m.toolDuration, m.initRetries, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// TaskFinished counts a completed task.
func (m *Metrics) TaskFinished(operation, outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(operation, outcome).Inc()
}

// TaskStarted moves one task from queued to in-flight.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// TaskDone decrements the in-flight gauge.
func (m *Metrics) TaskDone() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// SetQueued records the current queue depth.
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

// ObserveTool records how long a tool command ran.
func (m *Metrics) ObserveTool(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(command, outcome).Observe(d.Seconds())
}

// InitRetried counts one retried init attempt.
func (m *Metrics) InitRetried() {
	if m == nil {
		return
	}
	m.initRetries.Inc()
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(method, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, code).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
