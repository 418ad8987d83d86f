// Package metrics exposes Prometheus collectors for the FLOAT service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "float"

// inferenceBuckets cover a few seconds up to the default ten minute timeout.
var inferenceBuckets = []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320, 640}

// Metrics owns a private registry so several services can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	inferenceSeconds *prometheus.HistogramVec
	inferenceTotal   *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	activeWorkers    prometheus.Gauge
	modelLoaded      prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
		}, []string{"route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		inferenceSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "request_seconds",
			Buckets:   inferenceBuckets,
		}, []string{"outcome"}),
		inferenceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "requests_total",
		}, []string{"outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_depth",
		}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active_workers",
		}),
		modelLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "loaded",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInference records one generation attempt.
func (m *Metrics) ObserveInference(outcome string, elapsed time.Duration) {
	m.inferenceTotal.WithLabelValues(outcome).Inc()
	m.inferenceSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// SetModelLoaded flips the readiness gauge.
func (m *Metrics) SetModelLoaded(loaded bool) {
	if loaded {
		m.modelLoaded.Set(1)

		return
	}

	m.modelLoaded.Set(0)
}

// QueueDepth records how many jobs wait for a worker.
func (m *Metrics) QueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// ActiveWorkers records how many workers are running an agent call.
func (m *Metrics) ActiveWorkers(active int) {
	m.activeWorkers.Set(float64(active))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
