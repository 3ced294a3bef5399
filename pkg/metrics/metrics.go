// Package metrics exposes Prometheus instruments for the sketch pipeline.
//
// Instruments are registered on an injected Registerer so tests and embedded hosts can
// use a private registry. Every method is safe on a nil *Metrics, which disables
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lineagesketch"

// Exchange outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeCacheHit = "cache_hit"
	OutcomeFailed   = "failed"
)

// Metrics groups the instruments of one host.
type Metrics struct {
	exchanges        *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
	served           *prometheus.CounterVec
	workers          *prometheus.CounterVec
	droppedTasks     prometheus.Counter
	queueDepth       prometheus.Gauge
	matrixEntries    prometheus.Gauge
	registryHosts    prometheus.Gauge
	edges            *prometheus.CounterVec
}

// New creates the instruments and registers them on reg. A nil reg leaves them
// unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "exchange", Name: "requests_total", Help: "Sketch exchanges initiated, by outcome."},
			[]string{"outcome"},
		),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "exchange", Name: "duration_seconds",
			Help:    "Duration of sketch exchanges that reached the network.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		served: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "exchange", Name: "served_total", Help: "Exchange connections served, by result."},
			[]string{"result"},
		),
		workers: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "worker", Name: "runs_total", Help: "Update worker runs, by terminal state."},
			[]string{"state"},
		),
		droppedTasks: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "worker", Name: "dropped_total", Help: "Update tasks dropped because the queue was full."},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "worker", Name: "queue_depth", Help: "Update tasks waiting for a worker."},
		),
		matrixEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "sketch", Name: "matrix_entries", Help: "Network vertices tracked in the local sketch matrix."},
		),
		registryHosts: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "registry", Name: "hosts", Help: "Remote hosts with a received sketch matrix."},
		),
		edges: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "ingest", Name: "edges_total", Help: "Edges seen by the dispatcher, by classification."},
			[]string{"class"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.exchanges, m.exchangeDuration, m.served,
			m.workers, m.droppedTasks, m.queueDepth,
			m.matrixEntries, m.registryHosts, m.edges,
		)
	}
	return m
}

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves g in the Prometheus text format.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ExchangeDone records an exchange outcome. d is ignored for cache hits.
func (m *Metrics) ExchangeDone(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
	if outcome != OutcomeCacheHit {
		m.exchangeDuration.Observe(d.Seconds())
	}
}

// Served records a served exchange connection.
func (m *Metrics) Served(result string) {
	if m == nil {
		return
	}
	m.served.WithLabelValues(result).Inc()
}

// WorkerDone records the terminal state of an update worker.
func (m *Metrics) WorkerDone(state string) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues(state).Inc()
}

// TaskDropped records a task rejected by a full queue.
func (m *Metrics) TaskDropped() {
	if m == nil {
		return
	}
	m.droppedTasks.Inc()
}

// SetQueueDepth records the number of queued tasks.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetMatrixEntries records the size of the local matrix.
func (m *Metrics) SetMatrixEntries(n int) {
	if m == nil {
		return
	}
	m.matrixEntries.Set(float64(n))
}

// SetRegistryHosts records the number of remote hosts known.
func (m *Metrics) SetRegistryHosts(n int) {
	if m == nil {
		return
	}
	m.registryHosts.Set(float64(n))
}

// EdgeSeen records an edge classification.
func (m *Metrics) EdgeSeen(class string) {
	if m == nil {
		return
	}
	m.edges.WithLabelValues(class).Inc()
}
