package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine and grading metrics.
//
// Metrics exposed (all namespaced with "docagent_"):
//
//  1. node_latency_ms (histogram): node execution time.
//     Labels: node_id, status (success, error, timeout).
//  2. retries_total (counter): retry attempts of wrapped calls.
//     Labels: operation, reason (the error kind).
//  3. checkpoints_total (counter): checkpoints written. Labels: source.
//  4. checkpoint_failures_total (counter): checkpoint writes that failed.
//  5. grading_outcomes_total (counter): per-document grading results.
//     Labels: outcome (relevant, irrelevant, timeout, provider-error,
//     parse-error).
//  6. guard_trips_total (counter): iteration guard trips. Labels: node_id.
//  7. active_runs (gauge): runs currently executing in this process.
//
// A nil *PrometheusMetrics is valid and records nothing, so callers never
// need to check whether metrics are configured.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine := graph.New(reduce, st, emitter, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	nodeLatency        *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	checkpoints        *prometheus.CounterVec
	checkpointFailures prometheus.Counter
	gradingOutcomes    *prometheus.CounterVec
	guardTrips         *prometheus.CounterVec
	activeRuns         prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all metrics with registry. A nil
// registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,

		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docagent",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000}, // 1ms to 30s
		}, []string{"node_id", "status"}),

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docagent",
			Name:      "retries_total",
			Help:      "Retry attempts of timeout/retry wrapped calls",
		}, []string{"operation", "reason"}),

		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docagent",
			Name:      "checkpoints_total",
			Help:      "Checkpoints written, by source",
		}, []string{"source"}),

		checkpointFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docagent",
			Name:      "checkpoint_failures_total",
			Help:      "Checkpoint writes that failed and aborted a run",
		}),

		gradingOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docagent",
			Name:      "grading_outcomes_total",
			Help:      "Per-document relevance grading results",
		}, []string{"outcome"}),

		guardTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docagent",
			Name:      "guard_trips_total",
			Help:      "Runs diverted to the degraded node by the iteration guard",
		}, []string{"node_id"}),

		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "docagent",
			Name:      "active_runs",
			Help:      "Runs currently executing in this process",
		}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordNodeLatency observes one node execution.
func (pm *PrometheusMetrics) RecordNodeLatency(nodeID, status string, latency time.Duration) {
	if !pm.on() {
		return
	}
	pm.nodeLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncRetries counts one retry of operation caused by an error of kind reason.
func (pm *PrometheusMetrics) IncRetries(operation, reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(operation, reason).Inc()
}

// IncCheckpoints counts one checkpoint written by source.
func (pm *PrometheusMetrics) IncCheckpoints(source string) {
	if !pm.on() {
		return
	}
	pm.checkpoints.WithLabelValues(source).Inc()
}

// IncCheckpointFailures counts one failed checkpoint write.
func (pm *PrometheusMetrics) IncCheckpointFailures() {
	if !pm.on() {
		return
	}
	pm.checkpointFailures.Inc()
}

// RecordGrading counts one document grading outcome.
func (pm *PrometheusMetrics) RecordGrading(outcome string) {
	if !pm.on() {
		return
	}
	pm.gradingOutcomes.WithLabelValues(outcome).Inc()
}

// IncGuardTrips counts one iteration guard trip at nodeID.
func (pm *PrometheusMetrics) IncGuardTrips(nodeID string) {
	if !pm.on() {
		return
	}
	pm.guardTrips.WithLabelValues(nodeID).Inc()
}

// RunStarted increments the active run gauge.
func (pm *PrometheusMetrics) RunStarted() {
	if !pm.on() {
		return
	}
	pm.activeRuns.Inc()
}

// RunFinished decrements the active run gauge.
func (pm *PrometheusMetrics) RunFinished() {
	if !pm.on() {
		return
	}
	pm.activeRuns.Dec()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the active run gauge. Counters and histograms are cumulative
// and are not reset.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.activeRuns.Set(0)
}
