package graph

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics(t *testing.T) {
	t.Run("counters and gauges", func(t *testing.T) {
		m := NewPrometheusMetrics(prometheus.NewRegistry())

		m.IncCheckpoints(SourceLoop)
		m.IncCheckpoints(SourceLoop)
		m.IncCheckpoints(SourceInput)
		m.IncCheckpointFailures()
		m.RecordGrading("timeout")
		m.IncGuardTrips("generate")
		m.IncRetries("grade", "timeout")
		m.RunStarted()
		m.RunStarted()
		m.RunFinished()

		if got := testutil.ToFloat64(m.checkpoints.WithLabelValues(SourceLoop)); got != 2 {
			t.Errorf("checkpoints{loop} = %v, want 2", got)
		}
		if got := testutil.ToFloat64(m.checkpointFailures); got != 1 {
			t.Errorf("checkpoint_failures = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.gradingOutcomes.WithLabelValues("timeout")); got != 1 {
			t.Errorf("grading_outcomes{timeout} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.guardTrips.WithLabelValues("generate")); got != 1 {
			t.Errorf("guard_trips{generate} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.activeRuns); got != 1 {
			t.Errorf("active_runs = %v, want 1", got)
		}
	})

	t.Run("histogram", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		m := NewPrometheusMetrics(registry)
		m.RecordNodeLatency("retrieve", "success", 20*time.Millisecond)

		if n := testutil.CollectAndCount(m.nodeLatency, "docagent_node_latency_ms"); n != 1 {
			t.Errorf("node_latency series = %d, want 1", n)
		}
	})

	t.Run("disabled records nothing", func(t *testing.T) {
		m := NewPrometheusMetrics(prometheus.NewRegistry())
		m.Disable()
		m.IncCheckpointFailures()
		if got := testutil.ToFloat64(m.checkpointFailures); got != 0 {
			t.Errorf("disabled metrics recorded %v", got)
		}
		m.Enable()
		m.IncCheckpointFailures()
		if got := testutil.ToFloat64(m.checkpointFailures); got != 1 {
			t.Errorf("re-enabled metrics recorded %v, want 1", got)
		}
	})

	t.Run("nil receiver", func(t *testing.T) {
		var m *PrometheusMetrics
		m.RecordNodeLatency("x", "success", time.Millisecond)
		m.IncRetries("x", "timeout")
		m.RunStarted()
		m.RunFinished()
	})
}
