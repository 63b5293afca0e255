package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestWorkerMetrics(t *testing.T) {
	DeviceSpawns.WithLabelValues("cpu0").Inc()
	DeviceRestarts.WithLabelValues("cpu0").Inc()
	DeviceAlive.WithLabelValues("cpu0").Set(1)

	names := gatheredNames(t)
	for _, name := range []string{
		"devmesh_device_spawns_total",
		"devmesh_device_restarts_total",
		"devmesh_device_alive",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
	var m dto.Metric
	if err := DeviceAlive.WithLabelValues("cpu0").Write(&m); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 1 {
		t.Errorf("device_alive{cpu0} = %v, want 1", got)
	}
}

func TestTaskMetrics(t *testing.T) {
	Tasks.WithLabelValues("cpu1", "train").Inc()
	Tasks.WithLabelValues("cpu1", "train").Inc()
	TaskFailures.WithLabelValues("cpu1", "timeout").Inc()
	TaskLatency.WithLabelValues("train").Observe(0.02)

	var m dto.Metric
	if err := Tasks.WithLabelValues("cpu1", "train").Write(&m); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("tasks_total{cpu1,train} = %v, want 2", got)
	}
	names := gatheredNames(t)
	for _, name := range []string{
		"devmesh_tasks_total",
		"devmesh_task_failures_total",
		"devmesh_task_latency_seconds",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestTrainingMetrics(t *testing.T) {
	ParamBytes.WithLabelValues("push").Add(48)
	ParamBytes.WithLabelValues("pull").Add(48)
	EpochCost.Set(0.73)
	BatchesSkipped.Inc()
	StragglerBatches.WithLabelValues("cpu1").Inc()
	HealthCheckStatus.WithLabelValues("state_db").Set(1)

	names := gatheredNames(t)
	for _, name := range []string{
		"devmesh_param_bytes_total",
		"devmesh_epoch_cost",
		"devmesh_batches_skipped_total",
		"devmesh_straggler_batches_total",
		"devmesh_health_check_status",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestAllMetricsNamespaced(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	n := 0
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "devmesh_") {
			n++
		}
	}
	// EpochCost and BatchesSkipped are always present; the vectors only
	// once a label set has been touched.
	if n < 2 {
		t.Errorf("expected at least 2 devmesh_ metric families, got %d", n)
	}
}
