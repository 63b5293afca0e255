// Package metrics provides Prometheus metrics for devmesh: worker lifecycle,
// task throughput and failures, parameter traffic and training progress.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Workers ────────────────────────────────────────────────────────────────

// DeviceSpawns counts worker processes started per device.
var DeviceSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devmesh",
	Name:      "device_spawns_total",
	Help:      "Total worker spawns.",
}, []string{"device"})

// DeviceRestarts counts forced restarts per device.
var DeviceRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devmesh",
	Name:      "device_restarts_total",
	Help:      "Total worker restarts.",
}, []string{"device"})

// DeviceAlive is 1 while the device's worker is running.
var DeviceAlive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "devmesh",
	Name:      "device_alive",
	Help:      "Whether the device's worker is alive (1) or not (0).",
}, []string{"device"})

// ─── Tasks ──────────────────────────────────────────────────────────────────

// Tasks counts completed tasks by device and kind.
var Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devmesh",
	Name:      "tasks_total",
	Help:      "Total tasks that returned a result.",
}, []string{"device", "task"})

// TaskFailures counts failed results by device and reason
// (error, dead, timeout, broken).
var TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devmesh",
	Name:      "task_failures_total",
	Help:      "Total tasks that did not return a usable result.",
}, []string{"device", "reason"})

// TaskLatency tracks Run-to-Result time.
var TaskLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "devmesh",
	Name:      "task_latency_seconds",
	Help:      "Time from dispatch to result, in seconds.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
}, []string{"task"})

// ─── Parameters ─────────────────────────────────────────────────────────────

// ParamBytes counts parameter bytes moved, by direction (push, pull).
var ParamBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devmesh",
	Name:      "param_bytes_total",
	Help:      "Parameter bytes exchanged with workers.",
}, []string{"direction"})

// ─── Training ───────────────────────────────────────────────────────────────

// EpochCost is the mean training cost of the last finished epoch.
var EpochCost = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "devmesh",
	Name:      "epoch_cost",
	Help:      "Mean cost of the last finished epoch.",
})

// BatchesSkipped counts batches given up on after retries.
var BatchesSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "devmesh",
	Name:      "batches_skipped_total",
	Help:      "Total batches skipped after failed recovery.",
})

// StragglerBatches counts batches flagged as latency outliers per device.
var StragglerBatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "devmesh",
	Name:      "straggler_batches_total",
	Help:      "Batches whose latency was far outside the device's history.",
}, []string{"device"})

// DeviceBusyRatio is the share of the last epoch each device spent in a
// phase (compute, update).
var DeviceBusyRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "devmesh",
	Name:      "device_busy_ratio",
	Help:      "Share of the last epoch a device spent computing or staging data.",
}, []string{"device", "phase"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "devmesh",
	Name:      "health_check_status",
	Help:      "Health check status (1=healthy, 0=unhealthy).",
}, []string{"check"})
