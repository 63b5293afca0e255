package domain

import "time"

// ─── Training Runs ──────────────────────────────────────────────────────────
// Records the trainer writes to the state DB and the status API serves.

// RunStatus is the lifecycle state of a training run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Run is one invocation of the trainer.
type Run struct {
	ID         string    `json:"id"`
	Status     RunStatus `json:"status"`
	Devices    []string  `json:"devices"`
	Epochs     int       `json:"epochs"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	FinalCost  float64   `json:"final_cost"`
	Error      string    `json:"error,omitempty"`
}

// BatchStatus is the outcome of one batch on one device.
type BatchStatus string

const (
	BatchOK      BatchStatus = "ok"
	BatchFailed  BatchStatus = "failed"
	BatchBroken  BatchStatus = "broken"
	BatchRetried BatchStatus = "retried"
	BatchSkipped BatchStatus = "skipped"
)

// BatchOutcome is the trainer's record of one Run/Result pair.
type BatchOutcome struct {
	RunID    string        `json:"run_id"`
	Epoch    int           `json:"epoch"`
	Batch    int           `json:"batch"`
	Device   string        `json:"device"`
	Task     string        `json:"task"`
	Status   BatchStatus   `json:"status"`
	Cost     float64       `json:"cost"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// DeviceEventKind classifies supervision events.
type DeviceEventKind string

const (
	EventSpawn     DeviceEventKind = "spawn"
	EventFailure   DeviceEventKind = "failure"
	EventRestart   DeviceEventKind = "restart"
	EventAbandoned DeviceEventKind = "abandoned"
	EventTerminate DeviceEventKind = "terminate"
	EventStraggler DeviceEventKind = "straggler"
)

// DeviceEvent is one supervision event for a device during a run.
type DeviceEvent struct {
	ID     int64           `json:"id"`
	RunID  string          `json:"run_id"`
	Device string          `json:"device"`
	Kind   DeviceEventKind `json:"kind"`
	Detail string          `json:"detail,omitempty"`
	At     time.Time       `json:"at"`
}

// EpochSummary aggregates one epoch of a run.
type EpochSummary struct {
	RunID     string  `json:"run_id"`
	Epoch     int     `json:"epoch"`
	TrainCost float64 `json:"train_cost"`
	EvalCost  float64 `json:"eval_cost"`
	EvalError float64 `json:"eval_error"`
	Batches   int     `json:"batches"`
	Skipped   int     `json:"skipped"`
}

// EpochStats is how a worker spent the current epoch: the wall time since
// its last reset, and the parts of it spent executing tasks and staging
// batches.
type EpochStats struct {
	Elapsed time.Duration `json:"elapsed"`
	Compute time.Duration `json:"compute"`
	Update  time.Duration `json:"update"`
}

// ComputeShare is the fraction of the epoch spent executing tasks.
func (s EpochStats) ComputeShare() float64 { return s.share(s.Compute) }

// UpdateShare is the fraction of the epoch spent staging batches.
func (s EpochStats) UpdateShare() float64 { return s.share(s.Update) }

func (s EpochStats) share(part time.Duration) float64 {
	return part.Seconds() / max(s.Elapsed, time.Millisecond).Seconds()
}
