package domain

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// The worker runtime only sees these. The tensor library behind them is
// opaque to the coordination layer.

// ComputeEngine executes named tasks against the batch staged last.
type ComputeEngine interface {
	// Stage copies a batch into the engine's local buffers.
	Stage(batch Batch) error

	// Execute runs the task and returns host-resident outputs. Errors that
	// wrap ErrResourceExhausted are fatal to the worker; any other error is
	// reported to the controller as a failed batch.
	Execute(task TaskKind) (Result, error)
}

// ParamStore holds the trainable parameters in a fixed order.
type ParamStore interface {
	ParamCount() int
	ParamSizes() []int
	AllParams() ParamSet
	// SetAllParams replaces the whole set. Implementations validate sizes
	// before touching anything.
	SetAllParams(p ParamSet) error
}

// Model is everything a worker holds for one device.
type Model interface {
	ComputeEngine
	ParamStore

	Mode() WorkerMode
	SetLearningRate(rate float64) error
	Reset(epoch int)
	TotalCost() float64
	NumUpdates() int
}

// ModelBuilder constructs the model for a device, at worker startup and
// again on reinit. network is an encoded network description; nil selects
// the builder's own default.
type ModelBuilder func(desc Descriptor, mode WorkerMode, network []byte) (Model, error)
