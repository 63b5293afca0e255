package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Channel errors
	ErrChannelClosed = errors.New("channel closed by peer")
	ErrProtocol      = errors.New("protocol error")

	// Worker protocol errors (fatal to the worker process)
	ErrUnknownCommand   = errors.New("unknown command")
	ErrUnknownTask      = errors.New("unknown task")
	ErrTaskNotSupported = errors.New("task not supported in this worker mode")
	ErrNotTrainMode     = errors.New("only allowed in train mode")
	ErrParamMismatch    = errors.New("parameter count or shape mismatch")
	ErrHandshake        = errors.New("worker handshake failed")

	// Device errors
	ErrUnknownDevice = errors.New("unknown device")
	ErrUnknownMode   = errors.New("unknown worker mode")

	// Controller usage errors
	ErrRunInFlight     = errors.New("a run is already in flight, call Result first")
	ErrNoRunInFlight   = errors.New("no run in flight")
	ErrRunOutstanding  = errors.New("parameters cannot be exchanged while a run is outstanding")
	ErrDeviceUnhealthy = errors.New("device timed out earlier and must be restarted")

	// Result failures (returned with a nil result, never retried)
	ErrWorkerDead    = errors.New("worker process is not alive")
	ErrWorkerError   = errors.New("worker reported error")
	ErrResultTimeout = errors.New("timed out waiting for worker result")

	// Compute engine failures
	ErrEngineRuntime      = errors.New("compute engine runtime error")
	ErrResourceExhausted  = errors.New("compute engine resource exhausted")
	ErrInvalidTensor      = errors.New("invalid tensor")
	ErrFormatMismatch     = errors.New("outputs and outputs format differ in length")
	ErrMissingBatchKey    = errors.New("batch is missing a required key")
	ErrNoDevicesRemaining = errors.New("no usable devices remaining")

	// State errors
	ErrRunNotFound = errors.New("run not found")
)
