// Package domain holds the pure types shared by the controller, the worker
// runtime and the compute engines: devices, tasks, batches, results and
// parameter sets. Nothing here touches processes or I/O.
package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceKind distinguishes CPU cores from accelerators.
type DeviceKind int

const (
	DeviceCPU DeviceKind = iota
	DeviceGPU
)

// String returns the device name prefix.
func (k DeviceKind) String() string {
	switch k {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// AnyAccelerator is the ordinal of the "gpuX" tag: let the worker pick.
const AnyAccelerator = -1

// Attributes are the static capabilities of a device.
type Attributes struct {
	ComputeUnits int      `json:"compute_units"`
	ClockMHz     int      `json:"clock_mhz"`
	MemoryBytes  int64    `json:"memory_bytes"`
	Model        string   `json:"model,omitempty"`
	Features     []string `json:"features,omitempty"`
}

// Descriptor identifies one compute device. Immutable after discovery.
type Descriptor struct {
	ID         int        `json:"id"`
	Name       string     `json:"name"`
	Kind       DeviceKind `json:"kind"`
	Attributes Attributes `json:"attributes"`
}

// CanonicalName returns "cpu0", "gpu1", ...
func CanonicalName(kind DeviceKind, id int) string {
	return kind.String() + strconv.Itoa(id)
}

// ParseDeviceTag splits a requested device tag into kind and ordinal.
//
//	cpu3 → (CPU, 3)     cpu, cpuZ → (CPU, 0)
//	gpu1 → (GPU, 1)     gpu, gpuX → (GPU, AnyAccelerator)
func ParseDeviceTag(tag string) (DeviceKind, int, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if len(tag) < 3 {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownDevice, tag)
	}
	suffix := tag[3:]
	switch tag[:3] {
	case "cpu":
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 0 {
			return DeviceCPU, 0, nil
		}
		return DeviceCPU, n, nil
	case "gpu":
		if suffix == "" || suffix == "x" {
			return DeviceGPU, AnyAccelerator, nil
		}
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("%w: %q", ErrUnknownDevice, tag)
		}
		return DeviceGPU, n, nil
	default:
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownDevice, tag)
	}
}
