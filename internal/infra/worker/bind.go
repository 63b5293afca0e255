package worker

import (
	"context"
	"os"
	"strconv"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/catalog"
)

// Bind resolves a requested device tag to the device this worker will use.
// "gpuX" picks accelerator 0.
func Bind(ctx context.Context, tag string) (domain.Descriptor, error) {
	kind, id, err := domain.ParseDeviceTag(tag)
	if err != nil {
		return domain.Descriptor{}, err
	}
	if id == domain.AnyAccelerator {
		id = 0
	}
	return catalog.Describe(ctx, kind, id), nil
}

// applyBinding confines the whole process to the bound device: CPU workers
// are pinned to their core where the platform allows it, accelerator
// workers only see their device through CUDA_VISIBLE_DEVICES.
func applyBinding(tag string) {
	kind, id, err := domain.ParseDeviceTag(tag)
	if err != nil {
		return
	}
	if id == domain.AnyAccelerator {
		id = 0
	}
	switch kind {
	case domain.DeviceCPU:
		pinCPU(id)
	case domain.DeviceGPU:
		os.Setenv("CUDA_VISIBLE_DEVICES", strconv.Itoa(id))
	}
}
