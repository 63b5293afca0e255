package catalog

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/klauspost/cpuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/devmesh/devmesh/internal/domain"
)

// Discover enumerates the CPUs and accelerators of this host. CPU discovery
// never fails: when the OS reports nothing a single cpu0 with Default
// attributes is returned.
func Discover(ctx context.Context) []domain.Descriptor {
	devices := DiscoverCPUs(ctx)
	return append(devices, DiscoverGPUs(ctx)...)
}

// DiscoverCPUs returns one descriptor per logical CPU.
func DiscoverCPUs(ctx context.Context) []domain.Descriptor {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n < 1 {
		n = 1
	}

	var infos []cpu.InfoStat
	if is, err := cpu.InfoWithContext(ctx); err == nil {
		infos = is
	}

	perCPU := Default.MemoryBytes
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		perCPU = int64(vm.Total) / int64(n)
	}

	features := cpuFeatures()
	out := make([]domain.Descriptor, n)
	for i := 0; i < n; i++ {
		attrs := domain.Attributes{
			ComputeUnits: 1,
			ClockMHz:     Default.ClockMHz,
			MemoryBytes:  perCPU,
			Model:        cpuid.CPU.BrandName,
			Features:     features,
		}
		if len(infos) > 0 {
			info := infos[0]
			if i < len(infos) {
				info = infos[i]
			}
			if info.Mhz > 0 {
				attrs.ClockMHz = int(info.Mhz)
			}
			if info.ModelName != "" {
				attrs.Model = info.ModelName
			}
		}
		out[i] = domain.Descriptor{
			ID:         i,
			Name:       domain.CanonicalName(domain.DeviceCPU, i),
			Kind:       domain.DeviceCPU,
			Attributes: attrs,
		}
	}
	return out
}

func cpuFeatures() []string {
	var f []string
	if cpuid.CPU.SSE42() {
		f = append(f, "sse4.2")
	}
	if cpuid.CPU.AVX2() {
		f = append(f, "avx2")
	}
	if cpuid.CPU.AVX512F() {
		f = append(f, "avx512f")
	}
	if cpuid.CPU.FMA3() {
		f = append(f, "fma3")
	}
	return f
}

// DiscoverGPUs lists NVIDIA accelerators through nvidia-smi. Hosts without
// the driver have none.
func DiscoverGPUs(ctx context.Context) []domain.Descriptor {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return nil
	}
	out, err := exec.CommandContext(ctx, path, "-L").Output()
	if err != nil {
		return nil
	}
	return ParseGPUList(out)
}

// ParseGPUList parses `nvidia-smi -L` output:
//
//	GPU 0: GeForce GTX 770 (UUID: GPU-...)
func ParseGPUList(out []byte) []domain.Descriptor {
	var devices []domain.Descriptor
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "GPU ") {
			continue
		}
		_, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name := strings.TrimSpace(rest)
		if i := strings.Index(name, "("); i >= 0 {
			name = strings.TrimSpace(name[:i])
		}
		name = strings.TrimPrefix(name, "NVIDIA ")

		id := len(devices)
		attrs := AttributesFor(name)
		attrs.Model = name
		devices = append(devices, domain.Descriptor{
			ID:         id,
			Name:       domain.CanonicalName(domain.DeviceGPU, id),
			Kind:       domain.DeviceGPU,
			Attributes: attrs,
		})
	}
	return devices
}

// Describe builds the descriptor for a resolved device binding. CPUs take
// their attributes from discovery; accelerators from the table, keyed by
// the driver's model name when available.
func Describe(ctx context.Context, kind domain.DeviceKind, id int) domain.Descriptor {
	desc := domain.Descriptor{
		ID:         id,
		Name:       domain.CanonicalName(kind, id),
		Kind:       kind,
		Attributes: AttributesFor(domain.CanonicalName(kind, id)),
	}
	var known []domain.Descriptor
	if kind == domain.DeviceCPU {
		known = DiscoverCPUs(ctx)
	} else {
		known = DiscoverGPUs(ctx)
	}
	for _, d := range known {
		if d.ID == id {
			desc.Attributes = d.Attributes
		}
	}
	return desc
}
