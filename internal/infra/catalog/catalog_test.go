package catalog

import (
	"context"
	"testing"

	"github.com/devmesh/devmesh/internal/domain"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name  string
		units int
	}{
		{"GeForce GTX 770", 1536},
		{"geforce gtx 770", 1536},
		{"k20c", 2496},
		{"GeForce GTX 750 Ti", 640},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Lookup(tt.name)
			if e == nil {
				t.Fatalf("Lookup(%q) = nil", tt.name)
			}
			if e.Attributes.ComputeUnits != tt.units {
				t.Errorf("ComputeUnits = %d, want %d", e.Attributes.ComputeUnits, tt.units)
			}
		})
	}
	if Lookup("Radeon 9000") != nil {
		t.Error("Lookup(unknown) should be nil")
	}
}

func TestAttributesForFallsBack(t *testing.T) {
	a := AttributesFor("cpu42")
	if a.ComputeUnits != 1 || a.ClockMHz != 1000 || a.MemoryBytes != 2*gib {
		t.Errorf("AttributesFor(cpu42) = %+v, want default", a)
	}
}

func TestParseGPUList(t *testing.T) {
	out := []byte("GPU 0: GeForce GTX 770 (UUID: GPU-1234)\n" +
		"GPU 1: NVIDIA Tesla K20c (UUID: GPU-5678)\n" +
		"garbage\n")
	got := ParseGPUList(out)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Name != "gpu0" || got[0].Attributes.ClockMHz != 1150 {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Name != "gpu1" || got[1].Attributes.Model != "Tesla K20c" {
		t.Errorf("got[1] = %+v", got[1])
	}
	if got[1].Kind != domain.DeviceGPU {
		t.Errorf("Kind = %v, want gpu", got[1].Kind)
	}
}

func TestDiscoverCPUs(t *testing.T) {
	cpus := DiscoverCPUs(context.Background())
	if len(cpus) == 0 {
		t.Fatal("DiscoverCPUs() returned nothing")
	}
	if cpus[0].Name != "cpu0" || cpus[0].Kind != domain.DeviceCPU {
		t.Errorf("cpus[0] = %+v, want cpu0", cpus[0])
	}
	if cpus[0].Attributes.MemoryBytes <= 0 {
		t.Errorf("MemoryBytes = %d, want > 0", cpus[0].Attributes.MemoryBytes)
	}
}

func TestDescribe(t *testing.T) {
	d := Describe(context.Background(), domain.DeviceCPU, 0)
	if d.Name != "cpu0" || d.ID != 0 {
		t.Errorf("Describe(cpu, 0) = %+v", d)
	}
}
