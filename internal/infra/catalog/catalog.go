// Package catalog provides the table of known compute devices with their
// static capabilities, and discovery of the devices present on this host.
// It maps names like "GeForce GTX 770" or "cpu3" to compute units, clock
// rate and memory size.
package catalog

import (
	"strings"

	"github.com/devmesh/devmesh/internal/domain"
)

const gib = 1024 * 1024 * 1024

// Entry describes one known device model.
type Entry struct {
	Name       string   // Marketing name as reported by the driver
	Tags       []string // Short aliases: ["gtx770"]
	Attributes domain.Attributes
}

// Default is used for any device the table does not know.
var Default = domain.Attributes{ComputeUnits: 1, ClockMHz: 1000, MemoryBytes: 2 * gib}

// Catalog is the built-in accelerator table.
var Catalog = []Entry{
	{Name: "GeForce GTX 770", Tags: []string{"gtx770"},
		Attributes: domain.Attributes{ComputeUnits: 1536, ClockMHz: 1150, MemoryBytes: 2 * gib}},
	{Name: "GeForce GTX 780", Tags: []string{"gtx780"},
		Attributes: domain.Attributes{ComputeUnits: 2304, ClockMHz: 980, MemoryBytes: 3 * gib}},
	{Name: "GeForce GTX 680", Tags: []string{"gtx680"},
		Attributes: domain.Attributes{ComputeUnits: 1536, ClockMHz: 1020, MemoryBytes: 2 * gib}},
	{Name: "GeForce GTX 970", Tags: []string{"gtx970"},
		Attributes: domain.Attributes{ComputeUnits: 1664, ClockMHz: 1178, MemoryBytes: 4 * gib}},
	{Name: "GeForce GTX TITAN", Tags: []string{"titan", "gtxtitan"},
		Attributes: domain.Attributes{ComputeUnits: 2688, ClockMHz: 837, MemoryBytes: 6 * gib}},
	{Name: "GeForce GTX 580", Tags: []string{"gtx580"},
		Attributes: domain.Attributes{ComputeUnits: 512, ClockMHz: 1714, MemoryBytes: 2 * gib}},
	{Name: "Tesla K20c", Tags: []string{"k20c"},
		Attributes: domain.Attributes{ComputeUnits: 2496, ClockMHz: 706, MemoryBytes: 5 * gib}},
	{Name: "GeForce GT 630M", Tags: []string{"gt630m"},
		Attributes: domain.Attributes{ComputeUnits: 96, ClockMHz: 672, MemoryBytes: 2 * gib}},
	{Name: "GeForce GTX 750 Ti", Tags: []string{"gtx750ti"},
		Attributes: domain.Attributes{ComputeUnits: 640, ClockMHz: 1110, MemoryBytes: 2 * gib}},
}

// Lookup finds an entry by name or tag, ignoring case.
// Returns nil if not found.
func Lookup(name string) *Entry {
	name = strings.TrimSpace(name)
	for i := range Catalog {
		if strings.EqualFold(Catalog[i].Name, name) {
			return &Catalog[i]
		}
		for _, tag := range Catalog[i].Tags {
			if strings.EqualFold(tag, name) {
				return &Catalog[i]
			}
		}
	}
	return nil
}

// AttributesFor returns the table entry for name, or Default.
func AttributesFor(name string) domain.Attributes {
	if e := Lookup(name); e != nil {
		return e.Attributes
	}
	return Default
}
