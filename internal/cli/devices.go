package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/catalog"
)

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "Print descriptors as JSON")
	rootCmd.AddCommand(devicesCmd)
}

var devicesJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the compute devices this machine offers",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
	devs := catalog.Discover(context.Background())

	if devicesJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devs)
	}

	printDevices(devs)
	return nil
}

func printDevices(devs []domain.Descriptor) {
	tw := newTable(os.Stdout, "NAME", "KIND", "UNITS", "CLOCK", "MEMORY", "MODEL", "FEATURES")
	for _, d := range devs {
		a := d.Attributes
		clock := "-"
		if a.ClockMHz > 0 {
			clock = fmt.Sprintf("%d MHz", a.ClockMHz)
		}
		tw.Append([]string{
			d.Name,
			d.Kind.String(),
			strconv.Itoa(a.ComputeUnits),
			clock,
			formatBytes(a.MemoryBytes),
			a.Model,
			strings.Join(a.Features, ","),
		})
	}
	tw.Render()
}
