// Package cli implements the devmesh command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devmesh",
	Short: "devmesh: data-parallel training across local devices",
	Long: `devmesh runs one worker process per compute device (CPU cores, GPUs),
drives them from a single controller and averages their parameters after
each epoch. Workers that hang or die are restarted or abandoned without
taking the run down.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
