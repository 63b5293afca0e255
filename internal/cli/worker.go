package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/devmesh/devmesh/internal/daemon"
	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/compute"
	"github.com/devmesh/devmesh/internal/infra/worker"
)

func init() {
	workerCmd.Flags().StringVar(&workerDevice, "device", "", "Device tag to bind (cpu0, gpu1, gpuX)")
	workerCmd.Flags().StringVar(&workerMode, "mode", "train", "Graph to build: train, forward, classify, analyze")
	workerCmd.MarkFlagRequired("device")
	rootCmd.AddCommand(workerCmd)
}

var (
	workerDevice string
	workerMode   string
)

// workerCmd is what the controller re-executes for each device. It expects
// the controller channel in the environment and is not meant to be run by
// hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a device worker (started by the controller)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	lg := daemon.NewWorkerLogger(cfg.Logging)
	if err != nil {
		lg.Error().Err(err).Msg("load config")
		os.Exit(2)
	}

	mode, err := domain.ParseWorkerMode(workerMode)
	if err != nil {
		lg.Error().Err(err).Msg("bad mode")
		os.Exit(2)
	}

	code := worker.Main(context.Background(), worker.Options{
		Device:             workerDevice,
		Mode:               mode,
		Builder:            compute.Builder(cfg.ModelSpec()),
		ExitOnRuntimeError: cfg.Worker.ExitOnRuntimeError,
		Logger:             lg,
	})
	os.Exit(code)
	return nil
}
