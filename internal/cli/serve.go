package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/devmesh/devmesh/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveTrain, "train", false, "Start a training run over the configured devices")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost  string
	servePort  int
	serveTrain bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the devmesh status API",
	Long: `Start the status API at localhost:11500: device state, training runs,
health checks and Prometheus metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	// Override config from flags
	if serveHost != "" {
		d.Config.API.Host = serveHost
	}
	if servePort > 0 {
		d.Config.API.Port = servePort
	}

	return d.Serve(context.Background(), serveTrain)
}
