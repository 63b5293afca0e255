package worker

import (
	"context"
	"os"

	"github.com/devmesh/devmesh/internal/infra/channel"
)

// Main is the worker process entry point. It opens the channel inherited
// from the controller, serves until stopped and returns the exit status.
// Logs go to stderr, which the controller keeps a tail of.
func Main(ctx context.Context, opts Options) int {
	lg := opts.Logger.With().Str("component", "worker").Str("device", opts.Device).Logger()
	opts.Logger = lg
	if v := os.Getenv(EnvNetwork); opts.Network == nil && v != "" {
		opts.Network = []byte(v)
	}

	ch, err := channel.FromEnv()
	if err != nil {
		lg.Error().Err(err).Msg("no controller channel")
		return 2
	}
	defer ch.Close()

	applyBinding(opts.Device)
	stopDump := watchDumpSignal()
	defer stopDump()

	if err := New(ch, opts).Serve(ctx); err != nil {
		lg.Error().Err(err).Int("pid", os.Getpid()).Msg("worker exiting")
		return 1
	}
	return 0
}
