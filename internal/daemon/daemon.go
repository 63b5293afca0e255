package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/devmesh/devmesh/internal/api"
	"github.com/devmesh/devmesh/internal/app/trainer"
	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/health"
	"github.com/devmesh/devmesh/internal/infra/device"
	"github.com/devmesh/devmesh/internal/infra/sqlite"
)

// Daemon is the devmesh controller. It wires together the state DB, the
// device group of the current run, the trainer, health checks and the
// status API.
type Daemon struct {
	Config Config
	DB     *sqlite.DB
	Server *api.Server
	Health *health.Checker
	Logger zerolog.Logger

	home      string
	fleet     *liveFleet
	logCloser io.Closer
	cancel    context.CancelFunc
}

// New creates a Daemon from $DEVMESH_HOME/config.toml.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	home := Home()

	lg, closer, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(home)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	fleet := &liveFleet{}
	checker := health.NewChecker(db, fleet, home, lg)
	srv := api.NewServer(db, checker)
	srv.SetFleet(fleet)

	// Enable Prometheus /metrics if configured
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:    cfg,
		DB:        db,
		Server:    srv,
		Health:    checker,
		Logger:    lg,
		home:      home,
		fleet:     fleet,
		logCloser: closer,
	}, nil
}

// Home is the data directory the daemon was opened on.
func (d *Daemon) Home() string { return d.home }

// ─── Training ───────────────────────────────────────────────────────────────

// Train spawns one worker per tag (the configured devices when tags is
// empty), runs the trainer over them and terminates every worker before
// returning.
func (d *Daemon) Train(ctx context.Context, tags []string) (*trainer.Report, error) {
	if len(tags) == 0 {
		tags = d.Config.Devices.Names
	}

	opts := d.Config.DeviceOptions()
	opts.Logger = d.Logger
	if d.Logger.GetLevel() <= zerolog.DebugLevel {
		opts.WorkerStderr = os.Stderr
	}

	group, err := device.SpawnGroup(ctx, tags, opts)
	if err != nil {
		return nil, fmt.Errorf("spawn devices: %w", err)
	}
	d.fleet.set(group)
	defer func() {
		group.TerminateAll()
		d.fleet.set(nil)
	}()

	workers := make([]trainer.Worker, 0, group.Len())
	for _, dev := range group.Devices() {
		workers = append(workers, dev)
	}

	tr, err := trainer.New(d.Config.TrainerConfig(), workers, d.DB, d.Logger)
	if err != nil {
		return nil, err
	}
	return tr.Run(ctx)
}

// ─── Serving ────────────────────────────────────────────────────────────────

// Serve starts the status API and health checks and blocks until a signal
// or ctx ends it. When train is set a run over the configured devices
// starts in the background.
func (d *Daemon) Serve(ctx context.Context, train bool) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	go d.Health.Run(ctx)

	var wg sync.WaitGroup
	if train {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := d.Train(ctx, nil)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				d.Logger.Error().Err(err).Msg("training run failed")
			case err == nil:
				d.Logger.Info().Str("run", rep.RunID).Float64("cost", rep.FinalCost()).
					Strs("abandoned", rep.Abandoned).Msg("training run finished")
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			d.Logger.Info().Msg("shutting down")
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Logger.Info().Str("addr", "http://"+addr).Bool("metrics", d.Config.Telemetry.Prometheus).
		Msg("devmesh serving")

	err := httpServer.ListenAndServe()
	cancel()
	wg.Wait()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}

// liveFleet exposes the device group of the current run, if any.
type liveFleet struct {
	mu    sync.RWMutex
	group *device.Group
}

func (f *liveFleet) set(g *device.Group) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = g
}

// Stats reports no workers between runs.
func (f *liveFleet) Stats(ctx context.Context) []device.Stats {
	f.mu.RLock()
	g := f.group
	f.mu.RUnlock()
	if g == nil {
		return nil
	}
	return g.Stats(ctx)
}

// Runs lists recent runs from the state DB.
func (d *Daemon) Runs(limit int) ([]domain.Run, error) {
	return d.DB.ListRuns(limit)
}
