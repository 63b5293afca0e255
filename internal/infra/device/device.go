// Package device is the controller side of devmesh. A Device is the handle
// the training loop holds for one worker: it spawns the worker, forwards
// commands as method calls and supervises the process.
//
// Architecture:
//
//	trainer ──► Device.Run(train) ──► remote backend ──channel──► worker process
//	        ◄── Device.Result()   ◄──  poll + timeout  ◄──────── "task-result"
//
// In blocking mode the same calls execute against a model held in this
// process instead.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/metrics"
)

// Options configure a Device. Zero durations take the defaults below.
type Options struct {
	Mode             domain.WorkerMode
	ResultTimeout    time.Duration // default 1h
	HandshakeTimeout time.Duration // default 5m
	StopWait         time.Duration // default 10s
	PollInterval     time.Duration // default 1s

	// Blocking runs the model in this process through Builder.
	Blocking bool
	Builder  domain.ModelBuilder
	// Network is the encoded network description workers build from; nil
	// leaves the choice to the worker's builder.
	Network []byte

	// Launcher builds the worker command; default SelfLauncher.
	Launcher Launcher

	Logger zerolog.Logger
	// WorkerStderr, if set, receives a copy of every worker's stderr.
	WorkerStderr io.Writer
}

func (o Options) withDefaults() Options {
	if o.ResultTimeout <= 0 {
		o.ResultTimeout = time.Hour
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Minute
	}
	if o.StopWait <= 0 {
		o.StopWait = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Launcher == nil {
		o.Launcher = SelfLauncher
	}
	return o
}

// Device is the controller's handle for one worker. Methods are serialized
// per handle, except that Result waits for the worker without holding the
// handle. Distinct handles are independent.
type Device struct {
	mu   sync.Mutex
	tag  string
	opts Options
	lg   zerolog.Logger

	be         backend
	gen        int // bumped on every spawn
	desc       domain.Descriptor
	network    []byte
	paramCount int
	paramSizes []int

	batch      *domain.Batch
	inFlight   bool
	awaiting   bool
	runTask    domain.TaskKind
	runStarted time.Time
	unhealthy  bool
	terminated bool
}

// Spawn starts a worker for tag and completes the handshake. Any failure is
// fatal for this device and comes back wrapped in ErrHandshake.
func Spawn(ctx context.Context, tag string, opts Options) (*Device, error) {
	d := &Device{tag: tag, opts: opts.withDefaults(), network: opts.Network}
	d.lg = d.opts.Logger.With().Str("component", "device").Str("device", tag).Logger()
	if err := d.spawn(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) spawn(ctx context.Context) error {
	var (
		be  backend
		hs  handshake
		err error
	)
	opts := d.opts
	opts.Network = d.network
	if opts.Blocking {
		be, hs, err = spawnLocal(ctx, d.tag, opts)
	} else {
		be, hs, err = spawnRemote(ctx, d.tag, opts)
	}
	if err != nil {
		d.lg.Error().Err(err).Msg("spawn failed")
		return err
	}

	d.be = be
	d.gen++
	d.desc = describe(ctx, hs)
	d.paramCount = hs.paramCount
	d.paramSizes = nil
	d.inFlight = false
	d.awaiting = false
	d.unhealthy = false
	d.terminated = false
	d.lg = d.opts.Logger.With().Str("component", "device").Str("device", hs.name).Logger()

	metrics.DeviceSpawns.WithLabelValues(hs.name).Inc()
	metrics.DeviceAlive.WithLabelValues(hs.name).Set(1)
	d.lg.Info().Int("pid", be.pid()).Int("params", hs.paramCount).Bool("blocking", d.opts.Blocking).Msg("worker ready")
	return nil
}

// Restart kills the current worker without the stop handshake and spawns a
// fresh one. Parameters are not carried over; call Prepare again.
func (d *Device) Restart(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.be != nil {
		d.be.kill()
	}
	metrics.DeviceRestarts.WithLabelValues(d.desc.Name).Inc()
	d.lg.Warn().Msg("restarting worker")
	return d.spawn(ctx)
}

// ─── Accessors ──────────────────────────────────────────────────────────────

func (d *Device) Tag() string                   { return d.tag }
func (d *Device) Blocking() bool                { return d.opts.Blocking }
func (d *Device) Mode() domain.WorkerMode       { return d.opts.Mode }
func (d *Device) Name() string                  { d.mu.Lock(); defer d.mu.Unlock(); return d.desc.Name }
func (d *Device) Descriptor() domain.Descriptor { d.mu.Lock(); defer d.mu.Unlock(); return d.desc }
func (d *Device) ParamCount() int               { d.mu.Lock(); defer d.mu.Unlock(); return d.paramCount }

// Alive reports whether the worker is running and has not been terminated.
func (d *Device) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aliveLocked()
}

func (d *Device) aliveLocked() bool {
	return d.be != nil && !d.terminated && d.be.alive()
}

// Healthy is false after a timed-out result until Restart.
func (d *Device) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.unhealthy && d.aliveLocked()
}

// PID of the worker, 0 in blocking mode.
func (d *Device) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.be == nil {
		return 0
	}
	return d.be.pid()
}

// ─── Run / Result ───────────────────────────────────────────────────────────

// SetBatch stages the next batch on the host. Nothing is sent until
// UpdateData or Run.
func (d *Device) SetBatch(b domain.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batch = &b
	return nil
}

// UpdateData sends the staged batch without waiting for the worker. It is a
// no-op when nothing is staged.
func (d *Device) UpdateData() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateDataLocked()
}

func (d *Device) updateDataLocked() error {
	if err := d.usableLocked(); err != nil {
		return err
	}
	if d.batch == nil {
		return nil
	}
	if err := d.be.stage(*d.batch); err != nil {
		return d.fail("update-data", err)
	}
	d.batch = nil
	return nil
}

// Run sends the staged batch and dispatches task, then returns without
// waiting. Exactly one Run may be outstanding until Result is called.
func (d *Device) Run(task domain.TaskKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inFlight {
		return fmt.Errorf("%w: %s on %s", domain.ErrRunInFlight, d.runTask, d.desc.Name)
	}
	if err := d.updateDataLocked(); err != nil {
		return err
	}
	if err := d.be.dispatch(task); err != nil {
		return d.fail("task", err)
	}
	d.inFlight = true
	d.runTask = task
	d.runStarted = time.Now()
	return nil
}

// Result waits for the outstanding Run. On failure the result is nil and the
// error is one of ErrWorkerError, ErrWorkerDead or ErrResultTimeout. After a
// timeout the device stays unhealthy until Restart.
//
// The wait itself runs without the handle's lock, so Stats, Healthy and
// Terminate answer while a worker hangs. The run stays in flight until the
// wait ends, which keeps every other command out.
func (d *Device) Result() (*domain.Result, error) {
	d.mu.Lock()
	if !d.inFlight || d.awaiting {
		d.mu.Unlock()
		return nil, domain.ErrNoRunInFlight
	}
	d.awaiting = true
	be, gen, task, started, name := d.be, d.gen, d.runTask, d.runStarted, d.desc.Name
	d.mu.Unlock()

	res, err := be.await(d.opts.ResultTimeout, d.opts.PollInterval)

	d.mu.Lock()
	defer d.mu.Unlock()
	metrics.TaskLatency.WithLabelValues(task.String()).Observe(time.Since(started).Seconds())
	if d.gen != gen {
		// Restarted meanwhile: the new worker's state is not this run's.
		if err == nil {
			err = fmt.Errorf("%w: restarted during %s", domain.ErrWorkerDead, task)
		}
		return nil, fmt.Errorf("%s on %s: %w", task, name, err)
	}
	d.inFlight = false
	d.awaiting = false
	if err != nil {
		return nil, d.fail(task.String(), err)
	}
	metrics.Tasks.WithLabelValues(d.desc.Name, task.String()).Inc()
	return res, nil
}

// fail logs a failed call with the device name and failure kind and updates
// the device's state to match.
func (d *Device) fail(op string, err error) error {
	reason := failureReason(err)
	ev := d.lg.Error().Err(err).Str("op", op).Str("reason", reason)

	switch reason {
	case "timeout":
		d.unhealthy = true
	case "dead":
		metrics.DeviceAlive.WithLabelValues(d.desc.Name).Set(0)
		if tail := d.be.stderrTail(); tail != "" {
			ev = ev.Str("stderr", tail)
		}
	}
	ev.Msg("worker call failed")

	switch op {
	case "update-data", "set-net-params", "get-net-params", "sync-net-train-params",
		"get-net-train-params", "get-epoch-stats", "reinit":
	default:
		metrics.TaskFailures.WithLabelValues(d.desc.Name, reason).Inc()
	}
	return fmt.Errorf("%s on %s: %w", op, d.desc.Name, err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrResultTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrWorkerDead), errors.Is(err, domain.ErrChannelClosed):
		return "dead"
	case errors.Is(err, domain.ErrWorkerError):
		return "error"
	case errors.Is(err, domain.ErrProtocol):
		return "protocol"
	default:
		return "other"
	}
}

// usableLocked rejects calls to a terminated, dead or unhealthy worker.
func (d *Device) usableLocked() error {
	switch {
	case d.be == nil || d.terminated:
		return fmt.Errorf("%w: %s terminated", domain.ErrWorkerDead, d.desc.Name)
	case d.unhealthy:
		return fmt.Errorf("%w: %s timed out, restart it", domain.ErrDeviceUnhealthy, d.desc.Name)
	case !d.be.alive():
		return fmt.Errorf("%w: %s", domain.ErrWorkerDead, d.desc.Name)
	}
	return nil
}

// ─── Parameters ─────────────────────────────────────────────────────────────

// NetParams fetches the worker's full parameter set.
func (d *Device) NetParams() (domain.ParamSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inFlight {
		return nil, domain.ErrRunOutstanding
	}
	if err := d.usableLocked(); err != nil {
		return nil, err
	}
	p, err := d.be.params(d.paramCount)
	if err != nil {
		return nil, d.fail("get-net-params", err)
	}
	d.paramSizes = p.Sizes()
	metrics.ParamBytes.WithLabelValues("pull").Add(float64(p.Bytes()))
	return p, nil
}

// SetNetParams replaces the worker's parameters wholesale. A set whose count
// (or, once known, buffer sizes) does not match the worker's is rejected
// before anything is sent.
func (d *Device) SetNetParams(p domain.ParamSet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setNetParamsLocked(p)
}

func (d *Device) setNetParamsLocked(p domain.ParamSet) error {
	if d.inFlight {
		return domain.ErrRunOutstanding
	}
	if err := d.usableLocked(); err != nil {
		return err
	}
	if len(p) != d.paramCount {
		return fmt.Errorf("%w: %s expects %d buffers, got %d", domain.ErrParamMismatch, d.desc.Name, d.paramCount, len(p))
	}
	if d.paramSizes != nil {
		if err := p.CheckSizes(d.paramSizes); err != nil {
			return fmt.Errorf("%s: %w", d.desc.Name, err)
		}
	}
	if err := d.be.setParams(p); err != nil {
		return d.fail("set-net-params", err)
	}
	d.paramSizes = p.Sizes()
	metrics.ParamBytes.WithLabelValues("push").Add(float64(p.Bytes()))
	return nil
}

// SetLearningRate updates the optimizer of a train-mode worker.
func (d *Device) SetLearningRate(rate float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setLearningRateLocked(rate)
}

func (d *Device) setLearningRateLocked(rate float64) error {
	if d.opts.Mode != domain.ModeTrain {
		return fmt.Errorf("%w: %s is in %s mode", domain.ErrNotTrainMode, d.desc.Name, d.opts.Mode)
	}
	if d.inFlight {
		return domain.ErrRunOutstanding
	}
	if err := d.usableLocked(); err != nil {
		return err
	}
	if err := d.be.setLearningRate(rate); err != nil {
		return d.fail("set-learning-rate", err)
	}
	return nil
}

// Prepare pushes everything a run needs before the first batch: parameters
// (skipped when nil), the learning rate (train mode only) and the epoch.
func (d *Device) Prepare(params domain.ParamSet, rate float64, epoch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if params != nil {
		if err := d.setNetParamsLocked(params); err != nil {
			return err
		}
	}
	if d.opts.Mode == domain.ModeTrain {
		if err := d.setLearningRateLocked(rate); err != nil {
			return err
		}
	}
	if err := d.usableLocked(); err != nil {
		return err
	}
	if err := d.be.reset(epoch); err != nil {
		return d.fail("reset", err)
	}
	return nil
}

// TotalCost is the training cost the worker accumulated since the last
// Prepare.
func (d *Device) TotalCost() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return 0, domain.ErrRunOutstanding
	}
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	v, err := d.be.totalCost()
	if err != nil {
		return 0, d.fail("get-total-cost", err)
	}
	return v, nil
}

// NumUpdates is the number of train steps since the last Prepare.
func (d *Device) NumUpdates() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return 0, domain.ErrRunOutstanding
	}
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	v, err := d.be.numUpdates()
	if err != nil {
		return 0, d.fail("get-num-updates", err)
	}
	return v, nil
}

// ─── Train Params and Stats ─────────────────────────────────────────────────

// SyncTrainParams has the worker capture its parameters now, without
// waiting for a reply. TrainParams later returns that capture.
func (d *Device) SyncTrainParams() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return domain.ErrRunOutstanding
	}
	if err := d.usableLocked(); err != nil {
		return err
	}
	if err := d.be.syncTrainParams(); err != nil {
		return d.fail("sync-net-train-params", err)
	}
	return nil
}

// TrainParams fetches the parameters captured by the last SyncTrainParams,
// or the current ones when none were captured since the last SetNetParams.
func (d *Device) TrainParams() (domain.ParamSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return nil, domain.ErrRunOutstanding
	}
	if err := d.usableLocked(); err != nil {
		return nil, err
	}
	p, err := d.be.trainParams(d.paramCount)
	if err != nil {
		return nil, d.fail("get-net-train-params", err)
	}
	d.paramSizes = p.Sizes()
	metrics.ParamBytes.WithLabelValues("pull").Add(float64(p.Bytes()))
	return p, nil
}

// Reinit has the worker rebuild its model from network, an encoded network
// description, and returns the new parameter count. A worker already built
// from the same description keeps its model. Restart builds from the last
// description that succeeded here.
func (d *Device) Reinit(network []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return 0, domain.ErrRunOutstanding
	}
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	if len(network) == 0 {
		network = nil
	}
	n, err := d.be.reinit(network)
	if err != nil {
		return 0, d.fail("reinit", err)
	}
	if n != d.paramCount || !bytes.Equal(network, d.network) {
		d.paramSizes = nil
	}
	d.paramCount = n
	d.network = network
	d.lg.Info().Int("params", n).Msg("worker reinitialized")
	return n, nil
}

// EpochStats reports how the worker spent the time since the last Prepare.
func (d *Device) EpochStats() (domain.EpochStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return domain.EpochStats{}, domain.ErrRunOutstanding
	}
	if err := d.usableLocked(); err != nil {
		return domain.EpochStats{}, err
	}
	s, err := d.be.epochStats()
	if err != nil {
		return domain.EpochStats{}, d.fail("get-epoch-stats", err)
	}
	return s, nil
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

// Terminate stops the worker: "stop", a bounded join, then kill. Calling it
// again, or on a worker that already exited, does nothing.
func (d *Device) Terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.terminated || d.be == nil {
		return
	}
	d.terminated = true
	d.inFlight = false
	d.awaiting = false
	d.be.stop(d.opts.StopWait)
	metrics.DeviceAlive.WithLabelValues(d.desc.Name).Set(0)
	d.lg.Debug().Msg("worker terminated")
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats is a point-in-time view of a worker process.
type Stats struct {
	Name       string  `json:"name"`
	PID        int     `json:"pid"`
	Alive      bool    `json:"alive"`
	Healthy    bool    `json:"healthy"`
	Blocking   bool    `json:"blocking"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	InFlight   string  `json:"in_flight,omitempty"`
}

// Stats samples the worker's resource usage. Blocking devices report only
// their state.
func (d *Device) Stats(ctx context.Context) Stats {
	d.mu.Lock()
	s := Stats{
		Name:     d.desc.Name,
		Alive:    d.aliveLocked(),
		Healthy:  d.aliveLocked() && !d.unhealthy,
		Blocking: d.opts.Blocking,
	}
	if d.be != nil {
		s.PID = d.be.pid()
	}
	if d.inFlight {
		s.InFlight = d.runTask.String()
	}
	d.mu.Unlock()

	if s.PID == 0 || !s.Alive {
		return s
	}
	p, err := process.NewProcessWithContext(ctx, int32(s.PID))
	if err != nil {
		return s
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
		s.RSSBytes = mi.RSS
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = pct
	}
	return s
}
