package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/catalog"
	"github.com/devmesh/devmesh/internal/infra/channel"
	"github.com/devmesh/devmesh/internal/infra/worker"
)

// backend is where a Device's commands execute: a worker process over a
// channel, or a model held in this process.
type backend interface {
	stage(b domain.Batch) error
	dispatch(task domain.TaskKind) error
	await(timeout, poll time.Duration) (*domain.Result, error)

	setParams(p domain.ParamSet) error
	params(count int) (domain.ParamSet, error)
	setLearningRate(rate float64) error
	reset(epoch int) error
	totalCost() (float64, error)
	numUpdates() (int, error)

	reinit(network []byte) (int, error)
	syncTrainParams() error
	trainParams(count int) (domain.ParamSet, error)
	epochStats() (domain.EpochStats, error)

	alive() bool
	pid() int
	stop(wait time.Duration)
	kill()
	stderrTail() string
}

// ─── Remote ─────────────────────────────────────────────────────────────────

type remote struct {
	proc *Process
	ch   *channel.Channel
}

type handshake struct {
	id         int
	name       string
	paramCount int
}

// spawnRemote starts a worker and reads its handshake. On any failure the
// worker is killed.
func spawnRemote(ctx context.Context, tag string, opts Options) (*remote, handshake, error) {
	cmd, err := opts.Launcher(ctx, tag, opts.Mode)
	if err != nil {
		return nil, handshake{}, err
	}
	if opts.Network != nil {
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, worker.EnvNetwork+"="+string(opts.Network))
	}
	proc, ch, err := startProcess(cmd, opts.WorkerStderr)
	if err != nil {
		return nil, handshake{}, err
	}
	r := &remote{proc: proc, ch: ch}

	type reply struct {
		hs  handshake
		err error
	}
	done := make(chan reply, 1)
	go func() {
		var hs handshake
		id, err := ch.RecvInt()
		if err == nil {
			hs.id = int(id)
			hs.name, err = ch.RecvString()
		}
		if err == nil {
			var n int64
			n, err = ch.RecvInt()
			hs.paramCount = int(n)
		}
		done <- reply{hs, err}
	}()

	timer := time.NewTimer(opts.HandshakeTimeout)
	defer timer.Stop()

	var rep reply
	select {
	case rep = <-done:
	case <-timer.C:
		rep.err = fmt.Errorf("no handshake within %s", opts.HandshakeTimeout)
	case <-ctx.Done():
		rep.err = ctx.Err()
	}
	if rep.err != nil {
		r.kill()
		err := fmt.Errorf("%w: %s: %v", domain.ErrHandshake, tag, rep.err)
		if tail := proc.StderrTail(10); tail != "" {
			err = fmt.Errorf("%w\n\nworker output:\n%s", err, tail)
		}
		return nil, handshake{}, err
	}
	return r, rep.hs, nil
}

func (r *remote) stage(b domain.Batch) error {
	return deadIfClosed(worker.SendBatch(r.ch, b))
}

func (r *remote) dispatch(task domain.TaskKind) error {
	if err := r.ch.SendString(worker.CmdTask); err != nil {
		return deadIfClosed(err)
	}
	return deadIfClosed(r.ch.SendString(task.String()))
}

// await polls for the task reply. Process exit and a closed channel both
// mean the worker is dead; frames already buffered are still read first.
func (r *remote) await(timeout, poll time.Duration) (*domain.Result, error) {
	deadline := time.Now().Add(timeout)
	for {
		wait := min(poll, time.Until(deadline))
		if !r.proc.Alive() {
			wait = min(wait, 50*time.Millisecond)
		}
		ready, err := r.ch.Poll(max(wait, 0))
		if err != nil {
			return nil, deadIfClosed(err)
		}
		if ready {
			res, err := worker.RecvTaskReply(r.ch)
			return res, deadIfClosed(err)
		}
		if !r.proc.Alive() {
			return nil, fmt.Errorf("%w: %v", domain.ErrWorkerDead, r.proc.ExitErr())
		}
		if !time.Now().Before(deadline) {
			r.proc.Dump()
			return nil, fmt.Errorf("%w after %s", domain.ErrResultTimeout, timeout)
		}
	}
}

func (r *remote) setParams(p domain.ParamSet) error {
	return deadIfClosed(worker.SendParams(r.ch, p))
}

func (r *remote) params(count int) (domain.ParamSet, error) {
	if err := r.ch.SendString(worker.CmdGetNetParams); err != nil {
		return nil, deadIfClosed(err)
	}
	p, err := worker.RecvParams(r.ch, count)
	return p, deadIfClosed(err)
}

func (r *remote) setLearningRate(rate float64) error {
	if err := r.ch.SendString(worker.CmdSetLearningRate); err != nil {
		return deadIfClosed(err)
	}
	return deadIfClosed(r.ch.SendFloat(rate))
}

func (r *remote) reset(epoch int) error {
	if err := r.ch.SendString(worker.CmdReset); err != nil {
		return deadIfClosed(err)
	}
	return deadIfClosed(r.ch.SendInt(int64(epoch)))
}

func (r *remote) totalCost() (float64, error) {
	if err := r.ch.SendString(worker.CmdGetTotalCost); err != nil {
		return 0, deadIfClosed(err)
	}
	v, err := r.ch.RecvFloat()
	return v, deadIfClosed(err)
}

func (r *remote) numUpdates() (int, error) {
	if err := r.ch.SendString(worker.CmdGetNumUpdates); err != nil {
		return 0, deadIfClosed(err)
	}
	v, err := r.ch.RecvInt()
	return int(v), deadIfClosed(err)
}

func (r *remote) reinit(network []byte) (int, error) {
	n, err := worker.SendReinit(r.ch, network)
	return n, deadIfClosed(err)
}

func (r *remote) syncTrainParams() error {
	return deadIfClosed(r.ch.SendString(worker.CmdSyncTrainParams))
}

func (r *remote) trainParams(count int) (domain.ParamSet, error) {
	if err := r.ch.SendString(worker.CmdGetTrainParams); err != nil {
		return nil, deadIfClosed(err)
	}
	p, err := worker.RecvTrainParams(r.ch, count)
	return p, deadIfClosed(err)
}

func (r *remote) epochStats() (domain.EpochStats, error) {
	s, err := worker.RequestEpochStats(r.ch)
	return s, deadIfClosed(err)
}

func (r *remote) alive() bool { return r.proc.Alive() }
func (r *remote) pid() int    { return r.proc.PID() }

// stop is the termination ladder: ask, join, kill.
func (r *remote) stop(wait time.Duration) {
	if r.proc.Alive() {
		if err := r.ch.SendString(worker.CmdStop); err == nil {
			r.proc.Wait(wait)
		}
	}
	r.kill()
}

func (r *remote) kill() {
	r.proc.Kill()
	r.ch.Close()
}

func (r *remote) stderrTail() string { return r.proc.StderrTail(10) }

// deadIfClosed maps a closed channel to ErrWorkerDead so callers see one
// failure kind for a vanished worker.
func deadIfClosed(err error) error {
	if err == nil || !errors.Is(err, domain.ErrChannelClosed) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrWorkerDead, err)
}

// ─── Local ──────────────────────────────────────────────────────────────────
// Blocking mode: the model lives in this process and every call completes
// before it returns. Used for single-device debugging.

type local struct {
	model   domain.Model
	desc    domain.Descriptor
	mode    domain.WorkerMode
	builder domain.ModelBuilder
	network []byte

	snapshot domain.ParamSet
	result   *domain.Result
	err      error

	epochStart  time.Time
	computeTime time.Duration
	updateTime  time.Duration
}

func spawnLocal(ctx context.Context, tag string, opts Options) (*local, handshake, error) {
	desc, err := worker.Bind(ctx, tag)
	if err != nil {
		return nil, handshake{}, fmt.Errorf("%w: %v", domain.ErrHandshake, err)
	}
	if opts.Builder == nil {
		return nil, handshake{}, fmt.Errorf("%w: blocking mode needs a model builder", domain.ErrHandshake)
	}
	model, err := opts.Builder(desc, opts.Mode, opts.Network)
	if err != nil {
		return nil, handshake{}, fmt.Errorf("%w: %s: %v", domain.ErrHandshake, tag, err)
	}
	l := &local{
		model:      model,
		desc:       desc,
		mode:       opts.Mode,
		builder:    opts.Builder,
		network:    opts.Network,
		epochStart: time.Now(),
	}
	return l, handshake{id: desc.ID, name: desc.Name, paramCount: model.ParamCount()}, nil
}

func (l *local) stage(b domain.Batch) error {
	start := time.Now()
	defer func() { l.updateTime += time.Since(start) }()
	return l.model.Stage(b)
}

func (l *local) dispatch(task domain.TaskKind) error {
	if !task.Valid() {
		return fmt.Errorf("%w: %w: %s", domain.ErrProtocol, domain.ErrUnknownTask, task)
	}
	if !l.model.Mode().Supports(task) {
		return fmt.Errorf("%w: %s in %s mode", domain.ErrTaskNotSupported, task, l.model.Mode())
	}
	start := time.Now()
	res, err := l.model.Execute(task)
	l.computeTime += time.Since(start)
	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		l.result, l.err = nil, fmt.Errorf("%w: %v", domain.ErrWorkerError, err)
		return nil
	}
	out := domain.Result{Format: res.Format, Outputs: make([]domain.Tensor, len(res.Outputs))}
	for i, t := range res.Outputs {
		out.Outputs[i] = t.Clone()
	}
	l.result, l.err = &out, nil
	return nil
}

func (l *local) await(time.Duration, time.Duration) (*domain.Result, error) {
	res, err := l.result, l.err
	l.result, l.err = nil, nil
	return res, err
}

func (l *local) setParams(p domain.ParamSet) error {
	if err := p.CheckSizes(l.model.ParamSizes()); err != nil {
		return err
	}
	l.snapshot = nil
	return l.model.SetAllParams(p.Clone())
}

func (l *local) params(int) (domain.ParamSet, error) { return l.model.AllParams().Clone(), nil }

func (l *local) setLearningRate(rate float64) error { return l.model.SetLearningRate(rate) }

func (l *local) reset(epoch int) error {
	l.model.Reset(epoch)
	l.epochStart, l.computeTime, l.updateTime = time.Now(), 0, 0
	return nil
}

func (l *local) reinit(network []byte) (int, error) {
	if !bytes.Equal(network, l.network) {
		model, err := l.builder(l.desc, l.mode, network)
		if err != nil {
			return 0, fmt.Errorf("%w: reinit: %v", domain.ErrWorkerError, err)
		}
		l.model, l.network, l.snapshot = model, network, nil
	}
	return l.model.ParamCount(), nil
}

func (l *local) syncTrainParams() error {
	l.snapshot = l.model.AllParams().Clone()
	return nil
}

func (l *local) trainParams(count int) (domain.ParamSet, error) {
	p := l.snapshot
	if p == nil {
		p = l.model.AllParams()
	}
	if len(p) != count {
		return nil, fmt.Errorf("%w: %d train params, want %d", domain.ErrParamMismatch, len(p), count)
	}
	return p.Clone(), nil
}

func (l *local) epochStats() (domain.EpochStats, error) {
	return domain.EpochStats{
		Elapsed: time.Since(l.epochStart),
		Compute: l.computeTime,
		Update:  l.updateTime,
	}, nil
}

func (l *local) totalCost() (float64, error) { return l.model.TotalCost(), nil }
func (l *local) numUpdates() (int, error)    { return l.model.NumUpdates(), nil }

func (l *local) alive() bool        { return true }
func (l *local) pid() int           { return 0 }
func (l *local) stop(time.Duration) {}
func (l *local) kill()              {}
func (l *local) stderrTail() string { return "" }

// describe fills attributes for a handshake name without re-binding.
func describe(ctx context.Context, hs handshake) domain.Descriptor {
	kind, _, err := domain.ParseDeviceTag(hs.name)
	if err != nil {
		kind = domain.DeviceCPU
	}
	d := catalog.Describe(ctx, kind, hs.id)
	d.Name = hs.name
	return d
}
