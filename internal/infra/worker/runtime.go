// Package worker is the device-process side of devmesh. A Runtime owns one
// model bound to one device and serves controller commands over a Channel
// until it is told to stop or something fatal happens.
//
// State machine:
//
//	Starting ──handshake──► Ready ──task──► Busy ──reply──► Ready
//	                          │
//	                          └──stop / fatal──► Stopped
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/channel"
)

// State of a Runtime.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Command tags on the wire.
const (
	CmdStop            = "stop"
	CmdUpdateData      = "update-data"
	CmdSetLearningRate = "set-learning-rate"
	CmdSetNetParams    = "set-net-params"
	CmdEndSetNetParams = "end-set-net-params"
	CmdGetNetParams    = "get-net-params"
	CmdTask            = "task"
	CmdReset           = "reset"
	CmdGetTotalCost    = "get-total-cost"
	CmdGetNumUpdates   = "get-num-updates"
	CmdReinit          = "reinit"
	CmdSyncTrainParams = "sync-net-train-params"
	CmdGetTrainParams  = "get-net-train-params"
	CmdGetEpochStats   = "get-epoch-stats"

	ReplyDone           = "done"
	ReplyNetParams      = "net-params"
	ReplyTaskResult     = "task-result"
	ReplyError          = "error"
	ReplyReinitReady    = "reinit-ready"
	ReplyTrainParams    = "net-train-params"
	ReplyEndTrainParams = "end-get-net-train-params"
)

// EnvNetwork carries the encoded network description a worker builds its
// first model from.
const EnvNetwork = "DEVMESH_NETWORK"

// Options configure a Runtime.
type Options struct {
	Device  string // requested tag: "cpu0", "gpu1", "gpuX"
	Mode    domain.WorkerMode
	Builder domain.ModelBuilder
	// Network is passed to Builder at startup; nil selects its default.
	Network []byte

	// ExitOnRuntimeError ends the loop after replying "error" to a failed
	// task instead of waiting for the next command.
	ExitOnRuntimeError bool

	Logger zerolog.Logger
}

// Runtime serves one controller.
type Runtime struct {
	ch    *channel.Channel
	opts  Options
	lg    zerolog.Logger
	state atomic.Int32

	desc     domain.Descriptor
	model    domain.Model
	network  []byte
	snapshot domain.ParamSet

	// Epoch time accounting, restarted by "reset".
	epochStart  time.Time
	computeTime time.Duration
	updateTime  time.Duration
}

// New creates a Runtime speaking over ch.
func New(ch *channel.Channel, opts Options) *Runtime {
	return &Runtime{ch: ch, opts: opts, lg: opts.Logger}
}

// State returns the current state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Descriptor is valid once the handshake has been sent.
func (r *Runtime) Descriptor() domain.Descriptor { return r.desc }

func (r *Runtime) setState(s State) { r.state.Store(int32(s)) }

// Serve performs the handshake and runs the command loop. It returns nil only
// after an orderly stop. Cancelling ctx closes the channel, which ends the
// loop with ErrChannelClosed.
func (r *Runtime) Serve(ctx context.Context) (err error) {
	defer r.setState(StateStopped)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panic: %v\n%s", rec, debug.Stack())
		}
	}()

	stop := context.AfterFunc(ctx, func() { r.ch.Close() })
	defer stop()

	if err := r.start(ctx); err != nil {
		return err
	}

	for {
		r.setState(StateReady)
		tag, err := r.ch.RecvString()
		if err != nil {
			return fmt.Errorf("awaiting command: %w", err)
		}
		done, err := r.dispatch(tag)
		if err != nil {
			return fmt.Errorf("%s: %w", tag, err)
		}
		if done {
			return nil
		}
	}
}

// start binds the device, builds the model and sends the handshake.
func (r *Runtime) start(ctx context.Context) error {
	r.setState(StateStarting)

	desc, err := Bind(ctx, r.opts.Device)
	if err != nil {
		return err
	}
	r.desc = desc
	r.lg = r.lg.With().Str("device", desc.Name).Logger()

	if err := r.ch.SendInt(int64(desc.ID)); err != nil {
		return err
	}
	if err := r.ch.SendString(desc.Name); err != nil {
		return err
	}

	if r.opts.Builder == nil {
		return fmt.Errorf("%w: no model builder", domain.ErrHandshake)
	}
	model, err := r.opts.Builder(desc, r.opts.Mode, r.opts.Network)
	if err != nil {
		return fmt.Errorf("build %s model: %w", r.opts.Mode, err)
	}
	r.model = model
	r.network = r.opts.Network
	r.epochStart = time.Now()

	if err := r.ch.SendInt(int64(model.ParamCount())); err != nil {
		return err
	}
	r.lg.Debug().Int("params", model.ParamCount()).Str("mode", r.opts.Mode.String()).Msg("worker ready")
	return nil
}

// dispatch executes one command. done is true after "stop".
func (r *Runtime) dispatch(tag string) (done bool, err error) {
	switch tag {
	case CmdStop:
		return true, r.ch.SendString(ReplyDone)
	case CmdUpdateData:
		return false, r.updateData()
	case CmdSetLearningRate:
		return false, r.setLearningRate()
	case CmdSetNetParams:
		return false, r.setNetParams()
	case CmdGetNetParams:
		return false, r.getNetParams()
	case CmdTask:
		return false, r.task()
	case CmdReset:
		epoch, err := r.ch.RecvInt()
		if err != nil {
			return false, err
		}
		r.model.Reset(int(epoch))
		r.epochStart, r.computeTime, r.updateTime = time.Now(), 0, 0
		return false, nil
	case CmdGetTotalCost:
		return false, r.ch.SendFloat(r.model.TotalCost())
	case CmdGetNumUpdates:
		return false, r.ch.SendInt(int64(r.model.NumUpdates()))
	case CmdReinit:
		return false, r.reinit()
	case CmdSyncTrainParams:
		r.snapshot = r.model.AllParams().Clone()
		return false, nil
	case CmdGetTrainParams:
		return false, r.getTrainParams()
	case CmdGetEpochStats:
		return false, r.sendEpochStats()
	default:
		return false, fmt.Errorf("%w: %q", domain.ErrUnknownCommand, tag)
	}
}

func (r *Runtime) updateData() error {
	keys, err := r.ch.RecvStrings()
	if err != nil {
		return err
	}
	b := domain.Batch{
		Keys:  keys,
		Data:  make(map[string]domain.Tensor, len(keys)),
		Index: make(map[string]domain.Tensor, len(keys)),
	}
	for _, k := range keys {
		if b.Data[k], err = r.ch.RecvTensor(); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if b.Index[k], err = r.ch.RecvTensor(); err != nil {
			return err
		}
	}
	if b.Tags, err = r.ch.RecvStrings(); err != nil {
		return err
	}
	start := time.Now()
	err = r.model.Stage(b)
	r.updateTime += time.Since(start)
	if err != nil {
		return fmt.Errorf("stage batch: %w", err)
	}
	return nil
}

func (r *Runtime) setLearningRate() error {
	rate, err := r.ch.RecvFloat()
	if err != nil {
		return err
	}
	if r.model.Mode() != domain.ModeTrain {
		return fmt.Errorf("%w: worker is in %s mode", domain.ErrNotTrainMode, r.model.Mode())
	}
	return r.model.SetLearningRate(rate)
}

// setNetParams reads the whole set before applying any of it.
func (r *Runtime) setNetParams() error {
	count, err := r.ch.RecvInt()
	if err != nil {
		return err
	}
	if count < 0 {
		return fmt.Errorf("%w: negative count %d", domain.ErrProtocol, count)
	}
	params := make(domain.ParamSet, 0, min(count, 1024))
	for i := int64(0); i < count; i++ {
		raw, err := r.ch.RecvBytes()
		if err != nil {
			return err
		}
		params = append(params, channel.BytesFloat32(raw))
	}
	if err := r.ch.Expect(CmdEndSetNetParams); err != nil {
		return err
	}
	if err := params.CheckSizes(r.model.ParamSizes()); err != nil {
		return err
	}
	r.snapshot = nil
	return r.model.SetAllParams(params)
}

func (r *Runtime) getNetParams() error {
	if err := r.ch.SendString(ReplyNetParams); err != nil {
		return err
	}
	for _, p := range r.model.AllParams() {
		if err := r.ch.SendBytes(channel.Float32Bytes(p)); err != nil {
			return err
		}
	}
	return nil
}

// getTrainParams sends the parameters captured by the last
// "sync-net-train-params", or the current ones when nothing was captured.
func (r *Runtime) getTrainParams() error {
	p := r.snapshot
	if p == nil {
		p = r.model.AllParams()
	}
	if err := r.ch.SendString(ReplyTrainParams); err != nil {
		return err
	}
	if err := r.ch.SendInt(int64(len(p))); err != nil {
		return err
	}
	for _, buf := range p {
		if err := r.ch.SendBytes(channel.Float32Bytes(buf)); err != nil {
			return err
		}
	}
	return r.ch.SendString(ReplyEndTrainParams)
}

// reinit rebuilds the model when the controller's network description
// differs from the one it was built from. A failed build keeps the old model
// and replies "error".
func (r *Runtime) reinit() error {
	network, err := r.ch.RecvBytes()
	if err != nil {
		return err
	}
	if len(network) == 0 {
		network = nil
	}
	if !bytes.Equal(network, r.network) {
		model, err := r.opts.Builder(r.desc, r.opts.Mode, network)
		if err != nil {
			r.lg.Warn().Err(err).Msg("reinit failed, keeping current model")
			return r.ch.SendString(ReplyError)
		}
		r.model, r.network, r.snapshot = model, network, nil
		r.lg.Info().Int("params", model.ParamCount()).Msg("model rebuilt")
	}
	if err := r.ch.SendString(ReplyReinitReady); err != nil {
		return err
	}
	return r.ch.SendInt(int64(r.model.ParamCount()))
}

// sendEpochStats replies with elapsed, compute and update seconds.
func (r *Runtime) sendEpochStats() error {
	for _, d := range []time.Duration{time.Since(r.epochStart), r.computeTime, r.updateTime} {
		if err := r.ch.SendFloat(d.Seconds()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) task() error {
	name, err := r.ch.RecvString()
	if err != nil {
		return err
	}
	kind, err := domain.ParseTaskKind(name)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrProtocol, err)
	}
	if !r.model.Mode().Supports(kind) {
		return fmt.Errorf("%w: %s in %s mode", domain.ErrTaskNotSupported, kind, r.model.Mode())
	}

	r.setState(StateBusy)
	start := time.Now()
	res, err := r.model.Execute(kind)
	r.computeTime += time.Since(start)
	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		if sendErr := r.ch.SendString(ReplyError); sendErr != nil {
			return sendErr
		}
		if errors.Is(err, domain.ErrResourceExhausted) || r.opts.ExitOnRuntimeError {
			return err
		}
		r.lg.Warn().Err(err).Str("task", kind.String()).Msg("task failed")
		return nil
	}
	return r.sendResult(res)
}

// sendResult copies outputs into fresh host slices before sending.
func (r *Runtime) sendResult(res domain.Result) error {
	if err := r.ch.SendString(ReplyTaskResult); err != nil {
		return err
	}
	if err := r.ch.SendInt(int64(len(res.Outputs))); err != nil {
		return err
	}
	for _, out := range res.Outputs {
		if err := r.ch.SendTensor(out.Clone()); err != nil {
			return err
		}
	}
	return r.ch.SendOptionalStrings(res.Format)
}
