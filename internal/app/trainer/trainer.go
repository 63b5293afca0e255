// Package trainer drives a group of devices through data-parallel training
// with model averaging. It owns every policy the device layer leaves to its
// caller: the order of Run and Result calls, when to restart a worker, when
// to give up on one, and when to abort the run.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/anomaly"
	"github.com/devmesh/devmesh/internal/infra/metrics"
)

// ErrModelBroken marks a result whose cost or gradient norm is not finite.
var ErrModelBroken = errors.New("model broken")

// Worker is the part of a device handle the trainer drives.
// *device.Device implements it.
type Worker interface {
	Name() string
	Healthy() bool
	Prepare(params domain.ParamSet, rate float64, epoch int) error
	SetBatch(b domain.Batch) error
	Run(task domain.TaskKind) error
	Result() (*domain.Result, error)
	NetParams() (domain.ParamSet, error)
	SetNetParams(p domain.ParamSet) error
	SyncTrainParams() error
	TrainParams() (domain.ParamSet, error)
	EpochStats() (domain.EpochStats, error)
	Restart(ctx context.Context) error
	Terminate()
}

// Store persists run progress. *sqlite.DB implements it.
type Store interface {
	CreateRun(r domain.Run) error
	FinishRun(id string, status domain.RunStatus, finalCost float64, runErr error) error
	RecordBatch(b domain.BatchOutcome) error
	RecordEvent(e domain.DeviceEvent) error
	RecordEpoch(s domain.EpochSummary) error
}

// Config controls a training run.
type Config struct {
	Epochs          int
	BatchesPerEpoch int
	EvalBatches     int
	LearningRate    float64

	// MaxRestarts bounds restart attempts per failure.
	MaxRestarts int
	// RestartBackoff is the first delay between restart attempts.
	RestartBackoff time.Duration
	// BreakerFailures consecutive failed batches abandon a device.
	BreakerFailures uint32

	Data DataSpec
}

func (c Config) withDefaults() Config {
	if c.Epochs <= 0 {
		c.Epochs = 1
	}
	if c.BatchesPerEpoch <= 0 {
		c.BatchesPerEpoch = 1
	}
	if c.EvalBatches <= 0 {
		c.EvalBatches = max(1, c.BatchesPerEpoch/4)
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 500 * time.Millisecond
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 3
	}
	return c
}

// Report summarizes a finished run.
type Report struct {
	RunID     string
	Epochs    []domain.EpochSummary
	Abandoned []string
	Params    domain.ParamSet

	// Stragglers counts latency outliers per device.
	Stragglers map[string]int
	// Load is how each device spent the last epoch's training rounds.
	Load map[string]domain.EpochStats
}

// FinalCost is the eval cost of the last epoch, or its train cost when no
// eval ran.
func (r *Report) FinalCost() float64 {
	if len(r.Epochs) == 0 {
		return 0
	}
	last := r.Epochs[len(r.Epochs)-1]
	if last.EvalCost > 0 {
		return last.EvalCost
	}
	return last.TrainCost
}

// member is one device plus its supervision state.
type member struct {
	w         Worker
	name      string
	cb        *gobreaker.TwoStepCircuitBreaker
	abandoned bool
}

// Trainer runs one training job over a fixed set of workers.
type Trainer struct {
	cfg   Config
	data  *Dataset
	store Store
	lg    zerolog.Logger

	members    []*member
	params     domain.ParamSet
	load       map[string]domain.EpochStats
	runID      string
	stragglers *anomaly.Detector

	mu        sync.Mutex
	abandoned []string
}

// New prepares a trainer. A nil store disables persistence.
func New(cfg Config, workers []Worker, store Store, lg zerolog.Logger) (*Trainer, error) {
	if len(workers) == 0 {
		return nil, domain.ErrNoDevicesRemaining
	}
	cfg = cfg.withDefaults()
	data, err := NewDataset(cfg.Data)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = nopStore{}
	}

	t := &Trainer{
		cfg:        cfg,
		data:       data,
		store:      store,
		lg:         lg.With().Str("component", "trainer").Logger(),
		stragglers: anomaly.NewDetector(anomaly.Config{}),
	}
	for _, w := range workers {
		name := w.Name()
		t.members = append(t.members, &member{
			w:    w,
			name: name,
			cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     24 * time.Hour,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= cfg.BreakerFailures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					t.lg.Warn().Str("device", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state changed")
				},
			}),
		})
	}
	return t, nil
}

// Run trains for the configured number of epochs. It returns
// ErrNoDevicesRemaining when every device has been abandoned.
func (t *Trainer) Run(ctx context.Context) (*Report, error) {
	t.runID = uuid.NewString()
	rep := &Report{RunID: t.runID}

	names := make([]string, len(t.members))
	for i, m := range t.members {
		names[i] = m.name
	}
	if err := t.store.CreateRun(domain.Run{
		ID:        t.runID,
		Status:    domain.RunRunning,
		Devices:   names,
		Epochs:    t.cfg.Epochs,
		StartedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	t.lg.Info().Str("run", t.runID).Strs("devices", names).Int("epochs", t.cfg.Epochs).Msg("training started")

	err := t.run(ctx, rep)

	status := domain.RunCompleted
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = domain.RunAborted
	default:
		status = domain.RunFailed
	}
	if ferr := t.store.FinishRun(t.runID, status, rep.FinalCost(), err); ferr != nil {
		t.lg.Error().Err(ferr).Msg("record run status")
	}
	rep.Params = t.params
	rep.Abandoned = t.abandonedNames()
	rep.Stragglers = t.stragglers.Outliers()

	ev := t.lg.Info()
	if err != nil {
		ev = t.lg.Error().Err(err)
	}
	ev.Str("run", t.runID).Str("status", string(status)).Float64("final_cost", rep.FinalCost()).Msg("training finished")
	return rep, err
}

func (t *Trainer) run(ctx context.Context, rep *Report) error {
	first := t.active()[0]
	p, err := first.w.NetParams()
	if err != nil {
		return fmt.Errorf("initial parameters from %s: %w", first.name, err)
	}
	t.params = p

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := t.epoch(ctx, epoch)
		if err != nil {
			return err
		}
		rep.Epochs = append(rep.Epochs, s)
		rep.Load = t.load
	}
	return nil
}

// ─── Epoch ──────────────────────────────────────────────────────────────────

func (t *Trainer) epoch(ctx context.Context, epoch int) (domain.EpochSummary, error) {
	s := domain.EpochSummary{RunID: t.runID, Epoch: epoch}
	t.prepareAll(ctx, epoch)

	var cost float64
	var frames int
	for next := 0; next < t.cfg.BatchesPerEpoch; {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		active := t.active()
		if len(active) == 0 {
			return s, domain.ErrNoDevicesRemaining
		}
		n := min(len(active), t.cfg.BatchesPerEpoch-next)
		r := t.round(ctx, epoch, next, active[:n])
		next += n

		cost += r.cost
		frames += r.frames
		s.Batches += n
		s.Skipped += r.skipped
		t.average(ctx, epoch, r.succeeded)
	}
	if len(t.active()) == 0 {
		return s, domain.ErrNoDevicesRemaining
	}
	if frames > 0 {
		s.TrainCost = cost / float64(frames)
	}
	t.load = t.collectLoad(epoch)
	s.EvalCost, s.EvalError = t.eval(ctx, epoch)

	metrics.EpochCost.Set(s.TrainCost)
	if err := t.store.RecordEpoch(s); err != nil {
		t.lg.Error().Err(err).Msg("record epoch")
	}
	t.lg.Info().Int("epoch", epoch).
		Float64("train_cost", s.TrainCost).
		Float64("eval_cost", s.EvalCost).
		Float64("eval_error", s.EvalError).
		Int("skipped", s.Skipped).
		Msg("epoch done")
	return s, nil
}

// prepareAll pushes the shared parameters, learning rate and epoch to every
// active device. A device that cannot be prepared is recovered or abandoned.
func (t *Trainer) prepareAll(ctx context.Context, epoch int) {
	var g errgroup.Group
	for _, m := range t.active() {
		g.Go(func() error {
			if err := m.w.Prepare(t.params, t.cfg.LearningRate, epoch); err != nil {
				t.failure(m, "prepare", err)
				if err := t.recover(ctx, m, epoch); err != nil {
					t.abandon(m, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ─── Rounds ─────────────────────────────────────────────────────────────────

type slot struct {
	m     *member
	batch int
	done  func(bool)
	start time.Time
	took  time.Duration // until Result returned
	res   *domain.Result
	err   error
}

type roundResult struct {
	succeeded []*member
	cost      float64
	frames    int
	skipped   int
}

// round gives one batch to each device: Run on all of them first, then
// Result in the same order.
func (t *Trainer) round(ctx context.Context, epoch, first int, active []*member) roundResult {
	slots := make([]*slot, 0, len(active))
	for i, m := range active {
		s := &slot{m: m, batch: first + i}
		done, err := m.cb.Allow()
		if err != nil {
			t.abandon(m, err)
			continue
		}
		s.done = done
		s.start = time.Now()
		s.err = m.w.SetBatch(t.data.Batch(streamTrain, epoch, s.batch))
		if s.err == nil {
			s.err = m.w.Run(domain.TaskTrain)
		}
		slots = append(slots, s)
	}

	for _, s := range slots {
		if s.err == nil {
			s.res, s.err = s.m.w.Result()
			s.took = time.Since(s.start)
			s.res, s.err = checkBroken(s.res, s.err)
		}
		s.done(s.err == nil)
	}

	var r roundResult
	for _, s := range slots {
		status := domain.BatchOK
		if s.err != nil {
			t.failure(s.m, "train", s.err)
			t.recordBatch(epoch, s, domain.TaskTrain, batchStatus(s.err))
			s.res, s.err = t.redo(ctx, epoch, s)
			status = domain.BatchRetried
		}
		if s.err != nil {
			r.skipped++
			metrics.BatchesSkipped.Inc()
			t.recordBatch(epoch, s, domain.TaskTrain, domain.BatchSkipped)
			continue
		}
		if c, ok := s.res.Sum("cost:ce"); ok {
			r.cost += c
		}
		r.frames += t.data.Frames()
		r.succeeded = append(r.succeeded, s.m)
		t.recordBatch(epoch, s, domain.TaskTrain, status)
	}
	return r
}

// redo recovers a device after a failed batch and runs the batch once more.
func (t *Trainer) redo(ctx context.Context, epoch int, s *slot) (*domain.Result, error) {
	m := s.m
	if m.cb.State() == gobreaker.StateOpen {
		t.abandon(m, fmt.Errorf("%d consecutive failures", t.cfg.BreakerFailures))
		return nil, s.err
	}
	if err := t.recover(ctx, m, epoch); err != nil {
		t.abandon(m, err)
		return nil, err
	}
	done, err := m.cb.Allow()
	if err != nil {
		t.abandon(m, err)
		return nil, err
	}
	s.start = time.Now()
	res, err := t.attempt(m.w, t.data.Batch(streamTrain, epoch, s.batch), domain.TaskTrain)
	s.took = time.Since(s.start)
	done(err == nil)
	if err != nil {
		t.failure(m, "train retry", err)
		if m.cb.State() == gobreaker.StateOpen {
			t.abandon(m, fmt.Errorf("%d consecutive failures", t.cfg.BreakerFailures))
		}
	}
	return res, err
}

// attempt runs one batch to completion on w.
func (t *Trainer) attempt(w Worker, b domain.Batch, task domain.TaskKind) (*domain.Result, error) {
	if err := w.SetBatch(b); err != nil {
		return nil, err
	}
	if err := w.Run(task); err != nil {
		return nil, err
	}
	return checkBroken(w.Result())
}

func checkBroken(res *domain.Result, err error) (*domain.Result, error) {
	if err != nil {
		return nil, err
	}
	if info := res.BrokenInfo(); info != "" {
		return nil, fmt.Errorf("%w: %s", ErrModelBroken, info)
	}
	return res, nil
}

// ─── Averaging ──────────────────────────────────────────────────────────────

// average replaces the shared parameters with the mean of the devices that
// finished their batch, then pushes the result to every active device.
// Each device snapshots its parameters before they are pulled.
func (t *Trainer) average(ctx context.Context, epoch int, succeeded []*member) {
	if len(succeeded) > 0 {
		sets := make([]domain.ParamSet, len(succeeded))
		errs := make([]error, len(succeeded))
		var g errgroup.Group
		for i, m := range succeeded {
			g.Go(func() error {
				sets[i], errs[i] = pullTrainParams(m.w)
				return nil
			})
		}
		_ = g.Wait()

		var ok []domain.ParamSet
		for i, err := range errs {
			if err != nil {
				t.failure(succeeded[i], "get-net-train-params", err)
				continue
			}
			ok = append(ok, sets[i])
		}
		if len(ok) > 0 {
			avg, err := domain.AverageParams(ok...)
			if err != nil {
				t.lg.Error().Err(err).Msg("average parameters")
			} else {
				t.params = avg
			}
		}
	}

	var g errgroup.Group
	for _, m := range t.active() {
		g.Go(func() error {
			if err := m.w.SetNetParams(t.params); err != nil {
				t.failure(m, "set-net-params", err)
				if err := t.recover(ctx, m, epoch); err != nil {
					t.abandon(m, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// collectLoad reads each active device's compute and update time for the
// epoch. A device that cannot report is left out.
func (t *Trainer) collectLoad(epoch int) map[string]domain.EpochStats {
	load := make(map[string]domain.EpochStats)
	for _, m := range t.active() {
		st, err := m.w.EpochStats()
		if err != nil {
			t.lg.Warn().Err(err).Str("device", m.name).Msg("epoch stats unavailable")
			continue
		}
		load[m.name] = st
		metrics.DeviceBusyRatio.WithLabelValues(m.name, "compute").Set(st.ComputeShare())
		metrics.DeviceBusyRatio.WithLabelValues(m.name, "update").Set(st.UpdateShare())
		t.lg.Debug().Int("epoch", epoch).Str("device", m.name).
			Dur("elapsed", st.Elapsed).
			Float64("compute_share", st.ComputeShare()).
			Float64("update_share", st.UpdateShare()).
			Msg("device load")
	}
	return load
}

func pullTrainParams(w Worker) (domain.ParamSet, error) {
	if err := w.SyncTrainParams(); err != nil {
		return nil, err
	}
	return w.TrainParams()
}

// ─── Eval ───────────────────────────────────────────────────────────────────

// eval scores the shared parameters on the held-out stream using the first
// active device. It returns per-frame cost and error rate.
func (t *Trainer) eval(ctx context.Context, epoch int) (cost, errRate float64) {
	active := t.active()
	if len(active) == 0 {
		return 0, 0
	}
	m := active[0]

	var sumCost, sumErr float64
	frames := 0
	for i := 0; i < t.cfg.EvalBatches; i++ {
		start := time.Now()
		res, err := t.attempt(m.w, t.data.Batch(streamEval, 0, i), domain.TaskEval)
		s := &slot{m: m, batch: i, start: start, res: res, err: err}
		if err != nil {
			t.failure(m, "eval", err)
			t.recordBatch(epoch, s, domain.TaskEval, batchStatus(err))
			if err := t.recover(ctx, m, epoch); err != nil {
				t.abandon(m, err)
			}
			break
		}
		t.recordBatch(epoch, s, domain.TaskEval, domain.BatchOK)
		c, _ := res.Sum("cost:ce")
		e, _ := res.Sum("error:frame")
		sumCost += c
		sumErr += e
		frames += t.data.Frames()
	}
	if frames == 0 {
		return 0, 0
	}
	return sumCost / float64(frames), sumErr / float64(frames)
}

// ─── Supervision ────────────────────────────────────────────────────────────

func (t *Trainer) active() []*member {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*member
	for _, m := range t.members {
		if !m.abandoned {
			out = append(out, m)
		}
	}
	return out
}

func (t *Trainer) abandonedNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.abandoned...)
}

// recover brings m back to the shared parameters. Workers that died or
// timed out are restarted first, with exponential backoff between attempts.
func (t *Trainer) recover(ctx context.Context, m *member, epoch int) error {
	if !m.w.Healthy() {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = t.cfg.RestartBackoff
		bo.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(t.cfg.MaxRestarts-1)), ctx)

		err := backoff.RetryNotify(func() error {
			return m.w.Restart(ctx)
		}, policy, func(err error, d time.Duration) {
			t.lg.Warn().Err(err).Str("device", m.name).Dur("retry_in", d).Msg("restart failed")
		})
		if err != nil {
			return fmt.Errorf("restart %s: %w", m.name, err)
		}
		t.event(m, domain.EventRestart, "")
		t.stragglers.Forget(m.name)
	}
	return m.w.Prepare(t.params, t.cfg.LearningRate, epoch)
}

// abandon drops m for the rest of the run.
func (t *Trainer) abandon(m *member, reason error) {
	t.mu.Lock()
	if m.abandoned {
		t.mu.Unlock()
		return
	}
	m.abandoned = true
	t.abandoned = append(t.abandoned, m.name)
	t.mu.Unlock()

	t.lg.Error().Err(reason).Str("device", m.name).Msg("device abandoned")
	t.event(m, domain.EventAbandoned, reason.Error())
	m.w.Terminate()
}

func (t *Trainer) failure(m *member, op string, err error) {
	t.lg.Warn().Err(err).Str("device", m.name).Str("op", op).Msg("device failure")
	t.event(m, domain.EventFailure, op+": "+err.Error())
}

func (t *Trainer) event(m *member, kind domain.DeviceEventKind, detail string) {
	err := t.store.RecordEvent(domain.DeviceEvent{
		RunID:  t.runID,
		Device: m.name,
		Kind:   kind,
		Detail: detail,
	})
	if err != nil {
		t.lg.Error().Err(err).Msg("record device event")
	}
}

func (t *Trainer) recordBatch(epoch int, s *slot, task domain.TaskKind, status domain.BatchStatus) {
	o := domain.BatchOutcome{
		RunID:    t.runID,
		Epoch:    epoch,
		Batch:    s.batch,
		Device:   s.m.name,
		Task:     task.String(),
		Status:   status,
		Duration: s.took,
	}
	if o.Duration == 0 {
		o.Duration = time.Since(s.start)
	}
	if s.res != nil {
		o.Cost, _ = s.res.Sum("cost:ce")
	}
	if s.err != nil {
		o.Error = s.err.Error()
	}
	if err := t.store.RecordBatch(o); err != nil {
		t.lg.Error().Err(err).Msg("record batch")
	}
	if task == domain.TaskTrain && status != domain.BatchRetried && status != domain.BatchSkipped {
		t.watchLatency(s.m, o)
	}
}

// watchLatency feeds first attempts to the straggler detector.
func (t *Trainer) watchLatency(m *member, o domain.BatchOutcome) {
	f := t.stragglers.Observe(anomaly.Observation{
		Device:   o.Device,
		Duration: o.Duration,
		OK:       o.Status == domain.BatchOK,
	})
	if !f.Straggler {
		return
	}
	metrics.StragglerBatches.WithLabelValues(o.Device).Inc()
	t.lg.Warn().Str("device", o.Device).Str("severity", f.Severity.String()).Int("batch", o.Batch).Msg(f.Description)
	t.event(m, domain.EventStraggler, f.Description)
}

func batchStatus(err error) domain.BatchStatus {
	if errors.Is(err, ErrModelBroken) {
		return domain.BatchBroken
	}
	return domain.BatchFailed
}

type nopStore struct{}

func (nopStore) CreateRun(domain.Run) error                               { return nil }
func (nopStore) FinishRun(string, domain.RunStatus, float64, error) error { return nil }
func (nopStore) RecordBatch(domain.BatchOutcome) error                    { return nil }
func (nopStore) RecordEvent(domain.DeviceEvent) error                     { return nil }
func (nopStore) RecordEpoch(domain.EpochSummary) error                    { return nil }
