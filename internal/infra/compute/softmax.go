// Package compute provides the reference compute engine: a softmax
// regression over frame features, built on gonum. It exists so the device
// layer can be driven end to end; the coordination code never looks inside.
package compute

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/devmesh/devmesh/internal/domain"
)

// Spec sizes the model. Every worker of a run must use the same Spec or
// parameter exchange fails with ErrParamMismatch.
type Spec struct {
	InputDim     int     `toml:"input_dim"`
	Classes      int     `toml:"classes"`
	LearningRate float64 `toml:"learning_rate"`
	Seed         uint64  `toml:"seed"`
	// MaxFrames bounds T*B of a staged batch; larger batches fail with
	// ErrResourceExhausted. Zero means unbounded.
	MaxFrames int `toml:"max_frames"`
}

// DefaultSpec matches the [model] config defaults.
func DefaultSpec() Spec {
	return Spec{InputDim: 4, Classes: 3, LearningRate: 0.1, Seed: 1}
}

// Softmax is one device's model: weights W (InputDim x Classes) and bias b.
type Softmax struct {
	spec Spec
	mode domain.WorkerMode
	lr   float64

	w *mat.Dense
	b []float64

	staged *domain.Batch

	epoch      int
	totalCost  float64
	numUpdates int
}

func newSoftmax(spec Spec, mode domain.WorkerMode) (*Softmax, error) {
	if spec.InputDim < 1 || spec.Classes < 2 {
		return nil, fmt.Errorf("invalid model spec %dx%d", spec.InputDim, spec.Classes)
	}
	dist := distuv.Normal{Mu: 0, Sigma: 0.01, Src: rand.NewPCG(spec.Seed, 0)}
	w := make([]float64, spec.InputDim*spec.Classes)
	for i := range w {
		w[i] = dist.Rand()
	}
	return &Softmax{
		spec: spec,
		mode: mode,
		lr:   spec.LearningRate,
		w:    mat.NewDense(spec.InputDim, spec.Classes, w),
		b:    make([]float64, spec.Classes),
	}, nil
}

func (m *Softmax) Mode() domain.WorkerMode { return m.mode }

// ─── Parameter Store ────────────────────────────────────────────────────────

func (m *Softmax) ParamCount() int { return 2 }

func (m *Softmax) ParamSizes() []int {
	return []int{m.spec.InputDim * m.spec.Classes, m.spec.Classes}
}

// AllParams returns [W row-major, b].
func (m *Softmax) AllParams() domain.ParamSet {
	raw := m.w.RawMatrix()
	w := make([]float32, 0, m.spec.InputDim*m.spec.Classes)
	for r := 0; r < raw.Rows; r++ {
		for c := 0; c < raw.Cols; c++ {
			w = append(w, float32(raw.Data[r*raw.Stride+c]))
		}
	}
	b := make([]float32, len(m.b))
	for i, v := range m.b {
		b[i] = float32(v)
	}
	return domain.ParamSet{w, b}
}

func (m *Softmax) SetAllParams(p domain.ParamSet) error {
	if err := p.CheckSizes(m.ParamSizes()); err != nil {
		return err
	}
	for i, v := range p[0] {
		m.w.Set(i/m.spec.Classes, i%m.spec.Classes, float64(v))
	}
	for i, v := range p[1] {
		m.b[i] = float64(v)
	}
	return nil
}

// ─── Model Control ──────────────────────────────────────────────────────────

func (m *Softmax) SetLearningRate(rate float64) error {
	if m.mode != domain.ModeTrain {
		return fmt.Errorf("%w: mode %s", domain.ErrNotTrainMode, m.mode)
	}
	m.lr = rate
	return nil
}

func (m *Softmax) Reset(epoch int) {
	m.epoch = epoch
	m.totalCost = 0
	m.numUpdates = 0
}

func (m *Softmax) TotalCost() float64 { return m.totalCost }
func (m *Softmax) NumUpdates() int    { return m.numUpdates }

// ─── Compute Engine ─────────────────────────────────────────────────────────

// Stage keeps a private copy of the batch.
func (m *Softmax) Stage(batch domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	data, ok := batch.Data["data"]
	if !ok {
		return fmt.Errorf("%w: data", domain.ErrMissingBatchKey)
	}
	if len(data.Shape) != 3 {
		return fmt.Errorf("%w: data must be (time, batch, features), got %v", domain.ErrInvalidTensor, data.Shape)
	}
	cp := domain.Batch{
		Keys:  append([]string(nil), batch.Keys...),
		Data:  make(map[string]domain.Tensor, len(batch.Data)),
		Index: make(map[string]domain.Tensor, len(batch.Index)),
		Tags:  append([]string(nil), batch.Tags...),
	}
	for k, t := range batch.Data {
		cp.Data[k] = t.Clone()
	}
	for k, t := range batch.Index {
		cp.Index[k] = t.Clone()
	}
	m.staged = &cp
	return nil
}

// Execute runs task against the staged batch.
func (m *Softmax) Execute(task domain.TaskKind) (domain.Result, error) {
	if !m.mode.Supports(task) {
		return domain.Result{}, fmt.Errorf("%w: %s in %s mode", domain.ErrTaskNotSupported, task, m.mode)
	}
	if m.staged == nil {
		return domain.Result{}, fmt.Errorf("%w: no batch staged", domain.ErrEngineRuntime)
	}
	f, err := m.frames(task == domain.TaskTrain || task == domain.TaskEval)
	if err != nil {
		return domain.Result{}, err
	}

	switch task {
	case domain.TaskTrain:
		return m.train(f), nil
	case domain.TaskEval:
		return m.eval(f), nil
	case domain.TaskForward:
		return domain.Result{Outputs: []domain.Tensor{m.posteriors(f, true)}}, nil
	case domain.TaskAnalyze:
		return domain.Result{Outputs: []domain.Tensor{m.posteriors(f, false)}}, nil
	case domain.TaskClassify:
		return domain.Result{Outputs: []domain.Tensor{m.classify(f)}}, nil
	}
	return domain.Result{}, fmt.Errorf("%w: %s", domain.ErrUnknownTask, task)
}

// frameSet is the staged batch flattened to rows.
type frameSet struct {
	time, batch int
	x           *mat.Dense // all T*B frames
	logp        *mat.Dense // log-posteriors of all frames
	active      []int      // rows whose mask is set
	targets     []int      // class per row, -1 when absent
}

func (m *Softmax) frames(needTargets bool) (*frameSet, error) {
	data := m.staged.Data["data"]
	T, B, F := data.Shape[0], data.Shape[1], data.Shape[2]
	if F != m.spec.InputDim {
		return nil, fmt.Errorf("%w: %d features, model expects %d", domain.ErrEngineRuntime, F, m.spec.InputDim)
	}
	n := T * B
	if m.spec.MaxFrames > 0 && n > m.spec.MaxFrames {
		return nil, fmt.Errorf("%w: %d frames exceed %d", domain.ErrResourceExhausted, n, m.spec.MaxFrames)
	}

	fs := &frameSet{time: T, batch: B, targets: make([]int, n)}
	if n == 0 {
		return fs, nil
	}
	xs := make([]float64, len(data.Data))
	for i, v := range data.Data {
		xs[i] = float64(v)
	}
	fs.x = mat.NewDense(n, F, xs)

	mask := m.staged.Index["data"]
	for i := 0; i < n; i++ {
		if i < len(mask.Data) && mask.Data[i] > 0 {
			fs.active = append(fs.active, i)
		}
		fs.targets[i] = -1
	}

	if needTargets {
		classes, ok := m.staged.Data["classes"]
		if !ok {
			return nil, fmt.Errorf("%w: classes", domain.ErrMissingBatchKey)
		}
		if len(classes.Data) != n {
			return nil, fmt.Errorf("%w: %d targets for %d frames", domain.ErrEngineRuntime, len(classes.Data), n)
		}
		for i, c := range classes.Data {
			y := int(c)
			if y < 0 || y >= m.spec.Classes {
				return nil, fmt.Errorf("%w: class %d out of range", domain.ErrEngineRuntime, y)
			}
			fs.targets[i] = y
		}
	}

	fs.logp = m.logPosteriors(fs.x)
	return fs, nil
}

func (m *Softmax) logPosteriors(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	var z mat.Dense
	z.Mul(x, m.w)
	for r := 0; r < n; r++ {
		row := z.RawRowView(r)
		floats.Add(row, m.b)
		lse := floats.LogSumExp(row)
		floats.AddConst(-lse, row)
	}
	return &z
}

func (m *Softmax) crossEntropy(f *frameSet) (cost float64, errs int) {
	for _, i := range f.active {
		row := f.logp.RawRowView(i)
		cost -= row[f.targets[i]]
		if floats.MaxIdx(row) != f.targets[i] {
			errs++
		}
	}
	return cost, errs
}

func (m *Softmax) train(f *frameSet) domain.Result {
	cost, _ := m.crossEntropy(f)
	norm := 0.0

	if len(f.active) > 0 {
		C := m.spec.Classes
		n := len(f.active)
		x := mat.NewDense(n, m.spec.InputDim, nil)
		d := mat.NewDense(n, C, nil)
		for j, i := range f.active {
			x.SetRow(j, f.x.RawRowView(i))
			row := d.RawRowView(j)
			for c, lp := range f.logp.RawRowView(i) {
				row[c] = math.Exp(lp)
			}
			row[f.targets[i]]--
		}

		var gw mat.Dense
		gw.Mul(x.T(), d)
		gb := make([]float64, C)
		for j := 0; j < n; j++ {
			floats.Add(gb, d.RawRowView(j))
		}

		fro := mat.Norm(&gw, 2)
		norm = math.Sqrt(fro*fro + floats.Dot(gb, gb))

		scale := m.lr / float64(n)
		gw.Scale(scale, &gw)
		m.w.Sub(m.w, &gw)
		floats.AddScaled(m.b, -scale, gb)
	}

	m.totalCost += cost
	m.numUpdates++
	return domain.Result{
		Outputs: []domain.Tensor{domain.Scalar(float32(cost)), domain.Scalar(float32(norm))},
		Format:  []string{"cost:ce", "gradient_norm"},
	}
}

func (m *Softmax) eval(f *frameSet) domain.Result {
	cost, errs := m.crossEntropy(f)
	m.totalCost += cost
	return domain.Result{
		Outputs: []domain.Tensor{domain.Scalar(float32(cost)), domain.Scalar(float32(errs))},
		Format:  []string{"cost:ce", "error:frame"},
	}
}

func (m *Softmax) posteriors(f *frameSet, log bool) domain.Tensor {
	C := m.spec.Classes
	out := domain.NewTensor(f.time, f.batch, C)
	if f.x == nil {
		return out
	}
	for i := 0; i < f.time*f.batch; i++ {
		for c, lp := range f.logp.RawRowView(i) {
			if !log {
				lp = math.Exp(lp)
			}
			out.Data[i*C+c] = float32(lp)
		}
	}
	return out
}

func (m *Softmax) classify(f *frameSet) domain.Tensor {
	out := domain.NewTensor(f.time, f.batch)
	if f.x == nil {
		return out
	}
	for i := range out.Data {
		out.Data[i] = float32(floats.MaxIdx(f.logp.RawRowView(i)))
	}
	return out
}
