package trainer

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/devmesh/devmesh/internal/domain"
)

// DataSpec sizes the synthetic dataset.
type DataSpec struct {
	InputDim  int
	Classes   int
	Time      int // frames per sequence
	BatchSize int // sequences per batch
	Seed      uint64
	// Spread is the standard deviation of the class centers; the noise
	// around each center has unit variance.
	Spread float64
}

// Streams keep train and eval data disjoint.
const (
	streamTrain = 1
	streamEval  = 2
)

// Dataset is a deterministic mixture of Gaussian clusters, one per class.
// Any batch can be regenerated from (stream, epoch, index) alone, so a
// restarted device redoes exactly the batch it lost.
type Dataset struct {
	spec    DataSpec
	centers [][]float64
}

// NewDataset draws the class centers from spec.Seed.
func NewDataset(spec DataSpec) (*Dataset, error) {
	if spec.InputDim < 1 || spec.Classes < 2 || spec.Time < 1 || spec.BatchSize < 1 {
		return nil, fmt.Errorf("invalid dataset shape: dim=%d classes=%d time=%d batch=%d",
			spec.InputDim, spec.Classes, spec.Time, spec.BatchSize)
	}
	if spec.Spread <= 0 {
		spec.Spread = 3
	}
	dist := distuv.Normal{Mu: 0, Sigma: spec.Spread, Src: rand.NewPCG(spec.Seed, 0)}
	centers := make([][]float64, spec.Classes)
	for c := range centers {
		centers[c] = make([]float64, spec.InputDim)
		for i := range centers[c] {
			centers[c][i] = dist.Rand()
		}
	}
	return &Dataset{spec: spec, centers: centers}, nil
}

// Frames is the number of frames in every batch.
func (d *Dataset) Frames() int { return d.spec.Time * d.spec.BatchSize }

// Batch builds batch index of epoch from stream. Shapes: data
// (time, batch, features), classes (time, batch), full index masks.
func (d *Dataset) Batch(stream, epoch, index int) domain.Batch {
	T, B, F := d.spec.Time, d.spec.BatchSize, d.spec.InputDim
	src := rand.NewPCG(d.spec.Seed, uint64(stream)<<48|uint64(epoch)<<24|uint64(index))
	pick := rand.New(src)
	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	data := domain.NewTensor(T, B, F)
	classes := domain.NewTensor(T, B)
	tags := make([]string, B)
	for b := 0; b < B; b++ {
		tags[b] = fmt.Sprintf("s%d-e%d-b%d-%d", stream, epoch, index, b)
	}
	for i := 0; i < T*B; i++ {
		c := pick.IntN(d.spec.Classes)
		classes.Data[i] = float32(c)
		for f := 0; f < F; f++ {
			data.Data[i*F+f] = float32(d.centers[c][f] + noise.Rand())
		}
	}

	mask := func() domain.Tensor {
		m := domain.NewTensor(T, B)
		for i := range m.Data {
			m.Data[i] = 1
		}
		return m
	}
	return domain.NewBatch(
		map[string]domain.Tensor{"data": data, "classes": classes},
		map[string]domain.Tensor{"data": mask(), "classes": mask()},
		tags,
	)
}
