package domain

import (
	"fmt"
	"math"
	"sort"
)

// Tensor is a dense float32 buffer with a shape. Data is row-major.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	t := Tensor{Shape: append([]int(nil), shape...)}
	t.Data = make([]float32, t.Size())
	return t
}

// Size returns the element count implied by the shape, or -1 when the
// shape is invalid or its product overflows int.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return len(t.Data)
	}
	n, ok := elements(t.Shape)
	if !ok {
		return -1
	}
	return n
}

func elements(shape []int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d < 0 || (d != 0 && n > math.MaxInt/d) {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Validate checks that the shape and the data agree.
func (t Tensor) Validate() error {
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrInvalidTensor, t.Shape)
		}
	}
	if _, ok := elements(t.Shape); !ok {
		return fmt.Errorf("%w: shape %v overflows", ErrInvalidTensor, t.Shape)
	}
	if t.Size() != len(t.Data) {
		return fmt.Errorf("%w: shape %v holds %d elements, data has %d",
			ErrInvalidTensor, t.Shape, t.Size(), len(t.Data))
	}
	return nil
}

// Finite reports whether every element is neither NaN nor Inf.
func (t Tensor) Finite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Clone deep-copies the tensor.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Scalar wraps a single value as a 0-d tensor.
func Scalar(v float32) Tensor {
	return Tensor{Shape: []int{}, Data: []float32{v}}
}

// Batch is the data staged into a worker before a task runs: one tensor and
// one index mask per data key, plus a sequence tag per batch slot.
type Batch struct {
	Keys  []string          `json:"keys"`
	Data  map[string]Tensor `json:"-"`
	Index map[string]Tensor `json:"-"`
	Tags  []string          `json:"tags"`
}

// NewBatch builds a batch whose key order is sorted, matching the order in
// which tensors travel over the wire.
func NewBatch(data, index map[string]Tensor, tags []string) Batch {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Batch{Keys: keys, Data: data, Index: index, Tags: tags}
}

// Validate checks that every key has a well-formed tensor and mask.
func (b Batch) Validate() error {
	for _, k := range b.Keys {
		t, ok := b.Data[k]
		if !ok {
			return fmt.Errorf("%w: data %q", ErrMissingBatchKey, k)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("data %q: %w", k, err)
		}
		m, ok := b.Index[k]
		if !ok {
			return fmt.Errorf("%w: index %q", ErrMissingBatchKey, k)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("index %q: %w", k, err)
		}
	}
	return nil
}

// TrivialBatch is the smallest valid batch: one frame, one sequence, one
// feature, targeting class 0.
func TrivialBatch() Batch {
	data := map[string]Tensor{
		"data":    {Shape: []int{1, 1, 1}, Data: []float32{0.5}},
		"classes": {Shape: []int{1, 1}, Data: []float32{0}},
	}
	index := map[string]Tensor{
		"data":    {Shape: []int{1, 1}, Data: []float32{1}},
		"classes": {Shape: []int{1, 1}, Data: []float32{1}},
	}
	return NewBatch(data, index, []string{"seq-0"})
}
