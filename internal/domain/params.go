package domain

import "fmt"

// ParamSet is one flat buffer per trainable parameter, in the order the
// parameter store enumerates them.
type ParamSet [][]float32

// Sizes returns the element count of every buffer.
func (p ParamSet) Sizes() []int {
	sizes := make([]int, len(p))
	for i, b := range p {
		sizes[i] = len(b)
	}
	return sizes
}

// Bytes returns the payload size on the wire.
func (p ParamSet) Bytes() int {
	n := 0
	for _, b := range p {
		n += 4 * len(b)
	}
	return n
}

// CheckSizes fails with ErrParamMismatch unless p has exactly len(want)
// buffers with the given element counts.
func (p ParamSet) CheckSizes(want []int) error {
	if len(p) != len(want) {
		return fmt.Errorf("%w: got %d buffers, want %d", ErrParamMismatch, len(p), len(want))
	}
	for i, b := range p {
		if len(b) != want[i] {
			return fmt.Errorf("%w: buffer %d has %d elements, want %d", ErrParamMismatch, i, len(b), want[i])
		}
	}
	return nil
}

// Equal compares two sets by value.
func (p ParamSet) Equal(o ParamSet) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if len(p[i]) != len(o[i]) {
			return false
		}
		for j := range p[i] {
			if p[i][j] != o[i][j] {
				return false
			}
		}
	}
	return true
}

// Clone deep-copies the set.
func (p ParamSet) Clone() ParamSet {
	out := make(ParamSet, len(p))
	for i, b := range p {
		out[i] = append([]float32(nil), b...)
	}
	return out
}

// AverageParams returns the element-wise mean of sets, which must all have
// the same sizes.
func AverageParams(sets ...ParamSet) (ParamSet, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: nothing to average", ErrParamMismatch)
	}
	sizes := sets[0].Sizes()
	out := make(ParamSet, len(sizes))
	for i, n := range sizes {
		out[i] = make([]float32, n)
	}
	for _, s := range sets {
		if err := s.CheckSizes(sizes); err != nil {
			return nil, err
		}
		for i, b := range s {
			for j, v := range b {
				out[i][j] += v
			}
		}
	}
	scale := 1 / float32(len(sets))
	for i := range out {
		for j := range out[i] {
			out[i][j] *= scale
		}
	}
	return out, nil
}
