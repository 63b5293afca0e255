package domain

import (
	"errors"
	"slices"
	"testing"
)

// ─── Parameter Set Tests ────────────────────────────────────────────────────

func TestParamSet_Sizes(t *testing.T) {
	p := ParamSet{make([]float32, 12), make([]float32, 3)}
	if !slices.Equal(p.Sizes(), []int{12, 3}) {
		t.Errorf("Sizes() = %v, want [12 3]", p.Sizes())
	}
	if p.Bytes() != 60 {
		t.Errorf("Bytes() = %d, want 60", p.Bytes())
	}
}

func TestParamSet_CheckSizes(t *testing.T) {
	p := ParamSet{make([]float32, 4), make([]float32, 2)}
	if err := p.CheckSizes([]int{4, 2}); err != nil {
		t.Errorf("CheckSizes() error: %v", err)
	}
	if err := p.CheckSizes([]int{4}); !errors.Is(err, ErrParamMismatch) {
		t.Errorf("wrong count: error = %v, want ErrParamMismatch", err)
	}
	if err := p.CheckSizes([]int{4, 3}); !errors.Is(err, ErrParamMismatch) {
		t.Errorf("wrong size: error = %v, want ErrParamMismatch", err)
	}
}

func TestParamSet_CloneEqual(t *testing.T) {
	p := ParamSet{{1, 2}, {3}}
	c := p.Clone()
	if !p.Equal(c) {
		t.Fatal("Clone() not Equal to original")
	}
	c[0][1] = 5
	if p[0][1] != 2 {
		t.Error("Clone shares storage")
	}
	if p.Equal(c) {
		t.Error("Equal() = true after mutation")
	}
	if p.Equal(ParamSet{{1, 2}}) {
		t.Error("Equal() = true with a different count")
	}
}

func TestAverageParams(t *testing.T) {
	a := ParamSet{{1, 2}, {10}}
	b := ParamSet{{3, 6}, {20}}
	avg, err := AverageParams(a, b)
	if err != nil {
		t.Fatalf("AverageParams() error: %v", err)
	}
	want := ParamSet{{2, 4}, {15}}
	if !avg.Equal(want) {
		t.Errorf("AverageParams() = %v, want %v", avg, want)
	}
	// Inputs are untouched.
	if a[0][0] != 1 || b[1][0] != 20 {
		t.Error("AverageParams modified its inputs")
	}

	single, err := AverageParams(a)
	if err != nil || !single.Equal(a) {
		t.Errorf("AverageParams(a) = %v, %v, want a", single, err)
	}
}

func TestAverageParams_Mismatch(t *testing.T) {
	if _, err := AverageParams(); !errors.Is(err, ErrParamMismatch) {
		t.Errorf("no sets: error = %v, want ErrParamMismatch", err)
	}
	_, err := AverageParams(ParamSet{{1, 2}}, ParamSet{{1, 2, 3}})
	if !errors.Is(err, ErrParamMismatch) {
		t.Errorf("size mismatch: error = %v, want ErrParamMismatch", err)
	}
}
