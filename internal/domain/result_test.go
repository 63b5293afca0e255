package domain

import (
	"errors"
	"math"
	"strings"
	"testing"
)

// ─── Result Tests ───────────────────────────────────────────────────────────

func trainResult(cost, gnorm float32) Result {
	return Result{
		Outputs: []Tensor{Scalar(cost), Scalar(gnorm), {Shape: []int{2}, Data: []float32{0, 1}}},
		Format:  []string{"cost:ce", "gradient_norm", "error:frame"},
	}
}

func TestResult_Validate(t *testing.T) {
	if err := trainResult(1, 1).Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
	// Forward results carry no format.
	if err := (Result{Outputs: []Tensor{Scalar(1)}}).Validate(); err != nil {
		t.Errorf("Validate() without format error: %v", err)
	}
	r := trainResult(1, 1)
	r.Format = r.Format[:2]
	if err := r.Validate(); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("Validate() error = %v, want ErrFormatMismatch", err)
	}
	r = trainResult(1, 1)
	r.Outputs[2].Data = nil
	if err := r.Validate(); !errors.Is(err, ErrInvalidTensor) {
		t.Errorf("Validate() error = %v, want ErrInvalidTensor", err)
	}
}

func TestResult_Dict(t *testing.T) {
	d, err := trainResult(2.5, 0.1).Dict()
	if err != nil {
		t.Fatalf("Dict() error: %v", err)
	}
	if len(d) != 3 || d["cost:ce"].Data[0] != 2.5 {
		t.Errorf("Dict() = %v", d)
	}
	if _, err := (Result{Outputs: []Tensor{Scalar(1)}}).Dict(); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("Dict() without format error = %v, want ErrFormatMismatch", err)
	}
}

func TestResult_Sum(t *testing.T) {
	r := trainResult(2.5, 0.1)
	if s, ok := r.Sum("error:frame"); !ok || s != 1 {
		t.Errorf("Sum(error:frame) = %v, %v, want 1, true", s, ok)
	}
	if _, ok := r.Sum("cost:mse"); ok {
		t.Error("Sum() found a missing label")
	}
}

func TestResult_BrokenInfo(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	if info := trainResult(1.2, 0.3).BrokenInfo(); info != "" {
		t.Errorf("healthy result BrokenInfo() = %q, want empty", info)
	}
	if info := (Result{Outputs: []Tensor{Scalar(nan)}}).BrokenInfo(); info != "" {
		t.Errorf("formatless result BrokenInfo() = %q, want empty", info)
	}

	info := trainResult(nan, 0.3).BrokenInfo()
	if !strings.Contains(info, "cost:ce") || !strings.Contains(info, "gradient_norm") {
		t.Errorf("BrokenInfo() = %q, want both watched labels", info)
	}
	if strings.Contains(info, "error:frame") {
		t.Errorf("BrokenInfo() = %q mentions an unwatched label", info)
	}
	if info := trainResult(1, inf).BrokenInfo(); info == "" {
		t.Error("infinite gradient norm not reported")
	}

	// A non-finite unwatched output does not count.
	r := trainResult(1, 1)
	r.Outputs[2].Data[0] = nan
	if info := r.BrokenInfo(); info != "" {
		t.Errorf("BrokenInfo() = %q for NaN in error output", info)
	}
	if r.Finite() {
		t.Error("Finite() = true with a NaN output")
	}
}
