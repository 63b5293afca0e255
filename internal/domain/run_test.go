package domain

import (
	"math"
	"testing"
	"time"
)

func TestEpochStats_Shares(t *testing.T) {
	s := EpochStats{Elapsed: 4 * time.Second, Compute: 3 * time.Second, Update: 500 * time.Millisecond}
	if got := s.ComputeShare(); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("ComputeShare() = %v, want 0.75", got)
	}
	if got := s.UpdateShare(); math.Abs(got-0.125) > 1e-9 {
		t.Errorf("UpdateShare() = %v, want 0.125", got)
	}
}

func TestEpochStats_ZeroElapsed(t *testing.T) {
	s := EpochStats{Compute: time.Millisecond}
	if got := s.ComputeShare(); math.IsInf(got, 0) || math.IsNaN(got) || got != 1 {
		t.Errorf("ComputeShare() = %v, want 1 with elapsed floored at 1ms", got)
	}
}
