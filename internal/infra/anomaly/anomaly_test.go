package anomaly

import (
	"math"
	"strings"
	"testing"
	"time"
)

func feed(d *Detector, device string, durs ...time.Duration) {
	for _, dur := range durs {
		d.Observe(Observation{Device: device, Duration: dur, OK: true})
	}
}

// steady returns n durations alternating around base so the profile has a
// small non-zero spread.
func steady(base time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = base + 5*time.Millisecond
		} else {
			out[i] = base - 5*time.Millisecond
		}
	}
	return out
}

func TestObserve_NoJudgementBeforeMinSamples(t *testing.T) {
	d := NewDetector(Config{})
	feed(d, "cpu0", steady(100*time.Millisecond, MinSamples-1)...)

	f := d.Observe(Observation{Device: "cpu0", Duration: 10 * time.Second, OK: true})
	if f.Straggler {
		t.Errorf("flagged with %d samples: %+v", MinSamples-1, f)
	}
}

func TestObserve_FlagsSlowBatch(t *testing.T) {
	d := NewDetector(Config{})
	feed(d, "cpu0", steady(100*time.Millisecond, 10)...)

	f := d.Observe(Observation{Device: "cpu0", Duration: 2 * time.Second, OK: true})
	if !f.Straggler || f.Severity != SevWarning {
		t.Fatalf("Observe() = %+v, want a warning", f)
	}
	if !strings.Contains(f.Description, "2s") {
		t.Errorf("Description = %q, want the batch duration", f.Description)
	}

	// Outliers do not move the mean.
	p, _ := d.Profile("cpu0")
	if p.Count != 10 || math.Abs(p.Mean-0.1) > 0.001 {
		t.Errorf("profile = count %d mean %.4f, want 10 / 0.1", p.Count, p.Mean)
	}
	if p.Total != 1 {
		t.Errorf("Total = %d, want 1", p.Total)
	}
}

func TestObserve_FastBatchIsFine(t *testing.T) {
	d := NewDetector(Config{})
	feed(d, "cpu0", steady(time.Second, 10)...)

	if f := d.Observe(Observation{Device: "cpu0", Duration: time.Millisecond, OK: true}); f.Straggler {
		t.Errorf("fast batch flagged: %+v", f)
	}
}

func TestObserve_MinExcess(t *testing.T) {
	d := NewDetector(Config{})
	// Tight microsecond batches: a 10x slowdown is still only ~100µs.
	durs := make([]time.Duration, 10)
	for i := range durs {
		durs[i] = 10*time.Microsecond + time.Duration(i%2)*time.Microsecond
	}
	feed(d, "cpu0", durs...)

	if f := d.Observe(Observation{Device: "cpu0", Duration: 100 * time.Microsecond, OK: true}); f.Straggler {
		t.Errorf("sub-millisecond jitter flagged: %+v", f)
	}
}

func TestObserve_Escalates(t *testing.T) {
	d := NewDetector(Config{})
	feed(d, "gpu0", steady(100*time.Millisecond, 10)...)

	var f Finding
	for range MaxConsecutive {
		f = d.Observe(Observation{Device: "gpu0", Duration: 3 * time.Second, OK: true})
	}
	if f.Severity != SevCritical {
		t.Errorf("Severity = %v after %d outliers, want critical", f.Severity, MaxConsecutive)
	}

	// A normal batch resets the streak.
	feed(d, "gpu0", 100*time.Millisecond)
	f = d.Observe(Observation{Device: "gpu0", Duration: 3 * time.Second, OK: true})
	if f.Severity != SevWarning {
		t.Errorf("Severity = %v after reset, want warning", f.Severity)
	}
}

func TestObserve_FailuresCountedOnly(t *testing.T) {
	d := NewDetector(Config{})
	d.Observe(Observation{Device: "cpu1", Duration: time.Hour, OK: false})

	p, ok := d.Profile("cpu1")
	if !ok {
		t.Fatal("no profile after a failed batch")
	}
	if p.Failures != 1 || p.Count != 0 {
		t.Errorf("profile = %+v, want one failure and no samples", p)
	}
}

func TestForget(t *testing.T) {
	d := NewDetector(Config{})
	feed(d, "cpu0", steady(100*time.Millisecond, 10)...)
	feed(d, "cpu1", steady(100*time.Millisecond, 10)...)
	d.Observe(Observation{Device: "cpu0", Duration: 5 * time.Second, OK: true})

	if got := d.Outliers(); got["cpu0"] != 1 || got["cpu1"] != 0 {
		t.Errorf("Outliers() = %v", got)
	}

	d.Forget("cpu0")
	if _, ok := d.Profile("cpu0"); ok {
		t.Error("profile survived Forget")
	}
	if f := d.Observe(Observation{Device: "cpu0", Duration: 5 * time.Second, OK: true}); f.Straggler {
		t.Error("cold profile judged a batch")
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{SigmaThreshold: 2}.withDefaults()
	if c.SigmaThreshold != 2 || c.MinSamples != MinSamples || c.MaxConsecutive != MaxConsecutive || c.MinExcess != MinExcess {
		t.Errorf("withDefaults() = %+v", c)
	}
}
