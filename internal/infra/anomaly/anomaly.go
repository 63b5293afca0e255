// Package anomaly flags straggling devices.
//
// Each device has a latency profile built from its own finished batches.
// A batch that takes more than SigmaThreshold standard deviations longer
// than the device's mean is reported. Repeated outliers escalate to
// critical so the trainer can tell a slow device from a one-off hiccup.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// SigmaThreshold is the number of standard deviations for an outlier.
	SigmaThreshold = 3.0

	// MinSamples is how many batches a profile needs before it judges.
	MinSamples = 5

	// MaxConsecutive outliers before a finding becomes critical.
	MaxConsecutive = 3

	// MinExcess keeps scheduler jitter on very short batches from counting.
	MinExcess = 50 * time.Millisecond
)

// ─── Types ──────────────────────────────────────────────────────────────────

// Severity indicates how serious a finding is.
type Severity int

const (
	SevNone Severity = iota
	SevWarning
	SevCritical
)

// String returns the severity label.
func (s Severity) String() string {
	switch s {
	case SevNone:
		return "none"
	case SevWarning:
		return "warning"
	case SevCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Observation is one finished batch on one device.
type Observation struct {
	Device   string
	Duration time.Duration
	OK       bool
}

// Finding is the outcome of analyzing an observation.
type Finding struct {
	Straggler   bool     `json:"straggler"`
	Severity    Severity `json:"severity"`
	Device      string   `json:"device"`
	Description string   `json:"description,omitempty"`
}

// Profile holds a device's latency statistics, updated with Welford's
// online algorithm. Durations are in seconds.
type Profile struct {
	Device string `json:"device"`

	Count int     `json:"count"`
	Mean  float64 `json:"mean_seconds"`
	M2    float64 `json:"-"`

	Failures    int       `json:"failures"`
	Consecutive int       `json:"consecutive"`
	Total       int       `json:"total"`
	LastOutlier time.Time `json:"last_outlier,omitzero"`
}

// Stddev returns the sample standard deviation of batch latency.
func (p *Profile) Stddev() float64 {
	if p.Count < 2 {
		return 0
	}
	return math.Sqrt(p.M2 / float64(p.Count-1))
}

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the detector. Zero fields take the package defaults.
type Config struct {
	SigmaThreshold float64
	MinSamples     int
	MaxConsecutive int
	MinExcess      time.Duration
}

func (c Config) withDefaults() Config {
	if c.SigmaThreshold <= 0 {
		c.SigmaThreshold = SigmaThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = MinSamples
	}
	if c.MaxConsecutive <= 0 {
		c.MaxConsecutive = MaxConsecutive
	}
	if c.MinExcess <= 0 {
		c.MinExcess = MinExcess
	}
	return c
}

// ─── Detector ───────────────────────────────────────────────────────────────

// Detector tracks one profile per device. Safe for concurrent use.
type Detector struct {
	mu       sync.Mutex
	cfg      Config
	profiles map[string]*Profile

	// Injectable clock for testing.
	now func() time.Time
}

// NewDetector creates a straggler detector.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:      cfg.withDefaults(),
		profiles: make(map[string]*Profile),
		now:      time.Now,
	}
}

// Observe judges o against the device's history, then folds it in. Failed
// batches are counted but do not feed the latency profile.
func (d *Detector) Observe(o Observation) Finding {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.profile(o.Device)
	f := Finding{Device: o.Device}
	if !o.OK {
		p.Failures++
		return f
	}

	secs := o.Duration.Seconds()
	if p.Count >= d.cfg.MinSamples {
		if sd := p.Stddev(); sd > 0 {
			z := (secs - p.Mean) / sd
			excess := o.Duration - time.Duration(p.Mean*float64(time.Second))
			if z > d.cfg.SigmaThreshold && excess >= d.cfg.MinExcess {
				f.Straggler = true
				f.Severity = SevWarning
				f.Description = fmt.Sprintf("batch took %s, %.1fσ above mean %s",
					o.Duration.Round(time.Millisecond), z,
					time.Duration(p.Mean*float64(time.Second)).Round(time.Millisecond))
			}
		}
	}

	if f.Straggler {
		p.Consecutive++
		p.Total++
		p.LastOutlier = d.now()
		if p.Consecutive >= d.cfg.MaxConsecutive {
			f.Severity = SevCritical
			f.Description += fmt.Sprintf(" [%d in a row]", p.Consecutive)
		}
		// Outliers stay out of the profile so a slow streak cannot become
		// the new normal.
		return f
	}

	p.Consecutive = 0
	p.Count++
	delta := secs - p.Mean
	p.Mean += delta / float64(p.Count)
	p.M2 += delta * (secs - p.Mean)
	return f
}

// Forget drops a device's profile. A restarted worker starts cold.
func (d *Detector) Forget(device string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.profiles, device)
}

// Profile returns a copy of the device's profile.
func (d *Detector) Profile(device string) (Profile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[device]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Outliers returns the number of flagged batches per device.
func (d *Detector) Outliers() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.profiles))
	for name, p := range d.profiles {
		out[name] = p.Total
	}
	return out
}

func (d *Detector) profile(device string) *Profile {
	if p, ok := d.profiles[device]; ok {
		return p
	}
	p := &Profile{Device: device}
	d.profiles[device] = p
	return p
}
