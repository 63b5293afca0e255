package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Result is what a task returns: output tensors plus, for train and eval, a
// parallel list of labels such as "cost:ce" or "error:frame".
type Result struct {
	Outputs []Tensor `json:"outputs"`
	Format  []string `json:"format,omitempty"`
}

// Validate enforces len(Outputs) == len(Format) whenever a format is set.
func (r Result) Validate() error {
	if r.Format != nil && len(r.Format) != len(r.Outputs) {
		return fmt.Errorf("%w: %d outputs, %d labels", ErrFormatMismatch, len(r.Outputs), len(r.Format))
	}
	for i, o := range r.Outputs {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	return nil
}

// Dict maps each format label to its output.
func (r Result) Dict() (map[string]Tensor, error) {
	if len(r.Format) != len(r.Outputs) {
		return nil, fmt.Errorf("%w: %d outputs, %d labels", ErrFormatMismatch, len(r.Outputs), len(r.Format))
	}
	m := make(map[string]Tensor, len(r.Format))
	for i, label := range r.Format {
		m[label] = r.Outputs[i]
	}
	return m, nil
}

// Sum returns the sum of all elements of the output labelled label.
func (r Result) Sum(label string) (float64, bool) {
	for i, l := range r.Format {
		if l == label && i < len(r.Outputs) {
			var s float64
			for _, v := range r.Outputs[i].Data {
				s += float64(v)
			}
			return s, true
		}
	}
	return 0, false
}

// Finite reports whether every output holds only finite values.
func (r Result) Finite() bool {
	for _, o := range r.Outputs {
		if !o.Finite() {
			return false
		}
	}
	return true
}

// BrokenInfo returns a short description when a cost or gradient-norm
// output is not finite, which usually means the model diverged. It returns
// "" for healthy results and for results without a format.
func (r Result) BrokenInfo() string {
	d, err := r.Dict()
	if err != nil || len(d) == 0 {
		return ""
	}
	var labels []string
	broken := false
	for label, t := range d {
		if !isWatchedLabel(label) {
			continue
		}
		labels = append(labels, label)
		if !t.Finite() {
			broken = true
		}
	}
	if !broken {
		return ""
	}
	sort.Strings(labels)
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s = %v", l, d[l].Data))
	}
	return strings.Join(parts, ", ")
}

func isWatchedLabel(label string) bool {
	for _, prefix := range []string{"cost", "gradient_norm"} {
		if label == prefix || strings.HasPrefix(label, prefix+":") {
			return true
		}
	}
	return false
}
