package cli

import (
	"bytes"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"cpu0,cpu1", []string{"cpu0", "cpu1"}},
		{" cpu0 , gpuX ,", []string{"cpu0", "gpuX"}},
		{"", nil},
		{",,", nil},
	}
	for _, tt := range tests {
		if got := splitList(tt.input); !slices.Equal(got, tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestFormatters(t *testing.T) {
	if got := formatCost(0); got != "-" {
		t.Errorf("formatCost(0) = %q, want -", got)
	}
	if got := formatCost(1.23456); got != "1.2346" {
		t.Errorf("formatCost(1.23456) = %q, want 1.2346", got)
	}
	if got := formatBytes(0); got != "-" {
		t.Errorf("formatBytes(0) = %q, want -", got)
	}
	if got := formatBytes(8 << 30); got != "8.0 GiB" {
		t.Errorf("formatBytes(8 GiB) = %q, want 8.0 GiB", got)
	}
	if got := formatAgo(time.Time{}); got != "-" {
		t.Errorf("formatAgo(zero) = %q, want -", got)
	}
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := formatElapsed(start, start.Add(1500*time.Millisecond)); got != "1.5s" {
		t.Errorf("formatElapsed() = %q, want 1.5s", got)
	}
	if got := formatElapsed(start, time.Time{}); got != "-" {
		t.Errorf("formatElapsed(unfinished) = %q, want -", got)
	}
}

func TestNewTable(t *testing.T) {
	var buf bytes.Buffer
	tw := newTable(&buf, "NAME", "STATUS")
	tw.Append([]string{"cpu0", "alive"})
	tw.Render()

	out := buf.String()
	for _, want := range []string{"NAME", "STATUS", "cpu0", "alive"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"config", "devices", "runs", "serve", "train", "worker"}
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	for _, name := range want {
		if !slices.Contains(got, name) {
			t.Errorf("command %q not registered (have %v)", name, got)
		}
	}
	if !workerCmd.Hidden {
		t.Error("worker command should be hidden")
	}
}
