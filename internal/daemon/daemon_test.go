package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/devmesh/devmesh/internal/domain"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("DEVMESH_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Devices.Names = []string{"cpu0", "cpu1"}
	cfg.Devices.Blocking = true
	cfg.Training.Epochs = 2
	cfg.Training.BatchesPerEpoch = 4
	cfg.Training.EvalBatches = 1
	cfg.Logging.Level = "error"
	cfg.API.Port = 0
	return cfg
}

func TestNewWithConfig(t *testing.T) {
	d, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(filepath.Join(d.Home(), "state.db")); err != nil {
		t.Errorf("state DB not created: %v", err)
	}
	if d.fleet.Stats(context.Background()) != nil {
		t.Error("fleet should be empty before a run")
	}
}

func TestDaemonTrain(t *testing.T) {
	d, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	rep, err := d.Train(context.Background(), nil)
	if err != nil {
		t.Fatalf("Train() error: %v", err)
	}
	if len(rep.Epochs) != 2 {
		t.Errorf("epochs = %d, want 2", len(rep.Epochs))
	}

	run, err := d.DB.GetRun(rep.RunID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}
	if len(run.Devices) != 2 {
		t.Errorf("run devices = %v, want 2", run.Devices)
	}

	runs, err := d.Runs(10)
	if err != nil || len(runs) != 1 {
		t.Errorf("Runs() = %d, %v, want 1 run", len(runs), err)
	}

	// The group is torn down once the run ends.
	if d.fleet.Stats(context.Background()) != nil {
		t.Error("fleet still published after Train returned")
	}
}

func TestDaemonTrain_UnknownDevice(t *testing.T) {
	d, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	_, err = d.Train(context.Background(), []string{"tpu0"})
	if err == nil || !strings.Contains(err.Error(), "spawn devices") {
		t.Errorf("Train() error = %v, want a spawn error", err)
	}
}

func TestDaemonServeStopsOnCancel(t *testing.T) {
	d, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() error: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, false) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

// ─── Logging ────────────────────────────────────────────────────────────────

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "devmesh.log")
	lg, closer, err := NewLogger(LoggingConfig{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	lg.Debug().Str("device", "cpu0").Msg("worker ready")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", data)
	}
	if entry["device"] != "cpu0" || entry["message"] != "worker ready" || entry["app"] != "devmesh" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		lg, closer, err := NewLogger(LoggingConfig{Level: tt.level})
		if err != nil {
			t.Fatalf("NewLogger(%q) error: %v", tt.level, err)
		}
		closer.Close()
		if lg.GetLevel() != tt.want {
			t.Errorf("NewLogger(%q) level = %v, want %v", tt.level, lg.GetLevel(), tt.want)
		}
	}
}
