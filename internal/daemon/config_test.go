package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/compute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 11500 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 11500)
	}
	if cfg.Worker.Mode != "train" {
		t.Errorf("Worker.Mode = %q, want %q", cfg.Worker.Mode, "train")
	}
	if len(cfg.Devices.Names) != 1 || cfg.Devices.Names[0] != "cpu0" {
		t.Errorf("Devices.Names = %v, want [cpu0]", cfg.Devices.Names)
	}
	if cfg.Devices.Blocking {
		t.Error("Devices.Blocking should default to false")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFile_Missing(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("API.Port = %d, want default", cfg.API.Port)
	}
}

func TestLoadConfigFile_Overrides(t *testing.T) {
	path := writeConfig(t, `
[devices]
names = ["cpu0", "gpu1"]
blocking = true

[worker]
mode = "forward"
result_timeout = "30s"

[training]
epochs = 7
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}
	if len(cfg.Devices.Names) != 2 || cfg.Devices.Names[1] != "gpu1" {
		t.Errorf("Devices.Names = %v", cfg.Devices.Names)
	}
	if !cfg.Devices.Blocking {
		t.Error("Devices.Blocking = false, want true")
	}
	if cfg.Training.Epochs != 7 {
		t.Errorf("Training.Epochs = %d, want 7", cfg.Training.Epochs)
	}
	// Untouched keys keep their defaults.
	if cfg.Training.BatchSize != DefaultConfig().Training.BatchSize {
		t.Errorf("Training.BatchSize = %d, want default", cfg.Training.BatchSize)
	}
	if cfg.Worker.StopWait != "10s" {
		t.Errorf("Worker.StopWait = %q, want 10s", cfg.Worker.StopWait)
	}

	opts := cfg.DeviceOptions()
	if opts.Mode != domain.ModeForward {
		t.Errorf("Mode = %v, want forward", opts.Mode)
	}
	if opts.ResultTimeout != 30*time.Second {
		t.Errorf("ResultTimeout = %v, want 30s", opts.ResultTimeout)
	}
	if !opts.Blocking || opts.Builder == nil {
		t.Errorf("Blocking = %v, Builder nil = %v", opts.Blocking, opts.Builder == nil)
	}
}

func TestDeviceOptionsCarryModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.InputDim = 9
	cfg.Model.Classes = 6

	opts := cfg.DeviceOptions()
	if len(opts.Network) == 0 {
		t.Fatal("Network is empty")
	}
	got, err := compute.DecodeSpec(opts.Network)
	if err != nil {
		t.Fatalf("DecodeSpec() error: %v", err)
	}
	if got != cfg.ModelSpec() {
		t.Errorf("DecodeSpec(Network) = %+v, want %+v", got, cfg.ModelSpec())
	}
}

func TestLoadConfigFile_BadMode(t *testing.T) {
	path := writeConfig(t, "[worker]\nmode = \"infer\"\n")
	_, err := LoadConfigFile(path)
	if err == nil || !strings.Contains(err.Error(), "worker.mode") {
		t.Errorf("LoadConfigFile() error = %v, want a worker.mode error", err)
	}
}

func TestLoadConfigFile_BadTOML(t *testing.T) {
	path := writeConfig(t, "[training\nepochs = ")
	if _, err := LoadConfigFile(path); err == nil {
		t.Error("LoadConfigFile() should fail on malformed TOML")
	}
}

func TestSaveLoadConfig(t *testing.T) {
	t.Setenv("DEVMESH_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Devices.Names = []string{"cpu0", "cpu1", "gpuX"}
	cfg.Model.LearningRate = 0.05
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if len(got.Devices.Names) != 3 || got.Devices.Names[2] != "gpuX" {
		t.Errorf("Devices.Names = %v", got.Devices.Names)
	}
	if got.Model.LearningRate != 0.05 {
		t.Errorf("Model.LearningRate = %v, want 0.05", got.Model.LearningRate)
	}
}

func TestHome(t *testing.T) {
	t.Setenv("DEVMESH_HOME", "/srv/devmesh")
	if got := Home(); got != "/srv/devmesh" {
		t.Errorf("Home() = %q, want /srv/devmesh", got)
	}
	t.Setenv("DEVMESH_HOME", "")
	if got := Home(); filepath.Base(got) != ".devmesh" {
		t.Errorf("Home() = %q, want a .devmesh dir", got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"30s", 30 * time.Second},
		{"1h", time.Hour},
		{"250ms", 250 * time.Millisecond},
		{"", time.Minute},     // Default
		{"soon", time.Minute}, // Unparseable
		{"-5s", time.Minute},  // Negative
		{"0s", time.Minute},   // Zero
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseDuration(tt.input, time.Minute)
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTrainerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Training.RestartBackoff = "2s"
	tc := cfg.TrainerConfig()

	if tc.Epochs != cfg.Training.Epochs || tc.BatchesPerEpoch != cfg.Training.BatchesPerEpoch {
		t.Errorf("Epochs/BatchesPerEpoch = %d/%d", tc.Epochs, tc.BatchesPerEpoch)
	}
	if tc.RestartBackoff != 2*time.Second {
		t.Errorf("RestartBackoff = %v, want 2s", tc.RestartBackoff)
	}
	if tc.Data.InputDim != cfg.Model.InputDim || tc.Data.Classes != cfg.Model.Classes {
		t.Errorf("Data dims = %d/%d", tc.Data.InputDim, tc.Data.Classes)
	}
	if tc.Data.Seed != cfg.Model.Seed+1 {
		t.Errorf("Data.Seed = %d, want model seed + 1", tc.Data.Seed)
	}
	if tc.LearningRate != cfg.Model.LearningRate {
		t.Errorf("LearningRate = %v, want %v", tc.LearningRate, cfg.Model.LearningRate)
	}
}

func TestModelSpec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.MaxFrames = 64
	spec := cfg.ModelSpec()
	if spec.InputDim != 4 || spec.Classes != 3 || spec.MaxFrames != 64 {
		t.Errorf("ModelSpec() = %+v", spec)
	}
}
