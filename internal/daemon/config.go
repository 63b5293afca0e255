// Package daemon holds devmesh configuration and wires the controller
// together: state DB, device group, trainer, health checks and status API.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/devmesh/devmesh/internal/app/trainer"
	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/compute"
	"github.com/devmesh/devmesh/internal/infra/device"
)

// Config holds all devmesh configuration.
type Config struct {
	Devices   DevicesConfig   `toml:"devices"`
	Worker    WorkerConfig    `toml:"worker"`
	Model     ModelConfig     `toml:"model"`
	Training  TrainingConfig  `toml:"training"`
	API       APIConfig       `toml:"api"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// DevicesConfig selects the devices a run uses.
type DevicesConfig struct {
	Names    []string `toml:"names"`
	Blocking bool     `toml:"blocking"`
}

// WorkerConfig controls worker supervision. Durations use time.ParseDuration
// syntax.
type WorkerConfig struct {
	Mode               string `toml:"mode"`
	ResultTimeout      string `toml:"result_timeout"`
	HandshakeTimeout   string `toml:"handshake_timeout"`
	StopWait           string `toml:"stop_wait"`
	PollInterval       string `toml:"poll_interval"`
	ExitOnRuntimeError bool   `toml:"exit_on_runtime_error"`
}

// ModelConfig sizes the reference model.
type ModelConfig struct {
	InputDim     int     `toml:"input_dim"`
	Classes      int     `toml:"classes"`
	LearningRate float64 `toml:"learning_rate"`
	Seed         uint64  `toml:"seed"`
	MaxFrames    int     `toml:"max_frames"`
}

// TrainingConfig controls the trainer.
type TrainingConfig struct {
	Epochs          int    `toml:"epochs"`
	BatchesPerEpoch int    `toml:"batches_per_epoch"`
	EvalBatches     int    `toml:"eval_batches"`
	BatchTime       int    `toml:"batch_time"`
	BatchSize       int    `toml:"batch_size"`
	MaxRestarts     int    `toml:"max_restarts"`
	RestartBackoff  string `toml:"restart_backoff"`
	BreakerFailures uint32 `toml:"breaker_failures"`
}

// APIConfig controls the HTTP status server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Devices: DevicesConfig{
			Names: []string{"cpu0"},
		},
		Worker: WorkerConfig{
			Mode:             "train",
			ResultTimeout:    "1h",
			HandshakeTimeout: "5m",
			StopWait:         "10s",
			PollInterval:     "1s",
		},
		Model: ModelConfig{
			InputDim:     4,
			Classes:      3,
			LearningRate: 0.1,
			Seed:         1,
		},
		Training: TrainingConfig{
			Epochs:          3,
			BatchesPerEpoch: 8,
			EvalBatches:     2,
			BatchTime:       4,
			BatchSize:       8,
			MaxRestarts:     3,
			RestartBackoff:  "500ms",
			BreakerFailures: 3,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11500,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// LoadConfig reads config from $DEVMESH_HOME/config.toml, falling back to
// defaults for anything the file leaves out.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(Home(), "config.toml"))
}

// LoadConfigFile reads config from path. A missing file yields defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if _, err := domain.ParseWorkerMode(cfg.Worker.Mode); err != nil {
		return cfg, fmt.Errorf("parse config: worker.mode: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $DEVMESH_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(Home(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// Home returns the devmesh data directory.
func Home() string {
	if env := os.Getenv("DEVMESH_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".devmesh")
}

// ─── Derived Settings ───────────────────────────────────────────────────────

// ModelSpec is the reference engine sizing.
func (c Config) ModelSpec() compute.Spec {
	return compute.Spec{
		InputDim:     c.Model.InputDim,
		Classes:      c.Model.Classes,
		LearningRate: c.Model.LearningRate,
		Seed:         c.Model.Seed,
		MaxFrames:    c.Model.MaxFrames,
	}
}

// DeviceOptions translates the worker section. Logger and launcher are left
// to the caller.
func (c Config) DeviceOptions() device.Options {
	mode, err := domain.ParseWorkerMode(c.Worker.Mode)
	if err != nil {
		mode = domain.ModeTrain
	}
	// Workers build from this description rather than their own config
	// file. An unencodable spec leaves them on their config file.
	network, _ := c.ModelSpec().Encode()
	return device.Options{
		Mode:             mode,
		ResultTimeout:    parseDuration(c.Worker.ResultTimeout, time.Hour),
		HandshakeTimeout: parseDuration(c.Worker.HandshakeTimeout, 5*time.Minute),
		StopWait:         parseDuration(c.Worker.StopWait, 10*time.Second),
		PollInterval:     parseDuration(c.Worker.PollInterval, time.Second),
		Blocking:         c.Devices.Blocking,
		Builder:          compute.Builder(c.ModelSpec()),
		Network:          network,
	}
}

// TrainerConfig translates the training and model sections.
func (c Config) TrainerConfig() trainer.Config {
	return trainer.Config{
		Epochs:          c.Training.Epochs,
		BatchesPerEpoch: c.Training.BatchesPerEpoch,
		EvalBatches:     c.Training.EvalBatches,
		LearningRate:    c.Model.LearningRate,
		MaxRestarts:     c.Training.MaxRestarts,
		RestartBackoff:  parseDuration(c.Training.RestartBackoff, 500*time.Millisecond),
		BreakerFailures: c.Training.BreakerFailures,
		Data: trainer.DataSpec{
			InputDim:  c.Model.InputDim,
			Classes:   c.Model.Classes,
			Time:      c.Training.BatchTime,
			BatchSize: c.Training.BatchSize,
			Seed:      c.Model.Seed + 1,
		},
	}
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
