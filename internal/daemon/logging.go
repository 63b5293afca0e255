package daemon

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// NewLogger builds the controller logger: console output on stderr, plus
// JSON lines appended to cfg.File when set. The returned closer releases the
// file.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "02/01 15:04:05"}
	closer := io.Closer(nopCloser{})
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}

	lg := zerolog.New(out).Level(level).With().Timestamp().Str("app", "devmesh").Logger()
	zlog.Logger = lg
	return lg, closer, nil
}

// NewWorkerLogger logs JSON lines to stderr. The controller keeps the tail
// of each worker's stderr for its own error reports.
func NewWorkerLogger(cfg LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Int("pid", os.Getpid()).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
