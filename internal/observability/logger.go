package observability

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// LoggerConfig controls how the process-wide zerolog logger is built.
// Components derive their own child loggers from it with
// .With().Str("component", ...) rather than taking separate configs.
type LoggerConfig struct {
	Level      zerolog.Level
	Format     string // "json" or "console"
	OutputPath string // file path or "stdout"
	Caller     bool
	Stack      bool
	Service    string
	Version    string
}

// NewLogger builds the root logger. Every line carries the timestamp,
// service name, and version so aggregated logs from multiple deployments
// stay distinguishable.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.OutputPath == "" || cfg.OutputPath == "stdout" {
		output = os.Stdout
	} else {
		file, err := openLogFile(cfg.OutputPath)
		if err != nil {
			// A broken log path should not take the process down.
			output = os.Stdout
		} else {
			output = file
		}
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).
		Level(cfg.Level).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Str("version", cfg.Version).
		Logger()

	if cfg.Caller {
		logger = logger.With().Caller().Logger()
	}
	if cfg.Stack {
		logger = logger.With().Stack().Logger()
	}

	return logger
}

// openLogFile opens path for appending, creating parent directories as
// needed. The file stays open for the lifetime of the process.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// NewNopLogger returns a logger that discards everything, for tests.
func NewNopLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
