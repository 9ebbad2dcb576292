package ezproxy

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info (or tip), warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// MaxSizeMB and MaxBackups control rotation of file output.
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`

	// Silent discards every log line.
	Silent bool `mapstructure:"silent"`
}

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info", "tip":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds a logger from cfg. The returned close function releases
// the log file, if any.
func NewLogger(cfg LoggingConfig) (*slog.Logger, func() error, error) {
	noopClose := func() error { return nil }

	if cfg.Silent {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), noopClose, nil
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, noopClose, err
	}

	var (
		w       io.Writer
		closeFn = noopClose
	)
	switch cfg.Output {
	case "", "stderr", "/dev/stderr":
		w = os.Stderr
	case "stdout", "/dev/stdout":
		w = os.Stdout
	default:
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		backups := cfg.MaxBackups
		if backups <= 0 {
			// rotated logs are never deleted without a limit
			backups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    maxSize, // MB
			MaxBackups: backups,
		}
		w = lj
		closeFn = lj.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		_ = closeFn()
		return nil, noopClose, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return slog.New(h), closeFn, nil
}
