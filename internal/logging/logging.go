// Package logging builds the zap logger shared by the client.
package logging

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrInvalidLevel indicates an unrecognized log level name.
var ErrInvalidLevel = errors.New("invalid log level")

// Options configures logger construction.
type Options struct {
	Level  string
	Format string // "console" or "json"
	// File receives log output; empty means stderr. The TUI owns the
	// terminal, so interactive runs log to a file.
	File string
}

// New returns a logger for opts.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		cfg.Encoding = "json"
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	out := "stderr"
	if path := strings.TrimSpace(opts.File); path != "" {
		out = path
	}
	cfg.OutputPaths = []string{out}
	cfg.ErrorOutputPaths = []string{out}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidLevel, name)
	}
	return level, nil
}

// OrNop returns logger, or a no-op logger when nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// RedactToken keeps the last four characters of a credential for log lines.
func RedactToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "<redacted>"
	}
	return "<redacted>" + token[len(token)-4:]
}
