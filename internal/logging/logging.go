// Package logging builds the zerolog logger shared by the commands.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, format, and destination of the log.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output string // stdout, stderr, or a file path
}

// Logger is a zerolog.Logger that owns its output file, if any.
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New returns a logger writing to cfg.Output. Empty fields select info,
// console, and stderr.
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	l := &Logger{}
	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open %s: %w", cfg.Output, err)
		}
		l.file = f
		out = f
	}

	zl, err := build(out, cfg.Format, level)
	if err != nil {
		if l.file != nil {
			_ = l.file.Close()
		}
		return nil, err
	}
	l.Logger = zl

	return l, nil
}

// NewWriter returns a logger writing to w.
func NewWriter(w io.Writer, format, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	return build(w, format, lvl)
}

func build(out io.Writer, format string, level zerolog.Level) (zerolog.Logger, error) {
	switch format {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// WithRunID tags every event of log with the run id.
func WithRunID(log zerolog.Logger, runID string) zerolog.Logger {
	return log.With().Str("run_id", runID).Logger()
}

// Close closes the log file, if the logger owns one.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
