// Package logging wraps log/slog with the configuration surface shared by
// the rest of dnsgate.
package logging

import (
	"io"
	"log/slog"
	"os"

	"dnsgate/pkg/config"
)

// Logger wraps slog.Logger so packages can depend on a single logging type.
type Logger struct {
	*slog.Logger
	cfg *config.LoggingConfig
}

// New creates a logger from configuration.
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		output = f
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler), cfg: cfg}, nil
}

// NewDefault creates a logger with info level, text format, stdout output.
func NewDefault() *Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{
		Logger: slog.New(handler),
		cfg:    &config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	handler := slog.NewTextHandler(io.Discard, nil)
	return &Logger{Logger: slog.New(handler), cfg: &config.LoggingConfig{}}
}

// WithField returns a child logger carrying an additional attribute.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Logger: l.Logger.With(key, value), cfg: l.cfg}
}

// WithFields returns a child logger carrying additional attributes.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.Logger.With(args...), cfg: l.cfg}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var global = NewDefault()

// SetGlobal installs the process-wide logger and the slog default.
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global
}
