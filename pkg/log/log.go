package log

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

var (
	DefaultLogger = slog.Default()
)

// Logger is an interface that provides methods for logging messages with different severity levels.
type Logger interface {
	// Debug logs a debug message with optional keys and values.
	Debug(msg string, keysAndValues ...any)
	// Info logs an informational message with optional keys and values.
	Info(msg string, keysAndValues ...any)
	// Warn logs a warning message with optional keys and values.
	Warn(msg string, keysAndValues ...any)
	// Error logs an error message with optional keys and values.
	Error(msg string, keysAndValues ...any)
}

// New builds a slog logger writing text or json records at the given level.
func New(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func Debug(msg string, keysAndValues ...any) {
	DefaultLogger.Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	DefaultLogger.Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	DefaultLogger.Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	DefaultLogger.Error(msg, keysAndValues...)
}
