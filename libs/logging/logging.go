package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide structured logger. Records go to
// stdout as JSON with service and env attached to every line.
func NewLogger(level string, serviceName string, env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, serviceName, env)
}

func NewLoggerTo(w io.Writer, level string, serviceName string, env string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
}

// ParseLevel maps a config string to a slog level. Unknown values fall
// back to info rather than erroring.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
