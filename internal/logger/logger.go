// Package logger configures the process-wide structured logger using
// log/slog. Lifecycle and administrative events go through slog; hot-path
// stream code keeps plain log.Printf lines with a [tag] prefix.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Init creates a JSON logger for the given service and installs it as the
// slog default, so package-level slog.Info() etc. carry the service field.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog level. Unknown values fall back
// to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
