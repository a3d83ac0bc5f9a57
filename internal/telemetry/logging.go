// Package telemetry wires structured logging and OpenTelemetry
// tracing/metrics the same way libs/go/core does for every swarmguard
// service, renamed to the TASKMESH_ env prefix.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs and returns the process-wide slog logger for
// service at the given level ("trace" maps to debug; unknown levels fall
// back to info), as JSON when jsonLog is set.
func InitLogger(service, level string, jsonLog bool) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if jsonLog || strings.EqualFold(os.Getenv("TASKMESH_JSON_LOG"), "true") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
