// Package txlog wraps log/slog with the bus's structured-logging
// conventions: JSON to stdout, level from LOG_LEVEL, a "component" field
// bound per subsystem, and a helper for tagging a saga or routing slip
// instance's correlation id onto every line it produces.
package txlog

import (
	"log/slog"
	"os"
)

// New creates a structured JSON logger for a bus component (transport,
// consumer pipeline, saga runtime, routing slip executor, ...).
func New(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))})
	return slog.New(handler).With(slog.String("component", component))
}

// parseLevel defers to slog.Level's own text parsing rather than
// hand-rolling the DEBUG/INFO/WARN/ERROR switch, defaulting to INFO for an
// unset or unrecognized value.
func parseLevel(raw string) slog.Level {
	var level slog.Level
	if raw == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// WithCorrelationID binds a saga or routing slip instance's correlation id
// to every record logged through the returned logger, so one instance's
// transition, compensation and fault lines can be grepped together.
func WithCorrelationID(log *slog.Logger, correlationID string) *slog.Logger {
	return log.With(slog.String("correlationId", correlationID))
}
