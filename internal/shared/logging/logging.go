// Package logging builds the slog loggers shared by all gitfleet binaries.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a structured logger for one service. Production gets
// JSON for the log aggregators, everything else human-readable text. The
// service name and environment ride along on every record so fleet-wide
// log streams stay attributable.
func NewLogger(service, level, environment string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(
		slog.String("service", service),
		slog.String("environment", environment),
	)
}

// parseLevel maps a config string to a slog level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
