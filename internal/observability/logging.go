// Package observability carries the ambient stack — structured logging,
// distributed tracing, and Prometheus metrics — that every dispatcher loop
// in this module uses.
package observability

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// The logger itself is built once and never replaced; the only mutable
// piece is its level, and slog.LevelVar is already safe for concurrent
// use, so no pointer swapping is needed.
var (
	logLevel = func() *slog.LevelVar {
		v := new(slog.LevelVar)
		v.Set(slog.LevelInfo)
		return v
	}()
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
)

// Log returns the process-wide operational logger.
func Log() *slog.Logger {
	return logger
}

// SetLevelFromString sets the operational log level. Parsing accepts
// whatever slog.Level itself does ("debug", "WARN", "error", "INFO+2",
// ...); anything unparseable falls back to info rather than erroring —
// this is a deploy-time knob, not a user-facing validation point.
func SetLevelFromString(level string) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		parsed = slog.LevelInfo
	}
	logLevel.Set(parsed)
}

// CorrelationID renders the trace-tail identifier as the correlation
// attribute every dispatcher attaches to log lines about a given envelope.
func CorrelationID(id uuid.UUID) slog.Attr {
	return slog.String("correlation_id", id.String())
}
