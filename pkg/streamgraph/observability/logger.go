// Package observability provides structured logging, metrics and tracing
// for streamgraph runs.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds run and node context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "gate")
//	enriched.Info("doing work") // includes run_id, node
func EnrichLogger(logger *slog.Logger, runID, node string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node", node),
	)
}

// LogRunStart logs the start of a graph run.
func LogRunStart(logger *slog.Logger, runID string, nodes int) {
	if logger == nil {
		return
	}
	logger.Info("graph run starting",
		slog.String("run_id", runID),
		slog.Int("nodes", nodes),
	)
}

// LogRunComplete logs successful graph run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, processCalls int64) {
	if logger == nil {
		return
	}
	logger.Info("graph run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int64("process_calls", processCalls),
	)
}

// LogRunError logs graph run failure.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("graph run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogNodeOpen logs a node being opened.
func LogNodeOpen(logger *slog.Logger, node, calculator string) {
	if logger == nil {
		return
	}
	logger.Debug("node opened",
		slog.String("node", node),
		slog.String("calculator", calculator),
	)
}

// LogNodeClose logs a node being closed.
func LogNodeClose(logger *slog.Logger, node string, processCalls int64) {
	if logger == nil {
		return
	}
	logger.Debug("node closed",
		slog.String("node", node),
		slog.Int64("process_calls", processCalls),
	)
}

// LogNodeError logs a failed calculator callback. op is open, process or close.
func LogNodeError(logger *slog.Logger, node, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("node failed",
		slog.String("node", node),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogValidationWarning logs a topology oddity that does not fail Initialize.
func LogValidationWarning(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	logger.Warn(msg, args...)
}

// LogRecordError logs a packet recorder failure (non-fatal).
func LogRecordError(logger *slog.Logger, stream string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("packet record failed",
		slog.String("stream", stream),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return durationMs(time.Since(start))
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
