package streamgraph

import (
	"log/slog"

	"github.com/randalmurphal/streamgraph/pkg/streamgraph/observability"
)

// graphOptions holds configuration for a CalculatorGraph.
type graphOptions struct {
	name       string
	logger     *slog.Logger
	metrics    bool
	tracing    bool
	recorder   observability.MetricsRecorder
	spans      observability.SpanManager
	runID      string
	numThreads int
}

func defaultGraphOptions() graphOptions {
	return graphOptions{
		name:   "graph",
		logger: slog.Default(),
	}
}

// GraphOption configures a CalculatorGraph.
type GraphOption func(*graphOptions)

// WithGraphName sets the name reported on run spans.
// Default: "graph"
func WithGraphName(name string) GraphOption {
	return func(o *graphOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger for run and node events. Calculators get it
// enriched with run_id and node. A nil logger disables logging.
//
// Example:
//
//	g := streamgraph.NewCalculatorGraph(streamgraph.WithLogger(slog.Default()))
func WithLogger(logger *slog.Logger) GraphOption {
	return func(o *graphOptions) {
		o.logger = logger
	}
}

// WithMetrics enables OpenTelemetry metrics through the global meter
// provider.
func WithMetrics(enabled bool) GraphOption {
	return func(o *graphOptions) {
		o.metrics = enabled
	}
}

// WithMetricsRecorder sets the metrics recorder directly, typically one
// built with observability.NewMetricsRecorderWithMeter in tests.
func WithMetricsRecorder(m observability.MetricsRecorder) GraphOption {
	return func(o *graphOptions) {
		o.metrics = m != nil
		o.recorder = m
	}
}

// WithTracing enables OpenTelemetry spans through the global tracer
// provider.
func WithTracing(enabled bool) GraphOption {
	return func(o *graphOptions) {
		o.tracing = enabled
	}
}

// WithSpanManager sets the span manager directly.
func WithSpanManager(s observability.SpanManager) GraphOption {
	return func(o *graphOptions) {
		o.tracing = s != nil
		o.spans = s
	}
}

// WithRunID fixes the run ID instead of generating a UUID per run.
func WithRunID(id string) GraphOption {
	return func(o *graphOptions) {
		o.runID = id
	}
}

// WithNumThreads sizes the default executor when the config does not.
// Default: runtime.NumCPU()
func WithNumThreads(n int) GraphOption {
	return func(o *graphOptions) {
		if n > 0 {
			o.numThreads = n
		}
	}
}

func (o *graphOptions) metricsRecorder() observability.MetricsRecorder {
	switch {
	case !o.metrics:
		return observability.NoopMetrics{}
	case o.recorder != nil:
		return o.recorder
	}
	return observability.NewMetricsRecorder()
}

func (o *graphOptions) spanManager() observability.SpanManager {
	switch {
	case !o.tracing:
		return observability.NoopSpanManager{}
	case o.spans != nil:
		return o.spans
	}
	return observability.NewSpanManager()
}
