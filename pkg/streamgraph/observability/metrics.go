package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records streamgraph metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordProcess records one calculator callback with its duration and
	// error status.
	RecordProcess(ctx context.Context, node string, duration time.Duration, err error)

	// RecordPacketsEmitted records packets a node emitted on one output stream.
	RecordPacketsEmitted(ctx context.Context, node, stream string, n int64)

	// RecordGraphRun records a graph run completion.
	RecordGraphRun(ctx context.Context, success bool, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	processCalls   metric.Int64Counter
	nodeLatency    metric.Float64Histogram
	nodeErrors     metric.Int64Counter
	packetsEmitted metric.Int64Counter
	graphRuns      metric.Int64Counter
	graphLatency   metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the OTel instruments.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("streamgraph"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	processCalls, err := meter.Int64Counter("streamgraph.node.process_calls",
		metric.WithDescription("Number of calculator Process calls"),
	)
	if err != nil {
		return nil, err
	}

	nodeLatency, err := meter.Float64Histogram("streamgraph.node.latency_ms",
		metric.WithDescription("Calculator callback latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	nodeErrors, err := meter.Int64Counter("streamgraph.node.errors",
		metric.WithDescription("Number of calculator callback errors"),
	)
	if err != nil {
		return nil, err
	}

	packetsEmitted, err := meter.Int64Counter("streamgraph.packets.emitted",
		metric.WithDescription("Number of packets emitted on output streams"),
	)
	if err != nil {
		return nil, err
	}

	graphRuns, err := meter.Int64Counter("streamgraph.graph.runs",
		metric.WithDescription("Number of graph runs"),
	)
	if err != nil {
		return nil, err
	}

	graphLatency, err := meter.Float64Histogram("streamgraph.graph.latency_ms",
		metric.WithDescription("Graph run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		processCalls:   processCalls,
		nodeLatency:    nodeLatency,
		nodeErrors:     nodeErrors,
		packetsEmitted: packetsEmitted,
		graphRuns:      graphRuns,
		graphLatency:   graphLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithMeter returns a MetricsRecorder bound to meter
// instead of the global provider.
func NewMetricsRecorderWithMeter(meter metric.Meter) (MetricsRecorder, error) {
	m, err := newOtelMetrics(meter)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordProcess records a calculator callback.
func (m *otelMetrics) RecordProcess(ctx context.Context, node string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("node", node))

	m.processCalls.Add(ctx, 1, attrs)
	m.nodeLatency.Record(ctx, durationMs(duration), attrs)

	if err != nil {
		m.nodeErrors.Add(ctx, 1, attrs)
	}
}

// RecordPacketsEmitted records emitted packets.
func (m *otelMetrics) RecordPacketsEmitted(ctx context.Context, node, stream string, n int64) {
	if n <= 0 {
		return
	}
	m.packetsEmitted.Add(ctx, n, metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("stream", stream),
	))
}

// RecordGraphRun records a graph run.
func (m *otelMetrics) RecordGraphRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.graphRuns.Add(ctx, 1, attrs)
	m.graphLatency.Record(ctx, durationMs(duration), attrs)
}
