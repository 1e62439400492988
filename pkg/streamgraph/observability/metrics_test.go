package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a recorder
// bound to it together with its reader.
func setupMetricsTest(t *testing.T) (MetricsRecorder, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})

	m, err := NewMetricsRecorderWithMeter(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the data point carrying attr.
func sumFor(t *testing.T, m *metricdata.Metrics, attr attribute.KeyValue) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	defer func() {
		otel.SetMeterProvider(original)
		_ = provider.Shutdown(context.Background())
	}()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordProcess(t *testing.T) {
	m, reader := setupMetricsTest(t)
	ctx := context.Background()

	m.RecordProcess(ctx, "gate", 2*time.Millisecond, nil)
	m.RecordProcess(ctx, "gate", 3*time.Millisecond, nil)
	m.RecordProcess(ctx, "mux", time.Millisecond, errors.New("bad select"))

	rm := collectMetrics(t, reader)

	calls := findMetric(rm, "streamgraph.node.process_calls")
	assert.Equal(t, int64(2), sumFor(t, calls, attribute.String("node", "gate")))
	assert.Equal(t, int64(1), sumFor(t, calls, attribute.String("node", "mux")))

	errs := findMetric(rm, "streamgraph.node.errors")
	assert.Equal(t, int64(0), sumFor(t, errs, attribute.String("node", "gate")))
	assert.Equal(t, int64(1), sumFor(t, errs, attribute.String("node", "mux")))

	latency := findMetric(rm, "streamgraph.node.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "Expected Histogram type")
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestRecordPacketsEmitted(t *testing.T) {
	m, reader := setupMetricsTest(t)
	ctx := context.Background()

	m.RecordPacketsEmitted(ctx, "gate", "out", 4)
	m.RecordPacketsEmitted(ctx, "gate", "out", 0)
	m.RecordPacketsEmitted(ctx, "gate", "out", 2)

	rm := collectMetrics(t, reader)
	emitted := findMetric(rm, "streamgraph.packets.emitted")
	assert.Equal(t, int64(6), sumFor(t, emitted, attribute.String("stream", "out")))
}

func TestRecordGraphRun(t *testing.T) {
	m, reader := setupMetricsTest(t)
	ctx := context.Background()

	m.RecordGraphRun(ctx, true, 10*time.Millisecond)
	m.RecordGraphRun(ctx, false, 5*time.Millisecond)
	m.RecordGraphRun(ctx, true, 7*time.Millisecond)

	rm := collectMetrics(t, reader)
	runs := findMetric(rm, "streamgraph.graph.runs")
	assert.Equal(t, int64(2), sumFor(t, runs, attribute.Bool("success", true)))
	assert.Equal(t, int64(1), sumFor(t, runs, attribute.Bool("success", false)))

	assert.NotNil(t, findMetric(rm, "streamgraph.graph.latency_ms"))
}
