package streamgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/streamgraph/pkg/streamgraph/observability"
)

func failGraph(options string) string {
	return `
input_stream: [in]
output_stream: [out]
node:
  - name: flaky
    calculator: TestFailCalculator
    input_stream: [in]
    output_stream: [out]
    options: ` + options + `
  - name: downstream
    calculator: TestIdentityCalculator
    input_stream: [out]
    output_stream: [final]
`
}

func TestRun_NodeFailure(t *testing.T) {
	tests := []struct {
		name    string
		options string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "process error",
			options: `{fail_on: process, fail_at: 2}`,
			check: func(t *testing.T, err error) {
				var ne *NodeError
				require.ErrorAs(t, err, &ne)
				assert.Equal(t, "flaky", ne.Node)
				assert.Equal(t, OpProcess, ne.Op)
				assert.Equal(t, Timestamp(2), ne.Timestamp)
				assert.ErrorIs(t, err, errTestFailure)
				assert.Contains(t, err.Error(), "node flaky: process at 2")
			},
		},
		{
			name:    "process panic",
			options: `{fail_on: process, fail_at: 1, mode: panic}`,
			check: func(t *testing.T, err error) {
				var pe *PanicError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, "flaky", pe.Node)
				assert.Equal(t, OpProcess, pe.Op)
				assert.Equal(t, "test panic in process", pe.Value)
				assert.NotEmpty(t, pe.Stack)
			},
		},
		{
			name:    "close error",
			options: `{fail_on: close}`,
			check: func(t *testing.T, err error) {
				var ne *NodeError
				require.ErrorAs(t, err, &ne)
				assert.Equal(t, OpClose, ne.Op)
				assert.ErrorIs(t, err, errTestFailure)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGraph(t, failGraph(tt.options))
			final := collect(t, g, "final")
			require.NoError(t, g.StartRun(nil))
			for i := 0; i < 4; i++ {
				if err := g.AddPacketToInputStream("in", MakePacket(i).At(Timestamp(i))); err != nil {
					// The run may already have failed.
					break
				}
			}
			_ = g.CloseAllInputStreams()

			err := g.WaitUntilDone(testCtx(t))
			require.Error(t, err)
			tt.check(t, err)
			assert.True(t, g.HasError())
			assert.Equal(t, StateDone, g.State())

			for _, p := range final.packets() {
				assert.Less(t, p.Timestamp(), Timestamp(4), "nothing is forwarded past the failure")
			}
			assert.Error(t, g.AddPacketToInputStream("in", MakePacket(9).At(9)))
		})
	}
}

func TestRun_OpenFailure(t *testing.T) {
	g := newTestGraph(t, failGraph(`{fail_on: open}`))
	err := g.StartRun(nil)

	var ne *NodeError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, OpOpen, ne.Op)
	assert.ErrorIs(t, err, errTestFailure)
	assert.Equal(t, StateDone, g.State(), "StartRun returns after the run has wound down")
	assert.ErrorIs(t, g.AddPacketToInputStream("in", MakePacket(1).At(0)), errTestFailure)
	assert.ErrorIs(t, g.WaitUntilDone(testCtx(t)), errTestFailure)
}

func TestRun_ObserverError(t *testing.T) {
	g := newTestGraph(t, passThroughGraph)
	require.NoError(t, g.ObserveOutputStream("out", func(p Packet) error {
		if p.Timestamp() == 1 {
			return errTestFailure
		}
		return nil
	}))
	require.NoError(t, g.StartRun(nil))
	require.NoError(t, g.AddPacketToInputStream("in", MakePacket(0).At(0)))
	_ = g.AddPacketToInputStream("in", MakePacket(1).At(1))

	err := g.WaitUntilDone(testCtx(t))
	assert.ErrorIs(t, err, errTestFailure)
	assert.Contains(t, err.Error(), `observer on stream "out"`)
}

func TestRun_PollerReportsRunError(t *testing.T) {
	g := newTestGraph(t, failGraph(`{fail_on: process, fail_at: 0}`))
	poller, err := g.AddOutputStreamPoller("out")
	require.NoError(t, err)
	assert.Equal(t, "out", poller.Name())

	require.NoError(t, g.StartRun(nil))
	require.NoError(t, g.AddPacketToInputStream("in", MakePacket(0).At(0)))

	_, err = poller.Next(testCtx(t))
	assert.ErrorIs(t, err, errTestFailure)
	assert.Zero(t, poller.Len())
}

const sidePacketGraph = `
input_stream: [in]
output_stream: [out]
input_side_packet: [factor]
output_side_packet: [total]
node:
  - name: scale
    calculator: TestScaleCalculator
    input_stream: [in]
    output_stream: [out]
    input_side_packet: ["FACTOR:factor", "OFFSET:offset"]
    output_side_packet: ["TOTAL:total"]
`

func TestRun_SidePackets(t *testing.T) {
	t.Run("supplied and produced", func(t *testing.T) {
		g := newTestGraph(t, sidePacketGraph)
		out := collect(t, g, "out")
		require.NoError(t, g.StartRun(map[string]Packet{"factor": MakePacket(2)}))
		for i := 1; i <= 3; i++ {
			require.NoError(t, g.AddPacketToInputStream("in", MakePacket(i).At(Timestamp(i))))
		}
		require.NoError(t, g.CloseAllInputStreams())
		require.NoError(t, g.WaitUntilDone(testCtx(t)))

		assert.Equal(t, []int{2, 4, 6}, out.ints(t))
		total, err := g.GetOutputSidePacket("total")
		require.NoError(t, err)
		assert.Equal(t, 12, MustGet[int](total))

		factor, err := g.GetOutputSidePacket("factor")
		require.NoError(t, err)
		assert.Equal(t, 2, MustGet[int](factor))
		assert.Equal(t, Unset, factor.Timestamp(), "side packets carry no timestamp")

		_, err = g.GetOutputSidePacket("nope")
		assert.ErrorIs(t, err, ErrUnknownSidePacket)
		_, err = g.GetOutputSidePacket("offset")
		assert.ErrorIs(t, err, ErrSidePacketNotSet, "optional and never supplied")
	})

	t.Run("optional side packet", func(t *testing.T) {
		g := newTestGraph(t, sidePacketGraph)
		out := collect(t, g, "out")
		require.NoError(t, g.StartRun(map[string]Packet{"factor": MakePacket(2), "offset": MakePacket(100)}))
		require.NoError(t, g.AddPacketToInputStream("in", MakePacket(1).At(0)))
		require.NoError(t, g.CloseAllInputStreams())
		require.NoError(t, g.WaitUntilDone(testCtx(t)))
		assert.Equal(t, []int{102}, out.ints(t))
	})

	t.Run("missing required", func(t *testing.T) {
		g := newTestGraph(t, sidePacketGraph)
		err := g.StartRun(nil)
		assert.ErrorIs(t, err, ErrMissingSidePacket)
		assert.Contains(t, err.Error(), "factor")
		assert.Equal(t, StateInitialized, g.State())
	})

	t.Run("wrong type", func(t *testing.T) {
		g := newTestGraph(t, sidePacketGraph)
		err := g.StartRun(map[string]Packet{"factor": MakePacket("two")})
		assert.ErrorIs(t, err, ErrTypeMismatch)
		assert.Contains(t, err.Error(), "side packet factor")
	})

	t.Run("node does not set declared output", func(t *testing.T) {
		cfg := mustParse(t, sidePacketGraph)
		cfg.Nodes[0].Options = map[string]any{"skip_total": true}
		g, err := NewCalculatorGraphFromConfig(cfg, WithLogger(nil))
		require.NoError(t, err)
		require.NoError(t, g.StartRun(map[string]Packet{"factor": MakePacket(2)}))
		require.NoError(t, g.CloseAllInputStreams())
		err = g.WaitUntilDone(testCtx(t))
		assert.ErrorIs(t, err, ErrSidePacketNotSet)
		assert.Contains(t, err.Error(), `"total"`)
	})
}

func TestRun_SidePacketFromNode(t *testing.T) {
	g := newTestGraph(t, `
input_stream: [in]
output_stream: [out]
node:
  - name: scale
    calculator: TestScaleCalculator
    input_stream: [in]
    output_stream: [out]
    input_side_packet: ["FACTOR:factor"]
  - name: factor
    calculator: TestSideSourceCalculator
    output_side_packet: ["VALUE:factor"]
    options: {value: 3}
`)
	out := collect(t, g, "out")
	require.NoError(t, g.StartRun(nil))
	require.NoError(t, g.AddPacketToInputStream("in", MakePacket(1).At(0)))
	require.NoError(t, g.AddPacketToInputStream("in", MakePacket(2).At(1)))
	require.NoError(t, g.CloseAllInputStreams())
	require.NoError(t, g.WaitUntilDone(testCtx(t)))
	assert.Equal(t, []int{3, 6}, out.ints(t))
}

func TestRun_Services(t *testing.T) {
	const twoUsers = `
node:
  - name: first
    calculator: TestServiceCalculator
  - name: second
    calculator: TestServiceCalculator
`

	t.Run("default object is shared", func(t *testing.T) {
		g := newTestGraph(t, twoUsers)
		require.NoError(t, g.StartRun(nil))
		require.NoError(t, g.WaitUntilDone(testCtx(t)))

		svc, ok := GetServiceObject(g, counterSvc)
		require.True(t, ok)
		assert.Equal(t, int64(2), svc.opens.Load())
	})

	t.Run("supplied object wins", func(t *testing.T) {
		g := newTestGraph(t, twoUsers)
		obj := &counterService{}
		require.NoError(t, SetServiceObject(g, counterSvc, obj))
		require.NoError(t, g.StartRun(nil))
		require.NoError(t, g.WaitUntilDone(testCtx(t)))
		assert.Equal(t, int64(2), obj.opens.Load())
	})

	t.Run("default init disallowed", func(t *testing.T) {
		g := newTestGraph(t, `
node:
  - calculator: TestStrictServiceCalculator
`)
		err := g.StartRun(nil)
		assert.ErrorIs(t, err, ErrInternal)
		assert.Contains(t, err.Error(), "default initialization is disallowed")

		obj := &counterService{}
		require.NoError(t, SetServiceObject(g, strictSvc, obj))
		require.NoError(t, g.StartRun(nil))
		require.NoError(t, g.WaitUntilDone(testCtx(t)))
		assert.Equal(t, int64(1), obj.opens.Load())
	})

	t.Run("cannot set during a run", func(t *testing.T) {
		g := newTestGraph(t, passThroughGraph)
		require.NoError(t, g.StartRun(nil))
		assert.ErrorIs(t, SetServiceObject(g, counterSvc, &counterService{}), ErrAlreadyRunning)
		require.NoError(t, g.CloseAllInputStreams())
		require.NoError(t, g.WaitUntilDone(testCtx(t)))
	})
}

func TestRun_NestedGraphInheritsService(t *testing.T) {
	const parent = `
output_side_packet: [child]
node:
  - name: nested
    calculator: TestNestedGraphCalculator
    output_side_packet: ["CHILD:child"]
`

	t.Run("inherited", func(t *testing.T) {
		g := newTestGraph(t, parent)
		obj := &counterService{}
		require.NoError(t, SetServiceObject(g, strictSvc, obj))
		require.NoError(t, g.StartRun(nil))
		require.NoError(t, g.WaitUntilDone(testCtx(t)))

		p, err := g.GetOutputSidePacket("child")
		require.NoError(t, err)
		childObj, err := Get[*counterService](p)
		require.NoError(t, err)
		assert.Same(t, obj, childObj, "the child sees the parent's object")
		assert.Equal(t, int64(1), obj.opens.Load())
	})

	t.Run("not inherited", func(t *testing.T) {
		cfg := mustParse(t, parent)
		cfg.Nodes[0].Options = map[string]any{"inherit": false}
		g, err := NewCalculatorGraphFromConfig(cfg, WithLogger(nil))
		require.NoError(t, err)
		require.NoError(t, SetServiceObject(g, strictSvc, &counterService{}))

		err = g.StartRun(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default initialization is disallowed")
	})
}

func TestRun_Observability(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	recorder, err := observability.NewMetricsRecorderWithMeter(mp.Meter("test"))
	require.NoError(t, err)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	g, err := NewCalculatorGraphFromConfig(mustParse(t, `
output_stream: [out]
node:
  - name: src
    calculator: TestSourceCalculator
    output_stream: [x]
    options: {count: 3}
  - name: identity
    calculator: TestIdentityCalculator
    input_stream: [x]
    output_stream: [out]
`),
		WithGraphName("observed"),
		WithRunID("run-obs"),
		WithLogger(logger),
		WithMetricsRecorder(recorder),
		WithSpanManager(observability.NewSpanManagerWithTracer(tp.Tracer("test"))),
	)
	require.NoError(t, err)
	require.NoError(t, g.StartRun(nil))
	require.NoError(t, g.WaitUntilDone(testCtx(t)))

	t.Run("metrics", func(t *testing.T) {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))

		// Open, one call per packet, and Close.
		assert.Equal(t, int64(5), counterValue(t, &rm, "streamgraph.node.process_calls", attribute.String("node", "identity")))
		assert.Equal(t, int64(3), counterValue(t, &rm, "streamgraph.packets.emitted", attribute.String("node", "src")))
		assert.Equal(t, int64(1), counterValue(t, &rm, "streamgraph.graph.runs", attribute.Bool("success", true)))
	})

	t.Run("spans", func(t *testing.T) {
		names := map[string]int{}
		for _, s := range exporter.GetSpans() {
			names[s.Name]++
		}
		assert.Equal(t, 1, names["streamgraph.run"])
		assert.Positive(t, names["streamgraph.node.src"])
		assert.Positive(t, names["streamgraph.node.identity"])
	})

	t.Run("logs", func(t *testing.T) {
		var messages []string
		for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
			var entry map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &entry))
			messages = append(messages, entry["msg"].(string))
			if entry["msg"] == "graph run completed" {
				assert.Equal(t, "run-obs", entry["run_id"])
			}
		}
		assert.Contains(t, messages, "graph run starting")
		assert.Contains(t, messages, "node opened")
		assert.Contains(t, messages, "graph run completed")
	})
}

// counterValue sums the int64 counter data points of name carrying attr.
func counterValue(t *testing.T, rm *metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
					total += dp.Value
				}
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}

func TestRun_FinishedRunStaysQueryable(t *testing.T) {
	g := newTestGraph(t, passThroughGraph)
	require.NoError(t, g.StartRun(nil))
	require.NoError(t, g.CloseAllInputStreams())
	require.NoError(t, g.WaitUntilDone(testCtx(t)))
	require.NoError(t, g.WaitUntilDone(testCtx(t)))
	require.NoError(t, g.WaitUntilIdle(testCtx(t)))
	assert.Equal(t, StateDone, g.State())
}
