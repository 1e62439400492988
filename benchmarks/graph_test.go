package benchmarks

import (
	"fmt"
	"testing"

	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
	"github.com/randalmurphal/streamgraph/pkg/streamgraph/calculators"
)

func streamName(i int) string {
	return fmt.Sprintf("s%d", i)
}

// buildChainConfig returns n pass-through nodes in a line from s0 to sN.
func buildChainConfig(n int) *sg.GraphConfig {
	cfg := &sg.GraphConfig{
		InputStreams:  []string{streamName(0)},
		OutputStreams: []string{streamName(n)},
	}
	for i := 0; i < n; i++ {
		cfg.Nodes = append(cfg.Nodes, sg.NodeConfig{
			Name:          fmt.Sprintf("node%d", i),
			Calculator:    calculators.PassThrough,
			InputStreams:  []string{streamName(i)},
			OutputStreams: []string{streamName(i + 1)},
		})
	}
	return cfg
}

// buildFanConfig returns width pass-through nodes reading s0, joined by one
// node that takes all their outputs.
func buildFanConfig(width int) *sg.GraphConfig {
	cfg := &sg.GraphConfig{
		InputStreams: []string{"in"},
	}
	join := sg.NodeConfig{Name: "join", Calculator: calculators.PassThrough}
	for i := 0; i < width; i++ {
		branch := fmt.Sprintf("branch%d", i)
		cfg.Nodes = append(cfg.Nodes, sg.NodeConfig{
			Name:          branch,
			Calculator:    calculators.PassThrough,
			InputStreams:  []string{"in"},
			OutputStreams: []string{branch},
		})
		join.InputStreams = append(join.InputStreams, branch)
		join.OutputStreams = append(join.OutputStreams, "out_"+branch)
		cfg.OutputStreams = append(cfg.OutputStreams, "out_"+branch)
	}
	cfg.Nodes = append(cfg.Nodes, join)
	return cfg
}

func mustInitialize(b *testing.B, cfg *sg.GraphConfig, opts ...sg.GraphOption) *sg.CalculatorGraph {
	b.Helper()
	g, err := sg.NewCalculatorGraphFromConfig(cfg, append([]sg.GraphOption{sg.WithLogger(nil)}, opts...)...)
	if err != nil {
		b.Fatal(err)
	}
	return g
}

// BenchmarkParseGraphConfig measures YAML parsing of a small graph.
func BenchmarkParseGraphConfig(b *testing.B) {
	src := []byte(`
input_stream: [in]
output_stream: [out]
node:
  - calculator: PassThroughCalculator
    input_stream: [in]
    output_stream: [mid]
  - calculator: PassThroughCalculator
    input_stream: [mid]
    output_stream: [out]
`)
	for i := 0; i < b.N; i++ {
		_, _ = sg.ParseGraphConfig(src)
	}
}

// BenchmarkInitialize_Chain_5 validates a 5-node chain.
func BenchmarkInitialize_Chain_5(b *testing.B) {
	benchmarkInitialize(b, buildChainConfig(5))
}

// BenchmarkInitialize_Chain_50 validates a 50-node chain.
func BenchmarkInitialize_Chain_50(b *testing.B) {
	benchmarkInitialize(b, buildChainConfig(50))
}

// BenchmarkInitialize_Fan_20 validates a 20-wide fan-out and join.
func BenchmarkInitialize_Fan_20(b *testing.B) {
	benchmarkInitialize(b, buildFanConfig(20))
}

func benchmarkInitialize(b *testing.B, cfg *sg.GraphConfig) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		g := sg.NewCalculatorGraph(sg.WithLogger(nil))
		if err := g.Initialize(cfg); err != nil {
			b.Fatal(err)
		}
	}
}
