package calculators_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
	"github.com/randalmurphal/streamgraph/pkg/streamgraph/calctest"
	"github.com/randalmurphal/streamgraph/pkg/streamgraph/calculators"
)

func init() {
	sg.Register("TestAddOneCalculator", func() sg.Calculator { return &addOne{} })
	calculators.RegisterLoop[point]("BeginLoopPointCalculator", "EndLoopPointCalculator")
}

type point struct{ X, Y int }

// addOne is a loop body that increments ints.
type addOne struct{ sg.CalculatorBase }

func (c *addOne) UpdateContract(cc *sg.Contract) error {
	cc.Inputs().Index(0).Set(sg.TypeOf[int]())
	cc.Outputs().Index(0).Set(sg.TypeOf[int]())
	cc.SetTimestampOffset(0)
	return nil
}

func (c *addOne) Process(cc *sg.CalculatorContext) error {
	v, err := sg.Get[int](cc.Inputs().Index(0).Packet())
	if err != nil {
		return err
	}
	return cc.Outputs().Index(0).AddValue(v + 1)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newRunner(node sg.NodeConfig) *calctest.Runner {
	return calctest.NewRunner(node, sg.WithLogger(nil))
}

func newGraph(t *testing.T, src string) *sg.CalculatorGraph {
	t.Helper()
	cfg, err := sg.ParseGraphConfig([]byte(src))
	require.NoError(t, err)
	g, err := sg.NewCalculatorGraphFromConfig(cfg, sg.WithLogger(nil))
	require.NoError(t, err)
	return g
}

// observe records the packets on stream.
func observe(t *testing.T, g *sg.CalculatorGraph, stream string) func() []sg.Packet {
	t.Helper()
	poller, err := g.AddOutputStreamPoller(stream)
	require.NoError(t, err)
	var got []sg.Packet
	return func() []sg.Packet {
		for poller.Len() > 0 {
			p, err := poller.Next(testCtx(t))
			require.NoError(t, err)
			got = append(got, p)
		}
		return got
	}
}

func timestamps(pkts []sg.Packet) []sg.Timestamp {
	out := make([]sg.Timestamp, len(pkts))
	for i, p := range pkts {
		out[i] = p.Timestamp()
	}
	return out
}
