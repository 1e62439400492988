/*
Package streamgraph executes dataflow graphs of calculators over
timestamped packet streams.

# Overview

A graph is a set of nodes, each running a Calculator, connected by named
streams. Every packet on a stream carries a Timestamp, and timestamps on a
stream strictly increase. Besides packets, producers publish timestamp
bounds: a promise that no packet below the bound will follow. Bounds are
what let a node with several inputs decide that a missing packet is really
missing and not just late.

A node runs when its input stream handler says its inputs are settled at
some timestamp. The default handler waits until every input either has a
packet at that timestamp or has a bound past it. Other handlers group
inputs into independent sync sets (SyncSetInputStreamHandler), treat every
input on its own (ImmediateInputStreamHandler), or let a SELECT input pick
which data input must be settled (MuxInputStreamHandler).

# Basic Usage

Describe the topology, initialize, run, feed, close and wait:

	cfg, err := streamgraph.ParseGraphConfig([]byte(`
	input_stream: [in]
	output_stream: [out]
	node:
	  - calculator: PassThroughCalculator
	    input_stream: [in]
	    output_stream: [out]
	`))
	if err != nil {
	    log.Fatal(err)
	}

	g, err := streamgraph.NewCalculatorGraphFromConfig(cfg)
	if err != nil {
	    log.Fatal(err)
	}
	_ = g.ObserveOutputStream("out", func(p streamgraph.Packet) error {
	    fmt.Println(p)
	    return nil
	})
	if err := g.StartRun(nil); err != nil {
	    log.Fatal(err)
	}
	_ = g.AddPacketToInputStream("in", streamgraph.MakePacket(42).At(0))
	_ = g.CloseAllInputStreams()
	if err := g.WaitUntilDone(context.Background()); err != nil {
	    log.Fatal(err)
	}

# Writing Calculators

A calculator declares its ports in UpdateContract, which runs once per
node at Initialize on a throwaway instance. Open, Process and Close run on
a fresh instance per run and are never called concurrently for the same
node:

	type Doubler struct{ streamgraph.CalculatorBase }

	func (Doubler) UpdateContract(cc *streamgraph.Contract) error {
	    cc.Inputs().Index(0).Set(streamgraph.TypeOf[int]())
	    cc.Outputs().Index(0).Set(streamgraph.TypeOf[int]())
	    cc.SetTimestampOffset(0)
	    return nil
	}

	func (Doubler) Process(cc *streamgraph.CalculatorContext) error {
	    v, err := streamgraph.Get[int](cc.Inputs().Index(0).Packet())
	    if err != nil {
	        return err
	    }
	    return cc.Outputs().Index(0).AddValue(2 * v)
	}

	func init() {
	    streamgraph.Register("Doubler", func() streamgraph.Calculator { return Doubler{} })
	}

Returning ErrStop from a source's Process closes the source. Returning it
from any other node closes every source and graph input stream.

# Errors

Validation problems are reported together from Initialize and match
ErrGraphValidation or ErrConfiguration. Failures inside a calculator end
the run and are returned from StartRun, WaitUntilIdle and WaitUntilDone as
a *NodeError, or *PanicError for a panic.

# Observability

WithLogger, WithMetrics and WithTracing enable structured logs,
OpenTelemetry metrics and spans. See the observability subpackage.
*/
package streamgraph
