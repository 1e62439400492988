// Package calctest runs a single calculator in isolation for tests.
//
// The node's input streams and input side packets become graph inputs and
// every output stream is recorded:
//
//	r := calctest.NewRunner(streamgraph.NodeConfig{
//	    Calculator:    calculators.PacketRate,
//	    InputStreams:  []string{"in"},
//	    OutputStreams: []string{"rate"},
//	})
//	r.AddInput("in", streamgraph.MakePacket(1).At(1), streamgraph.MakePacket(2).At(1001))
//	err := r.Run(ctx, nil)
//	got := r.Outputs("rate")
package calctest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
)

// Runner drives one node through a full run.
type Runner struct {
	node  sg.NodeConfig
	opts  []sg.GraphOption
	input map[string][]sg.Packet

	mu      sync.Mutex
	outputs map[string][]sg.Packet
	graph   *sg.CalculatorGraph
}

// NewRunner creates a runner for node.
func NewRunner(node sg.NodeConfig, opts ...sg.GraphOption) *Runner {
	return &Runner{
		node:    node,
		opts:    opts,
		input:   make(map[string][]sg.Packet),
		outputs: make(map[string][]sg.Packet),
	}
}

// AddInput queues packets for the named input stream.
func (r *Runner) AddInput(stream string, pkts ...sg.Packet) {
	r.input[stream] = append(r.input[stream], pkts...)
}

// Config returns the single-node graph the runner builds.
func (r *Runner) Config() (*sg.GraphConfig, error) {
	cfg := &sg.GraphConfig{Nodes: []sg.NodeConfig{r.node}}
	for _, s := range r.node.InputStreams {
		_, name, err := sg.ParseTagIndexName(s)
		if err != nil {
			return nil, err
		}
		cfg.InputStreams = append(cfg.InputStreams, name)
	}
	for _, s := range r.node.OutputStreams {
		_, name, err := sg.ParseTagIndexName(s)
		if err != nil {
			return nil, err
		}
		cfg.OutputStreams = append(cfg.OutputStreams, name)
	}
	for _, s := range r.node.OutputSidePackets {
		_, name, err := sg.ParseTagIndexName(s)
		if err != nil {
			return nil, err
		}
		cfg.OutputSidePackets = append(cfg.OutputSidePackets, name)
	}
	return cfg, nil
}

// Run initializes the graph, feeds the queued inputs in timestamp order,
// closes the inputs and waits for the run to finish. Outputs recorded
// before a failure stay available.
func (r *Runner) Run(ctx context.Context, sidePackets map[string]sg.Packet) error {
	cfg, err := r.Config()
	if err != nil {
		return err
	}
	g, err := sg.NewCalculatorGraphFromConfig(cfg, r.opts...)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.graph = g
	r.outputs = make(map[string][]sg.Packet)
	r.mu.Unlock()

	for _, name := range cfg.OutputStreams {
		name := name
		if err := g.ObserveOutputStream(name, func(p sg.Packet) error {
			r.mu.Lock()
			r.outputs[name] = append(r.outputs[name], p)
			r.mu.Unlock()
			return nil
		}); err != nil {
			return err
		}
	}

	if err := g.StartRun(sidePackets); err != nil {
		return err
	}
	for _, in := range r.ordered() {
		if err := g.AddPacketToInputStream(in.stream, in.packet); err != nil {
			return fmt.Errorf("add packet to %s: %w", in.stream, err)
		}
	}
	if err := g.CloseAllInputStreams(); err != nil {
		return err
	}
	return g.WaitUntilDone(ctx)
}

type queued struct {
	stream string
	packet sg.Packet
	seq    int
}

// ordered interleaves the queued inputs by timestamp, keeping the order
// of AddInput calls for ties.
func (r *Runner) ordered() []queued {
	var all []queued
	for stream, pkts := range r.input {
		for _, p := range pkts {
			all = append(all, queued{stream: stream, packet: p, seq: len(all)})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.packet.Timestamp() != b.packet.Timestamp() {
			return a.packet.Timestamp() < b.packet.Timestamp()
		}
		if a.stream != b.stream {
			return a.stream < b.stream
		}
		return a.seq < b.seq
	})
	return all
}

// Outputs returns the packets recorded on the named output stream.
func (r *Runner) Outputs(stream string) []sg.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sg.Packet(nil), r.outputs[stream]...)
}

// OutputSidePacket returns an output side packet of the last run.
func (r *Runner) OutputSidePacket(name string) (sg.Packet, error) {
	r.mu.Lock()
	g := r.graph
	r.mu.Unlock()
	if g == nil {
		return sg.Packet{}, sg.ErrNotRunning
	}
	return g.GetOutputSidePacket(name)
}

// Timestamps returns the timestamps of the packets on the named stream.
func (r *Runner) Timestamps(stream string) []sg.Timestamp {
	pkts := r.Outputs(stream)
	ts := make([]sg.Timestamp, len(pkts))
	for i, p := range pkts {
		ts[i] = p.Timestamp()
	}
	return ts
}

// Values returns the values of the packets on the named stream as T.
func Values[T any](r *Runner, stream string) ([]T, error) {
	pkts := r.Outputs(stream)
	vals := make([]T, len(pkts))
	for i, p := range pkts {
		v, err := sg.Get[T](p)
		if err != nil {
			return nil, fmt.Errorf("packet %d on %s: %w", i, stream, err)
		}
		vals[i] = v
	}
	return vals, nil
}
