package streamgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/streamgraph/pkg/streamgraph/observability"
	"github.com/randalmurphal/streamgraph/pkg/streamgraph/registry"
)

// GraphState is the lifecycle state reported by CalculatorGraph.State.
type GraphState int

const (
	// StateUnconfigured is a graph before Initialize.
	StateUnconfigured GraphState = iota
	// StateInitialized is a validated graph that has not started a run.
	StateInitialized
	// StateRunning is a run with scheduled work.
	StateRunning
	// StateIdle is a run with no schedulable node.
	StateIdle
	// StateDraining is a run whose inputs or sources were closed, or that
	// failed, and is shutting down.
	StateDraining
	// StateDone is a finished run. StartRun may be called again.
	StateDone
)

func (s GraphState) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("GraphState(%d)", int(s))
}

// CalculatorGraph owns a validated topology and executes runs over it.
//
// The lifecycle is Initialize, then StartRun, then any number of packet
// injections and bound updates, then CloseAllInputStreams and
// WaitUntilDone. A finished graph can be started again; every run gets
// fresh calculator instances.
type CalculatorGraph struct {
	opts graphOptions

	mu        sync.Mutex
	topo      *topology
	services  *registry.Registry[string, any]
	observers map[string][]func(Packet) error
	pollers   map[string][]*OutputStreamPoller
	run       *graphRun
}

// NewCalculatorGraph creates an unconfigured graph.
func NewCalculatorGraph(opts ...GraphOption) *CalculatorGraph {
	o := defaultGraphOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &CalculatorGraph{
		opts:      o,
		services:  registry.New[string, any](),
		observers: make(map[string][]func(Packet) error),
		pollers:   make(map[string][]*OutputStreamPoller),
	}
}

// NewCalculatorGraphFromConfig creates and initializes a graph.
func NewCalculatorGraphFromConfig(cfg *GraphConfig, opts ...GraphOption) (*CalculatorGraph, error) {
	g := NewCalculatorGraph(opts...)
	if err := g.Initialize(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Initialize validates cfg and fixes the topology. All problems found are
// reported together.
func (g *CalculatorGraph) Initialize(cfg *GraphConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topo != nil {
		return ErrAlreadyInitialized
	}
	if cfg == nil {
		return Configf("graph config is nil")
	}
	t, err := buildTopology(cfg)
	if err != nil {
		return err
	}
	for _, name := range t.graphInputs {
		if len(t.streams[name].consumers) == 0 {
			observability.LogValidationWarning(g.opts.logger, "graph input stream has no consumers",
				slog.String("stream", name))
		}
	}
	g.topo = t
	return nil
}

// State reports where the graph is in its lifecycle.
func (g *CalculatorGraph) State() GraphState {
	g.mu.Lock()
	t, r := g.topo, g.run
	g.mu.Unlock()
	switch {
	case t == nil:
		return StateUnconfigured
	case r == nil:
		return StateInitialized
	}
	return r.state()
}

// ObserveOutputStream calls fn for every packet on the named stream, in
// timestamp order, on the producing node's worker. An error from fn fails
// the run. Observers must be added before StartRun and apply to every
// later run.
func (g *CalculatorGraph) ObserveOutputStream(name string, fn func(Packet) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkAttachLocked(name); err != nil {
		return err
	}
	g.observers[name] = append(g.observers[name], fn)
	return nil
}

// AddOutputStreamPoller returns a poller that receives every packet on the
// named stream. Pollers must be added before StartRun.
func (g *CalculatorGraph) AddOutputStreamPoller(name string) (*OutputStreamPoller, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkAttachLocked(name); err != nil {
		return nil, err
	}
	p := newOutputStreamPoller(name)
	g.pollers[name] = append(g.pollers[name], p)
	return p, nil
}

func (g *CalculatorGraph) checkAttachLocked(name string) error {
	if g.topo == nil {
		return ErrNotInitialized
	}
	if g.run != nil && !g.run.isFinished() {
		return ErrAlreadyRunning
	}
	if _, ok := g.topo.streams[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	return nil
}

func (g *CalculatorGraph) setServiceObject(key string, obj any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.run != nil && !g.run.isFinished() {
		return ErrAlreadyRunning
	}
	g.services.Register(key, obj)
	return nil
}

// StartRun validates the input side packets, opens every node that can
// open and starts scheduling. It returns once those nodes are open, or
// with the error of the first one that failed to open.
func (g *CalculatorGraph) StartRun(sidePackets map[string]Packet) error {
	g.mu.Lock()
	if g.topo == nil {
		g.mu.Unlock()
		return ErrNotInitialized
	}
	if g.run != nil && !g.run.isFinished() {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := g.checkSidePackets(sidePackets); err != nil {
		g.mu.Unlock()
		return err
	}
	if err := g.resolveServices(); err != nil {
		g.mu.Unlock()
		return err
	}
	runID := g.opts.runID
	if runID == "" {
		runID = uuid.New().String()
	}
	r, err := newGraphRun(g, runID, sidePackets)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	g.run = r
	g.mu.Unlock()

	return r.startRun()
}

func (g *CalculatorGraph) checkSidePackets(supplied map[string]Packet) error {
	for _, name := range g.topo.graphInputSides {
		sp := g.topo.sidePackets[name]
		p, ok := supplied[name]
		if !ok || p.IsEmpty() {
			if sp.required {
				return fmt.Errorf("%w: %q", ErrMissingSidePacket, name)
			}
			continue
		}
		for _, c := range sp.consumers {
			port := g.topo.nodes[c.node].contract.inputSidePackets.At(c.port)
			if err := port.typ.Validate(p); err != nil {
				if tm, ok := err.(*TypeMismatchError); ok {
					tm.Where = "side packet " + name
				}
				return err
			}
		}
	}
	return nil
}

func (g *CalculatorGraph) currentRun() (*graphRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topo == nil {
		return nil, ErrNotInitialized
	}
	if g.run == nil {
		return nil, ErrNotRunning
	}
	return g.run, nil
}

// AddPacketToInputStream injects p into a graph input stream. Timestamps
// on a stream must strictly increase.
func (g *CalculatorGraph) AddPacketToInputStream(name string, p Packet) error {
	r, err := g.currentRun()
	if err != nil {
		return err
	}
	return r.addPacket(name, p)
}

// SetInputStreamTimestampBound promises that no packet below b will be
// added to the named graph input stream.
func (g *CalculatorGraph) SetInputStreamTimestampBound(name string, b Timestamp) error {
	r, err := g.currentRun()
	if err != nil {
		return err
	}
	return r.setInputBound(name, b)
}

// CloseInputStream marks a graph input stream done. Closing a closed
// stream is a no-op.
func (g *CalculatorGraph) CloseInputStream(name string) error {
	r, err := g.currentRun()
	if err != nil {
		return err
	}
	return r.closeInput(name)
}

// CloseAllInputStreams marks every graph input stream done.
func (g *CalculatorGraph) CloseAllInputStreams() error {
	r, err := g.currentRun()
	if err != nil {
		return err
	}
	r.closeAllInputs()
	return nil
}

// CloseAllPacketSources closes every source node and every graph input
// stream.
func (g *CalculatorGraph) CloseAllPacketSources() error {
	r, err := g.currentRun()
	if err != nil {
		return err
	}
	r.closeAllPacketSources()
	return nil
}

// WaitUntilIdle blocks until no node can make progress without new input.
// It fails with ErrSourcesPresent while source nodes are open, since
// sources never go idle on their own.
func (g *CalculatorGraph) WaitUntilIdle(ctx context.Context) error {
	r, err := g.currentRun()
	if err != nil {
		return err
	}
	return r.waitUntilIdle(ctx)
}

// WaitUntilDone blocks until every node has closed and returns the run
// error. It does not close the input streams.
func (g *CalculatorGraph) WaitUntilDone(ctx context.Context) error {
	r, err := g.currentRun()
	if err != nil {
		return err
	}
	return r.waitUntilDone(ctx)
}

// HasError reports whether the current run has failed.
func (g *CalculatorGraph) HasError() bool {
	r, err := g.currentRun()
	return err == nil && r.failed()
}

// GetOutputSidePacket returns a side packet produced by a node, or one
// supplied to StartRun, in the current or last run.
func (g *CalculatorGraph) GetOutputSidePacket(name string) (Packet, error) {
	r, err := g.currentRun()
	if err != nil {
		return Packet{}, err
	}
	if _, ok := g.topo.sidePackets[name]; !ok {
		return Packet{}, fmt.Errorf("%w: %q", ErrUnknownSidePacket, name)
	}
	p, ok := r.lookupSidePacket(name)
	if !ok {
		return Packet{}, fmt.Errorf("%w: %q", ErrSidePacketNotSet, name)
	}
	return p, nil
}

// InputStreams returns the graph input stream names.
func (g *CalculatorGraph) InputStreams() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topo == nil {
		return nil
	}
	return append([]string(nil), g.topo.graphInputs...)
}

// OutputStreams returns the graph output stream names.
func (g *CalculatorGraph) OutputStreams() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topo == nil {
		return nil
	}
	return append([]string(nil), g.topo.graphOutputs...)
}

// NodeNames returns node names in config order.
func (g *CalculatorGraph) NodeNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topo == nil {
		return nil
	}
	names := make([]string, len(g.topo.nodes))
	for i, n := range g.topo.nodes {
		names[i] = n.name
	}
	return names
}

// RunID returns the ID of the current or last run, or "" before the first
// StartRun.
func (g *CalculatorGraph) RunID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.run == nil {
		return ""
	}
	return g.run.id
}
