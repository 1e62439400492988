package streamgraph

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	gonum "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/randalmurphal/streamgraph/pkg/streamgraph/config"
)

// graphProducer marks streams and side packets supplied by the caller.
const graphProducer = -1

type endpoint struct {
	node int
	port int
}

type streamSpec struct {
	name      string
	producer  endpoint
	typ       PacketType
	consumers []endpoint
}

type sidePacketSpec struct {
	name      string
	producer  endpoint
	typ       PacketType
	consumers []endpoint
	// required is set when some consumer port is not optional.
	required bool
}

// nodeSpec is the validated, immutable description of one node.
type nodeSpec struct {
	index      int
	name       string
	calculator string
	factory    Factory
	options    config.Config
	contract   *Contract

	inputs      *TagMap
	outputs     *TagMap
	inputSides  *TagMap
	outputSides *TagMap
	backEdges   []bool

	handler     string
	handlerSpec handlerSpec
	executor    string
	rank        int
	isSource    bool
}

// topology is the result of Initialize: every name resolved to dense ids.
type topology struct {
	nodes       []*nodeSpec
	streams     map[string]*streamSpec
	sidePackets map[string]*sidePacketSpec

	graphInputs      []string
	graphOutputs     []string
	graphInputSides  []string
	graphOutputSides []string

	executors []ExecutorConfig
}

// buildTopology validates cfg. Every problem found is reported, joined
// with errors.Join.
func buildTopology(cfg *GraphConfig) (*topology, error) {
	b := &topologyBuilder{
		cfg: cfg,
		t: &topology{
			streams:     make(map[string]*streamSpec),
			sidePackets: make(map[string]*sidePacketSpec),
		},
	}
	b.executors()
	b.nodes()
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	b.streams()
	b.sidePackets()
	b.order()
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return b.t, nil
}

type topologyBuilder struct {
	cfg  *GraphConfig
	t    *topology
	errs []error
}

func (b *topologyBuilder) fail(err error) {
	b.errs = append(b.errs, err)
}

func (b *topologyBuilder) executors() {
	seen := map[string]bool{"": true}
	b.t.executors = append(b.t.executors, ExecutorConfig{Type: ExecutorThreadPool, NumThreads: b.cfg.NumThreads})
	if b.cfg.NumThreads < 0 {
		b.fail(validationf("num_threads must not be negative, got %d", b.cfg.NumThreads))
	}
	for _, ec := range b.cfg.Executors {
		if ec.Name == "" {
			b.fail(validationf("executor without a name"))
			continue
		}
		if seen[ec.Name] {
			b.fail(validationf("executor %q declared twice", ec.Name))
			continue
		}
		seen[ec.Name] = true
		switch ec.Type {
		case "", ExecutorThreadPool:
			ec.Type = ExecutorThreadPool
		case ExecutorSingleThread:
			if ec.NumThreads > 1 {
				b.fail(validationf("executor %q: single_thread executor cannot have %d threads", ec.Name, ec.NumThreads))
			}
			ec.NumThreads = 1
		default:
			b.fail(validationf("executor %q: unknown type %q", ec.Name, ec.Type))
			continue
		}
		if ec.NumThreads < 0 {
			b.fail(validationf("executor %q: num_threads must not be negative", ec.Name))
		}
		b.t.executors = append(b.t.executors, ec)
	}
}

func (b *topologyBuilder) hasExecutor(name string) bool {
	for _, ec := range b.t.executors {
		if ec.Name == name {
			return true
		}
	}
	return false
}

func (b *topologyBuilder) nodes() {
	names := make(map[string]bool)
	explicit := make(map[string]bool)
	for _, nc := range b.cfg.Nodes {
		if nc.Name != "" {
			if explicit[nc.Name] {
				b.fail(validationf("duplicate node name %q", nc.Name))
			}
			explicit[nc.Name] = true
			names[nc.Name] = true
		}
	}

	for i := range b.cfg.Nodes {
		nc := &b.cfg.Nodes[i]
		name := nc.Name
		if name == "" {
			name = nc.Calculator
			for k := 1; names[name]; k++ {
				name = fmt.Sprintf("%s_%d", nc.Calculator, k)
			}
			names[name] = true
		}
		if spec := b.node(i, name, nc); spec != nil {
			b.t.nodes = append(b.t.nodes, spec)
		}
	}
}

func (b *topologyBuilder) node(index int, name string, nc *NodeConfig) *nodeSpec {
	if nc.Calculator == "" {
		b.fail(validationf("node %s: calculator is required", name))
		return nil
	}
	factory, err := lookupCalculator(nc.Calculator)
	if err != nil {
		b.fail(fmt.Errorf("node %s: %w", name, err))
		return nil
	}

	spec := &nodeSpec{
		index:      index,
		name:       name,
		calculator: nc.Calculator,
		factory:    factory,
		options:    config.New(nc.Options),
		executor:   nc.Executor,
	}
	ok := true
	for _, m := range []struct {
		field string
		specs []string
		dst   **TagMap
	}{
		{"input_stream", nc.InputStreams, &spec.inputs},
		{"output_stream", nc.OutputStreams, &spec.outputs},
		{"input_side_packet", nc.InputSidePackets, &spec.inputSides},
		{"output_side_packet", nc.OutputSidePackets, &spec.outputSides},
	} {
		tm, err := NewTagMap(m.specs)
		if err != nil {
			b.fail(fmt.Errorf("node %s: %s: %w", name, m.field, err))
			ok = false
			continue
		}
		*m.dst = tm
	}
	if !ok {
		return nil
	}

	spec.contract = newContract(name, spec.options, spec.inputs, spec.outputs, spec.inputSides, spec.outputSides)
	if err := updateContract(factory, spec.contract); err != nil {
		if !errors.Is(err, ErrConfiguration) && !errors.Is(err, ErrGraphValidation) {
			err = fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		b.fail(fmt.Errorf("node %s: %w", name, err))
		return nil
	}
	b.checkPorts(spec)

	if !b.hasExecutor(nc.Executor) {
		b.fail(validationf("node %s: unknown executor %q", name, nc.Executor))
	}

	spec.backEdges = make([]bool, spec.inputs.Len())
	for _, info := range nc.InputStreamInfo {
		ti, err := ParseTagIndex(info.TagIndex)
		if err != nil {
			b.fail(fmt.Errorf("node %s: input_stream_info: %w", name, err))
			continue
		}
		id, found := spec.inputs.ID(ti.Tag, ti.Index)
		if !found {
			b.fail(validationf("node %s: input_stream_info names unknown input %s", name, ti))
			continue
		}
		spec.backEdges[id] = info.BackEdge
	}

	spec.handler = spec.contract.handler
	var syncSets [][]TagIndex
	if hc := nc.InputStreamHandler; hc != nil {
		if hc.Name != "" {
			spec.handler = hc.Name
		}
		for _, group := range hc.SyncSets {
			var set []TagIndex
			for _, s := range group {
				ti, err := ParseTagIndex(s)
				if err != nil {
					b.fail(fmt.Errorf("node %s: sync_set: %w", name, err))
					continue
				}
				set = append(set, ti)
			}
			syncSets = append(syncSets, set)
		}
	}
	if spec.handler == "" {
		spec.handler = DefaultInputStreamHandler
	}
	spec.handlerSpec = handlerSpec{
		ports:         spec.inputs,
		syncSets:      syncSets,
		processBounds: spec.contract.processBounds,
	}
	if spec.inputs.Len() > 0 {
		if _, err := newInputHandler(spec.handler, spec.handlerSpec); err != nil {
			b.fail(Configf("node %s: %v", name, err))
		}
	}

	spec.isSource = spec.inputs.Len() == 0 && spec.outputs.Len() > 0
	return spec
}

// updateContract runs UpdateContract on a throwaway instance.
func updateContract(factory Factory, cc *Contract) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Node: cc.nodeName, Op: "update_contract", Value: r, Stack: string(debug.Stack())}
		}
	}()
	return factory().UpdateContract(cc)
}

func (b *topologyBuilder) checkPorts(spec *nodeSpec) {
	cc := spec.contract
	for _, set := range []struct {
		kind  string
		ports *PortSet
	}{
		{"input stream", cc.inputs},
		{"output stream", cc.outputs},
		{"input side packet", cc.inputSidePackets},
		{"output side packet", cc.outputSidePackets},
	} {
		for id, p := range set.ports.ports {
			if !p.typ.IsSet() {
				b.fail(validationf("node %s: %s %s (%s) has no declared type",
					spec.name, set.kind, set.ports.TagIndex(id), p.name))
			}
		}
		missing := make([]string, 0)
		for ti, p := range set.ports.detached {
			if !p.optional {
				missing = append(missing, ti.String())
			}
		}
		sort.Strings(missing)
		for _, ti := range missing {
			b.fail(validationf("node %s: required %s %s is not connected", spec.name, set.kind, ti))
		}
	}
}

func (b *topologyBuilder) streams() {
	t := b.t
	for _, s := range b.cfg.InputStreams {
		_, name, err := ParseTagIndexName(s)
		if err != nil {
			b.fail(fmt.Errorf("graph input_stream: %w", err))
			continue
		}
		if _, dup := t.streams[name]; dup {
			b.fail(validationf("graph input stream %q declared twice", name))
			continue
		}
		t.streams[name] = &streamSpec{name: name, producer: endpoint{node: graphProducer}, typ: AnyType()}
		t.graphInputs = append(t.graphInputs, name)
	}

	for _, n := range t.nodes {
		for id := 0; id < n.outputs.Len(); id++ {
			name := n.outputs.Name(id)
			if prev, dup := t.streams[name]; dup {
				b.fail(validationf("stream %q is produced by both %s and %s", name, b.producerName(prev.producer), n.name))
				continue
			}
			t.streams[name] = &streamSpec{
				name:     name,
				producer: endpoint{node: n.index, port: id},
				typ:      n.contract.outputs.At(id).typ,
			}
		}
	}

	for _, n := range t.nodes {
		for id := 0; id < n.inputs.Len(); id++ {
			name := n.inputs.Name(id)
			s, ok := t.streams[name]
			if !ok {
				b.fail(validationf("node %s: input stream %q has no producer", n.name, name))
				continue
			}
			s.consumers = append(s.consumers, endpoint{node: n.index, port: id})
			want := n.contract.inputs.At(id).typ
			if s.typ.IsSet() && want.IsSet() && !s.typ.compatible(want) {
				b.fail(validationf("stream %q: %s produces %s but node %s expects %s",
					name, b.producerName(s.producer), s.typ, n.name, want))
			}
		}
	}

	for _, s := range b.cfg.OutputStreams {
		_, name, err := ParseTagIndexName(s)
		if err != nil {
			b.fail(fmt.Errorf("graph output_stream: %w", err))
			continue
		}
		if _, ok := t.streams[name]; !ok {
			b.fail(validationf("graph output stream %q is not produced by any node", name))
			continue
		}
		t.graphOutputs = append(t.graphOutputs, name)
	}
}

func (b *topologyBuilder) sidePackets() {
	t := b.t
	for _, s := range b.cfg.InputSidePackets {
		_, name, err := ParseTagIndexName(s)
		if err != nil {
			b.fail(fmt.Errorf("graph input_side_packet: %w", err))
			continue
		}
		if _, dup := t.sidePackets[name]; dup {
			b.fail(validationf("graph input side packet %q declared twice", name))
			continue
		}
		t.sidePackets[name] = &sidePacketSpec{name: name, producer: endpoint{node: graphProducer}, typ: AnyType()}
		t.graphInputSides = append(t.graphInputSides, name)
	}

	for _, n := range t.nodes {
		for id := 0; id < n.outputSides.Len(); id++ {
			name := n.outputSides.Name(id)
			if prev, dup := t.sidePackets[name]; dup {
				b.fail(validationf("side packet %q is produced by both %s and %s", name, b.producerName(prev.producer), n.name))
				continue
			}
			t.sidePackets[name] = &sidePacketSpec{
				name:     name,
				producer: endpoint{node: n.index, port: id},
				typ:      n.contract.outputSidePackets.At(id).typ,
			}
		}
	}

	for _, n := range t.nodes {
		for id := 0; id < n.inputSides.Len(); id++ {
			name := n.inputSides.Name(id)
			port := n.contract.inputSidePackets.At(id)
			sp, ok := t.sidePackets[name]
			if !ok {
				// Consumed but never produced: the caller supplies it to StartRun.
				sp = &sidePacketSpec{name: name, producer: endpoint{node: graphProducer}, typ: AnyType()}
				t.sidePackets[name] = sp
				t.graphInputSides = append(t.graphInputSides, name)
			}
			sp.consumers = append(sp.consumers, endpoint{node: n.index, port: id})
			if !port.optional {
				sp.required = true
			}
			if sp.typ.IsSet() && port.typ.IsSet() && !sp.typ.compatible(port.typ) {
				b.fail(validationf("side packet %q: %s produces %s but node %s expects %s",
					name, b.producerName(sp.producer), sp.typ, n.name, port.typ))
			}
		}
	}

	for _, s := range b.cfg.OutputSidePackets {
		_, name, err := ParseTagIndexName(s)
		if err != nil {
			b.fail(fmt.Errorf("graph output_side_packet: %w", err))
			continue
		}
		if _, ok := t.sidePackets[name]; !ok {
			b.fail(validationf("graph output side packet %q is not produced by any node", name))
			continue
		}
		t.graphOutputSides = append(t.graphOutputSides, name)
	}
}

func (b *topologyBuilder) producerName(e endpoint) string {
	if e.node == graphProducer {
		return "the graph"
	}
	return "node " + b.t.nodes[e.node].name
}

// order rejects cycles that are not closed by a back edge and ranks nodes
// topologically. The rank orders the ready queue.
func (b *topologyBuilder) order() {
	t := b.t
	dg := simple.NewDirectedGraph()
	for _, n := range t.nodes {
		dg.AddNode(simple.Node(n.index))
	}
	link := func(from, to int, what string) {
		if from == graphProducer {
			return
		}
		if from == to {
			b.fail(validationf("node %s consumes its own %s without a back edge", t.nodes[from].name, what))
			return
		}
		dg.SetEdge(dg.NewEdge(simple.Node(from), simple.Node(to)))
	}
	for _, s := range t.streams {
		for _, c := range s.consumers {
			if t.nodes[c.node].backEdges[c.port] {
				continue
			}
			link(s.producer.node, c.node, "stream "+s.name)
		}
	}
	for _, sp := range t.sidePackets {
		for _, c := range sp.consumers {
			link(sp.producer.node, c.node, "side packet "+sp.name)
		}
	}

	sorted, err := topo.SortStabilized(dg, func(nodes []gonum.Node) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	})
	if err != nil {
		var cycles topo.Unorderable
		if errors.As(err, &cycles) {
			for _, cycle := range cycles {
				names := make([]string, 0, len(cycle))
				for _, gn := range cycle {
					names = append(names, t.nodes[gn.ID()].name)
				}
				sort.Strings(names)
				b.fail(validationf("cycle without a back edge through nodes %s", strings.Join(names, ", ")))
			}
			return
		}
		b.fail(validationf("%v", err))
		return
	}
	for rank, gn := range sorted {
		t.nodes[gn.ID()].rank = rank
	}
}
