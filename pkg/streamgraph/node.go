package streamgraph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/randalmurphal/streamgraph/pkg/streamgraph/observability"
)

type nodeState int

const (
	nodeCreated nodeState = iota
	nodeOpened
	nodeClosed
	// nodeAbandoned is terminal for a node that never opened because the
	// run failed first.
	nodeAbandoned
)

type actionKind int

const (
	actNone actionKind = iota
	actOpen
	actProcess
	actPropagate
	actClose
	actAbandon
)

type action struct {
	kind  actionKind
	ts    Timestamp
	in    []InputPort
	bound Timestamp
}

// node is the runtime state of one calculator instance for one run.
type node struct {
	spec *nodeSpec
	run  *graphRun
	exec *executor

	mu        sync.Mutex
	state     nodeState
	scheduled bool
	inputs    []*inputStream
	handler   inputHandler
	// offsetBound is the highest output bound issued from the timestamp
	// offset.
	offsetBound Timestamp
	stopSource  bool

	// Touched only by the node's own serialized callbacks.
	calc         Calculator
	outputs      []*OutputPort
	outputSides  []*OutputSidePort
	sidePackets  []Packet
	processCalls int64
}

func newNode(r *graphRun, spec *nodeSpec) (*node, error) {
	n := &node{
		spec:        spec,
		run:         r,
		calc:        spec.factory(),
		offsetBound: Unset,
		inputs:      make([]*inputStream, spec.inputs.Len()),
		outputs:     make([]*OutputPort, spec.outputs.Len()),
		outputSides: make([]*OutputSidePort, spec.outputSides.Len()),
		sidePackets: make([]Packet, spec.inputSides.Len()),
	}
	for id := range n.inputs {
		n.inputs[id] = newInputStream(spec.inputs.Name(id), spec.backEdges[id])
	}
	for id := range n.outputs {
		n.outputs[id] = &OutputPort{stream: r.streams[spec.outputs.Name(id)], ti: spec.outputs.TagIndex(id)}
	}
	for id := range n.outputSides {
		n.outputSides[id] = &OutputSidePort{
			name: spec.outputSides.Name(id),
			typ:  spec.contract.outputSidePackets.At(id).typ,
			ti:   spec.outputSides.TagIndex(id),
		}
	}
	if len(n.inputs) > 0 {
		h, err := newInputHandler(spec.handler, spec.handlerSpec)
		if err != nil {
			return nil, Configf("node %s: %v", spec.name, err)
		}
		n.handler = h
	}
	return n, nil
}

func (n *node) terminal() bool {
	return n.state == nodeClosed || n.state == nodeAbandoned
}

// plan decides what the node should do next. Called with n.mu held. With
// fill set, the inputs for a process action are moved out of the queues;
// without it plan has no side effects.
func (n *node) plan(fill bool) action {
	r := n.run
	switch n.state {
	case nodeClosed, nodeAbandoned:
		return action{}
	case nodeCreated:
		if r.failed() {
			return action{kind: actAbandon}
		}
		if !r.sidePacketsReady(n.spec) {
			return action{}
		}
		return action{kind: actOpen}
	}

	if r.failed() {
		return action{kind: actClose}
	}
	if !r.started.Load() {
		return action{}
	}
	if n.spec.isSource {
		if n.stopSource || r.sourcesClosed.Load() {
			return action{kind: actClose}
		}
		return action{kind: actProcess, ts: Unset}
	}
	if len(n.inputs) == 0 {
		return action{kind: actClose}
	}

	switch rd, ts := n.handler.readiness(n.inputs); rd {
	case readyForProcess:
		a := action{kind: actProcess, ts: ts}
		if fill {
			a.in = make([]InputPort, len(n.inputs))
			for id, st := range n.inputs {
				a.in[id] = InputPort{name: st.name, packet: EmptyPacket(ts), done: st.isDone()}
			}
			n.handler.fill(n.inputs, ts, a.in)
		}
		return a
	case readyForClose:
		return action{kind: actClose}
	}

	if b := n.settledOutputBound(); b > n.offsetBound {
		return action{kind: actPropagate, bound: b}
	}
	return action{}
}

// settledOutputBound is the output bound implied by the timestamp offset
// and the settled input bounds, or Unset without an offset.
func (n *node) settledOutputBound() Timestamp {
	offset, ok := n.spec.contract.TimestampOffset()
	if !ok {
		return Unset
	}
	settled := Done
	for _, st := range n.inputs {
		if !st.backEdge {
			settled = minTimestamp(settled, st.minTimestampOrBound())
		}
	}
	if !settled.IsRangeValue() {
		return Unset
	}
	b, err := settled.Add(offset)
	if err != nil {
		return Unset
	}
	return b
}

// step runs one action on an executor worker.
func (n *node) step() {
	n.mu.Lock()
	act := n.plan(true)
	if act.kind == actNone {
		n.scheduled = false
		n.mu.Unlock()
		return
	}
	if act.kind == actPropagate {
		n.offsetBound = act.bound
	}
	n.mu.Unlock()

	switch act.kind {
	case actOpen:
		n.open()
	case actProcess:
		n.process(act.ts, act.in)
	case actPropagate:
		for _, o := range n.outputs {
			o.stream.raise(act.bound)
		}
		n.commit()
	case actClose:
		n.close()
	case actAbandon:
		n.setState(nodeAbandoned)
		n.run.nodeTerminated(n)
	}

	n.mu.Lock()
	n.scheduled = false
	n.mu.Unlock()
	n.run.schedule(n)
}

func (n *node) setState(s nodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

func (n *node) newContext(ctx context.Context, ts Timestamp, in []InputPort) *CalculatorContext {
	cc := &CalculatorContext{
		Context: ctx,
		n:       n,
		inputTs: ts,
		logger:  n.run.nodeLogger(n.spec.name),
	}
	if in == nil {
		in = make([]InputPort, len(n.inputs))
		for id, st := range n.inputs {
			in[id] = InputPort{name: st.name, packet: EmptyPacket(ts)}
		}
	}
	cc.inputs = &InputSet{tags: n.spec.inputs, ports: in}
	cc.outputs = &OutputSet{tags: n.spec.outputs, ports: n.outputs, cc: cc}
	cc.inputSides = &InputSideSet{tags: n.spec.inputSides, packets: n.sidePackets}
	cc.outputSides = &OutputSideSet{tags: n.spec.outputSides, ports: n.outputSides, cc: cc}
	for _, o := range n.outputs {
		o.cc = cc
	}
	for _, o := range n.outputSides {
		o.cc = cc
	}
	return cc
}

// invoke runs one calculator callback with panic recovery, metrics and a
// span. Emission errors recorded on cc fail the call too.
func (n *node) invoke(op string, ts Timestamp, in []InputPort, fn func(*CalculatorContext) error) (err error) {
	r := n.run
	ctx, span := r.spans.StartNodeSpan(r.ctx, n.spec.name, op)
	cc := n.newContext(ctx, ts, in)
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Node: n.spec.name, Op: op, Value: rec, Stack: string(debug.Stack())}
		}
		if err == nil && cc.err != nil {
			err = cc.err
		}
		recorded := err
		if errors.Is(err, ErrStop) {
			recorded = nil
		}
		r.metrics.RecordProcess(ctx, n.spec.name, time.Since(start), recorded)
		r.spans.EndSpanWithError(span, recorded)
	}()
	return fn(cc)
}

func (n *node) nodeError(op string, ts Timestamp, err error) error {
	var pe *PanicError
	if errors.As(err, &pe) {
		return err
	}
	return &NodeError{Node: n.spec.name, Op: op, Timestamp: ts, Err: err}
}

func (n *node) open() {
	r := n.run
	for id := range n.sidePackets {
		n.sidePackets[id] = r.sidePacket(n.spec.inputSides.Name(id))
	}
	err := n.invoke(OpOpen, Unstarted, nil, n.calc.Open)
	if err != nil {
		err = n.nodeError(OpOpen, Unstarted, err)
		observability.LogNodeError(r.logger, n.spec.name, OpOpen, err)
		n.setState(nodeAbandoned)
		r.fail(err)
		r.nodeTerminated(n)
		return
	}
	observability.LogNodeOpen(r.logger, n.spec.name, n.spec.calculator)
	n.setState(nodeOpened)
	n.commit()
}

func (n *node) process(ts Timestamp, in []InputPort) {
	r := n.run
	n.processCalls++
	r.processCalls.Add(1)
	err := n.invoke(OpProcess, ts, in, n.calc.Process)
	if errors.Is(err, ErrStop) {
		err = nil
		if n.spec.isSource {
			n.mu.Lock()
			n.stopSource = true
			n.mu.Unlock()
		} else {
			r.closeAllPacketSources()
		}
	}
	if err != nil {
		err = n.nodeError(OpProcess, ts, err)
		observability.LogNodeError(r.logger, n.spec.name, OpProcess, err)
		r.fail(err)
		return
	}
	if offset, ok := n.spec.contract.TimestampOffset(); ok && ts.IsRangeValue() {
		if b, err := ts.Add(offset); err == nil {
			next := b.NextAllowedInStream()
			n.mu.Lock()
			if n.handler.groups() > 1 {
				// Another group may still run at ts, so the bound stops
				// at what every input has settled.
				next = minTimestamp(next, n.settledOutputBound())
			}
			n.offsetBound = maxTimestamp(n.offsetBound, next)
			n.mu.Unlock()
			for _, o := range n.outputs {
				o.stream.raise(next)
			}
		}
	}
	n.commit()
}

func (n *node) close() {
	r := n.run
	failed := r.failed()
	err := n.invoke(OpClose, Done, nil, n.calc.Close)
	if err == nil && !failed {
		for _, o := range n.outputSides {
			if !o.set {
				err = fmt.Errorf("%w: %q", ErrSidePacketNotSet, o.name)
				break
			}
		}
	}
	if err != nil && !errors.Is(err, ErrStop) {
		err = n.nodeError(OpClose, Done, err)
		observability.LogNodeError(r.logger, n.spec.name, OpClose, err)
		r.fail(err)
	}
	for _, o := range n.outputs {
		o.stream.close()
	}
	n.commit()
	n.setState(nodeClosed)
	observability.LogNodeClose(r.logger, n.spec.name, n.processCalls)
	r.nodeTerminated(n)
}

// commit forwards what the last callback emitted. Nothing is forwarded
// once the run has failed.
func (n *node) commit() {
	r := n.run
	for _, o := range n.outputSides {
		if o.pending == nil {
			continue
		}
		p := *o.pending
		o.pending = nil
		if !r.failed() {
			r.setSidePacket(o.name, p)
		}
	}
	for _, o := range n.outputs {
		pkts := o.pending
		o.pending = nil
		s := o.stream
		if len(pkts) == 0 && s.nextBound == s.sentBound {
			continue
		}
		s.sentBound = s.nextBound
		if r.failed() {
			continue
		}
		if len(pkts) > 0 {
			r.metrics.RecordPacketsEmitted(r.ctx, n.spec.name, s.name, int64(len(pkts)))
		}
		r.deliver(s, pkts, s.nextBound)
	}
}
