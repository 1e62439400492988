package streamgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/streamgraph/pkg/streamgraph/observability"
)

// graphRun is the state of one StartRun ... WaitUntilDone cycle.
//
// Lock order: inputMu, then a node's mu, then mu, then an executor's mu.
type graphRun struct {
	g       *CalculatorGraph
	topo    *topology
	id      string
	ctx     context.Context
	span    trace.Span
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	elapsed func() float64
	start   time.Time

	nodes     []*node
	streams   map[string]*outputStream
	executors []*executor

	// inputMu serializes the producer side of graph input streams.
	inputMu sync.Mutex
	inputs  map[string]*outputStream

	mu          sync.Mutex
	cond        *sync.Cond
	pending     int
	terminal    int
	liveSources int
	openInputs  int
	draining    bool
	finishing   bool
	finished    bool
	errs        []error
	sidePackets map[string]Packet

	failedFlag    atomic.Bool
	started       atomic.Bool
	sourcesClosed atomic.Bool
	processCalls  atomic.Int64
}

// newGraphRun builds the runtime for one run. Called with g.mu held.
func newGraphRun(g *CalculatorGraph, id string, sidePackets map[string]Packet) (*graphRun, error) {
	t := g.topo
	r := &graphRun{
		g:           g,
		topo:        t,
		id:          id,
		logger:      g.opts.logger,
		metrics:     g.opts.metricsRecorder(),
		spans:       g.opts.spanManager(),
		streams:     make(map[string]*outputStream, len(t.streams)),
		inputs:      make(map[string]*outputStream, len(t.graphInputs)),
		sidePackets: make(map[string]Packet),
	}
	r.cond = sync.NewCond(&r.mu)

	for _, name := range t.graphInputSides {
		if p, ok := sidePackets[name]; ok && !p.IsEmpty() {
			r.sidePackets[name] = p.At(Unset)
		}
	}

	for name, ss := range t.streams {
		s := newOutputStream(name, ss.typ)
		s.observers = append(s.observers, g.observers[name]...)
		for _, p := range g.pollers[name] {
			p.reset()
			s.pollers = append(s.pollers, p)
		}
		r.streams[name] = s
	}
	for _, name := range t.graphInputs {
		r.inputs[name] = r.streams[name]
	}
	r.openInputs = len(t.graphInputs)

	for i, ec := range t.executors {
		if i == 0 && ec.NumThreads == 0 {
			ec.NumThreads = g.opts.numThreads
		}
		r.executors = append(r.executors, newExecutor(ec, r.taskDone))
	}

	r.nodes = make([]*node, len(t.nodes))
	for i, spec := range t.nodes {
		n, err := newNode(r, spec)
		if err != nil {
			return nil, err
		}
		n.exec = r.executorFor(spec.executor)
		r.nodes[i] = n
		if spec.isSource {
			r.liveSources++
		}
	}
	for name, ss := range t.streams {
		s := r.streams[name]
		for _, c := range ss.consumers {
			s.consumers = append(s.consumers, consumer{n: r.nodes[c.node], port: c.port})
		}
	}
	return r, nil
}

func (r *graphRun) executorFor(name string) *executor {
	for i, ec := range r.topo.executors {
		if ec.Name == name {
			return r.executors[i]
		}
	}
	return r.executors[0]
}

// startRun opens every node whose side packets are available, including
// those unlocked by side packets set during Open, then lets streams flow.
func (r *graphRun) startRun() error {
	r.start = time.Now()
	r.elapsed = observability.TimedOperation()
	r.ctx, r.span = r.spans.StartRunSpan(context.Background(), r.g.opts.name, r.id)
	observability.LogRunStart(r.logger, r.id, len(r.nodes))

	for _, e := range r.executors {
		e.start()
	}

	r.mu.Lock()
	r.checkDoneLocked()
	r.mu.Unlock()

	for _, n := range r.nodes {
		r.schedule(n)
	}

	r.mu.Lock()
	for r.pending > 0 {
		r.cond.Wait()
	}
	r.mu.Unlock()

	if r.failed() {
		r.mu.Lock()
		for !r.finished {
			r.cond.Wait()
		}
		err := r.errLocked()
		r.mu.Unlock()
		return err
	}

	r.spans.AddSpanEvent(r.ctx, "nodes_opened", attribute.Int("node.count", len(r.nodes)))
	r.started.Store(true)
	for _, n := range r.nodes {
		r.schedule(n)
	}
	return nil
}

// schedule submits n if it has something to do and is not already queued.
func (r *graphRun) schedule(n *node) {
	n.mu.Lock()
	if n.scheduled || n.terminal() || n.plan(false).kind == actNone {
		n.mu.Unlock()
		return
	}
	n.scheduled = true
	n.mu.Unlock()

	r.mu.Lock()
	r.pending++
	r.mu.Unlock()
	n.exec.submit(n)
}

func (r *graphRun) taskDone() {
	r.mu.Lock()
	r.pending--
	r.checkDoneLocked()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// checkDoneLocked starts shutdown once every node is closed, nothing is
// queued, and no graph input can deliver more packets.
func (r *graphRun) checkDoneLocked() {
	if r.finishing || r.pending > 0 || r.terminal < len(r.nodes) {
		return
	}
	if r.openInputs > 0 && len(r.errs) == 0 {
		return
	}
	r.finishing = true
	go r.finish()
}

func (r *graphRun) finish() {
	for _, e := range r.executors {
		_ = e.stop()
	}

	r.mu.Lock()
	err := r.errLocked()
	r.mu.Unlock()

	ms := r.elapsed()
	r.metrics.RecordGraphRun(r.ctx, err == nil, time.Since(r.start))
	if err != nil {
		observability.LogRunError(r.logger, r.id, err, ms)
	} else {
		observability.LogRunComplete(r.logger, r.id, ms, r.processCalls.Load())
	}
	r.spans.EndSpanWithError(r.span, err)

	for _, s := range r.streams {
		for _, p := range s.pollers {
			p.finish(err)
		}
	}

	r.mu.Lock()
	r.finished = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *graphRun) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *graphRun) state() GraphState {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.finished:
		return StateDone
	case r.draining || len(r.errs) > 0:
		return StateDraining
	case r.pending == 0:
		return StateIdle
	}
	return StateRunning
}

func (r *graphRun) failed() bool { return r.failedFlag.Load() }

// fail records err and winds every node down. The first error leads the
// reported run error.
func (r *graphRun) fail(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	first := !r.failedFlag.Swap(true)
	r.draining = true
	r.cond.Broadcast()
	r.mu.Unlock()
	if first {
		r.spans.AddSpanEvent(r.ctx, "run_failed", attribute.String("error", err.Error()))
		for _, n := range r.nodes {
			r.schedule(n)
		}
	}
}

func (r *graphRun) errLocked() error {
	switch len(r.errs) {
	case 0:
		return nil
	case 1:
		return r.errs[0]
	}
	return errors.Join(r.errs...)
}

// nodeLogger never returns nil, so calculators can log unconditionally.
func (r *graphRun) nodeLogger(name string) *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return observability.EnrichLogger(r.logger, r.id, name)
}

func (r *graphRun) nodeTerminated(n *node) {
	r.mu.Lock()
	r.terminal++
	if n.spec.isSource {
		r.liveSources--
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// sidePacketsReady reports whether every input side packet of spec can be
// read. Graph-supplied optional packets that were not given read as empty.
func (r *graphRun) sidePacketsReady(spec *nodeSpec) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := 0; id < spec.inputSides.Len(); id++ {
		name := spec.inputSides.Name(id)
		if _, ok := r.sidePackets[name]; ok {
			continue
		}
		if r.topo.sidePackets[name].producer.node != graphProducer {
			return false
		}
	}
	return true
}

func (r *graphRun) sidePacket(name string) Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sidePackets[name]
}

func (r *graphRun) lookupSidePacket(name string) (Packet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.sidePackets[name]
	return p, ok
}

func (r *graphRun) setSidePacket(name string, p Packet) {
	r.mu.Lock()
	r.sidePackets[name] = p
	r.mu.Unlock()
	for _, c := range r.topo.sidePackets[name].consumers {
		r.schedule(r.nodes[c.node])
	}
}

// deliver hands packets and the new bound of s to observers, pollers and
// consumer queues, then schedules the consumers.
func (r *graphRun) deliver(s *outputStream, pkts []Packet, bound Timestamp) {
	for _, p := range pkts {
		for _, fn := range s.observers {
			if err := fn(p); err != nil {
				r.fail(fmt.Errorf("observer on stream %q: %w", s.name, err))
				return
			}
		}
		for _, pl := range s.pollers {
			pl.push(p)
		}
	}
	if bound == Done {
		for _, pl := range s.pollers {
			pl.finish(nil)
		}
	}

	for _, c := range s.consumers {
		st := c.n.inputs[c.port]
		var err error
		c.n.mu.Lock()
		for _, p := range pkts {
			if err = st.add(p); err != nil {
				break
			}
		}
		st.setBound(bound)
		c.n.mu.Unlock()
		if err != nil {
			r.fail(err)
			return
		}
		r.schedule(c.n)
	}
}

func (r *graphRun) inputStream(name string) (*outputStream, error) {
	s, ok := r.inputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a graph input stream", ErrUnknownStream, name)
	}
	r.mu.Lock()
	err := r.errLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *graphRun) addPacket(name string, p Packet) error {
	r.inputMu.Lock()
	defer r.inputMu.Unlock()
	s, err := r.inputStream(name)
	if err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("%w: %q", ErrStreamClosed, name)
	}
	if p.IsEmpty() {
		return fmt.Errorf("%w: input stream %q", ErrEmptyPacket, name)
	}
	if err := s.check(p); err != nil {
		return err
	}
	for _, c := range s.consumers {
		if err := c.n.spec.contract.inputs.At(c.port).typ.Validate(p); err != nil {
			if tm, ok := err.(*TypeMismatchError); ok {
				tm.Where = fmt.Sprintf("input stream %s to node %s", name, c.n.spec.name)
			}
			return err
		}
	}
	s.advance(p.Timestamp())
	s.sentBound = s.nextBound
	r.deliver(s, []Packet{p}, s.nextBound)
	return nil
}

func (r *graphRun) setInputBound(name string, b Timestamp) error {
	r.inputMu.Lock()
	defer r.inputMu.Unlock()
	s, err := r.inputStream(name)
	if err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("%w: %q", ErrStreamClosed, name)
	}
	if b == Unset || b == Unstarted {
		return fmt.Errorf("%w: %s is not a valid bound", ErrInvalidTimestamp, b)
	}
	s.raise(b)
	if s.nextBound == s.sentBound {
		return nil
	}
	s.sentBound = s.nextBound
	r.deliver(s, nil, s.nextBound)
	if s.nextBound == Done {
		s.close()
		r.inputClosed()
	}
	return nil
}

func (r *graphRun) closeInput(name string) error {
	r.inputMu.Lock()
	defer r.inputMu.Unlock()
	s, ok := r.inputs[name]
	if !ok {
		return fmt.Errorf("%w: %q is not a graph input stream", ErrUnknownStream, name)
	}
	r.closeInputLocked(s)
	return nil
}

func (r *graphRun) closeInputLocked(s *outputStream) {
	if s.closed {
		return
	}
	s.close()
	s.sentBound = Done
	r.deliver(s, nil, Done)
	r.inputClosed()
}

func (r *graphRun) inputClosed() {
	r.mu.Lock()
	r.openInputs--
	r.checkDoneLocked()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *graphRun) closeAllInputs() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	r.inputMu.Lock()
	defer r.inputMu.Unlock()
	for _, name := range r.topo.graphInputs {
		r.closeInputLocked(r.inputs[name])
	}
}

func (r *graphRun) closeAllPacketSources() {
	r.sourcesClosed.Store(true)
	r.closeAllInputs()
	for _, n := range r.nodes {
		if n.spec.isSource {
			r.schedule(n)
		}
	}
}

// waitFor blocks until cond holds or ctx ends. Called with r.mu held.
func (r *graphRun) waitFor(ctx context.Context, cond func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.cond.Wait()
	}
	return nil
}

func (r *graphRun) waitUntilIdle(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.liveSources > 0 && !r.finished {
		return ErrSourcesPresent
	}
	if err := r.waitFor(ctx, func() bool { return r.pending == 0 || r.finished }); err != nil {
		return err
	}
	return r.errLocked()
}

func (r *graphRun) waitUntilDone(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.waitFor(ctx, func() bool { return r.finished }); err != nil {
		return err
	}
	return r.errLocked()
}
