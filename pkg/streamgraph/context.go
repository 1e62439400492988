package streamgraph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/streamgraph/pkg/streamgraph/config"
)

// CalculatorContext is what a calculator sees during Open, Process and
// Close. It embeds the run's context.Context, which carries the current
// trace span when tracing is enabled.
//
// A CalculatorContext is only valid for the duration of the callback it
// was passed to.
type CalculatorContext struct {
	context.Context

	n       *node
	inputTs Timestamp
	logger  *slog.Logger

	inputs      *InputSet
	outputs     *OutputSet
	inputSides  *InputSideSet
	outputSides *OutputSideSet

	err error
}

// NodeName returns the node's name.
func (cc *CalculatorContext) NodeName() string { return cc.n.spec.name }

// RunID returns the identifier of the current run.
func (cc *CalculatorContext) RunID() string { return cc.n.run.id }

// Logger returns the run logger enriched with run_id and node.
func (cc *CalculatorContext) Logger() *slog.Logger { return cc.logger }

// Options returns the node's options.
func (cc *CalculatorContext) Options() config.Config { return cc.n.spec.options }

// InputTimestamp returns the timestamp being processed. It is Unstarted
// during Open, Unset for source nodes and Done during Close.
func (cc *CalculatorContext) InputTimestamp() Timestamp { return cc.inputTs }

// Inputs returns the input packets for this call.
func (cc *CalculatorContext) Inputs() *InputSet { return cc.inputs }

// Outputs returns the output streams.
func (cc *CalculatorContext) Outputs() *OutputSet { return cc.outputs }

// InputSidePackets returns the node's input side packets.
func (cc *CalculatorContext) InputSidePackets() *InputSideSet { return cc.inputSides }

// OutputSidePackets returns the node's output side packets.
func (cc *CalculatorContext) OutputSidePackets() *OutputSideSet { return cc.outputSides }

func (cc *CalculatorContext) graph() *CalculatorGraph { return cc.n.run.g }

// fail records the first emission error. It fails the node even when the
// calculator ignores the returned error.
func (cc *CalculatorContext) fail(err error) error {
	if cc.err == nil {
		cc.err = err
	}
	return err
}

// InputPort is one input port's packet for the current call.
type InputPort struct {
	name   string
	packet Packet
	done   bool
}

// Packet returns the packet, which is empty when nothing arrived at the
// input timestamp.
func (p *InputPort) Packet() Packet { return p.packet }

// IsEmpty reports whether no packet arrived at the input timestamp.
func (p *InputPort) IsEmpty() bool { return p.packet.IsEmpty() }

// Value returns the packet's value, or nil.
func (p *InputPort) Value() any { return p.packet.Value() }

// IsDone reports whether the stream is closed and drained.
func (p *InputPort) IsDone() bool { return p.done }

// Name returns the bound stream name.
func (p *InputPort) Name() string { return p.name }

// InputSet addresses input ports by tag and index.
type InputSet struct {
	tags  *TagMap
	ports []InputPort
}

// Get returns the port at (tag, index). Unbound ports read as empty.
func (s *InputSet) Get(tag string, index int) *InputPort {
	if id, ok := s.tags.ID(tag, index); ok {
		return &s.ports[id]
	}
	return &InputPort{done: true}
}

// Tag returns index 0 of tag.
func (s *InputSet) Tag(tag string) *InputPort { return s.Get(tag, 0) }

// Index returns an untagged port.
func (s *InputSet) Index(i int) *InputPort { return s.Get("", i) }

// At returns the port with dense id.
func (s *InputSet) At(id int) *InputPort { return &s.ports[id] }

// HasTag reports whether any port is bound under tag.
func (s *InputSet) HasTag(tag string) bool { return s.tags.HasTag(tag) }

// NumEntries returns the number of ports bound under tag.
func (s *InputSet) NumEntries(tag string) int { return s.tags.NumEntries(tag) }

// Len returns the number of ports.
func (s *InputSet) Len() int { return len(s.ports) }

// TagIndex returns the address of the port with dense id.
func (s *InputSet) TagIndex(id int) TagIndex { return s.tags.TagIndex(id) }

// OutputPort emits packets and timestamp bounds on one output stream.
type OutputPort struct {
	cc      *CalculatorContext
	stream  *outputStream
	pending []Packet
	ti      TagIndex
}

// Add emits p. A packet without a timestamp is stamped with the input
// timestamp. Timestamps must not go below anything emitted or promised
// on the stream before.
func (o *OutputPort) Add(p Packet) error {
	if o.stream == nil {
		return o.cc.fail(fmt.Errorf("%w: node %s has no output %s", ErrUnknownStream, o.cc.NodeName(), o.ti))
	}
	if p.Timestamp() == Unset {
		p = p.At(o.cc.inputTs)
	}
	if err := o.stream.check(p); err != nil {
		return o.cc.fail(err)
	}
	o.stream.advance(p.Timestamp())
	o.pending = append(o.pending, p)
	return nil
}

// AddValue emits v at the input timestamp.
func (o *OutputPort) AddValue(v any) error {
	return o.Add(Packet{holder: &holder{value: v}})
}

// SetNextTimestampBound promises that no packet below b will follow.
// Bounds below the current one are ignored.
func (o *OutputPort) SetNextTimestampBound(b Timestamp) {
	if o.stream != nil {
		o.stream.raise(b)
	}
}

// NextTimestampBound returns the smallest timestamp the next packet may carry.
func (o *OutputPort) NextTimestampBound() Timestamp {
	if o.stream == nil {
		return Done
	}
	return o.stream.nextBound
}

// Close ends the stream. Consumers see it as done once drained.
func (o *OutputPort) Close() {
	if o.stream != nil {
		o.stream.close()
	}
}

// IsClosed reports whether the stream was closed.
func (o *OutputPort) IsClosed() bool {
	return o.stream == nil || o.stream.closed
}

// Name returns the bound stream name.
func (o *OutputPort) Name() string {
	if o.stream == nil {
		return ""
	}
	return o.stream.name
}

// OutputSet addresses output ports by tag and index.
type OutputSet struct {
	tags  *TagMap
	ports []*OutputPort
	cc    *CalculatorContext
}

// Get returns the port at (tag, index). Emitting on an unbound port fails.
func (s *OutputSet) Get(tag string, index int) *OutputPort {
	if id, ok := s.tags.ID(tag, index); ok {
		return s.ports[id]
	}
	return &OutputPort{cc: s.cc, ti: TagIndex{Tag: tag, Index: index}}
}

// Tag returns index 0 of tag.
func (s *OutputSet) Tag(tag string) *OutputPort { return s.Get(tag, 0) }

// Index returns an untagged port.
func (s *OutputSet) Index(i int) *OutputPort { return s.Get("", i) }

// At returns the port with dense id.
func (s *OutputSet) At(id int) *OutputPort { return s.ports[id] }

// HasTag reports whether any port is bound under tag.
func (s *OutputSet) HasTag(tag string) bool { return s.tags.HasTag(tag) }

// NumEntries returns the number of ports bound under tag.
func (s *OutputSet) NumEntries(tag string) int { return s.tags.NumEntries(tag) }

// Len returns the number of ports.
func (s *OutputSet) Len() int { return len(s.ports) }

// TagIndex returns the address of the port with dense id.
func (s *OutputSet) TagIndex(id int) TagIndex { return s.tags.TagIndex(id) }

// InputSideSet addresses input side packets by tag and index.
type InputSideSet struct {
	tags    *TagMap
	packets []Packet
}

// Get returns the side packet at (tag, index), or an empty packet when it
// is unbound or an optional packet was not supplied.
func (s *InputSideSet) Get(tag string, index int) Packet {
	if id, ok := s.tags.ID(tag, index); ok {
		return s.packets[id]
	}
	return Packet{}
}

// Tag returns index 0 of tag.
func (s *InputSideSet) Tag(tag string) Packet { return s.Get(tag, 0) }

// Index returns an untagged side packet.
func (s *InputSideSet) Index(i int) Packet { return s.Get("", i) }

// HasTag reports whether any side packet is bound under tag.
func (s *InputSideSet) HasTag(tag string) bool { return s.tags.HasTag(tag) }

// NumEntries returns the number of side packets bound under tag.
func (s *InputSideSet) NumEntries(tag string) int { return s.tags.NumEntries(tag) }

// Len returns the number of side packets.
func (s *InputSideSet) Len() int { return len(s.packets) }

// OutputSidePort sets one output side packet.
type OutputSidePort struct {
	cc      *CalculatorContext
	name    string
	typ     PacketType
	set     bool
	pending *Packet
	ti      TagIndex
}

// Set publishes the side packet. Each output side packet is set once per run.
func (o *OutputSidePort) Set(p Packet) error {
	if o.name == "" {
		return o.cc.fail(fmt.Errorf("%w: node %s has no output side packet %s", ErrUnknownSidePacket, o.cc.NodeName(), o.ti))
	}
	if o.set {
		return o.cc.fail(Internalf("output side packet %q was already set", o.name))
	}
	if err := o.typ.Validate(p); err != nil {
		if tm, ok := err.(*TypeMismatchError); ok {
			tm.Where = "side packet " + o.name
		}
		return o.cc.fail(err)
	}
	p = p.At(Unset)
	o.set = true
	o.pending = &p
	return nil
}

// IsSet reports whether the side packet has been set in this run.
func (o *OutputSidePort) IsSet() bool { return o.set }

// OutputSideSet addresses output side packets by tag and index.
type OutputSideSet struct {
	tags  *TagMap
	ports []*OutputSidePort
	cc    *CalculatorContext
}

// Get returns the port at (tag, index). Setting an unbound port fails.
func (s *OutputSideSet) Get(tag string, index int) *OutputSidePort {
	if id, ok := s.tags.ID(tag, index); ok {
		return s.ports[id]
	}
	return &OutputSidePort{cc: s.cc, ti: TagIndex{Tag: tag, Index: index}}
}

// Tag returns index 0 of tag.
func (s *OutputSideSet) Tag(tag string) *OutputSidePort { return s.Get(tag, 0) }

// Index returns an untagged port.
func (s *OutputSideSet) Index(i int) *OutputSidePort { return s.Get("", i) }

// At returns the port with dense id.
func (s *OutputSideSet) At(id int) *OutputSidePort { return s.ports[id] }

// HasTag reports whether any side packet is bound under tag.
func (s *OutputSideSet) HasTag(tag string) bool { return s.tags.HasTag(tag) }

// NumEntries returns the number of side packets bound under tag.
func (s *OutputSideSet) NumEntries(tag string) int { return s.tags.NumEntries(tag) }

// Len returns the number of side packets.
func (s *OutputSideSet) Len() int { return len(s.ports) }
