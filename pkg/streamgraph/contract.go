package streamgraph

import (
	"github.com/randalmurphal/streamgraph/pkg/streamgraph/config"
)

// PortType is the declaration a calculator makes for one port in
// UpdateContract.
type PortType struct {
	typ      PacketType
	optional bool
	name     string
	detached bool
}

// Set declares the packet type carried by the port.
func (p *PortType) Set(t PacketType) *PortType {
	p.typ = t
	return p
}

// SetAny declares that the port carries any type.
func (p *PortType) SetAny() *PortType {
	return p.Set(AnyType())
}

// Optional marks the port as not required to be connected.
func (p *PortType) Optional() *PortType {
	p.optional = true
	return p
}

// Type returns the declared type.
func (p *PortType) Type() PacketType { return p.typ }

// IsOptional reports whether Optional was called.
func (p *PortType) IsOptional() bool { return p.optional }

// Name returns the stream or side packet bound to the port, or "" when the
// port is not connected.
func (p *PortType) Name() string { return p.name }

// IsConnected reports whether the node configuration binds the port.
func (p *PortType) IsConnected() bool { return !p.detached }

// PortSet holds the port declarations of one collection: input streams,
// output streams, input side packets or output side packets.
type PortSet struct {
	tags     *TagMap
	ports    []*PortType
	detached map[TagIndex]*PortType
}

func newPortSet(tags *TagMap) *PortSet {
	ps := &PortSet{
		tags:     tags,
		ports:    make([]*PortType, tags.Len()),
		detached: make(map[TagIndex]*PortType),
	}
	for id := range ps.ports {
		ps.ports[id] = &PortType{name: tags.Name(id)}
	}
	return ps
}

// Get returns the declaration for (tag, index). Ports not bound by the node
// configuration are returned detached; declaring them is harmless, but a
// detached port that is not Optional fails validation.
func (ps *PortSet) Get(tag string, index int) *PortType {
	if id, ok := ps.tags.ID(tag, index); ok {
		return ps.ports[id]
	}
	ti := TagIndex{Tag: tag, Index: index}
	if p, ok := ps.detached[ti]; ok {
		return p
	}
	p := &PortType{detached: true}
	ps.detached[ti] = p
	return p
}

// Tag returns the declaration for index 0 of tag.
func (ps *PortSet) Tag(tag string) *PortType { return ps.Get(tag, 0) }

// Index returns the declaration for an untagged port.
func (ps *PortSet) Index(i int) *PortType { return ps.Get("", i) }

// HasTag reports whether the configuration binds any port under tag.
func (ps *PortSet) HasTag(tag string) bool { return ps.tags.HasTag(tag) }

// NumEntries returns how many ports the configuration binds under tag.
func (ps *PortSet) NumEntries(tag string) int { return ps.tags.NumEntries(tag) }

// Len returns the number of bound ports.
func (ps *PortSet) Len() int { return len(ps.ports) }

// Tags returns the distinct tags in use.
func (ps *PortSet) Tags() []string { return ps.tags.Tags() }

// At returns the bound port with dense id.
func (ps *PortSet) At(id int) *PortType { return ps.ports[id] }

// TagIndex returns the address of the bound port with dense id.
func (ps *PortSet) TagIndex(id int) TagIndex { return ps.tags.TagIndex(id) }

// All returns every bound port in id order.
func (ps *PortSet) All() []*PortType { return ps.ports }

// SetAll declares t on every bound port.
func (ps *PortSet) SetAll(t PacketType) {
	for _, p := range ps.ports {
		p.typ = t
	}
}

// Contract is what a calculator declares about a node in UpdateContract:
// port types, optional ports, scheduling settings and services.
type Contract struct {
	nodeName string
	options  config.Config

	inputs            *PortSet
	outputs           *PortSet
	inputSidePackets  *PortSet
	outputSidePackets *PortSet

	hasOffset     bool
	offset        int64
	processBounds bool
	handler       string
	services      []*ServiceRequest
}

func newContract(nodeName string, opts config.Config, in, out, inSide, outSide *TagMap) *Contract {
	return &Contract{
		nodeName:          nodeName,
		options:           opts,
		inputs:            newPortSet(in),
		outputs:           newPortSet(out),
		inputSidePackets:  newPortSet(inSide),
		outputSidePackets: newPortSet(outSide),
	}
}

// NodeName returns the name of the node being configured.
func (cc *Contract) NodeName() string { return cc.nodeName }

// Options returns the node's options.
func (cc *Contract) Options() config.Config { return cc.options }

// Inputs returns the input stream declarations.
func (cc *Contract) Inputs() *PortSet { return cc.inputs }

// Outputs returns the output stream declarations.
func (cc *Contract) Outputs() *PortSet { return cc.outputs }

// InputSidePackets returns the input side packet declarations.
func (cc *Contract) InputSidePackets() *PortSet { return cc.inputSidePackets }

// OutputSidePackets returns the output side packet declarations.
func (cc *Contract) OutputSidePackets() *PortSet { return cc.outputSidePackets }

// SetTimestampOffset promises that every packet emitted while processing
// input timestamp T carries T+offset. The engine then advances output
// bounds on its own: to T+offset+1 after each Process and to B+offset
// when all input bounds have settled at B.
func (cc *Contract) SetTimestampOffset(offset int64) {
	cc.hasOffset = true
	cc.offset = offset
}

// TimestampOffset returns the declared offset and whether one is set.
func (cc *Contract) TimestampOffset() (int64, bool) { return cc.offset, cc.hasOffset }

// SetProcessTimestampBounds requests Process calls for bound-only
// progress, with empty input packets.
func (cc *Contract) SetProcessTimestampBounds(enabled bool) { cc.processBounds = enabled }

// ProcessTimestampBounds reports the setting.
func (cc *Contract) ProcessTimestampBounds() bool { return cc.processBounds }

// SetInputStreamHandler selects the input stream handler by registered
// name. The node configuration takes precedence.
func (cc *Contract) SetInputStreamHandler(name string) { cc.handler = name }

// InputStreamHandler returns the handler chosen by the calculator.
func (cc *Contract) InputStreamHandler() string { return cc.handler }

// UseService requests a graph service for this node.
func (cc *Contract) UseService(svc ServiceKey) *ServiceRequest {
	req := &ServiceRequest{svc: svc}
	cc.services = append(cc.services, req)
	return req
}

// ServiceRequest is a node's request for a graph service.
type ServiceRequest struct {
	svc      ServiceKey
	optional bool
}

// Optional lets the run start without the service.
func (r *ServiceRequest) Optional() *ServiceRequest {
	r.optional = true
	return r
}
