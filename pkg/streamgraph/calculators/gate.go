package calculators

import (
	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
)

// Gate is the registered name of the gate calculator.
//
// Untagged inputs are forwarded to the untagged outputs with the same index
// while the gate is open. The gate is controlled by a boolean ALLOW or
// DISALLOW input stream, an ALLOW or DISALLOW side packet, or the "allow"
// option, in that order of precedence. While closed, outputs only advance
// their timestamp bound.
//
// Options:
//   - allow (bool): static state when no control is connected. Default false.
//   - empty_packets_as_allow (bool): treat a missing control packet as
//     ALLOW=true. Default false.
//
// The optional STATE_CHANGE output carries the new state whenever it flips.
// The first observed state is never reported as a change.
const Gate = "GateCalculator"

const (
	tagAllow       = "ALLOW"
	tagDisallow    = "DISALLOW"
	tagStateChange = "STATE_CHANGE"
)

func init() {
	sg.Register(Gate, func() sg.Calculator { return &gate{} })
}

type gateState int

const (
	gateUnknown gateState = iota
	gateOpen
	gateClosed
)

type gate struct {
	sg.CalculatorBase

	controlTag   string
	useStream    bool
	emptyAsAllow bool
	static       bool
	last         gateState
}

func (c *gate) UpdateContract(cc *sg.Contract) error {
	in, out := cc.Inputs(), cc.Outputs()
	sides := cc.InputSidePackets()

	streams := 0
	for _, tag := range []string{tagAllow, tagDisallow} {
		if in.HasTag(tag) {
			streams++
			in.Tag(tag).Set(sg.TypeOf[bool]())
		}
		if sides.HasTag(tag) {
			streams++
			sides.Tag(tag).Set(sg.TypeOf[bool]())
		}
	}
	if streams > 1 {
		return sg.Configf("%s: only one of ALLOW and DISALLOW may be connected, as a stream or as a side packet", Gate)
	}

	n := in.NumEntries("")
	if n == 0 {
		return sg.Configf("%s requires at least one data input", Gate)
	}
	if out.NumEntries("") != n {
		return sg.Configf("%s: %d data inputs but %d data outputs", Gate, n, out.NumEntries(""))
	}
	for i := 0; i < n; i++ {
		in.Index(i).SetAny()
		out.Index(i).SetAny()
	}
	if out.HasTag(tagStateChange) {
		out.Tag(tagStateChange).Set(sg.TypeOf[bool]())
	}
	cc.SetTimestampOffset(0)
	return nil
}

func (c *gate) Open(cc *sg.CalculatorContext) error {
	opts := cc.Options()
	c.emptyAsAllow = opts.Bool("empty_packets_as_allow", false)
	c.static = opts.Bool("allow", false)

	for _, tag := range []string{tagAllow, tagDisallow} {
		if cc.Inputs().HasTag(tag) {
			c.controlTag = tag
			c.useStream = true
			return nil
		}
		if cc.InputSidePackets().HasTag(tag) {
			v, err := sg.Get[bool](cc.InputSidePackets().Tag(tag))
			if err != nil {
				return err
			}
			c.static = v == (tag == tagAllow)
			return nil
		}
	}
	return nil
}

func (c *gate) allowed(cc *sg.CalculatorContext) (bool, error) {
	if !c.useStream {
		return c.static, nil
	}
	p := cc.Inputs().Tag(c.controlTag)
	if p.IsEmpty() {
		return c.emptyAsAllow, nil
	}
	v, err := sg.Get[bool](p.Packet())
	if err != nil {
		return false, err
	}
	return v == (c.controlTag == tagAllow), nil
}

func (c *gate) Process(cc *sg.CalculatorContext) error {
	allow, err := c.allowed(cc)
	if err != nil {
		return err
	}

	state := gateClosed
	if allow {
		state = gateOpen
	}
	if c.last != gateUnknown && c.last != state && cc.Outputs().HasTag(tagStateChange) {
		if err := cc.Outputs().Tag(tagStateChange).AddValue(allow); err != nil {
			return err
		}
	}
	c.last = state

	in, out := cc.Inputs(), cc.Outputs()
	n := in.NumEntries("")
	if !allow {
		next := cc.InputTimestamp().NextAllowedInStream()
		for i := 0; i < n; i++ {
			out.Index(i).SetNextTimestampBound(next)
		}
		return nil
	}
	for i := 0; i < n; i++ {
		p := in.Index(i)
		if p.IsEmpty() {
			continue
		}
		if err := out.Index(i).Add(p.Packet()); err != nil {
			return err
		}
	}
	return nil
}
