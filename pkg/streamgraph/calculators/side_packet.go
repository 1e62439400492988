package calculators

import (
	"fmt"

	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
	"github.com/randalmurphal/streamgraph/pkg/streamgraph/config"
)

// Registered names of the side packet calculators.
const (
	// ConstantSidePacket sets its output side packets from the "packet"
	// option list. Each entry holds exactly one of int_value, int64_value,
	// float_value, bool_value or string_value.
	ConstantSidePacket = "ConstantSidePacketCalculator"
	// DefaultSidePacket outputs OPTIONAL_VALUE when it was supplied and
	// DEFAULT_VALUE otherwise.
	DefaultSidePacket = "DefaultSidePacketCalculator"
	// SidePacketToStream emits each input side packet once on the output
	// stream with the same index, at the timestamp named by the output tag:
	// AT_PRESTREAM, AT_POSTSTREAM or AT_ZERO.
	SidePacketToStream = "SidePacketToStreamCalculator"
)

const (
	tagOptionalValue = "OPTIONAL_VALUE"
	tagDefaultValue  = "DEFAULT_VALUE"
	tagPacket        = "PACKET"
)

func init() {
	sg.Register(ConstantSidePacket, func() sg.Calculator { return &constantSidePacket{} })
	sg.Register(DefaultSidePacket, func() sg.Calculator { return &defaultSidePacket{} })
	sg.Register(SidePacketToStream, func() sg.Calculator { return &sidePacketToStream{} })
}

type constantSidePacket struct {
	sg.CalculatorBase
}

// constantValue reads one "packet" option entry.
func constantValue(entry config.Config) (sg.Packet, sg.PacketType, error) {
	if entry.Len() != 1 {
		return sg.Packet{}, sg.PacketType{}, fmt.Errorf("packet entry must hold exactly one value, got %d keys", entry.Len())
	}
	switch {
	case entry.Has("int_value"):
		return sg.MakePacket(entry.Int("int_value", 0)), sg.TypeOf[int](), nil
	case entry.Has("int64_value"):
		return sg.MakePacket(entry.Int64("int64_value", 0)), sg.TypeOf[int64](), nil
	case entry.Has("float_value"):
		return sg.MakePacket(entry.Float("float_value", 0)), sg.TypeOf[float64](), nil
	case entry.Has("bool_value"):
		return sg.MakePacket(entry.Bool("bool_value", false)), sg.TypeOf[bool](), nil
	case entry.Has("string_value"):
		return sg.MakePacket(entry.String("string_value", "")), sg.TypeOf[string](), nil
	}
	return sg.Packet{}, sg.PacketType{}, fmt.Errorf("packet entry has no supported value key")
}

func constantPackets(opts config.Config) ([]sg.Packet, []sg.PacketType, error) {
	entries, ok := opts.List("packet")
	if !ok {
		return nil, nil, nil
	}
	pkts := make([]sg.Packet, len(entries))
	types := make([]sg.PacketType, len(entries))
	for i, e := range entries {
		p, t, err := constantValue(e)
		if err != nil {
			return nil, nil, fmt.Errorf("packet %d: %w", i, err)
		}
		pkts[i], types[i] = p, t
	}
	return pkts, types, nil
}

func (c *constantSidePacket) UpdateContract(cc *sg.Contract) error {
	pkts, types, err := constantPackets(cc.Options())
	if err != nil {
		return sg.Configf("%s: %v", ConstantSidePacket, err)
	}
	out := cc.OutputSidePackets()
	if out.Len() != len(pkts) {
		return sg.Configf("%s: Number of output side packets has to be same as number of packets configured in options, got %d output side packets and %d packets",
			ConstantSidePacket, out.Len(), len(pkts))
	}
	for id := 0; id < out.Len(); id++ {
		out.At(id).Set(types[id])
	}
	return nil
}

func (c *constantSidePacket) Open(cc *sg.CalculatorContext) error {
	pkts, _, err := constantPackets(cc.Options())
	if err != nil {
		return err
	}
	out := cc.OutputSidePackets()
	for id := 0; id < out.Len(); id++ {
		if err := out.At(id).Set(pkts[id]); err != nil {
			return err
		}
	}
	return nil
}

func (c *constantSidePacket) Process(*sg.CalculatorContext) error { return nil }

type defaultSidePacket struct {
	sg.CalculatorBase
}

func (c *defaultSidePacket) UpdateContract(cc *sg.Contract) error {
	in := cc.InputSidePackets()
	if !in.HasTag(tagDefaultValue) {
		return sg.Configf("%s: Default value must be provided", DefaultSidePacket)
	}
	in.Tag(tagDefaultValue).SetAny()
	in.Tag(tagOptionalValue).SetAny().Optional()
	if cc.OutputSidePackets().Len() != 1 {
		return sg.Configf("%s takes exactly one output side packet", DefaultSidePacket)
	}
	cc.OutputSidePackets().At(0).SetAny()
	return nil
}

func (c *defaultSidePacket) Open(cc *sg.CalculatorContext) error {
	in := cc.InputSidePackets()
	p := in.Tag(tagOptionalValue)
	if p.IsEmpty() {
		p = in.Tag(tagDefaultValue)
	}
	if p.IsEmpty() {
		return sg.Configf("%s: Default value must be provided", DefaultSidePacket)
	}
	return cc.OutputSidePackets().At(0).Set(p)
}

func (c *defaultSidePacket) Process(*sg.CalculatorContext) error { return nil }

var sidePacketStreamTimestamps = map[string]sg.Timestamp{
	"AT_PRESTREAM":  sg.PreStream,
	"AT_POSTSTREAM": sg.PostStream,
	"AT_ZERO":       0,
}

type sidePacketToStream struct {
	sg.CalculatorBase
	tag string
}

func (c *sidePacketToStream) UpdateContract(cc *sg.Contract) error {
	out := cc.Outputs()
	tags := out.Tags()
	if len(tags) != 1 {
		return sg.Configf("%s needs outputs under exactly one of AT_PRESTREAM, AT_POSTSTREAM or AT_ZERO", SidePacketToStream)
	}
	if _, ok := sidePacketStreamTimestamps[tags[0]]; !ok {
		return sg.Configf("%s: unsupported output tag %q", SidePacketToStream, tags[0])
	}
	in := cc.InputSidePackets()
	if in.Len() != out.Len() || in.NumEntries("") != in.Len() {
		return sg.Configf("%s: needs one untagged input side packet per output stream, got %d side packets and %d streams",
			SidePacketToStream, in.Len(), out.Len())
	}
	for id := 0; id < in.Len(); id++ {
		in.At(id).SetAny()
		out.At(id).SetAny()
	}
	return nil
}

func (c *sidePacketToStream) Open(cc *sg.CalculatorContext) error {
	c.tag = cc.Outputs().TagIndex(0).Tag
	return nil
}

func (c *sidePacketToStream) Process(cc *sg.CalculatorContext) error {
	ts := sidePacketStreamTimestamps[c.tag]
	in, out := cc.InputSidePackets(), cc.Outputs()
	for i := 0; i < in.Len(); i++ {
		port := out.Get(c.tag, i)
		if err := port.Add(in.Index(i).At(ts)); err != nil {
			return err
		}
		port.Close()
	}
	return sg.ErrStop
}
