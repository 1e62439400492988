package calculators

import (
	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
)

// PacketSequencer is the registered name of the packet sequencer.
//
// It re-stamps packets from a loosely timed INPUT stream so that they
// strictly increase and land after the latest timestamp seen on any of
// the TICK:i reference streams. Before the first tick, packets are stamped
// from Min upward.
const PacketSequencer = "PacketSequencerCalculator"

const tagTick = "TICK"

func init() {
	sg.Register(PacketSequencer, func() sg.Calculator { return &packetSequencer{} })
}

type packetSequencer struct {
	sg.CalculatorBase
	next sg.Timestamp
}

func (c *packetSequencer) UpdateContract(cc *sg.Contract) error {
	in := cc.Inputs()
	if !in.HasTag(tagInput) {
		return sg.Configf("%s requires an INPUT stream", PacketSequencer)
	}
	in.Tag(tagInput).SetAny()
	for i := 0; i < in.NumEntries(tagTick); i++ {
		in.Get(tagTick, i).SetAny()
	}
	cc.Outputs().Tag(tagOutput).SetAny()
	cc.SetInputStreamHandler(sg.ImmediateInputStreamHandler)
	return nil
}

func (c *packetSequencer) Open(*sg.CalculatorContext) error {
	c.next = sg.Min
	return nil
}

func (c *packetSequencer) Process(cc *sg.CalculatorContext) error {
	in := cc.Inputs()
	out := cc.Outputs().Tag(tagOutput)
	for i := 0; i < in.NumEntries(tagTick); i++ {
		tick := in.Get(tagTick, i)
		if tick.IsEmpty() {
			continue
		}
		if after := tick.Packet().Timestamp().NextAllowedInStream(); after > c.next {
			c.next = after
		}
	}

	if p := in.Tag(tagInput); !p.IsEmpty() {
		if err := out.Add(p.Packet().At(c.next)); err != nil {
			return err
		}
		c.next = c.next.NextAllowedInStream()
	}
	out.SetNextTimestampBound(c.next)
	return nil
}
