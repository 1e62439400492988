package calculators

import (
	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
)

// PacketRate is the registered name of the packet rate calculator. For
// every packet after the first it emits the rate in packets per second
// implied by the gap to the previous packet, reading timestamps as
// microseconds.
const PacketRate = "PacketRateCalculator"

func init() {
	sg.Register(PacketRate, func() sg.Calculator { return &packetRate{} })
}

type packetRate struct {
	sg.CalculatorBase
	prev sg.Timestamp
	seen bool
}

func (c *packetRate) UpdateContract(cc *sg.Contract) error {
	if cc.Inputs().Len() != 1 || cc.Outputs().Len() != 1 {
		return sg.Configf("%s takes exactly one input and one output", PacketRate)
	}
	cc.Inputs().At(0).SetAny()
	cc.Outputs().At(0).Set(sg.TypeOf[float64]())
	cc.SetTimestampOffset(0)
	return nil
}

func (c *packetRate) Process(cc *sg.CalculatorContext) error {
	ts := cc.InputTimestamp()
	if !c.seen {
		c.prev, c.seen = ts, true
		return nil
	}
	dt := ts.Microseconds() - c.prev.Microseconds()
	c.prev = ts
	if dt <= 0 {
		return nil
	}
	return cc.Outputs().At(0).AddValue(1e6 / float64(dt))
}
