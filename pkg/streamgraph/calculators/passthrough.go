package calculators

import (
	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
)

// PassThrough is the registered name of the pass-through calculator.
const PassThrough = "PassThroughCalculator"

func init() {
	sg.Register(PassThrough, func() sg.Calculator { return &passThrough{} })
}

// passThrough forwards every input port to the output port with the same
// tag and index.
type passThrough struct {
	sg.CalculatorBase
}

func (c *passThrough) UpdateContract(cc *sg.Contract) error {
	in, out := cc.Inputs(), cc.Outputs()
	if in.Len() != out.Len() {
		return sg.Configf("%s needs as many outputs as inputs, got %d inputs and %d outputs", PassThrough, in.Len(), out.Len())
	}
	for id := 0; id < in.Len(); id++ {
		ti := in.TagIndex(id)
		if out.NumEntries(ti.Tag) <= ti.Index {
			return sg.Configf("%s: input %s has no matching output", PassThrough, ti)
		}
		in.At(id).SetAny()
		out.Get(ti.Tag, ti.Index).SetAny()
	}
	cc.SetTimestampOffset(0)
	return nil
}

func (c *passThrough) Process(cc *sg.CalculatorContext) error {
	in, out := cc.Inputs(), cc.Outputs()
	for id := 0; id < in.Len(); id++ {
		p := in.At(id)
		if p.IsEmpty() {
			continue
		}
		ti := in.TagIndex(id)
		if err := out.Get(ti.Tag, ti.Index).Add(p.Packet()); err != nil {
			return err
		}
	}
	return nil
}
