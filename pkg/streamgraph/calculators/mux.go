package calculators

import (
	"fmt"

	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
)

// Registered names of the selection calculators.
const (
	// Mux forwards INPUT:i to OUTPUT, where i is read from a SELECT stream
	// or a SELECT side packet. With a SELECT stream only the selected input
	// must be settled at each control timestamp; packets on the other
	// inputs are dropped.
	Mux = "MuxCalculator"
	// Demux forwards INPUT to OUTPUT:i, where i is read from a SELECT
	// stream or a SELECT side packet. The other outputs advance their
	// bounds.
	Demux = "DemuxCalculator"
)

const (
	tagInput  = "INPUT"
	tagOutput = "OUTPUT"
	tagSelect = "SELECT"
)

func init() {
	sg.Register(Mux, func() sg.Calculator { return &mux{} })
	sg.Register(Demux, func() sg.Calculator { return &demux{} })
}

// selector reads the SELECT value from a stream or a side packet.
type selector struct {
	fromStream bool
	fixed      int
}

func declareSelect(cc *sg.Contract, name string) error {
	stream := cc.Inputs().HasTag(tagSelect)
	side := cc.InputSidePackets().HasTag(tagSelect)
	switch {
	case stream && side:
		return sg.Configf("%s: SELECT must be a stream or a side packet, not both", name)
	case stream:
		cc.Inputs().Tag(tagSelect).Set(sg.TypeOf[int]())
	case side:
		cc.InputSidePackets().Tag(tagSelect).Set(sg.TypeOf[int]())
	default:
		return sg.Configf("%s requires a SELECT stream or side packet", name)
	}
	return nil
}

func (s *selector) open(cc *sg.CalculatorContext) error {
	if cc.Inputs().HasTag(tagSelect) {
		s.fromStream = true
		return nil
	}
	v, err := sg.Get[int](cc.InputSidePackets().Tag(tagSelect))
	if err != nil {
		return err
	}
	s.fixed = v
	return nil
}

// current returns the selected index, or false when the SELECT stream has
// no packet at this timestamp.
func (s *selector) current(cc *sg.CalculatorContext, n int) (int, bool, error) {
	v := s.fixed
	if s.fromStream {
		p := cc.Inputs().Tag(tagSelect)
		if p.IsEmpty() {
			return 0, false, nil
		}
		var err error
		if v, err = sg.Get[int](p.Packet()); err != nil {
			return 0, false, err
		}
	}
	if v < 0 || v >= n {
		return 0, false, fmt.Errorf("select value %d out of range [0, %d)", v, n)
	}
	return v, true, nil
}

type mux struct {
	sg.CalculatorBase
	sel selector
}

func (c *mux) UpdateContract(cc *sg.Contract) error {
	if err := declareSelect(cc, Mux); err != nil {
		return err
	}
	n := cc.Inputs().NumEntries(tagInput)
	if n == 0 {
		return sg.Configf("%s requires INPUT streams", Mux)
	}
	for i := 0; i < n; i++ {
		cc.Inputs().Get(tagInput, i).SetAny()
	}
	cc.Outputs().Tag(tagOutput).SetAny()
	if cc.Inputs().HasTag(tagSelect) {
		cc.SetInputStreamHandler(sg.MuxInputStreamHandler)
	}
	cc.SetTimestampOffset(0)
	return nil
}

func (c *mux) Open(cc *sg.CalculatorContext) error { return c.sel.open(cc) }

func (c *mux) Process(cc *sg.CalculatorContext) error {
	i, ok, err := c.sel.current(cc, cc.Inputs().NumEntries(tagInput))
	if err != nil || !ok {
		return err
	}
	p := cc.Inputs().Get(tagInput, i)
	if p.IsEmpty() {
		return nil
	}
	return cc.Outputs().Tag(tagOutput).Add(p.Packet())
}

type demux struct {
	sg.CalculatorBase
	sel selector
}

func (c *demux) UpdateContract(cc *sg.Contract) error {
	if err := declareSelect(cc, Demux); err != nil {
		return err
	}
	n := cc.Outputs().NumEntries(tagOutput)
	if n == 0 {
		return sg.Configf("%s requires OUTPUT streams", Demux)
	}
	cc.Inputs().Tag(tagInput).SetAny()
	for i := 0; i < n; i++ {
		cc.Outputs().Get(tagOutput, i).SetAny()
	}
	cc.SetTimestampOffset(0)
	return nil
}

func (c *demux) Open(cc *sg.CalculatorContext) error { return c.sel.open(cc) }

func (c *demux) Process(cc *sg.CalculatorContext) error {
	i, ok, err := c.sel.current(cc, cc.Outputs().NumEntries(tagOutput))
	if err != nil || !ok {
		return err
	}
	p := cc.Inputs().Tag(tagInput)
	if p.IsEmpty() {
		return nil
	}
	return cc.Outputs().Get(tagOutput, i).Add(p.Packet())
}
