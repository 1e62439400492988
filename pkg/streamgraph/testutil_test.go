package streamgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Test calculators used across tests. Each registers under a Test* name.

func init() {
	Register("TestIdentityCalculator", func() Calculator { return &identityCalc{} })
	Register("TestSourceCalculator", func() Calculator { return &sourceCalc{} })
	Register("TestFailCalculator", func() Calculator { return &failCalc{} })
	Register("TestCountCalculator", func() Calculator { return &countCalc{} })
	Register("TestScaleCalculator", func() Calculator { return &scaleCalc{} })
	Register("TestSideSourceCalculator", func() Calculator { return &sideSourceCalc{} })
	Register("TestTypedCalculator", func() Calculator { return &typedCalc{} })
	Register("TestRequiredPortCalculator", func() Calculator { return &requiredPortCalc{} })
	Register("TestStopAfterCalculator", func() Calculator { return &stopAfterCalc{} })
	Register("TestAccumulateCalculator", func() Calculator { return &accumulateCalc{} })
	Register("TestDelayCalculator", func() Calculator { return &delayCalc{} })
	Register("TestMuxCalculator", func() Calculator { return &muxCalc{} })
	Register("TestServiceCalculator", func() Calculator { return &serviceCalc{} })
	Register("TestStrictServiceCalculator", func() Calculator { return &strictServiceCalc{} })
	Register("TestNestedGraphCalculator", func() Calculator { return &nestedGraphCalc{} })
	Register("TestBadConfigCalculator", func() Calculator { return &badConfigCalc{} })
}

// identityCalc forwards untagged input i to untagged output i.
type identityCalc struct{ CalculatorBase }

func (c *identityCalc) UpdateContract(cc *Contract) error {
	for i := 0; i < cc.Inputs().Len(); i++ {
		cc.Inputs().Index(i).SetAny()
		cc.Outputs().Index(i).SetAny()
	}
	cc.SetTimestampOffset(0)
	return nil
}

func (c *identityCalc) Process(cc *CalculatorContext) error {
	for i := 0; i < cc.Inputs().Len(); i++ {
		if p := cc.Inputs().Index(i); !p.IsEmpty() {
			if err := cc.Outputs().Index(i).Add(p.Packet()); err != nil {
				return err
			}
		}
	}
	return nil
}

// sourceCalc emits the ints 0..count-1 at timestamps start+i, then stops.
// A negative count never stops on its own.
type sourceCalc struct {
	CalculatorBase
	i, count, start int
}

func (c *sourceCalc) UpdateContract(cc *Contract) error {
	cc.Outputs().Index(0).Set(TypeOf[int]())
	return nil
}

func (c *sourceCalc) Open(cc *CalculatorContext) error {
	c.count = cc.Options().Int("count", 3)
	c.start = cc.Options().Int("start", 0)
	return nil
}

func (c *sourceCalc) Process(cc *CalculatorContext) error {
	if c.count >= 0 && c.i >= c.count {
		return ErrStop
	}
	if err := cc.Outputs().Index(0).Add(MakePacket(c.i).At(Timestamp(c.start + c.i))); err != nil {
		return err
	}
	c.i++
	return nil
}

// failCalc forwards its input and fails in the callback named by the
// "fail_on" option, by error or by panic per the "mode" option.
type failCalc struct{ CalculatorBase }

var errTestFailure = errors.New("test failure")

func (c *failCalc) UpdateContract(cc *Contract) error {
	cc.Inputs().Index(0).SetAny()
	cc.Outputs().Index(0).SetAny()
	cc.SetTimestampOffset(0)
	return nil
}

func (c *failCalc) fail(cc *CalculatorContext, op string) error {
	if cc.Options().String("fail_on", OpProcess) != op {
		return nil
	}
	if op == OpProcess && cc.InputTimestamp() < Timestamp(cc.Options().Int("fail_at", 0)) {
		return nil
	}
	if cc.Options().String("mode", "error") == "panic" {
		panic("test panic in " + op)
	}
	return errTestFailure
}

func (c *failCalc) Open(cc *CalculatorContext) error { return c.fail(cc, OpOpen) }

func (c *failCalc) Process(cc *CalculatorContext) error {
	if err := c.fail(cc, OpProcess); err != nil {
		return err
	}
	return cc.Outputs().Index(0).Add(cc.Inputs().Index(0).Packet())
}

func (c *failCalc) Close(cc *CalculatorContext) error { return c.fail(cc, OpClose) }

// countCalc counts input packets and emits the total at PostStream once
// the input is done.
type countCalc struct {
	CalculatorBase
	n int
}

func (c *countCalc) UpdateContract(cc *Contract) error {
	cc.Inputs().Index(0).SetAny()
	cc.Outputs().Index(0).Set(TypeOf[int]())
	cc.SetInputStreamHandler(ImmediateInputStreamHandler)
	cc.SetProcessTimestampBounds(true)
	return nil
}

func (c *countCalc) Process(cc *CalculatorContext) error {
	in := cc.Inputs().Index(0)
	if !in.IsEmpty() {
		c.n++
	}
	if in.IsDone() && cc.InputTimestamp() == PostStream {
		return cc.Outputs().Index(0).Add(MakePacket(c.n).At(PostStream))
	}
	return nil
}

// scaleCalc multiplies int inputs by the FACTOR side packet, adds the
// optional OFFSET side packet, and sets the sum of its outputs as TOTAL.
type scaleCalc struct {
	CalculatorBase
	factor, offset, total int
}

func (c *scaleCalc) UpdateContract(cc *Contract) error {
	cc.Inputs().Index(0).Set(TypeOf[int]())
	cc.Outputs().Index(0).Set(TypeOf[int]())
	cc.InputSidePackets().Tag("FACTOR").Set(TypeOf[int]())
	cc.InputSidePackets().Tag("OFFSET").Set(TypeOf[int]()).Optional()
	cc.OutputSidePackets().Tag("TOTAL").Set(TypeOf[int]()).Optional()
	cc.SetTimestampOffset(0)
	return nil
}

func (c *scaleCalc) Open(cc *CalculatorContext) error {
	var err error
	if c.factor, err = Get[int](cc.InputSidePackets().Tag("FACTOR")); err != nil {
		return err
	}
	if p := cc.InputSidePackets().Tag("OFFSET"); !p.IsEmpty() {
		c.offset = MustGet[int](p)
	}
	return nil
}

func (c *scaleCalc) Process(cc *CalculatorContext) error {
	v := MustGet[int](cc.Inputs().Index(0).Packet())*c.factor + c.offset
	c.total += v
	return cc.Outputs().Index(0).AddValue(v)
}

func (c *scaleCalc) Close(cc *CalculatorContext) error {
	if cc.OutputSidePackets().HasTag("TOTAL") && !cc.Options().Bool("skip_total", false) {
		return cc.OutputSidePackets().Tag("TOTAL").Set(MakePacket(c.total))
	}
	return nil
}

// sideSourceCalc sets the VALUE side packet from the "value" option.
type sideSourceCalc struct{ CalculatorBase }

func (c *sideSourceCalc) UpdateContract(cc *Contract) error {
	cc.OutputSidePackets().Tag("VALUE").Set(TypeOf[int]())
	return nil
}

func (c *sideSourceCalc) Open(cc *CalculatorContext) error {
	return cc.OutputSidePackets().Tag("VALUE").Set(MakePacket(cc.Options().Int("value", 0)))
}

func (c *sideSourceCalc) Process(*CalculatorContext) error { return nil }

// typedCalc forwards its input with the port types named by the "in" and
// "out" options.
type typedCalc struct{ CalculatorBase }

func typeByName(name string) PacketType {
	switch name {
	case "int":
		return TypeOf[int]()
	case "string":
		return TypeOf[string]()
	case "stringer":
		return TypeOf[fmt.Stringer]()
	}
	return AnyType()
}

func (c *typedCalc) UpdateContract(cc *Contract) error {
	if cc.Inputs().Len() > 0 {
		cc.Inputs().Index(0).Set(typeByName(cc.Options().String("in", "any")))
	}
	if cc.Outputs().Len() > 0 {
		cc.Outputs().Index(0).Set(typeByName(cc.Options().String("out", "any")))
	}
	cc.SetTimestampOffset(0)
	return nil
}

func (c *typedCalc) Process(cc *CalculatorContext) error {
	if cc.Outputs().Len() == 0 {
		return nil
	}
	return cc.Outputs().Index(0).Add(cc.Inputs().Index(0).Packet())
}

// requiredPortCalc requires a REQUIRED input and an OUT output.
type requiredPortCalc struct{ CalculatorBase }

func (c *requiredPortCalc) UpdateContract(cc *Contract) error {
	cc.Inputs().Tag("REQUIRED").SetAny()
	cc.Inputs().Tag("EXTRA").SetAny().Optional()
	cc.Outputs().Tag("OUT").SetAny()
	return nil
}

func (c *requiredPortCalc) Process(*CalculatorContext) error { return nil }

// stopAfterCalc forwards packets and returns ErrStop after "after" of them.
type stopAfterCalc struct {
	CalculatorBase
	seen int
}

func (c *stopAfterCalc) UpdateContract(cc *Contract) error {
	cc.Inputs().Index(0).SetAny()
	cc.Outputs().Index(0).SetAny()
	cc.SetTimestampOffset(0)
	return nil
}

func (c *stopAfterCalc) Process(cc *CalculatorContext) error {
	c.seen++
	if err := cc.Outputs().Index(0).Add(cc.Inputs().Index(0).Packet()); err != nil {
		return err
	}
	if c.seen >= cc.Options().Int("after", 1) {
		return ErrStop
	}
	return nil
}

// accumulateCalc adds its int input to the PREV loopback value.
type accumulateCalc struct{ CalculatorBase }

func (c *accumulateCalc) UpdateContract(cc *Contract) error {
	cc.Inputs().Index(0).Set(TypeOf[int]())
	cc.Inputs().Tag("PREV").Set(TypeOf[int]()).Optional()
	cc.Outputs().Index(0).Set(TypeOf[int]())
	cc.SetTimestampOffset(0)
	return nil
}

func (c *accumulateCalc) Process(cc *CalculatorContext) error {
	in := cc.Inputs().Index(0)
	if in.IsEmpty() {
		return nil
	}
	sum := MustGet[int](in.Packet())
	if prev := cc.Inputs().Tag("PREV"); !prev.IsEmpty() {
		sum += MustGet[int](prev.Packet())
	}
	return cc.Outputs().Index(0).AddValue(sum)
}

// delayCalc re-emits each packet one timestamp later.
type delayCalc struct{ CalculatorBase }

func (c *delayCalc) UpdateContract(cc *Contract) error {
	cc.Inputs().Index(0).SetAny()
	cc.Outputs().Index(0).SetAny()
	cc.SetTimestampOffset(1)
	return nil
}

func (c *delayCalc) Process(cc *CalculatorContext) error {
	ts := cc.InputTimestamp().NextAllowedInStream()
	return cc.Outputs().Index(0).Add(cc.Inputs().Index(0).Packet().At(ts))
}

// muxCalc forwards the INPUT:i selected by SELECT. A missing selected
// packet is an error, which makes torn control/data reads visible.
type muxCalc struct{ CalculatorBase }

func (c *muxCalc) UpdateContract(cc *Contract) error {
	cc.Inputs().Tag("SELECT").Set(TypeOf[int]())
	for i := 0; i < cc.Inputs().NumEntries("INPUT"); i++ {
		cc.Inputs().Get("INPUT", i).SetAny()
	}
	cc.Outputs().Tag("OUTPUT").SetAny()
	cc.SetInputStreamHandler(MuxInputStreamHandler)
	cc.SetTimestampOffset(0)
	return nil
}

func (c *muxCalc) Process(cc *CalculatorContext) error {
	sel := cc.Inputs().Tag("SELECT")
	if sel.IsEmpty() {
		return nil
	}
	i := MustGet[int](sel.Packet())
	p := cc.Inputs().Get("INPUT", i)
	if p.IsEmpty() {
		return Internalf("INPUT:%d missing at %s", i, cc.InputTimestamp())
	}
	return cc.Outputs().Tag("OUTPUT").Add(p.Packet())
}

// counterService counts how many nodes opened with it.
type counterService struct {
	opens atomic.Int64
}

var (
	counterSvc = NewGraphService("test.counter", DefaultInitAllowed, func() (*counterService, error) {
		return &counterService{}, nil
	})
	strictSvc = NewGraphService[*counterService]("test.strict", DefaultInitDisallowed, nil)
)

type serviceCalc struct{ CalculatorBase }

func (c *serviceCalc) UpdateContract(cc *Contract) error {
	cc.UseService(counterSvc)
	return nil
}

func (c *serviceCalc) Open(cc *CalculatorContext) error {
	svc, ok := Service(cc, counterSvc)
	if !ok {
		return errors.New("counter service missing")
	}
	svc.opens.Add(1)
	return nil
}

func (c *serviceCalc) Process(*CalculatorContext) error { return nil }

type strictServiceCalc struct{ CalculatorBase }

func (c *strictServiceCalc) UpdateContract(cc *Contract) error {
	cc.UseService(strictSvc)
	return nil
}

func (c *strictServiceCalc) Open(cc *CalculatorContext) error {
	svc, ok := Service(cc, strictSvc)
	if !ok {
		return errors.New("strict service missing")
	}
	svc.opens.Add(1)
	return nil
}

func (c *strictServiceCalc) Process(*CalculatorContext) error { return nil }

// nestedGraphCalc runs a child graph that needs the strict service and
// hands it the parent's object.
type nestedGraphCalc struct{ CalculatorBase }

func (c *nestedGraphCalc) UpdateContract(cc *Contract) error {
	cc.UseService(strictSvc)
	cc.OutputSidePackets().Tag("CHILD").SetAny()
	return nil
}

func (c *nestedGraphCalc) Open(cc *CalculatorContext) error {
	child, err := NewCalculatorGraphFromConfig(&GraphConfig{
		Nodes: []NodeConfig{{Calculator: "TestStrictServiceCalculator"}},
	}, WithLogger(nil))
	if err != nil {
		return err
	}
	if cc.Options().Bool("inherit", true) {
		if err := InheritService(child, cc, strictSvc); err != nil {
			return err
		}
	}
	if err := child.StartRun(nil); err != nil {
		return err
	}
	if err := child.WaitUntilDone(cc); err != nil {
		return err
	}
	obj, _ := GetServiceObject(child, strictSvc)
	return cc.OutputSidePackets().Tag("CHILD").Set(MakePacket(obj))
}

func (c *nestedGraphCalc) Process(*CalculatorContext) error { return nil }

// badConfigCalc rejects every configuration.
type badConfigCalc struct{ CalculatorBase }

func (c *badConfigCalc) UpdateContract(*Contract) error {
	return Configf("TestBadConfigCalculator: always invalid")
}

func (c *badConfigCalc) Process(*CalculatorContext) error { return nil }

// Helpers

// testCtx returns a context that fails a hung test instead of blocking
// forever.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// mustParse parses a YAML graph config.
func mustParse(t *testing.T, src string) *GraphConfig {
	t.Helper()
	cfg, err := ParseGraphConfig([]byte(src))
	require.NoError(t, err)
	return cfg
}

// newTestGraph parses and initializes a graph with logging disabled.
func newTestGraph(t *testing.T, src string, opts ...GraphOption) *CalculatorGraph {
	t.Helper()
	opts = append([]GraphOption{WithLogger(nil)}, opts...)
	g, err := NewCalculatorGraphFromConfig(mustParse(t, src), opts...)
	require.NoError(t, err)
	return g
}

// collector gathers the packets observed on a stream.
type collector struct {
	mu   sync.Mutex
	pkts []Packet
}

func collect(t *testing.T, g *CalculatorGraph, stream string) *collector {
	t.Helper()
	c := &collector{}
	require.NoError(t, g.ObserveOutputStream(stream, func(p Packet) error {
		c.mu.Lock()
		c.pkts = append(c.pkts, p)
		c.mu.Unlock()
		return nil
	}))
	return c
}

func (c *collector) packets() []Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Packet(nil), c.pkts...)
}

func (c *collector) ints(t *testing.T) []int {
	t.Helper()
	var out []int
	for _, p := range c.packets() {
		v, err := Get[int](p)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func (c *collector) timestamps() []Timestamp {
	var out []Timestamp
	for _, p := range c.packets() {
		out = append(out, p.Timestamp())
	}
	return out
}
