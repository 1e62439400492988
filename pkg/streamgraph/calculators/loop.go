package calculators

import (
	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
)

// Registered names of the item loop calculators, one pair per element type.
//
// BeginLoop takes ITERABLE:i batches ([]T) and emits their elements one at
// a time on ITEM:i, each at its own timestamp on an internal loop timeline.
// CLONE:j inputs are repeated unchanged next to every element. After the
// last element, BATCH_END carries a LoopBatch with the batch timestamp and
// element count.
//
// EndLoop collects ITEM:i elements until BATCH_END and emits the collected
// []T on ITERABLE:i at the original batch timestamp.
const (
	BeginLoopInt    = "BeginLoopIntCalculator"
	BeginLoopInt64  = "BeginLoopInt64Calculator"
	BeginLoopFloat  = "BeginLoopFloatCalculator"
	BeginLoopString = "BeginLoopStringCalculator"
	BeginLoopAny    = "BeginLoopAnyCalculator"

	EndLoopInt    = "EndLoopIntCalculator"
	EndLoopInt64  = "EndLoopInt64Calculator"
	EndLoopFloat  = "EndLoopFloatCalculator"
	EndLoopString = "EndLoopStringCalculator"
	EndLoopAny    = "EndLoopAnyCalculator"
)

const (
	tagIterable = "ITERABLE"
	tagItem     = "ITEM"
	tagClone    = "CLONE"
	tagBatchEnd = "BATCH_END"
)

func init() {
	registerLoop[int](BeginLoopInt, EndLoopInt)
	registerLoop[int64](BeginLoopInt64, EndLoopInt64)
	registerLoop[float64](BeginLoopFloat, EndLoopFloat)
	registerLoop[string](BeginLoopString, EndLoopString)
	registerLoop[any](BeginLoopAny, EndLoopAny)
}

// RegisterLoop registers a BeginLoop/EndLoop pair for element type T.
func RegisterLoop[T any](beginName, endName string) {
	registerLoop[T](beginName, endName)
}

func registerLoop[T any](beginName, endName string) {
	sg.Register(beginName, func() sg.Calculator { return &beginLoop[T]{name: beginName} })
	sg.Register(endName, func() sg.Calculator { return &endLoop[T]{name: endName} })
}

// LoopBatch is the BATCH_END payload.
type LoopBatch struct {
	// Timestamp is the timestamp of the batch on the outer timeline.
	Timestamp sg.Timestamp
	// Count is the number of elements in the batch.
	Count int
}

type beginLoop[T any] struct {
	sg.CalculatorBase
	name   string
	loopTs sg.Timestamp
}

func (c *beginLoop[T]) UpdateContract(cc *sg.Contract) error {
	in, out := cc.Inputs(), cc.Outputs()
	k := in.NumEntries(tagIterable)
	if k == 0 {
		return sg.Configf("%s requires ITERABLE inputs", c.name)
	}
	if out.NumEntries(tagItem) != k {
		return sg.Configf("%s: input items must match output items, %d ITERABLE inputs and %d ITEM outputs",
			c.name, k, out.NumEntries(tagItem))
	}
	for i := 0; i < k; i++ {
		in.Get(tagIterable, i).Set(sg.TypeOf[[]T]())
		out.Get(tagItem, i).Set(sg.TypeOf[T]())
	}
	clones := in.NumEntries(tagClone)
	if out.NumEntries(tagClone) != clones {
		return sg.Configf("%s: %d CLONE inputs but %d CLONE outputs", c.name, clones, out.NumEntries(tagClone))
	}
	for j := 0; j < clones; j++ {
		in.Get(tagClone, j).SetAny()
		out.Get(tagClone, j).SetAny()
	}
	out.Tag(tagBatchEnd).Set(sg.TypeOf[LoopBatch]()).Optional()
	return nil
}

func (c *beginLoop[T]) Open(*sg.CalculatorContext) error {
	c.loopTs = 0
	return nil
}

func (c *beginLoop[T]) Process(cc *sg.CalculatorContext) error {
	in, out := cc.Inputs(), cc.Outputs()
	k := in.NumEntries(tagIterable)

	batches := make([][]T, 0, k)
	for i := 0; i < k; i++ {
		p := in.Get(tagIterable, i)
		if p.IsEmpty() {
			continue
		}
		v, err := sg.Get[[]T](p.Packet())
		if err != nil {
			return err
		}
		batches = append(batches, v)
	}
	switch {
	case len(batches) == 0:
		return nil
	case len(batches) != k:
		return sg.Internalf("%s at %s: Cannot mix present and missing items", c.name, cc.InputTimestamp())
	}
	n := len(batches[0])
	for i, b := range batches {
		if len(b) != n {
			return sg.Internalf("%s at %s: input items must match output items, ITERABLE:%d has %d items and ITERABLE:0 has %d",
				c.name, cc.InputTimestamp(), i, len(b), n)
		}
	}

	clones := in.NumEntries(tagClone)
	for idx := 0; idx < n; idx++ {
		for i, b := range batches {
			if err := out.Get(tagItem, i).Add(sg.MakePacket(b[idx]).At(c.loopTs)); err != nil {
				return err
			}
		}
		for j := 0; j < clones; j++ {
			p := in.Get(tagClone, j)
			if p.IsEmpty() {
				continue
			}
			if err := out.Get(tagClone, j).Add(p.Packet().At(c.loopTs)); err != nil {
				return err
			}
		}
		c.loopTs++
	}

	end := c.loopTs - 1
	if n == 0 {
		// An empty batch still takes one step on the loop timeline so the
		// end of the batch can be signalled.
		end = c.loopTs
		c.loopTs++
	}
	// A missing clone still settles its stream up to the next loop step.
	for i := 0; i < k; i++ {
		out.Get(tagItem, i).SetNextTimestampBound(c.loopTs)
	}
	for j := 0; j < clones; j++ {
		out.Get(tagClone, j).SetNextTimestampBound(c.loopTs)
	}
	if out.HasTag(tagBatchEnd) {
		batch := LoopBatch{Timestamp: cc.InputTimestamp(), Count: n}
		return out.Tag(tagBatchEnd).Add(sg.MakePacket(batch).At(end))
	}
	return nil
}

type endLoop[T any] struct {
	sg.CalculatorBase
	name      string
	collected [][]T
}

func (c *endLoop[T]) UpdateContract(cc *sg.Contract) error {
	in, out := cc.Inputs(), cc.Outputs()
	k := in.NumEntries(tagItem)
	if k == 0 {
		return sg.Configf("%s requires ITEM inputs", c.name)
	}
	if out.NumEntries(tagIterable) != k {
		return sg.Configf("%s: input items must match output items, %d ITEM inputs and %d ITERABLE outputs",
			c.name, k, out.NumEntries(tagIterable))
	}
	for i := 0; i < k; i++ {
		in.Get(tagItem, i).Set(sg.TypeOf[T]())
		out.Get(tagIterable, i).Set(sg.TypeOf[[]T]())
	}
	in.Tag(tagBatchEnd).Set(sg.TypeOf[LoopBatch]())
	return nil
}

func (c *endLoop[T]) Open(cc *sg.CalculatorContext) error {
	c.collected = make([][]T, cc.Inputs().NumEntries(tagItem))
	return nil
}

func (c *endLoop[T]) Process(cc *sg.CalculatorContext) error {
	in, out := cc.Inputs(), cc.Outputs()
	k := len(c.collected)

	present := 0
	for i := 0; i < k; i++ {
		if !in.Get(tagItem, i).IsEmpty() {
			present++
		}
	}
	if present != 0 && present != k {
		return sg.Internalf("%s at %s: Cannot mix present and missing items", c.name, cc.InputTimestamp())
	}
	if present == k {
		for i := 0; i < k; i++ {
			v, err := sg.Get[T](in.Get(tagItem, i).Packet())
			if err != nil {
				return err
			}
			c.collected[i] = append(c.collected[i], v)
		}
	}

	end := in.Tag(tagBatchEnd)
	if end.IsEmpty() {
		return nil
	}
	batch, err := sg.Get[LoopBatch](end.Packet())
	if err != nil {
		return err
	}
	for i := 0; i < k; i++ {
		if got := len(c.collected[i]); got != batch.Count {
			return sg.Internalf("%s: input items must match output items, batch at %s had %d items but %d were collected on ITEM:%d",
				c.name, batch.Timestamp, batch.Count, got, i)
		}
	}
	for i := 0; i < k; i++ {
		items := c.collected[i]
		if items == nil {
			items = []T{}
		}
		if err := out.Get(tagIterable, i).Add(sg.MakePacket(items).At(batch.Timestamp)); err != nil {
			return err
		}
		c.collected[i] = nil
	}
	return nil
}
