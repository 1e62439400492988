package streamgraph

import (
	"fmt"

	"github.com/randalmurphal/streamgraph/pkg/streamgraph/registry"
)

// Calculator is the unit of computation in a graph.
//
// UpdateContract is called once per node at Initialize on a throwaway
// instance. Each run then creates a fresh instance and calls Open once,
// Process zero or more times, and Close once. Calls on one instance are
// never concurrent, so a calculator keeps its state in ordinary fields.
//
// Process must not block waiting for more input: it sees only what the
// node's input stream handler made available for this timestamp.
type Calculator interface {
	UpdateContract(cc *Contract) error
	Open(cc *CalculatorContext) error
	Process(cc *CalculatorContext) error
	Close(cc *CalculatorContext) error
}

// CalculatorBase provides no-op Open and Close.
type CalculatorBase struct{}

// Open does nothing.
func (CalculatorBase) Open(*CalculatorContext) error { return nil }

// Close does nothing.
func (CalculatorBase) Close(*CalculatorContext) error { return nil }

// Factory creates a calculator instance.
type Factory func() Calculator

var calculators = registry.New[string, Factory]()

// Register adds a calculator factory under name. It panics on a duplicate
// name, since registration happens from init functions.
func Register(name string, factory Factory) {
	if factory == nil {
		panic(fmt.Sprintf("streamgraph: nil factory for calculator %q", name))
	}
	if err := calculators.Add(name, factory); err != nil {
		panic(fmt.Sprintf("streamgraph: calculator %q registered twice", name))
	}
}

// RegisteredCalculators returns the registered calculator names in order.
func RegisteredCalculators() []string {
	return calculators.Keys()
}

func lookupCalculator(name string) (Factory, error) {
	f, ok := calculators.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCalculator, name)
	}
	return f, nil
}
