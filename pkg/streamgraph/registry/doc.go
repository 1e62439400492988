// Package registry provides a generic thread-safe registry for values indexed by key.
//
// streamgraph keeps three registries built on it: calculator factories,
// input stream handler factories, and the per-graph service objects.
//
// # Basic Usage
//
//	r := registry.New[string, Factory]()
//	if err := r.Add("GateCalculator", newGate); err != nil {
//	    // already registered
//	}
//
//	factory, ok := r.Get("GateCalculator")
//
// Register replaces silently; Add rejects duplicates with ErrDuplicate.
//
// # Lazy Initialization
//
// GetOrCreate runs the factory at most once per key, even under concurrent
// access. A failing factory leaves the key absent so a later call can retry:
//
//	obj, err := services.GetOrCreate("gpu", func() (any, error) {
//	    return newGPUContext()
//	})
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use.
package registry
