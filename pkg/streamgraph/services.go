package streamgraph

import (
	"fmt"
)

// ServicePolicy controls whether a graph may create a service object on
// its own when none was supplied.
type ServicePolicy int

const (
	// DefaultInitAllowed lets the graph call the service factory.
	DefaultInitAllowed ServicePolicy = iota
	// DefaultInitDisallowed requires the object to be supplied with
	// SetServiceObject or InheritService.
	DefaultInitDisallowed
)

// ServiceKey is the untyped view of a GraphService used by contracts.
type ServiceKey interface {
	Key() string
	Policy() ServicePolicy
	newDefault() (any, error)
}

// GraphService is a capability token for a shared object, such as a device
// context, that lives for a whole run and is shared by every node that
// requests it. The object is responsible for its own synchronization.
type GraphService[T any] struct {
	key     string
	policy  ServicePolicy
	factory func() (T, error)
}

// NewGraphService declares a service. factory may be nil when the policy
// disallows default initialization.
func NewGraphService[T any](key string, policy ServicePolicy, factory func() (T, error)) GraphService[T] {
	return GraphService[T]{key: key, policy: policy, factory: factory}
}

// Key returns the service key.
func (s GraphService[T]) Key() string { return s.key }

// Policy returns the default initialization policy.
func (s GraphService[T]) Policy() ServicePolicy { return s.policy }

func (s GraphService[T]) newDefault() (any, error) {
	if s.policy == DefaultInitDisallowed {
		return nil, Internalf("service %q: default initialization is disallowed, the object must be provided to the graph", s.key)
	}
	if s.factory == nil {
		return nil, Internalf("service %q: no object was provided and the service has no default factory", s.key)
	}
	return s.factory()
}

// SetServiceObject provides the object for svc. It must be called before
// StartRun.
func SetServiceObject[T any](g *CalculatorGraph, svc GraphService[T], obj T) error {
	return g.setServiceObject(svc.key, obj)
}

// GetServiceObject returns the object g holds for svc, if any.
func GetServiceObject[T any](g *CalculatorGraph, svc GraphService[T]) (T, bool) {
	v, ok := g.services.Get(svc.key)
	if !ok {
		var zero T
		return zero, false
	}
	obj, ok := v.(T)
	return obj, ok
}

// Service returns the object for svc inside a calculator callback. ok is
// false when the node requested the service as optional and none exists.
func Service[T any](cc *CalculatorContext, svc GraphService[T]) (T, bool) {
	return GetServiceObject(cc.graph(), svc)
}

// InheritService hands the calling graph's object for svc to a nested
// graph. A nested graph sees no service of its parent otherwise.
func InheritService[T any](child *CalculatorGraph, cc *CalculatorContext, svc GraphService[T]) error {
	obj, ok := Service(cc, svc)
	if !ok {
		return fmt.Errorf("%w: service %q is not available to node %s", ErrInternal, svc.key, cc.NodeName())
	}
	return SetServiceObject(child, svc, obj)
}

// resolveServices makes sure every requested service has an object,
// creating defaults where allowed.
func (g *CalculatorGraph) resolveServices() error {
	for _, n := range g.topo.nodes {
		for _, req := range n.contract.services {
			key := req.svc.Key()
			if g.services.Has(key) {
				continue
			}
			if req.optional && req.svc.Policy() == DefaultInitDisallowed {
				continue
			}
			_, err := g.services.GetOrCreate(key, req.svc.newDefault)
			if err != nil {
				if req.optional {
					continue
				}
				return fmt.Errorf("node %s: %w", n.name, err)
			}
		}
	}
	return nil
}
