// Package loadbalance picks the overlay edge an outgoing connection dials.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity edges
//   - WeightedRandom:  heterogeneous edges (different bandwidth/CPU)
//   - ConsistentHash:  pin a service to the same edge while the edge set is stable
package loadbalance

import (
	"errors"
	"fmt"
	"mini-overlay/registry"
)

// ErrNoInstances is returned by Pick on an empty instance list.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every dial, must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. key is only used by
// "consistent_hash", where it selects the point on the ring.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewKeyedBalancer(key), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
