// Package loadbalance picks one gateway out of the set a registry
// discovered.
//
// Two strategies are implemented:
//   - RoundRobin: long-lived clients spreading many invocations
//   - Random:     one-shot invocations with no state to carry over
package loadbalance

import (
	"errors"

	"simrig/registry"
)

// ErrNoInstances reports an empty discovery result.
var ErrNoInstances = errors.New("no instances to pick from")

// Balancer selects one instance from the available list. Pick is called
// per invocation and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
