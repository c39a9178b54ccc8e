package loadbalance

import (
	"sync/atomic"

	"simrig/registry"
)

// RoundRobin rotates through the discovered gateways, giving each one
// turn per pass. The counter lives for the process, so it only pays off
// in long-lived embedders; one-shot callers should use Random.
type RoundRobin struct {
	counter atomic.Int64
}

func (b *RoundRobin) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	turn := b.counter.Add(1) - 1
	return &instances[turn%int64(len(instances))], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
