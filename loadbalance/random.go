package loadbalance

import (
	"math/rand"

	"simrig/registry"
)

// Random picks a uniformly random instance. With no counter to carry
// between invocations it suits one-shot clients like the CLI.
type Random struct{}

func (b *Random) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	return &instances[rand.Intn(len(instances))], nil
}

func (b *Random) Name() string {
	return "Random"
}
