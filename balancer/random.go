package balancer

import (
	"math/rand/v2"

	"github.com/ceyewan/flare/registry"
)

// random 随机选择器。
type random struct{}

func newRandom() *random {
	return &random{}
}

func (r *random) Name() Strategy {
	return StrategyRandom
}

func (r *random) Select(instances []*registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	return instances[rand.IntN(len(instances))], nil
}
