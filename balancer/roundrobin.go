package balancer

import (
	"sync/atomic"

	"github.com/ceyewan/flare/registry"
)

// roundRobin 轮询选择器。原子计数器取模，成员变化时游标不重置，
// 分布在窗口内保持近似均匀。
type roundRobin struct {
	counter atomic.Uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{}
}

func (r *roundRobin) Name() Strategy {
	return StrategyRoundRobin
}

func (r *roundRobin) Select(instances []*registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	idx := r.counter.Add(1) - 1
	return instances[idx%uint64(len(instances))], nil
}
