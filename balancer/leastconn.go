package balancer

import (
	"sync/atomic"

	"github.com/ceyewan/flare/registry"
)

// leastConnections 最少连接选择器。依赖外部注入的 LoadFunc 查询
// 实例在途请求数，选负载最低者，并列时用轮询游标打散，
// 避免新实例（负载 0）被瞬时打爆。
type leastConnections struct {
	load    LoadFunc
	counter atomic.Uint64
}

func newLeastConnections(load LoadFunc) *leastConnections {
	return &leastConnections{load: load}
}

func (l *leastConnections) Name() Strategy {
	return StrategyLeastConnections
}

func (l *leastConnections) Select(instances []*registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	// 未注入负载查询时退化为轮询
	if l.load == nil {
		idx := l.counter.Add(1) - 1
		return instances[idx%uint64(len(instances))], nil
	}

	var candidates []*registry.ServiceInstance
	minLoad := int64(-1)
	for _, inst := range instances {
		n := l.load(inst.InstanceID)
		switch {
		case minLoad < 0 || n < minLoad:
			minLoad = n
			candidates = candidates[:0]
			candidates = append(candidates, inst)
		case n == minLoad:
			candidates = append(candidates, inst)
		}
	}

	idx := l.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}
