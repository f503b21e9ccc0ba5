package balancer

import (
	"math/rand/v2"
	"sync"

	"github.com/ceyewan/flare/registry"
)

// weightedRoundRobin 平滑加权轮询（nginx 算法）。每轮给各实例的
// 当前权重加上配置权重，选当前权重最大者并减去总权重，
// 长期频率收敛到权重占比且不出现连续打同一实例的突发。
// 权重为 0 的实例不参与选择。
type weightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]int64
}

func newWeightedRoundRobin() *weightedRoundRobin {
	return &weightedRoundRobin{current: make(map[string]int64)}
}

func (w *weightedRoundRobin) Name() Strategy {
	return StrategyWeightedRoundRobin
}

func (w *weightedRoundRobin) Select(instances []*registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		total    int64
		best     *registry.ServiceInstance
		bestCurr int64
		alive    = make(map[string]struct{}, len(instances))
	)
	for _, inst := range instances {
		weight := int64(inst.Weight)
		if weight == 0 {
			continue
		}
		alive[inst.InstanceID] = struct{}{}
		total += weight

		curr := w.current[inst.InstanceID] + weight
		w.current[inst.InstanceID] = curr
		if best == nil || curr > bestCurr {
			best = inst
			bestCurr = curr
		}
	}
	if best == nil {
		return nil, ErrNoInstances
	}
	w.current[best.InstanceID] -= total

	// 清理已下线实例的游标
	for id := range w.current {
		if _, ok := alive[id]; !ok {
			delete(w.current, id)
		}
	}
	return best, nil
}

// weightedRandom 加权随机。前缀和加二分的简化版：一次线性扫描，
// 权重为 0 的实例不参与。
type weightedRandom struct{}

func newWeightedRandom() *weightedRandom {
	return &weightedRandom{}
}

func (w *weightedRandom) Name() Strategy {
	return StrategyWeightedRandom
}

func (w *weightedRandom) Select(instances []*registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	var total uint64
	for _, inst := range instances {
		total += uint64(inst.Weight)
	}
	if total == 0 {
		return nil, ErrNoInstances
	}

	r := rand.Uint64N(total)
	for _, inst := range instances {
		weight := uint64(inst.Weight)
		if r < weight {
			return inst, nil
		}
		r -= weight
	}
	return instances[len(instances)-1], nil
}
