package discovery

import (
	"sort"
	"sync/atomic"

	"github.com/ceyewan/flare/registry"
)

// endpointState 路由表内单个端点的状态。backendHealthy 来自注册
// 数据，probeHealthy 来自主动探测，二者都为真端点才进入健康候选集。
type endpointState struct {
	instance       *registry.ServiceInstance
	backendHealthy bool
	probeHealthy   bool
}

func (e *endpointState) healthy() bool {
	return e.backendHealthy && e.probeHealthy
}

// Snapshot 路由表的不可变快照。读方拿到快照后可以任意使用，
// 不会观察到后续变更。
type Snapshot struct {
	// All 全部端点，按实例 ID 排序。
	All []*registry.ServiceInstance
	// Healthy 健康端点子集。
	Healthy []*registry.ServiceInstance
	// Stale 变更流中断期间为真，快照内容可能滞后。
	Stale bool
}

// table 单写者路由表。所有变更由 Client 的事件循环串行执行，
// 读路径通过原子指针取快照，无锁无拷贝。
type table struct {
	endpoints map[string]*endpointState
	stale     bool
	snap      atomic.Pointer[Snapshot]
}

func newTable() *table {
	t := &table{endpoints: make(map[string]*endpointState)}
	t.publish()
	return t
}

// load 返回当前快照，任意 goroutine 可调用。
func (t *table) load() *Snapshot {
	return t.snap.Load()
}

// 以下变更方法只能由事件循环调用。

func (t *table) upsert(inst *registry.ServiceInstance) (prev *registry.ServiceInstance) {
	if e, ok := t.endpoints[inst.InstanceID]; ok {
		prev = e.instance
		e.instance = inst
		e.backendHealthy = inst.Healthy
	} else {
		t.endpoints[inst.InstanceID] = &endpointState{
			instance:       inst,
			backendHealthy: inst.Healthy,
			probeHealthy:   true,
		}
	}
	t.publish()
	return prev
}

func (t *table) remove(instanceID string) (removed *registry.ServiceInstance) {
	e, ok := t.endpoints[instanceID]
	if !ok {
		return nil
	}
	delete(t.endpoints, instanceID)
	t.publish()
	return e.instance
}

// replaceAll 用全量列表重建路由表，返回被移除的端点。
// 重订阅后的全量重同步走这里。
func (t *table) replaceAll(instances []*registry.ServiceInstance) (removed []*registry.ServiceInstance) {
	next := make(map[string]*endpointState, len(instances))
	for _, inst := range instances {
		probeHealthy := true
		if old, ok := t.endpoints[inst.InstanceID]; ok {
			// 探测状态跨重同步保留
			probeHealthy = old.probeHealthy
		}
		next[inst.InstanceID] = &endpointState{
			instance:       inst,
			backendHealthy: inst.Healthy,
			probeHealthy:   probeHealthy,
		}
	}
	for id, e := range t.endpoints {
		if _, ok := next[id]; !ok {
			removed = append(removed, e.instance)
		}
	}
	t.endpoints = next
	t.publish()
	return removed
}

func (t *table) setProbeHealth(instanceID string, healthy bool) {
	e, ok := t.endpoints[instanceID]
	if !ok || e.probeHealthy == healthy {
		return
	}
	e.probeHealthy = healthy
	t.publish()
}

func (t *table) setStale(stale bool) {
	if t.stale == stale {
		return
	}
	t.stale = stale
	t.publish()
}

// publish 重建并发布快照。
func (t *table) publish() {
	snap := &Snapshot{
		All:     make([]*registry.ServiceInstance, 0, len(t.endpoints)),
		Healthy: make([]*registry.ServiceInstance, 0, len(t.endpoints)),
		Stale:   t.stale,
	}
	for _, e := range t.endpoints {
		snap.All = append(snap.All, e.instance)
		if e.healthy() {
			snap.Healthy = append(snap.Healthy, e.instance)
		}
	}
	sort.Slice(snap.All, func(i, j int) bool {
		return snap.All[i].InstanceID < snap.All[j].InstanceID
	})
	sort.Slice(snap.Healthy, func(i, j int) bool {
		return snap.Healthy[i].InstanceID < snap.Healthy[j].InstanceID
	})
	t.snap.Store(snap)
}
