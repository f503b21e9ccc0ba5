package balancer

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/xerrors"
)

// virtualNodes 每个实例在哈希环上的虚拟节点数。数值越大分布越均匀，
// 环构建成本越高。
const virtualNodes = 100

// consistentHash 一致性哈希选择器。FNV-1a 64 位哈希构建虚拟节点环，
// 同一个键稳定映射到同一实例，成员变化只迁移环上相邻区段的键。
//
// 环按成员指纹惰性重建：实例集合不变时 Select 只做一次二分查找。
type consistentHash struct {
	mu   sync.Mutex
	ring *hashRing
}

type hashRing struct {
	fingerprint string
	points      []uint64
	owners      map[uint64]*registry.ServiceInstance
}

func newConsistentHash() *consistentHash {
	return &consistentHash{}
}

func (c *consistentHash) Name() Strategy {
	return StrategyConsistentHash
}

func (c *consistentHash) Select(instances []*registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	if key == "" {
		return nil, xerrors.Wrap(ErrInvalidSelection, "consistent hash requires a non-empty key")
	}

	ring := c.ringFor(instances)
	h := hash64(key)

	idx := sort.Search(len(ring.points), func(i int) bool {
		return ring.points[i] >= h
	})
	// 越过最大点位时回绕到环首
	if idx == len(ring.points) {
		idx = 0
	}
	return ring.owners[ring.points[idx]], nil
}

// ringFor 返回实例集合对应的哈希环，集合未变化时复用缓存。
func (c *consistentHash) ringFor(instances []*registry.ServiceInstance) *hashRing {
	fp := fingerprint(instances)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring != nil && c.ring.fingerprint == fp {
		return c.ring
	}

	ring := &hashRing{
		fingerprint: fp,
		points:      make([]uint64, 0, len(instances)*virtualNodes),
		owners:      make(map[uint64]*registry.ServiceInstance, len(instances)*virtualNodes),
	}
	for _, inst := range instances {
		for i := 0; i < virtualNodes; i++ {
			p := hash64(fmt.Sprintf("%s#%d", inst.InstanceID, i))
			// 哈希碰撞时保留先到者，对分布影响可忽略
			if _, taken := ring.owners[p]; taken {
				continue
			}
			ring.owners[p] = inst
			ring.points = append(ring.points, p)
		}
	}
	sort.Slice(ring.points, func(i, j int) bool { return ring.points[i] < ring.points[j] })

	c.ring = ring
	return ring
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// fingerprint 实例集合的指纹，按排序后的 ID 拼接。
func fingerprint(instances []*registry.ServiceInstance) string {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.InstanceID
	}
	sort.Strings(ids)
	var b []byte
	for _, id := range ids {
		b = append(b, id...)
		b = append(b, 0)
	}
	return string(b)
}
