package balancer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/xerrors"
)

func makeInstances(n int) []*registry.ServiceInstance {
	out := make([]*registry.ServiceInstance, n)
	for i := 0; i < n; i++ {
		out[i] = &registry.ServiceInstance{
			ServiceType: "gateway",
			InstanceID:  fmt.Sprintf("g%d", i),
			Address:     fmt.Sprintf("10.0.0.%d:8080", i+1),
			Healthy:     true,
			Weight:      registry.DefaultWeight,
		}
	}
	return out
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{
		"round_robin", "random", "consistent_hash",
		"least_connections", "weighted_round_robin", "weighted_random",
	} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, Strategy(name), s)
	}

	_, err := ParseStrategy("power_of_two")
	assert.True(t, xerrors.Is(err, ErrUnknownStrategy))
}

func TestAllStrategiesRejectEmpty(t *testing.T) {
	for _, strategy := range []Strategy{
		StrategyRoundRobin, StrategyRandom, StrategyConsistentHash,
		StrategyLeastConnections, StrategyWeightedRoundRobin, StrategyWeightedRandom,
	} {
		sel, err := New(strategy)
		require.NoError(t, err)
		_, err = sel.Select(nil, "key")
		assert.True(t, xerrors.Is(err, ErrNoInstances), "strategy %s", strategy)
	}
}

func TestRoundRobinCyclesAllInstances(t *testing.T) {
	instances := makeInstances(3)
	sel, err := New(StrategyRoundRobin)
	require.NoError(t, err)

	counts := make(map[string]int)
	for i := 0; i < 30; i++ {
		inst, err := sel.Select(instances, "")
		require.NoError(t, err)
		counts[inst.InstanceID]++
	}
	for _, inst := range instances {
		assert.Equal(t, 10, counts[inst.InstanceID])
	}
}

func TestRandomCoversAllInstances(t *testing.T) {
	instances := makeInstances(3)
	sel, err := New(StrategyRandom)
	require.NoError(t, err)

	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		inst, err := sel.Select(instances, "")
		require.NoError(t, err)
		counts[inst.InstanceID]++
	}
	for _, inst := range instances {
		assert.Greater(t, counts[inst.InstanceID], 0)
	}
}

func TestConsistentHashRequiresKey(t *testing.T) {
	sel, err := New(StrategyConsistentHash)
	require.NoError(t, err)

	_, err = sel.Select(makeInstances(3), "")
	assert.True(t, xerrors.Is(err, ErrInvalidSelection))
}

func TestConsistentHashDeterministic(t *testing.T) {
	instances := makeInstances(5)
	sel, err := New(StrategyConsistentHash)
	require.NoError(t, err)

	first, err := sel.Select(instances, "user-42")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		inst, err := sel.Select(instances, "user-42")
		require.NoError(t, err)
		assert.Equal(t, first.InstanceID, inst.InstanceID)
	}

	// 实例顺序不影响映射
	reversed := make([]*registry.ServiceInstance, len(instances))
	for i, inst := range instances {
		reversed[len(instances)-1-i] = inst
	}
	inst, err := sel.Select(reversed, "user-42")
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID, inst.InstanceID)
}

func TestConsistentHashBoundedDisruption(t *testing.T) {
	instances := makeInstances(10)
	sel, err := New(StrategyConsistentHash)
	require.NoError(t, err)

	const keys = 1000
	before := make(map[string]string, keys)
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("user-%d", i)
		inst, err := sel.Select(instances, key)
		require.NoError(t, err)
		before[key] = inst.InstanceID
	}

	// 摘除一个实例后，只有原先映射到它的键允许迁移
	removed := instances[3].InstanceID
	remaining := append(instances[:3:3], instances[4:]...)
	moved := 0
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("user-%d", i)
		inst, err := sel.Select(remaining, key)
		require.NoError(t, err)
		if inst.InstanceID != before[key] {
			moved++
			assert.Equal(t, removed, before[key],
				"key %s moved away from a surviving instance", key)
		}
	}
	assert.Greater(t, moved, 0)
	assert.Less(t, moved, keys/2)
}

func TestLeastConnectionsPicksLowestLoad(t *testing.T) {
	instances := makeInstances(3)
	loads := map[string]int64{"g0": 5, "g1": 1, "g2": 9}
	sel, err := New(StrategyLeastConnections, WithLoadFunc(func(id string) int64 {
		return loads[id]
	}))
	require.NoError(t, err)

	inst, err := sel.Select(instances, "")
	require.NoError(t, err)
	assert.Equal(t, "g1", inst.InstanceID)

	// 并列时在并列集合内轮转
	loads["g1"] = 9
	loads["g0"] = 2
	loads["g2"] = 2
	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		inst, err := sel.Select(instances, "")
		require.NoError(t, err)
		seen[inst.InstanceID] = true
	}
	assert.True(t, seen["g0"] && seen["g2"])
	assert.False(t, seen["g1"])
}

func TestLeastConnectionsWithoutLoadFunc(t *testing.T) {
	sel, err := New(StrategyLeastConnections)
	require.NoError(t, err)

	inst, err := sel.Select(makeInstances(3), "")
	require.NoError(t, err)
	assert.NotNil(t, inst)
}

func TestWeightedRoundRobinRespectsWeights(t *testing.T) {
	instances := makeInstances(3)
	instances[0].Weight = 50
	instances[1].Weight = 30
	instances[2].Weight = 20

	sel, err := New(StrategyWeightedRoundRobin)
	require.NoError(t, err)

	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		inst, err := sel.Select(instances, "")
		require.NoError(t, err)
		counts[inst.InstanceID]++
	}
	assert.Equal(t, 50, counts["g0"])
	assert.Equal(t, 30, counts["g1"])
	assert.Equal(t, 20, counts["g2"])
}

func TestWeightedRoundRobinSmoothness(t *testing.T) {
	instances := makeInstances(2)
	instances[0].Weight = 3
	instances[1].Weight = 1

	sel, err := New(StrategyWeightedRoundRobin)
	require.NoError(t, err)

	// 平滑加权不应连续 3 次以上选中高权重实例
	streak, maxStreak := 0, 0
	for i := 0; i < 40; i++ {
		inst, err := sel.Select(instances, "")
		require.NoError(t, err)
		if inst.InstanceID == "g0" {
			streak++
			if streak > maxStreak {
				maxStreak = streak
			}
		} else {
			streak = 0
		}
	}
	assert.LessOrEqual(t, maxStreak, 3)
}

func TestWeightedStrategiesSkipZeroWeight(t *testing.T) {
	instances := makeInstances(3)
	instances[1].Weight = 0

	for _, strategy := range []Strategy{StrategyWeightedRoundRobin, StrategyWeightedRandom} {
		sel, err := New(strategy)
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			inst, err := sel.Select(instances, "")
			require.NoError(t, err)
			assert.NotEqual(t, "g1", inst.InstanceID, "strategy %s", strategy)
		}
	}

	// 全零权重等价于无实例
	for _, inst := range instances {
		inst.Weight = 0
	}
	for _, strategy := range []Strategy{StrategyWeightedRoundRobin, StrategyWeightedRandom} {
		sel, err := New(strategy)
		require.NoError(t, err)
		_, err = sel.Select(instances, "")
		assert.True(t, xerrors.Is(err, ErrNoInstances))
	}
}

func TestWeightedRandomDistribution(t *testing.T) {
	instances := makeInstances(2)
	instances[0].Weight = 90
	instances[1].Weight = 10

	sel, err := New(StrategyWeightedRandom)
	require.NoError(t, err)

	counts := make(map[string]int)
	const rounds = 10000
	for i := 0; i < rounds; i++ {
		inst, err := sel.Select(instances, "")
		require.NoError(t, err)
		counts[inst.InstanceID]++
	}
	ratio := float64(counts["g0"]) / rounds
	assert.InDelta(t, 0.9, ratio, 0.05)
}
