package discovery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/flare/discovery"
	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/testkit"
)

// 集成测试：需要本地 redis（或 FLARE_TEST_REDIS_ADDR 指定的实例），
// 不可达时自动跳过。

func TestManagerRedisSharedCache(t *testing.T) {
	client := testkit.GetRedisClient(t)
	prefix := "flare-test:" + testkit.NewID() + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})

	ctx := context.Background()
	backend := registry.NewMemory()
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Register(ctx, &registry.ServiceInstance{
		ServiceType: "gateway",
		InstanceID:  "gw-1",
		Address:     "127.0.0.1:9001",
		Healthy:     true,
	}, 0))

	cfg := &registry.DiscoveryConfig{Backend: registry.BackendMemory}
	mcfg := &discovery.ManagerConfig{
		Redis:          testkit.GetRedisConfig(),
		RedisKeyPrefix: prefix,
	}
	m, err := discovery.NewManager(ctx, backend, cfg, mcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	instances, err := m.GetServiceInstances(ctx, "gateway")
	require.NoError(t, err)
	require.Len(t, instances, 1)

	// 回填共享缓存
	exists, err := client.Exists(ctx, prefix+"gateway").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists)

	// 第二个 Manager 的后端为空，但能从共享缓存命中
	emptyBackend := registry.NewMemory()
	t.Cleanup(func() { _ = emptyBackend.Close() })
	m2, err := discovery.NewManager(ctx, emptyBackend, cfg, mcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m2.Close() })

	instances, err = m2.GetServiceInstances(ctx, "gateway")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "gw-1", instances[0].InstanceID)
}
