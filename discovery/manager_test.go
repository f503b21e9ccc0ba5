package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/xerrors"
)

func newTestManager(t *testing.T, backend registry.Backend, cfg *registry.DiscoveryConfig) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), backend, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerGetServiceInstancesCached(t *testing.T) {
	backend := newTestBackend(t, gatewayInstance(1))
	m := newTestManager(t, backend, testConfig("round_robin"))
	ctx := context.Background()

	instances, err := m.GetServiceInstances(ctx, "gateway")
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	// 缓存命中：新实例在 TTL 内不可见
	require.NoError(t, backend.Register(ctx, gatewayInstance(2), 0))
	instances, err = m.GetServiceInstances(ctx, "gateway")
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	// 强制刷新后可见
	require.NoError(t, m.RefreshCache(ctx, "gateway"))
	instances, err = m.GetServiceInstances(ctx, "gateway")
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestManagerCachedInstancesIsolated(t *testing.T) {
	backend := newTestBackend(t, gatewayInstance(1))
	m := newTestManager(t, backend, testConfig("round_robin"))
	ctx := context.Background()

	first, err := m.GetServiceInstances(ctx, "gateway")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// 调用方篡改返回值不应影响缓存中的副本
	first[0].Address = "0.0.0.0:1"
	first[0].Tags = map[string]string{"mutated": "true"}

	second, err := m.GetServiceInstances(ctx, "gateway")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "127.0.0.1:9001", second[0].Address)
	assert.Empty(t, second[0].Tags)
}

func TestManagerRefreshAll(t *testing.T) {
	backend := newTestBackend(t, gatewayInstance(1))
	m := newTestManager(t, backend, testConfig("round_robin"))
	ctx := context.Background()

	_, err := m.GetServiceInstances(ctx, "gateway")
	require.NoError(t, err)

	require.NoError(t, backend.Register(ctx, gatewayInstance(2), 0))
	require.NoError(t, m.RefreshAll(ctx))

	instances, err := m.GetServiceInstances(ctx, "gateway")
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestManagerGetServiceInstance(t *testing.T) {
	backend := newTestBackend(t, gatewayInstance(1))
	m := newTestManager(t, backend, testConfig("round_robin"))
	ctx := context.Background()

	inst, err := m.GetServiceInstance(ctx, "gateway", "gw-1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", inst.Address)

	_, err = m.GetServiceInstance(ctx, "gateway", "gw-404")
	assert.True(t, xerrors.Is(err, ErrServiceNotFound))
}

func TestManagerSelectGatewayByUser(t *testing.T) {
	backend := newTestBackend(t,
		gatewayInstance(1), gatewayInstance(2), gatewayInstance(3))
	m := newTestManager(t, backend, testConfig("consistent_hash"))
	ctx := context.Background()

	_, err := m.SelectGatewayByUser(ctx, "")
	assert.True(t, xerrors.Is(err, ErrInvalidArgument))

	// 同一用户稳定命中同一网关
	first, err := m.SelectGatewayByUser(ctx, "user-42")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		inst, err := m.SelectGatewayByUser(ctx, "user-42")
		require.NoError(t, err)
		assert.Equal(t, first.InstanceID, inst.InstanceID)
	}

	// 大量用户应分散到多个网关
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		inst, err := m.SelectGatewayByUser(ctx, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		seen[inst.InstanceID] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestManagerGetServiceAddress(t *testing.T) {
	backend := newTestBackend(t, gatewayInstance(1))
	m := newTestManager(t, backend, testConfig("round_robin"))

	addr, err := m.GetServiceAddress(context.Background(), "gateway", "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", addr)
}

func TestManagerRegisterUnregister(t *testing.T) {
	backend := newTestBackend(t)
	m := newTestManager(t, backend, testConfig("round_robin"))
	ctx := context.Background()

	r, err := m.RegisterService(ctx, &registry.ServiceInstance{
		ServiceType: "message",
		Address:     "127.0.0.1:9100",
		Healthy:     true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.InstanceID())

	instances, err := backend.Discover(ctx, "message", registry.DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, instances, 1)

	require.NoError(t, m.UnregisterService(ctx, r.InstanceID()))
	instances, err = backend.Discover(ctx, "message", registry.DiscoverOptions{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestManagerClientReuse(t *testing.T) {
	backend := newTestBackend(t, gatewayInstance(1))
	m := newTestManager(t, backend, testConfig("round_robin"))
	ctx := context.Background()

	c1, err := m.Client(ctx, "gateway")
	require.NoError(t, err)
	c2, err := m.Client(ctx, "gateway")
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	types, err := m.ListServiceTypes(ctx)
	require.NoError(t, err)
	assert.Contains(t, types, "gateway")
}

func TestManagerClosed(t *testing.T) {
	backend := newTestBackend(t, gatewayInstance(1))
	m, err := NewManager(context.Background(), backend, testConfig("round_robin"), nil)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	ctx := context.Background()
	_, err = m.Client(ctx, "gateway")
	assert.True(t, xerrors.Is(err, ErrClosed))
	_, err = m.GetServiceInstances(ctx, "gateway")
	assert.True(t, xerrors.Is(err, ErrClosed))
	assert.True(t, xerrors.Is(m.RefreshCache(ctx, "gateway"), ErrClosed))
}

func TestManagerRegisterFollowedBySelect(t *testing.T) {
	backend := newTestBackend(t)
	m := newTestManager(t, backend, testConfig("round_robin"))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := m.RegisterService(ctx, gatewayInstance(i))
		require.NoError(t, err)
	}

	inst, err := m.SelectByKey(ctx, "gateway", "")
	require.NoError(t, err)
	assert.Contains(t, []string{"gw-1", "gw-2"}, inst.InstanceID)

	// 新注册实例经变更流进入路由表
	_, err = m.RegisterService(ctx, gatewayInstance(3))
	require.NoError(t, err)

	c, err := m.Client(ctx, "gateway")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(c.Snapshot().All) == 3
	}, 2*time.Second, 10*time.Millisecond)
}
