package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/testkit"
)

// 集成测试：需要本地 etcd（或 FLARE_TEST_ETCD_ENDPOINTS 指定的实例），
// 不可达时自动跳过。

func etcdTestBackend(t *testing.T) registry.Backend {
	t.Helper()
	conn := testkit.GetEtcdConnector(t)
	backend, err := registry.NewEtcd(conn, &registry.EtcdBackendConfig{
		Prefix: "/flare-test-" + testkit.NewID(),
	}, registry.WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestEtcdRegisterDiscoverDeregister(t *testing.T) {
	backend := etcdTestBackend(t)
	ctx := context.Background()

	inst := &registry.ServiceInstance{
		ServiceType: "gateway",
		InstanceID:  "it-" + testkit.NewID(),
		Address:     "127.0.0.1:9001",
		Healthy:     true,
	}
	require.NoError(t, backend.Register(ctx, inst, 10*time.Second))

	instances, err := backend.Discover(ctx, "gateway", registry.DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst.InstanceID, instances[0].InstanceID)

	// 重复 Register 是心跳续约，不应报错
	require.NoError(t, backend.Register(ctx, inst, 10*time.Second))

	require.NoError(t, backend.Deregister(ctx, inst.InstanceID))
	instances, err = backend.Discover(ctx, "gateway", registry.DiscoverOptions{})
	require.NoError(t, err)
	assert.Empty(t, instances)

	// 幂等：重复注销不报错
	require.NoError(t, backend.Deregister(ctx, inst.InstanceID))
}

func TestEtcdWatchChangeFeed(t *testing.T) {
	backend := etcdTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := backend.Watch(ctx, "gateway")
	require.NoError(t, err)

	inst := &registry.ServiceInstance{
		ServiceType: "gateway",
		InstanceID:  "it-" + testkit.NewID(),
		Address:     "127.0.0.1:9002",
		Healthy:     true,
	}
	require.NoError(t, backend.Register(ctx, inst, 10*time.Second))

	select {
	case change := <-ch:
		assert.Equal(t, registry.ChangeAdded, change.Type)
		assert.Equal(t, inst.InstanceID, change.InstanceID)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event after register")
	}

	require.NoError(t, backend.Deregister(ctx, inst.InstanceID))
	select {
	case change := <-ch:
		assert.Equal(t, registry.ChangeRemoved, change.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event after deregister")
	}
}
