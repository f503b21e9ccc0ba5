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

// 集成测试：需要本地 consul agent（或 FLARE_TEST_CONSUL_ADDR 指定的实例），
// 不可达时自动跳过。

func TestConsulRegisterDiscoverDeregister(t *testing.T) {
	conn := testkit.GetConsulConnector(t)
	backend, err := registry.NewConsul(conn, nil,
		registry.WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ctx := context.Background()
	serviceType := "flare-it-" + testkit.NewID()
	inst := &registry.ServiceInstance{
		ServiceType: serviceType,
		InstanceID:  "it-" + testkit.NewID(),
		Address:     "127.0.0.1:9003",
		Version:     "1.2.3",
		Tags:        map[string]string{"env": "test"},
		Healthy:     true,
	}
	require.NoError(t, backend.Register(ctx, inst, 10*time.Second))
	defer func() { _ = backend.Deregister(ctx, inst.InstanceID) }()

	instances, err := backend.Discover(ctx, serviceType, registry.DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	// Meta 往返：版本与标签原样恢复
	assert.Equal(t, "1.2.3", instances[0].Version)
	assert.Equal(t, "test", instances[0].Tags["env"])

	require.NoError(t, backend.Deregister(ctx, inst.InstanceID))
	instances, err = backend.Discover(ctx, serviceType, registry.DiscoverOptions{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}
