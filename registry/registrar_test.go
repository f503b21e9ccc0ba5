package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/flare/xerrors"
)

// countingBackend 包装内存后端并统计 Register 调用次数。
type countingBackend struct {
	Backend
	mu        sync.Mutex
	registers int
}

func (c *countingBackend) Register(ctx context.Context, inst *ServiceInstance, ttl time.Duration) error {
	c.mu.Lock()
	c.registers++
	c.mu.Unlock()
	return c.Backend.Register(ctx, inst, ttl)
}

func (c *countingBackend) registerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registers
}

func TestRegistrarConfigValidate(t *testing.T) {
	cfg := &RegistrarConfig{LeaseTTL: 30 * time.Second}
	cfg.setDefaults()
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	require.NoError(t, cfg.validate())

	bad := &RegistrarConfig{LeaseTTL: 10 * time.Second, HeartbeatInterval: 5 * time.Second}
	assert.True(t, xerrors.Is(bad.validate(), ErrInvalidTTL))
}

func TestRegistrarGeneratesInstanceID(t *testing.T) {
	backend := NewMemory()
	defer backend.Close()

	inst := &ServiceInstance{ServiceType: "gateway", Address: "127.0.0.1:8080"}
	r, err := NewRegistrar(backend, inst, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, r.InstanceID())
	// 原始实例不被修改
	assert.Empty(t, inst.InstanceID)
}

func TestRegistrarLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := &countingBackend{Backend: NewMemory()}
	defer backend.Backend.Close()

	r, err := NewRegistrar(backend,
		testInstance("gateway", "g1", "127.0.0.1:8080"),
		&RegistrarConfig{LeaseTTL: 30 * time.Second, HeartbeatInterval: 10 * time.Second},
		WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, backend.registerCount())

	instances, err := backend.Discover(ctx, "gateway", DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, instances, 1)

	// 心跳周期触发重注册续约
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return backend.registerCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Close())
	instances, err = backend.Discover(ctx, "gateway", DiscoverOptions{})
	require.NoError(t, err)
	assert.Empty(t, instances)

	// Close 幂等
	require.NoError(t, r.Close())
}

func TestRegistrarStartTwice(t *testing.T) {
	backend := NewMemory()
	defer backend.Close()

	r, err := NewRegistrar(backend, testInstance("gateway", "g1", "127.0.0.1:8080"), nil)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()

	assert.Error(t, r.Start(context.Background()))
}

func TestRegistrarUpdateInstance(t *testing.T) {
	backend := NewMemory()
	defer backend.Close()
	ctx := context.Background()

	r, err := NewRegistrar(backend, testInstance("gateway", "g1", "127.0.0.1:8080"), nil)
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
	defer r.Close()

	require.NoError(t, r.UpdateInstance(ctx, func(inst *ServiceInstance) {
		inst.Weight = 10
		inst.Tags = map[string]string{"env": "canary"}
		// 不可变字段的修改被忽略
		inst.InstanceID = "hijacked"
	}))

	instances, err := backend.Discover(ctx, "gateway", DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "g1", instances[0].InstanceID)
	assert.Equal(t, uint32(10), instances[0].Weight)
	assert.Equal(t, "canary", instances[0].Tags["env"])
}

func TestRegistrarInitialRegisterFailure(t *testing.T) {
	backend := NewMemory()
	require.NoError(t, backend.Close())

	r, err := NewRegistrar(backend, testInstance("gateway", "g1", "127.0.0.1:8080"), nil)
	require.NoError(t, err)
	assert.Error(t, r.Start(context.Background()))
}
