package registry

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/flare/xerrors"
)

func testInstance(serviceType, id, addr string) *ServiceInstance {
	return &ServiceInstance{
		ServiceType: serviceType,
		InstanceID:  id,
		Address:     addr,
		Healthy:     true,
	}
}

func TestServiceInstanceValidate(t *testing.T) {
	require.NoError(t, testInstance("gateway", "g1", "127.0.0.1:8080").Validate())

	cases := []*ServiceInstance{
		nil,
		{InstanceID: "g1", Address: "127.0.0.1:8080"},
		{ServiceType: "gateway", Address: "127.0.0.1:8080"},
		{ServiceType: "gateway", InstanceID: "g1"},
		{ServiceType: "gateway", InstanceID: "g1", Address: "not-an-address"},
	}
	for _, inst := range cases {
		assert.True(t, xerrors.Is(inst.Validate(), ErrInvalidInstance))
	}
}

func TestServiceInstanceNormalize(t *testing.T) {
	inst := testInstance("gateway", "g1", "127.0.0.1:8080").Normalize()
	assert.Equal(t, DefaultNamespace, inst.Namespace)
	assert.Equal(t, DefaultWeight, inst.Weight)
}

func TestServiceInstanceCloneIsolation(t *testing.T) {
	inst := testInstance("gateway", "g1", "127.0.0.1:8080")
	inst.Tags = map[string]string{"env": "prod"}

	clone := inst.Clone()
	clone.Tags["env"] = "dev"
	assert.Equal(t, "prod", inst.Tags["env"])
}

func TestMatchInstance(t *testing.T) {
	inst := testInstance("gateway", "g1", "127.0.0.1:8080").Normalize()
	inst.Version = "1.2.0"
	inst.Tags = map[string]string{"env": "prod-east", "tier": "edge"}

	assert.True(t, MatchInstance(inst, DiscoverOptions{}))
	assert.True(t, MatchInstance(inst, DiscoverOptions{Namespace: "default"}))
	assert.False(t, MatchInstance(inst, DiscoverOptions{Namespace: "staging"}))

	assert.True(t, MatchInstance(inst, DiscoverOptions{Version: "1.2.0"}))
	assert.False(t, MatchInstance(inst, DiscoverOptions{Version: "2.0.0"}))

	assert.True(t, MatchInstance(inst, DiscoverOptions{
		TagFilters: []TagFilter{{Key: "env", Value: "prod-east"}},
	}))
	assert.True(t, MatchInstance(inst, DiscoverOptions{
		TagFilters: []TagFilter{{Key: "env", Value: "prod", Match: MatchPrefix}},
	}))
	assert.True(t, MatchInstance(inst, DiscoverOptions{
		TagFilters: []TagFilter{{Key: "env", Value: `^prod-\w+$`, Match: MatchRegex}},
	}))
	assert.False(t, MatchInstance(inst, DiscoverOptions{
		TagFilters: []TagFilter{{Key: "missing", Value: "x"}},
	}))
	// 多条过滤器需全部命中
	assert.False(t, MatchInstance(inst, DiscoverOptions{
		TagFilters: []TagFilter{
			{Key: "env", Value: "prod", Match: MatchPrefix},
			{Key: "tier", Value: "core"},
		},
	}))
}

func TestDiffSnapshots(t *testing.T) {
	a := testInstance("gateway", "a", "127.0.0.1:1000").Normalize()
	b := testInstance("gateway", "b", "127.0.0.1:1001").Normalize()
	bMod := b.Clone()
	bMod.Weight = 50
	c := testInstance("gateway", "c", "127.0.0.1:1002").Normalize()

	prev := snapshotByID([]*ServiceInstance{a, b})
	next := snapshotByID([]*ServiceInstance{bMod, c})

	changes := diffSnapshots(prev, next)
	byID := make(map[string]ChangeType)
	for _, ch := range changes {
		byID[ch.InstanceID] = ch.Type
	}
	assert.Equal(t, ChangeRemoved, byID["a"])
	assert.Equal(t, ChangeModified, byID["b"])
	assert.Equal(t, ChangeAdded, byID["c"])
	assert.Len(t, changes, 3)
}

func TestDiscoveryConfigDefaultsAndValidate(t *testing.T) {
	cfg := &DiscoveryConfig{Backend: BackendMemory}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultNamespace, cfg.Namespace.Default)
	assert.Equal(t, "consistent_hash", cfg.LoadBalance)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.FallbackEnabled())

	bad := &DiscoveryConfig{Backend: "zookeeper"}
	bad.SetDefaults()
	assert.True(t, xerrors.Is(bad.Validate(), ErrUnknownBackend))

	tight := &DiscoveryConfig{Backend: BackendMemory, LeaseTTL: 10 * time.Second, HeartbeatInterval: 5 * time.Second}
	tight.SetDefaults()
	assert.True(t, xerrors.Is(tight.Validate(), ErrInvalidTTL))

	off := false
	noFallback := &DiscoveryConfig{Backend: BackendMemory, SelectFallback: &off}
	noFallback.SetDefaults()
	assert.False(t, noFallback.FallbackEnabled())
}

func TestMemoryBackendRegisterDiscover(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Register(ctx, testInstance("gateway", "g1", "127.0.0.1:8080"), 0))
	require.NoError(t, b.Register(ctx, testInstance("gateway", "g2", "127.0.0.1:8081"), 0))
	require.NoError(t, b.Register(ctx, testInstance("message", "m1", "127.0.0.1:9090"), 0))

	gateways, err := b.Discover(ctx, "gateway", DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, gateways, 2)
	assert.Equal(t, "g1", gateways[0].InstanceID)
	assert.Equal(t, DefaultWeight, gateways[0].Weight)

	// 无实例返回空切片
	none, err := b.Discover(ctx, "unknown", DiscoverOptions{})
	require.NoError(t, err)
	assert.Empty(t, none)

	types, err := b.ListServiceTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway", "message"}, types)

	all, err := b.ListAllServices(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryBackendDeregisterIdempotent(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Register(ctx, testInstance("gateway", "g1", "127.0.0.1:8080"), 0))
	require.NoError(t, b.Deregister(ctx, "g1"))
	require.NoError(t, b.Deregister(ctx, "g1"))
	require.NoError(t, b.Deregister(ctx, "never-existed"))
}

func TestMemoryBackendWatch(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Watch(ctx, "gateway")
	require.NoError(t, err)

	inst := testInstance("gateway", "g1", "127.0.0.1:8080")
	require.NoError(t, b.Register(ctx, inst, 0))

	change := waitChange(t, ch)
	assert.Equal(t, ChangeAdded, change.Type)
	assert.Equal(t, "g1", change.InstanceID)

	// 内容不变的重复注册不应产生事件
	require.NoError(t, b.Register(ctx, inst, 0))

	modified := inst.Clone()
	modified.Weight = 10
	require.NoError(t, b.Register(ctx, modified, 0))
	change = waitChange(t, ch)
	assert.Equal(t, ChangeModified, change.Type)

	require.NoError(t, b.Deregister(ctx, "g1"))
	change = waitChange(t, ch)
	assert.Equal(t, ChangeRemoved, change.Type)

	// 其他服务类型的变更不可见
	require.NoError(t, b.Register(ctx, testInstance("message", "m1", "127.0.0.1:9090"), 0))
	select {
	case c := <-ch:
		t.Fatalf("unexpected change for other service type: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBackendLeaseExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewMemory(WithClock(clock))
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Register(ctx, testInstance("gateway", "g1", "127.0.0.1:8080"), 10*time.Second))

	clock.Advance(9 * time.Second)
	instances, err := b.Discover(ctx, "gateway", DiscoverOptions{})
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	clock.Advance(2 * time.Second)
	instances, err = b.Discover(ctx, "gateway", DiscoverOptions{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestMemoryBackendCloseStopsActiveWatch(t *testing.T) {
	b := NewMemory()
	ch, err := b.Watch(context.Background(), "gateway")
	require.NoError(t, err)

	// watch 的 ctx 未取消，Close 也必须终止它并返回
	done := make(chan error, 1)
	go func() { done <- b.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while a watch was active")
	}

	_, ok := <-ch
	assert.False(t, ok)
}

func TestMemoryBackendClosed(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Register(context.Background(), testInstance("gateway", "g1", "127.0.0.1:8080"), 0)
	assert.True(t, xerrors.Is(err, ErrRegistryClosed))
}

func TestStaticBackend(t *testing.T) {
	b, err := NewStatic(&StaticBackendConfig{
		Services: map[string][]string{
			"gateway": {"10.0.0.1:8080", "10.0.0.2:8080"},
		},
	}, time.Second)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	// 静态后端注册是空操作
	require.NoError(t, b.Register(ctx, testInstance("gateway", "x", "1.2.3.4:1"), 0))
	require.NoError(t, b.Deregister(ctx, "x"))

	instances, err := b.Discover(ctx, "gateway", DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.True(t, instances[0].Healthy)

	types, err := b.ListServiceTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway"}, types)
}

func TestStaticBackendWatchDiff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend, err := NewStatic(&StaticBackendConfig{
		Services: map[string][]string{"gateway": {"10.0.0.1:8080"}},
	}, time.Second, WithClock(clock))
	require.NoError(t, err)
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := backend.Watch(ctx, "gateway")
	require.NoError(t, err)

	// 首轮轮询产出存量 Added
	change := waitChange(t, ch)
	assert.Equal(t, ChangeAdded, change.Type)

	backend.(*staticBackend).SetInstances("gateway", []*ServiceInstance{
		testInstance("gateway", "gateway-10.0.0.2:8080", "10.0.0.2:8080"),
	})
	clock.Advance(time.Second)

	got := map[ChangeType]int{}
	for i := 0; i < 2; i++ {
		got[waitChange(t, ch).Type]++
	}
	assert.Equal(t, 1, got[ChangeAdded])
	assert.Equal(t, 1, got[ChangeRemoved])
}

func TestDNSBackendReadOnly(t *testing.T) {
	b, err := NewDNS(&DNSBackendConfig{Domain: "svc.local", ServiceTypes: []string{"gateway"}}, time.Second)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	err = b.Register(ctx, testInstance("gateway", "g1", "127.0.0.1:8080"), 0)
	assert.True(t, xerrors.Is(err, ErrReadOnlyBackend))
	err = b.Deregister(ctx, "g1")
	assert.True(t, xerrors.Is(err, ErrReadOnlyBackend))

	types, err := b.ListServiceTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway"}, types)
}

func TestConsulMetaRoundTrip(t *testing.T) {
	inst := testInstance("gateway", "g1", "10.0.0.1:8080").Normalize()
	inst.Version = "1.0.0"
	inst.Tags = map[string]string{"env": "prod"}
	inst.Metadata.Region = "us-east"
	inst.Metadata.Custom = map[string]string{"rack": "r12"}
	inst.Weight = 50

	meta := encodeConsulMeta(inst)
	assert.Equal(t, "default", meta[consulMetaNamespace])
	assert.Equal(t, "50", meta[consulMetaWeight])
	assert.Equal(t, "prod", meta[consulMetaTagPrefix+"env"])
	assert.Equal(t, "r12", meta[consulMetaPrefix+"rack"])
	assert.Equal(t, "us-east", meta[consulMetaRegion])
	assert.Equal(t, "1.0.0", meta[consulMetaVersion])
}

func waitChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "change channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}
