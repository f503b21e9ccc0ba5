package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/connector"
	"github.com/ceyewan/flare/metrics"
	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/xerrors"
)

// GatewayServiceType 网关服务的约定服务类型。
const GatewayServiceType = "gateway"

// gatewayKeyPrefix 网关会话亲和键的前缀，同一用户稳定路由到
// 同一网关实例。
const gatewayKeyPrefix = "gateway:"

// ManagerConfig 管理器配置。
type ManagerConfig struct {
	// CacheTTL 实例查询缓存的过期时间。
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" json:"cache_ttl"`
	// CacheCapacity 本地缓存容量（条目数）。
	CacheCapacity int `mapstructure:"cache_capacity" yaml:"cache_capacity" json:"cache_capacity"`
	// Redis 可选的共享缓存层配置，多进程共享发现结果时使用。
	Redis *connector.RedisConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
	// RedisKeyPrefix 共享缓存键前缀。
	RedisKeyPrefix string `mapstructure:"redis_key_prefix" yaml:"redis_key_prefix" json:"redis_key_prefix"`
}

func (c *ManagerConfig) setDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 10000
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "flare:discovery:"
	}
}

// Manager 多服务类型的发现门面。按服务类型惰性创建 Client，
// 并为直接查询提供两级缓存：本地 otter 缓存，可选的 redis 共享层
// （msgpack 编码）。
type Manager struct {
	backend registry.Backend
	cfg     *registry.DiscoveryConfig
	mcfg    *ManagerConfig

	clientOpts []Option
	clientMu   sync.Mutex
	clients    map[string]*Client

	cache *otter.Cache[string, []*registry.ServiceInstance]
	redis connector.RedisConnector

	registrarMu sync.Mutex
	registrars  map[string]*registry.Registrar

	logger clog.Logger
	m      *discoveryMetrics
	closed atomic.Bool
}

// NewManager 创建管理器。mcfg.Redis 配置时会创建并持有 redis
// 连接器，Close 时释放。
func NewManager(ctx context.Context, backend registry.Backend, cfg *registry.DiscoveryConfig, mcfg *ManagerConfig, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, xerrors.Wrap(ErrInvalidArgument, "backend is required")
	}
	if cfg == nil {
		cfg = registry.DefaultDiscoveryConfig()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mcfg == nil {
		mcfg = &ManagerConfig{}
	}
	mcfg.setDefaults()

	o := applyOptions(opts...)

	cache, err := otter.New(&otter.Options[string, []*registry.ServiceInstance]{
		MaximumSize:      mcfg.CacheCapacity,
		ExpiryCalculator: otter.ExpiryWriting[string, []*registry.ServiceInstance](mcfg.CacheTTL),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "build instance cache")
	}

	m := &Manager{
		backend:    backend,
		cfg:        cfg,
		mcfg:       mcfg,
		clientOpts: opts,
		clients:    make(map[string]*Client),
		cache:      cache,
		registrars: make(map[string]*registry.Registrar),
		logger:     o.logger.With(clog.String("component", "manager")),
		m:          newDiscoveryMetrics(o.meter),
	}

	if mcfg.Redis != nil {
		conn, err := connector.NewRedis(mcfg.Redis)
		if err != nil {
			return nil, err
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = conn.Connect(connectCtx)
		cancel()
		if err != nil {
			// 共享缓存层不可达时降级为仅本地缓存
			m.logger.Warn("redis cache tier unavailable, using local cache only", clog.Error(err))
			_ = conn.Close()
		} else {
			m.redis = conn
		}
	}
	return m, nil
}

// Client 返回服务类型对应的发现客户端，不存在则创建。
func (m *Manager) Client(ctx context.Context, serviceType string) (*Client, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if serviceType == "" {
		return nil, xerrors.Wrap(ErrInvalidArgument, "service type is required")
	}

	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	if c, ok := m.clients[serviceType]; ok {
		return c, nil
	}

	c, err := NewClient(ctx, m.backend, serviceType, m.cfg, m.clientOpts...)
	if err != nil {
		return nil, err
	}
	m.clients[serviceType] = c
	return c, nil
}

// SelectByKey 按亲和键选取服务实例。
func (m *Manager) SelectByKey(ctx context.Context, serviceType, key string) (*registry.ServiceInstance, error) {
	c, err := m.Client(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	return c.Select(key)
}

// SelectGatewayByUser 按用户 ID 选取网关实例。同一用户在网关
// 成员不变期间稳定命中同一实例。
func (m *Manager) SelectGatewayByUser(ctx context.Context, userID string) (*registry.ServiceInstance, error) {
	if userID == "" {
		return nil, xerrors.Wrap(ErrInvalidArgument, "user id is required")
	}
	return m.SelectByKey(ctx, GatewayServiceType, gatewayKeyPrefix+userID)
}

// GetServiceInstances 查询服务的全部实例，经过两级缓存。
// 与 Client 的路由表不同，这里的结果允许 CacheTTL 内的滞后。
func (m *Manager) GetServiceInstances(ctx context.Context, serviceType string) ([]*registry.ServiceInstance, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if serviceType == "" {
		return nil, xerrors.Wrap(ErrInvalidArgument, "service type is required")
	}

	if cached, ok := m.cache.GetIfPresent(serviceType); ok {
		m.m.cacheHits.Inc(ctx, metrics.L("tier", "local"))
		return cloneInstances(cached), nil
	}

	if instances, ok := m.redisGet(ctx, serviceType); ok {
		m.m.cacheHits.Inc(ctx, metrics.L("tier", "redis"))
		m.cache.Set(serviceType, instances)
		return cloneInstances(instances), nil
	}

	m.m.cacheMisses.Inc(ctx)
	instances, err := m.backend.Discover(ctx, serviceType, m.discoverOpts())
	if err != nil {
		return nil, err
	}
	m.cache.Set(serviceType, instances)
	m.redisSet(ctx, serviceType, instances)
	return cloneInstances(instances), nil
}

// cloneInstances 缓存中的实例只读共享，交给调用方前深拷贝，
// 调用方的修改不会污染缓存。
func cloneInstances(instances []*registry.ServiceInstance) []*registry.ServiceInstance {
	out := make([]*registry.ServiceInstance, len(instances))
	for i, inst := range instances {
		out[i] = inst.Clone()
	}
	return out
}

// GetServiceInstance 按实例 ID 查询单个实例。
func (m *Manager) GetServiceInstance(ctx context.Context, serviceType, instanceID string) (*registry.ServiceInstance, error) {
	instances, err := m.GetServiceInstances(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.InstanceID == instanceID {
			return inst, nil
		}
	}
	return nil, xerrors.Wrapf(ErrServiceNotFound, "%s/%s", serviceType, instanceID)
}

// GetServiceAddress 按亲和键选取实例并返回其地址。
func (m *Manager) GetServiceAddress(ctx context.Context, serviceType, key string) (string, error) {
	inst, err := m.SelectByKey(ctx, serviceType, key)
	if err != nil {
		return "", err
	}
	return inst.Address, nil
}

// RefreshCache 失效并重建服务的实例缓存。
func (m *Manager) RefreshCache(ctx context.Context, serviceType string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.cache.Invalidate(serviceType)
	m.redisDelete(ctx, serviceType)

	instances, err := m.backend.Discover(ctx, serviceType, m.discoverOpts())
	if err != nil {
		return err
	}
	m.cache.Set(serviceType, instances)
	m.redisSet(ctx, serviceType, instances)
	return nil
}

// RefreshAll 刷新后端当前所有服务类型的缓存。
// 单个服务刷新失败不中断其余刷新，返回首个错误。
func (m *Manager) RefreshAll(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	types, err := m.backend.ListServiceTypes(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, serviceType := range types {
		if err := m.RefreshCache(ctx, serviceType); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RegisterService 注册本进程的服务实例并启动心跳。返回的注册器
// 也由管理器托管，Close 时统一停止。
func (m *Manager) RegisterService(ctx context.Context, instance *registry.ServiceInstance) (*registry.Registrar, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	r, err := registry.NewRegistrar(m.backend, instance, &registry.RegistrarConfig{
		LeaseTTL:          m.cfg.LeaseTTL,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
	})
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, err
	}

	m.registrarMu.Lock()
	m.registrars[r.InstanceID()] = r
	m.registrarMu.Unlock()
	return r, nil
}

// UnregisterService 注销实例。本进程注册的实例停止其心跳，
// 其他实例直接调用后端注销。
func (m *Manager) UnregisterService(ctx context.Context, instanceID string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.registrarMu.Lock()
	r, ok := m.registrars[instanceID]
	if ok {
		delete(m.registrars, instanceID)
	}
	m.registrarMu.Unlock()

	if ok {
		return r.Close()
	}
	return m.backend.Deregister(ctx, instanceID)
}

// ListServiceTypes 枚举后端已知的服务类型。
func (m *Manager) ListServiceTypes(ctx context.Context) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.backend.ListServiceTypes(ctx)
}

// Close 停止全部注册器与客户端，释放缓存连接。不关闭后端，
// 后端生命周期由调用方管理。幂等。
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.registrarMu.Lock()
	registrars := m.registrars
	m.registrars = make(map[string]*registry.Registrar)
	m.registrarMu.Unlock()
	for _, r := range registrars {
		_ = r.Close()
	}

	m.clientMu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.clientMu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}

	if m.redis != nil {
		_ = m.redis.Close()
	}
	m.logger.Info("discovery manager closed")
	return nil
}

func (m *Manager) discoverOpts() registry.DiscoverOptions {
	opts := registry.DiscoverOptions{
		Namespace:  m.cfg.Namespace.Default,
		TagFilters: m.cfg.TagFilters,
	}
	if m.cfg.Version.EnableRouting {
		opts.Version = m.cfg.Version.Default
	}
	return opts
}

// redisGet 读共享缓存层。未配置、未命中或解码失败都按未命中处理。
func (m *Manager) redisGet(ctx context.Context, serviceType string) ([]*registry.ServiceInstance, bool) {
	if m.redis == nil {
		return nil, false
	}
	data, err := m.redis.GetClient().Get(ctx, m.mcfg.RedisKeyPrefix+serviceType).Bytes()
	if err != nil {
		if !xerrors.Is(err, redis.Nil) {
			m.logger.Warn("redis cache read failed", clog.Error(err))
		}
		return nil, false
	}
	var instances []*registry.ServiceInstance
	if err := msgpack.Unmarshal(data, &instances); err != nil {
		m.logger.Warn("redis cache decode failed", clog.Error(err))
		return nil, false
	}
	return instances, true
}

// redisSet 写共享缓存层，失败只告警。
func (m *Manager) redisSet(ctx context.Context, serviceType string, instances []*registry.ServiceInstance) {
	if m.redis == nil {
		return
	}
	data, err := msgpack.Marshal(instances)
	if err != nil {
		m.logger.Warn("redis cache encode failed", clog.Error(err))
		return
	}
	if err := m.redis.GetClient().Set(ctx, m.mcfg.RedisKeyPrefix+serviceType, data, m.mcfg.CacheTTL).Err(); err != nil {
		m.logger.Warn("redis cache write failed", clog.Error(err))
	}
}

func (m *Manager) redisDelete(ctx context.Context, serviceType string) {
	if m.redis == nil {
		return
	}
	if err := m.redis.GetClient().Del(ctx, m.mcfg.RedisKeyPrefix+serviceType).Err(); err != nil {
		m.logger.Warn("redis cache delete failed", clog.Error(err))
	}
}
