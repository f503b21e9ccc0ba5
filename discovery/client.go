// Package discovery 是服务发现子系统的消费端：路由表、负载均衡、
// 连接池与多服务管理。
//
// Client 面向单个服务类型：订阅注册中心变更流维护路由表，结合
// 主动健康检查过滤候选端点，按配置的负载均衡策略选取实例，并
// 复用到各实例的 gRPC 连接。Manager 在 Client 之上管理多个服务
// 类型，提供带缓存的查询接口。
//
// 使用示例：
//
//	backend, _ := registry.NewBackend(ctx, cfg)
//	client, _ := discovery.NewClient(ctx, backend, "gateway", cfg)
//	defer client.Close()
//
//	inst, _ := client.Select("user-12345")
//	conn, _ := client.GetConnection(ctx, "user-12345")
package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/ceyewan/flare/balancer"
	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/health"
	"github.com/ceyewan/flare/metrics"
	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/xerrors"
)

// healthEventBuffer 健康事件通道的缓冲大小。
const healthEventBuffer = 64

// Client 单个服务类型的发现客户端。
//
// 路由表遵循单写者纪律：只有 run 事件循环修改路由表，变更流事件
// 与健康翻转事件都汇入该循环串行处理；读路径通过原子快照无锁访问。
type Client struct {
	serviceType string
	backend     registry.Backend
	cfg         *registry.DiscoveryConfig
	selector    balancer.Selector
	checker     *health.Checker
	pool        *pool
	table       *table

	logger  clog.Logger
	m       *discoveryMetrics
	limiter *rate.Limiter

	healthEvents chan health.Event

	resolverMu sync.Mutex
	resolvers  map[*clientResolver]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewClient 创建发现客户端。构造时完成一次全量发现，失败则返回
// 错误；变更订阅在后台维护，断开后限速重订阅并全量重同步。
func NewClient(ctx context.Context, backend registry.Backend, serviceType string, cfg *registry.DiscoveryConfig, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, xerrors.Wrap(ErrInvalidArgument, "backend is required")
	}
	if serviceType == "" {
		return nil, xerrors.Wrap(ErrInvalidArgument, "service type is required")
	}
	if cfg == nil {
		cfg = registry.DefaultDiscoveryConfig()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	strategy, err := balancer.ParseStrategy(cfg.LoadBalance)
	if err != nil {
		return nil, err
	}

	o := applyOptions(opts...)

	c := &Client{
		serviceType:  serviceType,
		backend:      backend,
		cfg:          cfg,
		pool:         newPool(o.pool, o.logger.With(clog.String("service_type", serviceType))),
		table:        newTable(),
		logger:       o.logger.With(clog.String("service_type", serviceType)),
		m:            newDiscoveryMetrics(o.meter),
		limiter:      rate.NewLimiter(rate.Every(time.Second), 1),
		healthEvents: make(chan health.Event, healthEventBuffer),
		resolvers:    make(map[*clientResolver]struct{}),
	}

	c.selector, err = balancer.New(strategy, balancer.WithLoadFunc(c.pool.load))
	if err != nil {
		return nil, err
	}

	if cfg.HealthCheck != nil && cfg.HealthCheck.Enabled {
		checkerOpts := []health.Option{
			health.WithLogger(o.logger),
			health.WithMeter(o.meter),
			health.WithClock(o.clock),
		}
		if o.prober != nil {
			checkerOpts = append(checkerOpts, health.WithProber(o.prober))
		}
		c.checker, err = health.New(cfg.HealthCheck, c.onHealthTransition, checkerOpts...)
		if err != nil {
			return nil, err
		}
	}

	// 初始全量发现失败视为构造失败
	instances, err := backend.Discover(ctx, serviceType, c.discoverOpts())
	if err != nil {
		if c.checker != nil {
			c.checker.Close()
		}
		return nil, xerrors.Wrap(err, "initial discover")
	}
	c.table.replaceAll(instances)
	for _, inst := range instances {
		if c.checker != nil {
			c.checker.Track(inst.InstanceID, inst.Address)
		}
	}
	c.publishTableMetrics()

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.run()

	c.logger.Info("discovery client started",
		clog.Int("endpoints", len(instances)),
		clog.String("strategy", string(strategy)))
	return c, nil
}

// ServiceType 返回客户端服务的服务类型。
func (c *Client) ServiceType() string {
	return c.serviceType
}

// Snapshot 返回路由表当前快照。
func (c *Client) Snapshot() *Snapshot {
	return c.table.load()
}

// Select 按负载均衡策略选取一个实例。key 为亲和键，仅一致性哈希
// 必需。健康候选集为空时按配置回退到全量候选集。
func (c *Client) Select(key string) (*registry.ServiceInstance, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	snap := c.table.load()
	candidates := snap.Healthy
	if len(candidates) == 0 && c.cfg.FallbackEnabled() {
		candidates = snap.All
		if len(candidates) > 0 {
			c.m.selectFallbacks.Inc(context.Background(), metrics.L("service_type", c.serviceType))
			c.logger.Warn("no healthy endpoints, falling back to all candidates",
				clog.Int("candidates", len(candidates)))
		}
	}
	if len(candidates) == 0 {
		c.m.selectTotal.Inc(context.Background(),
			metrics.L("service_type", c.serviceType), metrics.L("outcome", "empty"))
		return nil, ErrNoEndpoints
	}

	inst, err := c.selector.Select(candidates, key)
	if err != nil {
		if xerrors.Is(err, balancer.ErrNoInstances) {
			err = ErrNoEndpoints
		}
		c.m.selectTotal.Inc(context.Background(),
			metrics.L("service_type", c.serviceType), metrics.L("outcome", "error"))
		return nil, err
	}
	c.m.selectTotal.Inc(context.Background(),
		metrics.L("service_type", c.serviceType), metrics.L("outcome", "ok"))
	return inst, nil
}

// GetConnection 选取实例并返回其池化 gRPC 连接。连接由池持有，
// 调用方不得关闭。
func (c *Client) GetConnection(ctx context.Context, key string) (*grpc.ClientConn, error) {
	inst, err := c.Select(key)
	if err != nil {
		return nil, err
	}
	conn, created, err := c.pool.get(inst.Address)
	if err != nil {
		return nil, err
	}
	if created {
		c.m.poolDials.Inc(ctx, metrics.L("service_type", c.serviceType))
	}
	return conn, nil
}

// Acquire 选取实例并登记一次在途请求，返回实例、池化连接与释放
// 函数。释放函数必须在请求结束后调用，幂等。最少连接策略依赖
// 该计数。
func (c *Client) Acquire(ctx context.Context, key string) (*registry.ServiceInstance, *grpc.ClientConn, func(), error) {
	inst, err := c.Select(key)
	if err != nil {
		return nil, nil, nil, err
	}
	conn, created, err := c.pool.get(inst.Address)
	if err != nil {
		return nil, nil, nil, err
	}
	if created {
		c.m.poolDials.Inc(ctx, metrics.L("service_type", c.serviceType))
	}
	release := c.pool.acquire(inst.InstanceID)
	return inst, conn, release, nil
}

// Close 停止事件循环、健康检查与连接池。幂等。
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	if c.checker != nil {
		c.checker.Close()
	}
	c.pool.close()
	c.logger.Info("discovery client closed")
	return nil
}

// onHealthTransition 健康检查回调，在探测协程中执行，只投递事件，
// 路由表修改由 run 循环完成。
func (c *Client) onHealthTransition(e health.Event) {
	select {
	case c.healthEvents <- e:
	default:
		c.logger.Warn("health event channel full, dropping transition",
			clog.String("instance_id", e.InstanceID))
	}
}

func (c *Client) discoverOpts() registry.DiscoverOptions {
	opts := registry.DiscoverOptions{
		Namespace:  c.cfg.Namespace.Default,
		TagFilters: c.cfg.TagFilters,
	}
	if c.cfg.Version.EnableRouting {
		opts.Version = c.cfg.Version.Default
	}
	return opts
}

// run 路由表的唯一写者。订阅变更流并串行应用事件；流断开时把
// 路由表标记为陈旧继续服务，限速重订阅成功后全量重同步消除
// 窗口期内丢失的事件。
func (c *Client) run() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		watchCh, err := c.backend.Watch(c.ctx, c.serviceType)
		if err != nil {
			c.table.setStale(true)
			c.m.tableStale.Set(context.Background(), 1, metrics.L("service_type", c.serviceType))
			c.logger.Warn("watch subscribe failed, serving stale snapshot", clog.Error(err))
			if !c.waitResubscribe() {
				return
			}
			continue
		}

		if err := c.resync(); err != nil {
			c.logger.Warn("resync failed, serving stale snapshot", clog.Error(err))
			c.table.setStale(true)
		} else {
			c.table.setStale(false)
			c.m.tableStale.Set(context.Background(), 0, metrics.L("service_type", c.serviceType))
		}
		c.notifyResolvers()

	consume:
		for {
			select {
			case <-c.ctx.Done():
				return
			case change, ok := <-watchCh:
				if !ok {
					c.table.setStale(true)
					c.m.tableStale.Set(context.Background(), 1, metrics.L("service_type", c.serviceType))
					c.logger.Warn("watch stream closed, serving stale snapshot")
					break consume
				}
				c.applyChange(change)
				c.notifyResolvers()
			case e := <-c.healthEvents:
				c.table.setProbeHealth(e.InstanceID, e.Healthy)
				c.publishTableMetrics()
				c.notifyResolvers()
			}
		}

		if !c.waitResubscribe() {
			return
		}
	}
}

func (c *Client) waitResubscribe() bool {
	c.m.resubscribes.Inc(context.Background(), metrics.L("service_type", c.serviceType))
	return c.limiter.Wait(c.ctx) == nil
}

// resync 重订阅后的全量重同步。
func (c *Client) resync() error {
	instances, err := c.backend.Discover(c.ctx, c.serviceType, c.discoverOpts())
	if err != nil {
		return err
	}
	removed := c.table.replaceAll(instances)
	for _, inst := range removed {
		c.dropEndpoint(inst)
	}
	for _, inst := range instances {
		if c.checker != nil {
			c.checker.Track(inst.InstanceID, inst.Address)
		}
	}
	c.publishTableMetrics()
	return nil
}

// applyChange 把单个成员变更应用到路由表。
func (c *Client) applyChange(change registry.Change) {
	switch change.Type {
	case registry.ChangeAdded, registry.ChangeModified:
		inst := change.Instance
		if inst == nil {
			return
		}
		// 不满足过滤条件的实例等价于移除
		if !registry.MatchInstance(inst, c.discoverOpts()) {
			if removed := c.table.remove(inst.InstanceID); removed != nil {
				c.dropEndpoint(removed)
			}
			break
		}
		prev := c.table.upsert(inst)
		if prev != nil && prev.Address != inst.Address && !c.addressInUse(prev.Address) {
			c.pool.closeAddress(prev.Address)
		}
		if c.checker != nil {
			c.checker.Track(inst.InstanceID, inst.Address)
		}
	case registry.ChangeRemoved:
		if removed := c.table.remove(change.InstanceID); removed != nil {
			c.dropEndpoint(removed)
		}
	}
	c.publishTableMetrics()
}

// addressInUse 判断路由表当前快照中是否仍有端点使用该地址。
func (c *Client) addressInUse(address string) bool {
	for _, inst := range c.table.load().All {
		if inst.Address == address {
			return true
		}
	}
	return false
}

// dropEndpoint 实例离场的收尾：关连接、清计数、停探测。
// 多个实例可以共享同一地址，连接仅在最后一个使用者离场时关闭。
func (c *Client) dropEndpoint(inst *registry.ServiceInstance) {
	if !c.addressInUse(inst.Address) {
		c.pool.closeAddress(inst.Address)
	}
	c.pool.dropLoad(inst.InstanceID)
	if c.checker != nil {
		c.checker.Forget(inst.InstanceID)
	}
	c.logger.Info("endpoint removed",
		clog.String("instance_id", inst.InstanceID),
		clog.String("address", inst.Address))
}

func (c *Client) publishTableMetrics() {
	snap := c.table.load()
	ctx := context.Background()
	c.m.tableSize.Set(ctx, float64(len(snap.All)),
		metrics.L("service_type", c.serviceType), metrics.L("health", "all"))
	c.m.tableSize.Set(ctx, float64(len(snap.Healthy)),
		metrics.L("service_type", c.serviceType), metrics.L("health", "healthy"))
}
