package registry

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/connector"
	"github.com/ceyewan/flare/metrics"
	"github.com/ceyewan/flare/xerrors"
)

// ConsulBackendConfig consul 后端配置。
type ConsulBackendConfig struct {
	// Namespace 实例默认命名空间。开源版 consul 无原生命名空间，
	// 存放在服务 Meta 中并在客户端过滤。
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
	// WaitTime 阻塞查询的最长等待时间。
	WaitTime time.Duration `mapstructure:"wait_time" yaml:"wait_time" json:"wait_time"`
	// RetryInterval 阻塞查询失败后的重试间隔。
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" json:"retry_interval"`
	// DeregisterCriticalAfter TTL 检查持续 critical 多久后由
	// consul 自动注销实例。
	DeregisterCriticalAfter time.Duration `mapstructure:"deregister_critical_after" yaml:"deregister_critical_after" json:"deregister_critical_after"`

	// Connector 连接器配置，由工厂函数创建连接器时使用。
	Connector connector.ConsulConfig `mapstructure:"connector" yaml:"connector" json:"connector"`
}

func (c *ConsulBackendConfig) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.DeregisterCriticalAfter <= 0 {
		c.DeregisterCriticalAfter = time.Minute
	}
}

// Meta 键约定。实例的结构化字段平铺进 consul 服务 Meta。
const (
	consulMetaNamespace = "flare-namespace"
	consulMetaVersion   = "flare-version"
	consulMetaWeight    = "flare-weight"
	consulMetaRegion    = "flare-region"
	consulMetaZone      = "flare-zone"
	consulMetaEnv       = "flare-environment"
	consulMetaTagPrefix = "tag-"
	consulMetaPrefix    = "meta-"
)

// consulBackend 基于 consul agent 的注册中心后端。注册用 TTL 检查，
// 心跳即重复 Register 加 PassTTL。变更流用阻塞查询模拟推送。
type consulBackend struct {
	client *consulapi.Client
	cfg    *ConsulBackendConfig
	logger clog.Logger
	m      *registryMetrics

	mu       sync.Mutex
	watchers map[uint64]context.CancelFunc
	watchSeq uint64
	wg       sync.WaitGroup
	closed   uint32
}

// NewConsul 创建 consul 后端。
func NewConsul(conn connector.ConsulConnector, cfg *ConsulBackendConfig, opts ...Option) (Backend, error) {
	if conn == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "consul connector is required")
	}
	if cfg == nil {
		cfg = &ConsulBackendConfig{}
	}
	cfg.setDefaults()

	client := conn.GetClient()
	if client == nil {
		return nil, xerrors.Wrap(ErrBackendUnavailable, "consul client is nil")
	}

	o := applyOptions(opts...)
	return &consulBackend{
		client:   client,
		cfg:      cfg,
		logger:   o.logger.With(clog.String("backend", "consul")),
		m:        newRegistryMetrics(o.meter),
		watchers: make(map[uint64]context.CancelFunc),
	}, nil
}

func (b *consulBackend) ensureOpen() error {
	if atomic.LoadUint32(&b.closed) == 1 {
		return ErrRegistryClosed
	}
	return nil
}

func (b *consulBackend) Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if err := instance.Validate(); err != nil {
		b.m.registerTotal.Inc(ctx, lblBackend("consul"), lblOutcome("invalid"))
		return err
	}
	if ttl < 0 {
		return ErrInvalidTTL
	}
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	inst := instance.Clone()
	if inst.Namespace == "" {
		inst.Namespace = b.cfg.Namespace
	}
	inst.Normalize()

	host, portStr, err := net.SplitHostPort(inst.Address)
	if err != nil {
		return xerrors.Wrapf(ErrInvalidInstance, "address %q: %v", inst.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return xerrors.Wrapf(ErrInvalidInstance, "port %q: %v", portStr, err)
	}

	reg := &consulapi.AgentServiceRegistration{
		ID:      inst.InstanceID,
		Name:    inst.ServiceType,
		Address: host,
		Port:    port,
		Meta:    encodeConsulMeta(inst),
		Check: &consulapi.AgentServiceCheck{
			CheckID:                        "service:" + inst.InstanceID,
			TTL:                            ttl.String(),
			DeregisterCriticalServiceAfter: b.cfg.DeregisterCriticalAfter.String(),
		},
	}

	// ServiceRegister 本身就是 upsert，心跳重复调用是安全的
	if err := b.client.Agent().ServiceRegister(reg); err != nil {
		b.m.registerTotal.Inc(ctx, lblBackend("consul"), lblOutcome("error"))
		return xerrors.Wrapf(ErrBackendUnavailable, "consul register: %v", err)
	}
	if err := b.client.Agent().UpdateTTL("service:"+inst.InstanceID, "heartbeat", consulapi.HealthPassing); err != nil {
		b.logger.Warn("failed to pass ttl check",
			clog.String("instance_id", inst.InstanceID), clog.Error(err))
	}

	b.m.registerTotal.Inc(ctx, lblBackend("consul"), lblOutcome("ok"))
	return nil
}

func (b *consulBackend) Deregister(ctx context.Context, instanceID string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if instanceID == "" {
		return xerrors.Wrap(ErrInvalidInstance, "instance id is required")
	}

	if err := b.client.Agent().ServiceDeregister(instanceID); err != nil {
		// 实例不存在视为成功
		if strings.Contains(err.Error(), "Unknown service") || strings.Contains(err.Error(), "404") {
			return nil
		}
		b.m.deregisterTotal.Inc(ctx, lblBackend("consul"), lblOutcome("error"))
		return xerrors.Wrapf(ErrBackendUnavailable, "consul deregister: %v", err)
	}
	b.m.deregisterTotal.Inc(ctx, lblBackend("consul"), lblOutcome("ok"))
	return nil
}

func (b *consulBackend) Discover(ctx context.Context, serviceType string, opts DiscoverOptions) ([]*ServiceInstance, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	instances, _, err := b.fetch(ctx, serviceType, nil)
	if err != nil {
		b.m.discoverTotal.Inc(ctx, lblBackend("consul"), lblOutcome("error"))
		return nil, err
	}
	if opts.Namespace == "" {
		opts.Namespace = b.cfg.Namespace
	}
	b.m.discoverTotal.Inc(ctx, lblBackend("consul"), lblOutcome("ok"))
	return FilterInstances(instances, opts), nil
}

// fetch 查询健康目录。q 非空时执行阻塞查询并返回新的查询元数据。
func (b *consulBackend) fetch(ctx context.Context, serviceType string, q *consulapi.QueryOptions) ([]*ServiceInstance, *consulapi.QueryMeta, error) {
	if q == nil {
		q = &consulapi.QueryOptions{}
	}
	entries, meta, err := b.client.Health().Service(serviceType, "", false, q.WithContext(ctx))
	if err != nil {
		return nil, nil, xerrors.Wrapf(ErrBackendUnavailable, "consul health query %s: %v", serviceType, err)
	}

	instances := make([]*ServiceInstance, 0, len(entries))
	for _, entry := range entries {
		inst := decodeConsulEntry(serviceType, entry)
		if inst != nil {
			instances = append(instances, inst)
		}
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].InstanceID < instances[j].InstanceID })
	return instances, meta, nil
}

// Watch 用阻塞查询模拟推送。WaitIndex 变化时做快照差分下发变更。
func (b *consulBackend) Watch(ctx context.Context, serviceType string) (<-chan Change, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	ch := make(chan Change, watchBuffer)
	watchCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.watchSeq++
	watchID := b.watchSeq
	b.watchers[watchID] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(ch)
		defer func() {
			b.mu.Lock()
			delete(b.watchers, watchID)
			b.mu.Unlock()
		}()

		prev := make(map[string]*ServiceInstance)
		var lastIndex uint64
		for {
			if watchCtx.Err() != nil {
				return
			}
			q := &consulapi.QueryOptions{WaitIndex: lastIndex, WaitTime: b.cfg.WaitTime}
			instances, meta, err := b.fetch(watchCtx, serviceType, q)
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				b.logger.Warn("blocking query failed, will retry",
					clog.String("service_type", serviceType), clog.Error(err))
				b.m.watchReconnects.Inc(context.Background(), lblBackend("consul"))
				select {
				case <-watchCtx.Done():
					return
				case <-time.After(b.cfg.RetryInterval):
				}
				continue
			}

			// 索引回退说明 consul 侧状态重置，重新全量比对
			if meta.LastIndex < lastIndex {
				lastIndex = 0
				continue
			}
			if meta.LastIndex == lastIndex {
				continue
			}
			lastIndex = meta.LastIndex

			next := snapshotByID(instances)
			for _, c := range diffSnapshots(prev, next) {
				select {
				case ch <- c:
					b.m.watchEvents.Inc(context.Background(),
						lblBackend("consul"), metrics.L("type", c.Type.String()))
				case <-watchCtx.Done():
					return
				}
			}
			prev = next
		}
	}()

	return ch, nil
}

func (b *consulBackend) ListServiceTypes(ctx context.Context) ([]string, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	services, _, err := b.client.Catalog().Services((&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, xerrors.Wrapf(ErrBackendUnavailable, "consul catalog: %v", err)
	}
	types := make([]string, 0, len(services))
	for name := range services {
		if name == "consul" {
			continue
		}
		types = append(types, name)
	}
	sort.Strings(types)
	return types, nil
}

func (b *consulBackend) ListAllServices(ctx context.Context) ([]*ServiceInstance, error) {
	types, err := b.ListServiceTypes(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ServiceInstance
	for _, serviceType := range types {
		instances, _, err := b.fetch(ctx, serviceType, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, instances...)
	}
	return out, nil
}

func (b *consulBackend) Close() error {
	if !atomic.CompareAndSwapUint32(&b.closed, 0, 1) {
		return nil
	}
	b.mu.Lock()
	for _, cancel := range b.watchers {
		cancel()
	}
	b.watchers = make(map[uint64]context.CancelFunc)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func encodeConsulMeta(inst *ServiceInstance) map[string]string {
	meta := map[string]string{
		consulMetaNamespace: inst.Namespace,
		consulMetaWeight:    strconv.FormatUint(uint64(inst.Weight), 10),
	}
	if inst.Version != "" {
		meta[consulMetaVersion] = inst.Version
	}
	if inst.Metadata.Region != "" {
		meta[consulMetaRegion] = inst.Metadata.Region
	}
	if inst.Metadata.Zone != "" {
		meta[consulMetaZone] = inst.Metadata.Zone
	}
	if inst.Metadata.Environment != "" {
		meta[consulMetaEnv] = inst.Metadata.Environment
	}
	for k, v := range inst.Tags {
		meta[consulMetaTagPrefix+k] = v
	}
	for k, v := range inst.Metadata.Custom {
		meta[consulMetaPrefix+k] = v
	}
	return meta
}

func decodeConsulEntry(serviceType string, entry *consulapi.ServiceEntry) *ServiceInstance {
	svc := entry.Service
	if svc == nil {
		return nil
	}
	inst := &ServiceInstance{
		ServiceType: serviceType,
		InstanceID:  svc.ID,
		Address:     fmt.Sprintf("%s:%d", svc.Address, svc.Port),
		Namespace:   DefaultNamespace,
		Healthy:     entry.Checks.AggregatedStatus() == consulapi.HealthPassing,
		Weight:      DefaultWeight,
	}
	for k, v := range svc.Meta {
		switch {
		case k == consulMetaNamespace:
			inst.Namespace = v
		case k == consulMetaVersion:
			inst.Version = v
		case k == consulMetaWeight:
			if w, err := strconv.ParseUint(v, 10, 32); err == nil {
				inst.Weight = uint32(w)
			}
		case k == consulMetaRegion:
			inst.Metadata.Region = v
		case k == consulMetaZone:
			inst.Metadata.Zone = v
		case k == consulMetaEnv:
			inst.Metadata.Environment = v
		case strings.HasPrefix(k, consulMetaTagPrefix):
			if inst.Tags == nil {
				inst.Tags = make(map[string]string)
			}
			inst.Tags[strings.TrimPrefix(k, consulMetaTagPrefix)] = v
		case strings.HasPrefix(k, consulMetaPrefix):
			if inst.Metadata.Custom == nil {
				inst.Metadata.Custom = make(map[string]string)
			}
			inst.Metadata.Custom[strings.TrimPrefix(k, consulMetaPrefix)] = v
		}
	}
	return inst
}
