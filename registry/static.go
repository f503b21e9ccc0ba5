package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/xerrors"
)

// StaticBackendConfig 静态地址表后端的配置。
type StaticBackendConfig struct {
	// Services 服务类型到实例地址列表的映射。
	Services map[string][]string `mapstructure:"services" yaml:"services" json:"services"`
	// Namespace 实例归属的命名空间，空值为 default。
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
}

// staticBackend 静态配置后端。注册与注销为空操作成功，适用于
// 成员关系由外部系统（如 sidecar 或部署编排）维护的场景。
// SetInstances 允许运行时替换地址表，变更通过轮询差分下发。
type staticBackend struct {
	mu        sync.RWMutex
	instances map[string][]*ServiceInstance

	refreshInterval time.Duration
	clock           clockwork.Clock
	logger          clog.Logger

	cancel context.CancelFunc
	ctx    context.Context
}

// NewStatic 创建静态后端。refreshInterval 控制 Watch 的轮询周期。
func NewStatic(cfg *StaticBackendConfig, refreshInterval time.Duration, opts ...Option) (Backend, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "static backend config is required")
	}
	if refreshInterval <= 0 {
		refreshInterval = 10 * time.Second
	}
	o := applyOptions(opts...)

	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	instances := make(map[string][]*ServiceInstance, len(cfg.Services))
	for serviceType, addrs := range cfg.Services {
		list := make([]*ServiceInstance, 0, len(addrs))
		for _, addr := range addrs {
			inst := &ServiceInstance{
				ServiceType: serviceType,
				InstanceID:  fmt.Sprintf("%s-%s", serviceType, addr),
				Address:     addr,
				Namespace:   ns,
				Healthy:     true,
				Weight:      DefaultWeight,
			}
			if err := inst.Validate(); err != nil {
				return nil, err
			}
			list = append(list, inst)
		}
		instances[serviceType] = list
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &staticBackend{
		instances:       instances,
		refreshInterval: refreshInterval,
		clock:           o.clock,
		logger:          o.logger.With(clog.String("backend", "static")),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// SetInstances 替换某个服务类型的实例列表。传入 nil 清空该类型。
func (b *staticBackend) SetInstances(serviceType string, instances []*ServiceInstance) {
	cloned := make([]*ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		cloned = append(cloned, inst.Clone().Normalize())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(cloned) == 0 {
		delete(b.instances, serviceType)
		return
	}
	b.instances[serviceType] = cloned
}

func (b *staticBackend) Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) error {
	// 成员关系由配置决定，注册是空操作，保证 Registrar 可以
	// 无差别地跑在任何后端之上。
	return instance.Validate()
}

func (b *staticBackend) Deregister(ctx context.Context, instanceID string) error {
	return nil
}

func (b *staticBackend) Discover(ctx context.Context, serviceType string, opts DiscoverOptions) ([]*ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*ServiceInstance, 0, len(b.instances[serviceType]))
	for _, inst := range b.instances[serviceType] {
		if MatchInstance(inst, opts) {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

func (b *staticBackend) Watch(ctx context.Context, serviceType string) (<-chan Change, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		// 后端 Close 时终止所有 watch
		select {
		case <-b.ctx.Done():
			cancel()
		case <-watchCtx.Done():
		}
	}()
	ch := pollChanges(watchCtx, func(ctx context.Context) ([]*ServiceInstance, error) {
		return b.Discover(ctx, serviceType, DiscoverOptions{})
	}, b.refreshInterval, b.clock, b.logger.With(clog.String("service_type", serviceType)))
	return ch, nil
}

func (b *staticBackend) ListServiceTypes(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.instances))
	for t := range b.instances {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

func (b *staticBackend) ListAllServices(ctx context.Context) ([]*ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*ServiceInstance
	for _, list := range b.instances {
		for _, inst := range list {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (b *staticBackend) Close() error {
	b.cancel()
	return nil
}
