package registry

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/xerrors"
)

// DNSBackendConfig DNS SRV 后端的配置。实例列表来自
// _<service>._tcp.<domain> 的 SRV 记录，后端只读。
type DNSBackendConfig struct {
	// Domain SRV 查询的基础域名，如 "svc.cluster.local"。
	Domain string `mapstructure:"domain" yaml:"domain" json:"domain"`
	// ServiceTypes 可枚举的服务类型列表。DNS 无法反向枚举，
	// ListServiceTypes 返回该配置。
	ServiceTypes []string `mapstructure:"service_types" yaml:"service_types" json:"service_types"`
	// Resolver 自定义 DNS 服务器地址（host:port），空值用系统解析器。
	Resolver string `mapstructure:"resolver" yaml:"resolver" json:"resolver"`
	// QueryTimeout 单次查询超时。
	QueryTimeout time.Duration `mapstructure:"query_timeout" yaml:"query_timeout" json:"query_timeout"`
}

func (c *DNSBackendConfig) setDefaults() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 3 * time.Second
	}
}

func (c *DNSBackendConfig) validate() error {
	if c.Domain == "" {
		return xerrors.Wrap(ErrInvalidConfig, "dns backend requires a domain")
	}
	return nil
}

// dnsBackend 只读 DNS 后端。注册与注销返回 ErrReadOnlyBackend，
// 成员变更通过轮询 SRV 记录差分获得。
type dnsBackend struct {
	cfg      *DNSBackendConfig
	resolver *net.Resolver

	refreshInterval time.Duration
	clock           clockwork.Clock
	logger          clog.Logger
	metrics         *registryMetrics

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDNS 创建 DNS 后端。
func NewDNS(cfg *DNSBackendConfig, refreshInterval time.Duration, opts ...Option) (Backend, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "dns backend config is required")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if refreshInterval <= 0 {
		refreshInterval = 10 * time.Second
	}
	o := applyOptions(opts...)

	resolver := net.DefaultResolver
	if cfg.Resolver != "" {
		addr := cfg.Resolver
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: cfg.QueryTimeout}
				return d.DialContext(ctx, network, addr)
			},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &dnsBackend{
		cfg:             cfg,
		resolver:        resolver,
		refreshInterval: refreshInterval,
		clock:           o.clock,
		logger:          o.logger.With(clog.String("backend", "dns")),
		metrics:         newRegistryMetrics(o.meter),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

func (b *dnsBackend) Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) error {
	return xerrors.Wrap(ErrReadOnlyBackend, "dns backend cannot register")
}

func (b *dnsBackend) Deregister(ctx context.Context, instanceID string) error {
	return xerrors.Wrap(ErrReadOnlyBackend, "dns backend cannot deregister")
}

func (b *dnsBackend) Discover(ctx context.Context, serviceType string, opts DiscoverOptions) ([]*ServiceInstance, error) {
	queryCtx, cancel := context.WithTimeout(ctx, b.cfg.QueryTimeout)
	defer cancel()

	_, srvs, err := b.resolver.LookupSRV(queryCtx, serviceType, "tcp", b.cfg.Domain)
	if err != nil {
		var dnsErr *net.DNSError
		if xerrors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// 无记录等价于无实例
			return []*ServiceInstance{}, nil
		}
		b.metrics.discoverTotal.Inc(ctx, lblBackend("dns"), lblOutcome("error"))
		return nil, xerrors.Wrapf(ErrBackendUnavailable, "dns lookup %s: %v", serviceType, err)
	}

	out := make([]*ServiceInstance, 0, len(srvs))
	for _, srv := range srvs {
		host := strings.TrimSuffix(srv.Target, ".")
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", srv.Port))
		weight := uint32(srv.Weight)
		if weight == 0 {
			weight = DefaultWeight
		}
		inst := &ServiceInstance{
			ServiceType: serviceType,
			InstanceID:  fmt.Sprintf("%s-%s", serviceType, addr),
			Address:     addr,
			Namespace:   DefaultNamespace,
			Healthy:     true,
			Weight:      weight,
		}
		if MatchInstance(inst, opts) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	b.metrics.discoverTotal.Inc(ctx, lblBackend("dns"), lblOutcome("ok"))
	return out, nil
}

func (b *dnsBackend) Watch(ctx context.Context, serviceType string) (<-chan Change, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
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

func (b *dnsBackend) ListServiceTypes(ctx context.Context) ([]string, error) {
	types := make([]string, len(b.cfg.ServiceTypes))
	copy(types, b.cfg.ServiceTypes)
	sort.Strings(types)
	return types, nil
}

func (b *dnsBackend) ListAllServices(ctx context.Context) ([]*ServiceInstance, error) {
	var out []*ServiceInstance
	for _, serviceType := range b.cfg.ServiceTypes {
		instances, err := b.Discover(ctx, serviceType, DiscoverOptions{})
		if err != nil {
			return nil, err
		}
		out = append(out, instances...)
	}
	return out, nil
}

func (b *dnsBackend) Close() error {
	b.cancel()
	return nil
}
