package registry

import (
	"regexp"
	"time"

	"github.com/ceyewan/flare/xerrors"
)

// DefaultNamespace 未显式指定命名空间时使用的命名空间。
const DefaultNamespace = "default"

// BackendType 注册中心后端类型。
type BackendType string

const (
	BackendEtcd   BackendType = "etcd"
	BackendConsul BackendType = "consul"
	BackendDNS    BackendType = "dns"
	BackendStatic BackendType = "static"
	BackendMemory BackendType = "memory"
)

// ParseBackendType 解析后端类型字符串。
func ParseBackendType(s string) (BackendType, error) {
	switch BackendType(s) {
	case BackendEtcd, BackendConsul, BackendDNS, BackendStatic, BackendMemory:
		return BackendType(s), nil
	default:
		return "", xerrors.Wrapf(ErrUnknownBackend, "%q", s)
	}
}

// MatchMode 标签过滤的匹配模式。
type MatchMode string

const (
	MatchExact  MatchMode = "exact"
	MatchPrefix MatchMode = "prefix"
	MatchRegex  MatchMode = "regex"
)

// TagFilter 单条标签过滤规则。Match 为空按 exact 处理。
type TagFilter struct {
	Key   string    `mapstructure:"key" yaml:"key" json:"key"`
	Value string    `mapstructure:"value" yaml:"value" json:"value"`
	Match MatchMode `mapstructure:"match" yaml:"match" json:"match"`
}

func (f *TagFilter) validate() error {
	if f.Key == "" {
		return xerrors.Wrap(ErrInvalidConfig, "tag filter key is required")
	}
	switch f.Match {
	case "", MatchExact, MatchPrefix:
	case MatchRegex:
		if _, err := regexp.Compile(f.Value); err != nil {
			return xerrors.Wrapf(ErrInvalidConfig, "tag filter %s: bad regexp %q: %v", f.Key, f.Value, err)
		}
	default:
		return xerrors.Wrapf(ErrInvalidConfig, "tag filter %s: unknown match mode %q", f.Key, f.Match)
	}
	return nil
}

// NamespaceRule 命名空间规则。
type NamespaceRule struct {
	// Default 默认命名空间。
	Default string `mapstructure:"default" yaml:"default" json:"default"`
	// Separator 后端键路径的分隔符。
	Separator string `mapstructure:"separator" yaml:"separator" json:"separator"`
}

// VersionRule 版本路由规则。
type VersionRule struct {
	// Default 注册时的默认版本号。
	Default string `mapstructure:"default" yaml:"default" json:"default"`
	// EnableRouting 开启后发现结果按调用方指定的版本过滤。
	EnableRouting bool `mapstructure:"enable_routing" yaml:"enable_routing" json:"enable_routing"`
}

// HealthCheckPolicy 主动健康检查策略。阈值实现迟滞：连续
// FailureThreshold 次失败才判不健康，连续 SuccessThreshold 次
// 成功才恢复健康。
type HealthCheckPolicy struct {
	// Enabled 是否开启主动探测。
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	// Protocol 探测协议，tcp 或 http。
	Protocol string `mapstructure:"protocol" yaml:"protocol" json:"protocol"`
	// Path HTTP 探测路径，仅 http 协议使用。
	Path string `mapstructure:"path" yaml:"path" json:"path"`
	// Interval 探测周期。
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	// Timeout 单次探测超时，必须小于 Interval。
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	// FailureThreshold 连续失败多少次判定不健康。
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	// SuccessThreshold 连续成功多少次恢复健康。
	SuccessThreshold int `mapstructure:"success_threshold" yaml:"success_threshold" json:"success_threshold"`
}

func (p *HealthCheckPolicy) setDefaults() {
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Interval <= 0 {
		p.Interval = 10 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 3 * time.Second
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 3
	}
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = 2
	}
}

func (p *HealthCheckPolicy) validate() error {
	switch p.Protocol {
	case "tcp", "http":
	default:
		return xerrors.Wrapf(ErrInvalidConfig, "health check: unknown protocol %q", p.Protocol)
	}
	if p.Timeout >= p.Interval {
		return xerrors.Wrap(ErrInvalidConfig, "health check: timeout must be less than interval")
	}
	return nil
}

// DiscoveryConfig 服务发现子系统的顶层配置。
type DiscoveryConfig struct {
	// Backend 后端类型：etcd、consul、dns、static、memory。
	Backend BackendType `mapstructure:"backend" yaml:"backend" json:"backend"`

	// Etcd etcd 后端配置，Backend 为 etcd 时必填。
	Etcd *EtcdBackendConfig `mapstructure:"etcd" yaml:"etcd" json:"etcd"`
	// Consul consul 后端配置，Backend 为 consul 时必填。
	Consul *ConsulBackendConfig `mapstructure:"consul" yaml:"consul" json:"consul"`
	// DNS dns 后端配置，Backend 为 dns 时必填。
	DNS *DNSBackendConfig `mapstructure:"dns" yaml:"dns" json:"dns"`
	// Static static 后端配置，Backend 为 static 时必填。
	Static *StaticBackendConfig `mapstructure:"static" yaml:"static" json:"static"`

	// Namespace 命名空间规则。
	Namespace NamespaceRule `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
	// Version 版本路由规则。
	Version VersionRule `mapstructure:"version" yaml:"version" json:"version"`
	// TagFilters 全局标签过滤器。
	TagFilters []TagFilter `mapstructure:"tag_filters" yaml:"tag_filters" json:"tag_filters"`

	// LoadBalance 负载均衡策略名，由 balancer.ParseStrategy 解析。
	LoadBalance string `mapstructure:"load_balance" yaml:"load_balance" json:"load_balance"`

	// HealthCheck 主动健康检查策略，nil 表示关闭。
	HealthCheck *HealthCheckPolicy `mapstructure:"health_check" yaml:"health_check" json:"health_check"`

	// LeaseTTL 注册租约时长。
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl" json:"lease_ttl"`
	// HeartbeatInterval 心跳续约周期，必须显著小于 LeaseTTL。
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// RefreshInterval 轮询型后端的刷新周期。
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval" json:"refresh_interval"`

	// SelectFallback 健康实例为空时是否回退到全量实例中选择。
	// nil 表示默认开启。
	SelectFallback *bool `mapstructure:"select_fallback" yaml:"select_fallback" json:"select_fallback"`
}

// DefaultDiscoveryConfig 返回内存后端的默认配置，主要用于测试与示例。
func DefaultDiscoveryConfig() *DiscoveryConfig {
	cfg := &DiscoveryConfig{Backend: BackendMemory}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults 填充缺省值。
func (c *DiscoveryConfig) SetDefaults() {
	if c.Namespace.Default == "" {
		c.Namespace.Default = DefaultNamespace
	}
	if c.Namespace.Separator == "" {
		c.Namespace.Separator = "/"
	}
	if c.LoadBalance == "" {
		c.LoadBalance = "consistent_hash"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 10 * time.Second
	}
	if c.HealthCheck != nil {
		c.HealthCheck.setDefaults()
	}
	if c.Etcd != nil {
		c.Etcd.setDefaults()
	}
	if c.Consul != nil {
		c.Consul.setDefaults()
	}
	if c.DNS != nil {
		c.DNS.setDefaults()
	}
}

// Validate 校验配置。调用前应先 SetDefaults。
func (c *DiscoveryConfig) Validate() error {
	if _, err := ParseBackendType(string(c.Backend)); err != nil {
		return err
	}
	switch c.Backend {
	case BackendEtcd:
		if c.Etcd == nil {
			return xerrors.Wrap(ErrInvalidConfig, "etcd backend requires etcd config")
		}
	case BackendConsul:
		if c.Consul == nil {
			return xerrors.Wrap(ErrInvalidConfig, "consul backend requires consul config")
		}
	case BackendDNS:
		if c.DNS == nil {
			return xerrors.Wrap(ErrInvalidConfig, "dns backend requires dns config")
		}
	case BackendStatic:
		if c.Static == nil {
			return xerrors.Wrap(ErrInvalidConfig, "static backend requires static config")
		}
	}
	if c.HeartbeatInterval*2 >= c.LeaseTTL {
		return xerrors.Wrapf(ErrInvalidTTL,
			"lease ttl %v must be more than twice the heartbeat interval %v", c.LeaseTTL, c.HeartbeatInterval)
	}
	for i := range c.TagFilters {
		if err := c.TagFilters[i].validate(); err != nil {
			return err
		}
	}
	if c.HealthCheck != nil && c.HealthCheck.Enabled {
		if err := c.HealthCheck.validate(); err != nil {
			return err
		}
	}
	return nil
}

// FallbackEnabled 健康实例为空时是否允许回退选择。
func (c *DiscoveryConfig) FallbackEnabled() bool {
	if c.SelectFallback == nil {
		return true
	}
	return *c.SelectFallback
}
