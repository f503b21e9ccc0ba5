package discovery

import (
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/health"
	"github.com/ceyewan/flare/metrics"
)

// Option 发现组件的初始化选项。
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	clock  clockwork.Clock
	pool   *PoolConfig
	prober health.Prober
}

// WithLogger 注入日志记录器，组件自动追加 "discovery" 命名空间。
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("discovery")
		}
	}
}

// WithMeter 注入指标 Meter。
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithClock 注入时钟，测试用。
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithPoolConfig 覆盖连接池配置。
func WithPoolConfig(cfg *PoolConfig) Option {
	return func(o *options) {
		if cfg != nil {
			o.pool = cfg
		}
	}
}

// WithDialOptions 追加 gRPC 建连选项。
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) {
		if o.pool == nil {
			o.pool = &PoolConfig{}
		}
		o.pool.DialOptions = append(o.pool.DialOptions, opts...)
	}
}

// WithProber 覆盖健康检查探测器，测试中注入假探测。
func WithProber(p health.Prober) Option {
	return func(o *options) {
		if p != nil {
			o.prober = p
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = clog.Discard()
	}
	if o.meter == nil {
		o.meter = metrics.Noop()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.pool == nil {
		o.pool = &PoolConfig{}
	}
	return o
}
