package registry

import (
	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/metrics"
)

// Option 注册中心组件的初始化选项。
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	clock  clockwork.Clock
}

// WithLogger 注入日志记录器，组件自动追加 "registry" 命名空间。
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("registry")
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

// WithClock 注入时钟，测试中传入 clockwork 的假时钟控制时间推进。
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
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
	return o
}
