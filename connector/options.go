package connector

import (
	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/metrics"
)

// Option 连接器初始化选项。
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// WithLogger 注入日志记录器，组件自动追加 "connector" 命名空间。
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("connector")
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

// applyOptions 应用选项并填充默认值（内部使用）。
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
	return o
}
