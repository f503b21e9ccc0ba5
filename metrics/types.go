// Package metrics 为 flare 框架提供统一的指标接口。
//
// 底层基于 OpenTelemetry metric SDK，通过 Prometheus Exporter 暴露数据。
// 组件不直接依赖 OTel API，而是通过 Meter 接口创建指标，禁用指标时
// 使用 Noop() 返回的空实现，调用方无需判空。
package metrics

import "context"

// Meter 指标工厂接口。
type Meter interface {
	// Counter 创建单调递增计数器。
	Counter(name, desc string) (Counter, error)

	// Gauge 创建可任意设置的仪表值。
	Gauge(name, desc string) (Gauge, error)

	// Histogram 创建直方图，常用于耗时分布。
	Histogram(name, desc string) (Histogram, error)

	// Shutdown 刷新并关闭底层 Provider。
	Shutdown(ctx context.Context) error
}

// Counter 计数器。
type Counter interface {
	Inc(ctx context.Context, labels ...Label)
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 仪表值。
type Gauge interface {
	Set(ctx context.Context, val float64, labels ...Label)
}

// Histogram 直方图。
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Label 指标标签。标签值应保持低基数，避免使用请求 ID 等唯一值。
type Label struct {
	Key   string
	Value string
}

// L 便捷构造一个 Label。
//
//	counter.Inc(ctx, metrics.L("backend", "etcd"))
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}
