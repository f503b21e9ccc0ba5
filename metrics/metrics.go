package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config 指标配置。
type Config struct {
	// Enabled 是否启用指标，false 时 New 返回 Noop 实现
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ServiceName 上报的服务名
	ServiceName string `json:"serviceName" yaml:"serviceName"`

	// Port Prometheus 抓取端口，0 表示不启动内置 HTTP 服务
	Port int `json:"port" yaml:"port"`

	// Path 抓取路径，默认 /metrics
	Path string `json:"path" yaml:"path"`
}

// New 创建 Meter 实例。
func New(cfg *Config) (Meter, error) {
	if cfg == nil || !cfg.Enabled {
		return Noop(), nil
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	if cfg.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle(cfg.Path, promhttp.Handler())
		go func() {
			server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
			_ = server.ListenAndServe()
		}()
	}

	return &meterImpl{
		meter:    provider.Meter("flare"),
		provider: provider,
	}, nil
}

// Noop 返回空实现，所有操作均为无操作。
func Noop() Meter {
	return &noopMeter{}
}

// meterImpl 基于 OTel 的 Meter 实现（内部使用）。
type meterImpl struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
}

func (m *meterImpl) Counter(name, desc string) (Counter, error) {
	c, err := m.meter.Float64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return nil, err
	}
	return &counterImpl{c: c}, nil
}

func (m *meterImpl) Gauge(name, desc string) (Gauge, error) {
	g, err := m.meter.Float64Gauge(name, metric.WithDescription(desc))
	if err != nil {
		return nil, err
	}
	return &gaugeImpl{g: g}, nil
}

func (m *meterImpl) Histogram(name, desc string) (Histogram, error) {
	h, err := m.meter.Float64Histogram(name, metric.WithDescription(desc))
	if err != nil {
		return nil, err
	}
	return &histogramImpl{h: h}, nil
}

func (m *meterImpl) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func toAttributes(labels []Label) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for _, l := range labels {
		attrs = append(attrs, attribute.String(l.Key, l.Value))
	}
	return attrs
}

type counterImpl struct {
	c metric.Float64Counter
}

func (c *counterImpl) Inc(ctx context.Context, labels ...Label) {
	c.c.Add(ctx, 1, metric.WithAttributes(toAttributes(labels)...))
}

func (c *counterImpl) Add(ctx context.Context, val float64, labels ...Label) {
	c.c.Add(ctx, val, metric.WithAttributes(toAttributes(labels)...))
}

type gaugeImpl struct {
	g metric.Float64Gauge
}

func (g *gaugeImpl) Set(ctx context.Context, val float64, labels ...Label) {
	g.g.Record(ctx, val, metric.WithAttributes(toAttributes(labels)...))
}

type histogramImpl struct {
	h metric.Float64Histogram
}

func (h *histogramImpl) Record(ctx context.Context, val float64, labels ...Label) {
	h.h.Record(ctx, val, metric.WithAttributes(toAttributes(labels)...))
}

type noopMeter struct{}

func (noopMeter) Counter(name, desc string) (Counter, error)     { return noopCounter{}, nil }
func (noopMeter) Gauge(name, desc string) (Gauge, error)         { return noopGauge{}, nil }
func (noopMeter) Histogram(name, desc string) (Histogram, error) { return noopHistogram{}, nil }
func (noopMeter) Shutdown(ctx context.Context) error             { return nil }

type noopCounter struct{}

func (noopCounter) Inc(ctx context.Context, labels ...Label)              {}
func (noopCounter) Add(ctx context.Context, val float64, labels ...Label) {}

type noopGauge struct{}

func (noopGauge) Set(ctx context.Context, val float64, labels ...Label) {}

type noopHistogram struct{}

func (noopHistogram) Record(ctx context.Context, val float64, labels ...Label) {}
