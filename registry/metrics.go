package registry

import "github.com/ceyewan/flare/metrics"

// registryMetrics 注册中心后端共享的指标集合。
type registryMetrics struct {
	registerTotal   metrics.Counter
	deregisterTotal metrics.Counter
	discoverTotal   metrics.Counter
	discoverSeconds metrics.Histogram
	watchEvents     metrics.Counter
	watchReconnects metrics.Counter
}

func lblBackend(name string) metrics.Label { return metrics.L("backend", name) }
func lblOutcome(v string) metrics.Label    { return metrics.L("outcome", v) }

func newRegistryMetrics(meter metrics.Meter) *registryMetrics {
	m := &registryMetrics{}
	m.registerTotal, _ = meter.Counter(
		"flare_registry_register_total",
		"Total register calls, by backend and outcome",
	)
	m.deregisterTotal, _ = meter.Counter(
		"flare_registry_deregister_total",
		"Total deregister calls, by backend and outcome",
	)
	m.discoverTotal, _ = meter.Counter(
		"flare_registry_discover_total",
		"Total discover calls, by backend and outcome",
	)
	m.discoverSeconds, _ = meter.Histogram(
		"flare_registry_discover_duration_seconds",
		"Discover call latency in seconds, by backend",
	)
	m.watchEvents, _ = meter.Counter(
		"flare_registry_watch_events_total",
		"Membership change events delivered to watchers, by backend and type",
	)
	m.watchReconnects, _ = meter.Counter(
		"flare_registry_watch_reconnects_total",
		"Watch stream reconnect attempts, by backend",
	)
	return m
}
