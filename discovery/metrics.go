package discovery

import "github.com/ceyewan/flare/metrics"

// discoveryMetrics 发现子系统的指标集合。
type discoveryMetrics struct {
	selectTotal     metrics.Counter
	selectFallbacks metrics.Counter
	tableSize       metrics.Gauge
	tableStale      metrics.Gauge
	resubscribes    metrics.Counter
	poolDials       metrics.Counter
	cacheHits       metrics.Counter
	cacheMisses     metrics.Counter
}

func newDiscoveryMetrics(meter metrics.Meter) *discoveryMetrics {
	m := &discoveryMetrics{}
	m.selectTotal, _ = meter.Counter(
		"flare_discovery_select_total",
		"Endpoint selections, by service type and outcome",
	)
	m.selectFallbacks, _ = meter.Counter(
		"flare_discovery_select_fallbacks_total",
		"Selections that fell back to unhealthy candidates, by service type",
	)
	m.tableSize, _ = meter.Gauge(
		"flare_discovery_table_endpoints",
		"Endpoints currently in the routing table, by service type and health",
	)
	m.tableStale, _ = meter.Gauge(
		"flare_discovery_table_stale",
		"Whether the routing table is serving a stale snapshot (1) or live data (0)",
	)
	m.resubscribes, _ = meter.Counter(
		"flare_discovery_watch_resubscribes_total",
		"Watch stream resubscriptions after failure, by service type",
	)
	m.poolDials, _ = meter.Counter(
		"flare_discovery_pool_dials_total",
		"New pooled connections dialed, by service type",
	)
	m.cacheHits, _ = meter.Counter(
		"flare_discovery_cache_hits_total",
		"Instance cache hits, by tier",
	)
	m.cacheMisses, _ = meter.Counter(
		"flare_discovery_cache_misses_total",
		"Instance cache misses",
	)
	return m
}
