package config

import (
	"github.com/ceyewan/flare/registry"
)

// DiscoveryKey 服务发现配置在配置树中的键。
const DiscoveryKey = "discovery"

// LoadDiscovery 从配置树的 discovery 键加载服务发现配置，
// 填充默认值并校验。
//
// 对应的 YAML 形如：
//
//	discovery:
//	  backend: etcd
//	  load_balance: consistent_hash
//	  lease_ttl: 30s
//	  etcd:
//	    connector:
//	      endpoints: ["127.0.0.1:2379"]
func LoadDiscovery(l Loader) (*registry.DiscoveryConfig, error) {
	cfg := &registry.DiscoveryConfig{}
	if err := l.UnmarshalKey(DiscoveryKey, cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
