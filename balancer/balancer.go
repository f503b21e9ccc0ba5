// Package balancer 提供客户端负载均衡策略。
//
// 六种策略：轮询、随机、一致性哈希、最少连接、加权轮询、加权随机。
// 所有策略实现 Selector 接口，输入健康实例列表与可选的亲和键，
// 输出选中的实例。候选列表的健康过滤与回退由调用方（discovery 包）
// 负责，balancer 只做纯粹的选择。
//
// 使用示例：
//
//	sel, _ := balancer.New(balancer.StrategyConsistentHash)
//	inst, err := sel.Select(instances, "user-12345")
package balancer

import (
	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/xerrors"
)

// 预定义错误。
var (
	// ErrNoInstances 候选实例为空。
	ErrNoInstances = xerrors.New("balancer: no instances available")
	// ErrInvalidSelection 选择参数非法，如一致性哈希缺少键。
	ErrInvalidSelection = xerrors.New("balancer: invalid selection")
	// ErrUnknownStrategy 未知的策略名。
	ErrUnknownStrategy = xerrors.New("balancer: unknown strategy")
)

// Strategy 负载均衡策略名。
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyRandom             Strategy = "random"
	StrategyConsistentHash     Strategy = "consistent_hash"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyWeightedRandom     Strategy = "weighted_random"
)

// ParseStrategy 解析策略名。
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyRandom, StrategyConsistentHash,
		StrategyLeastConnections, StrategyWeightedRoundRobin, StrategyWeightedRandom:
		return Strategy(s), nil
	default:
		return "", xerrors.Wrapf(ErrUnknownStrategy, "%q", s)
	}
}

// LoadFunc 报告实例当前负载（在途请求数），供最少连接策略使用。
// 未知实例返回 0。
type LoadFunc func(instanceID string) int64

// Selector 负载均衡选择器。实现必须并发安全。
// key 为亲和键，仅一致性哈希必需，其他策略忽略。
type Selector interface {
	Name() Strategy
	Select(instances []*registry.ServiceInstance, key string) (*registry.ServiceInstance, error)
}

// Option 选择器初始化选项。
type Option func(*options)

type options struct {
	load LoadFunc
}

// WithLoadFunc 注入负载查询函数，最少连接策略需要。
// 未注入时最少连接退化为轮询。
func WithLoadFunc(f LoadFunc) Option {
	return func(o *options) {
		o.load = f
	}
}

// New 按策略名创建选择器。
func New(strategy Strategy, opts ...Option) (Selector, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	switch strategy {
	case StrategyRoundRobin:
		return newRoundRobin(), nil
	case StrategyRandom:
		return newRandom(), nil
	case StrategyConsistentHash:
		return newConsistentHash(), nil
	case StrategyLeastConnections:
		return newLeastConnections(o.load), nil
	case StrategyWeightedRoundRobin:
		return newWeightedRoundRobin(), nil
	case StrategyWeightedRandom:
		return newWeightedRandom(), nil
	default:
		return nil, xerrors.Wrapf(ErrUnknownStrategy, "%q", strategy)
	}
}
