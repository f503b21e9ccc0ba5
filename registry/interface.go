package registry

import (
	"context"
	"time"
)

// DiscoverOptions 发现时的过滤条件。零值表示不过滤对应维度。
type DiscoverOptions struct {
	// Namespace 命名空间，空值匹配 DefaultNamespace。
	Namespace string
	// Version 版本号精确匹配，空值不过滤。
	Version string
	// TagFilters 标签过滤器，全部命中才保留实例。
	TagFilters []TagFilter
}

// Backend 注册中心后端适配器。五种实现：etcd、consul、dns、static、memory。
// 所有方法都必须是并发安全的。
type Backend interface {
	// Register 注册或更新实例并续约。同一 InstanceID 重复注册视为
	// 更新（upsert），心跳即周期性 Register。只读后端返回 ErrReadOnlyBackend。
	Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) error

	// Deregister 注销实例。实例不存在时视为成功。
	Deregister(ctx context.Context, instanceID string) error

	// Discover 返回指定服务类型的实例快照，按 opts 过滤。
	// 无实例时返回空切片而非错误。
	Discover(ctx context.Context, serviceType string, opts DiscoverOptions) ([]*ServiceInstance, error)

	// Watch 订阅服务类型的成员变更。返回的通道在 ctx 取消或后端关闭
	// 时关闭，之后需要重新订阅并全量 Discover 一次以消除窗口内丢失
	// 的事件。原生不支持推送的后端内部用轮询加差分模拟。
	Watch(ctx context.Context, serviceType string) (<-chan Change, error)

	// ListServiceTypes 枚举当前已知的服务类型。
	ListServiceTypes(ctx context.Context) ([]string, error)

	// ListAllServices 枚举所有服务类型下的全部实例。
	ListAllServices(ctx context.Context) ([]*ServiceInstance, error)

	// Close 释放后端资源，撤销本进程持有的租约并停止所有 watch。
	Close() error
}
