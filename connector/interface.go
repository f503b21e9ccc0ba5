// Package connector 为 flare 框架提供统一的连接管理能力。
//
// 核心特性：
//   - 统一抽象：通过 Connector 接口提供一致的连接管理 API
//   - 类型安全：通过 TypedConnector[T] 泛型接口确保编译时类型检查
//   - 幂等连接：Connect() 可安全重复调用
//   - 延迟连接：NewXXX() 创建连接器但不立即建立连接
//
// 资源所有权遵循"谁创建，谁负责释放"：registry、discovery 等组件仅
// 借用连接器，不调用 Close()；应用层通过 defer 确保释放。
//
// 基本使用：
//
//	conn, err := connector.NewEtcd(&connector.EtcdConfig{
//	    Endpoints: []string{"127.0.0.1:2379"},
//	}, connector.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//	if err := conn.Connect(ctx); err != nil {
//	    return err
//	}
//	client := conn.GetClient()
package connector

import (
	"context"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Connector 定义所有连接器的通用行为。方法均并发安全。
type Connector interface {
	// Connect 建立连接。幂等，可安全多次调用。
	Connect(ctx context.Context) error

	// Close 关闭连接并释放资源。幂等。
	Close() error

	// HealthCheck 主动检查连接健康状态，并刷新 IsHealthy 的缓存值。
	HealthCheck(ctx context.Context) error

	// IsHealthy 返回最近一次健康检查的缓存结果，无阻塞。
	IsHealthy() bool

	// Name 返回连接器实例名称，用于日志与指标标识。
	Name() string
}

// TypedConnector 提供类型安全的客户端访问。
// 类型参数 T 是客户端类型，如 *clientv3.Client、*redis.Client。
type TypedConnector[T any] interface {
	Connector

	// GetClient 返回底层客户端实例。
	// Connect() 之前或 Close() 之后调用可能返回零值。
	GetClient() T
}

// EtcdConnector Etcd 连接器接口，服务注册发现的推模式后端。
type EtcdConnector interface {
	TypedConnector[*clientv3.Client]
}

// ConsulConnector Consul 连接器接口，基于 agent HTTP API。
type ConsulConnector interface {
	TypedConnector[*consulapi.Client]
}

// RedisConnector Redis 连接器接口，用于 discovery.Manager 的共享缓存层。
type RedisConnector interface {
	TypedConnector[*redis.Client]
}
