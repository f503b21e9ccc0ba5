package registry

import (
	"fmt"
	"maps"
	"net"

	"github.com/ceyewan/flare/xerrors"
)

// DefaultWeight 未显式指定权重时实例的默认权重。
const DefaultWeight uint32 = 100

// Metadata 实例的拓扑与环境元数据，参与路由决策的字段单列，
// 其余自定义键值放在 Custom 中。
type Metadata struct {
	Region      string            `json:"region,omitempty"`
	Zone        string            `json:"zone,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// ServiceInstance 服务实例信息，是注册与发现的基本单元。
// 同一 (ServiceType, InstanceID) 在注册中心内唯一，重复注册视为更新。
type ServiceInstance struct {
	// ServiceType 逻辑服务类型，如 "gateway"、"message"。
	ServiceType string `json:"service_type"`
	// InstanceID 实例唯一标识，注册时为空则由 Registrar 生成 UUID。
	InstanceID string `json:"instance_id"`
	// Address 实例的网络地址，host:port 格式。
	Address string `json:"address"`
	// Namespace 命名空间，实现多环境隔离，空值按 "default" 处理。
	Namespace string `json:"namespace,omitempty"`
	// Version 实例版本号，供版本路由过滤。
	Version string `json:"version,omitempty"`
	// Tags 标签集合，供标签过滤使用。
	Tags map[string]string `json:"tags,omitempty"`
	// Metadata 拓扑元数据。
	Metadata Metadata `json:"metadata,omitempty"`
	// Healthy 后端视角的健康标记。主动探测结果由 health 包单独维护。
	Healthy bool `json:"healthy"`
	// Weight 负载均衡权重，0 表示不参与加权选择。
	Weight uint32 `json:"weight"`
}

// Validate 校验实例必填字段。Address 必须是合法的 host:port。
func (s *ServiceInstance) Validate() error {
	if s == nil {
		return xerrors.Wrap(ErrInvalidInstance, "instance is nil")
	}
	if s.ServiceType == "" {
		return xerrors.Wrap(ErrInvalidInstance, "service type is required")
	}
	if s.InstanceID == "" {
		return xerrors.Wrap(ErrInvalidInstance, "instance id is required")
	}
	if s.Address == "" {
		return xerrors.Wrap(ErrInvalidInstance, "address is required")
	}
	if _, _, err := net.SplitHostPort(s.Address); err != nil {
		return xerrors.Wrapf(ErrInvalidInstance, "address %q is not host:port: %v", s.Address, err)
	}
	return nil
}

// Normalize 填充默认值：空命名空间归一为 default，零权重实例
// 若未显式声明权重则取 DefaultWeight。返回实例本身便于链式调用。
func (s *ServiceInstance) Normalize() *ServiceInstance {
	if s.Namespace == "" {
		s.Namespace = DefaultNamespace
	}
	if s.Weight == 0 {
		s.Weight = DefaultWeight
	}
	return s
}

// Clone 深拷贝实例，避免路由表与调用方共享可变 map。
func (s *ServiceInstance) Clone() *ServiceInstance {
	if s == nil {
		return nil
	}
	c := *s
	c.Tags = maps.Clone(s.Tags)
	c.Metadata.Custom = maps.Clone(s.Metadata.Custom)
	return &c
}

// Equal 判断两个实例的注册内容是否一致，用于变更流的 Modified 判定。
func (s *ServiceInstance) Equal(other *ServiceInstance) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ServiceType == other.ServiceType &&
		s.InstanceID == other.InstanceID &&
		s.Address == other.Address &&
		s.Namespace == other.Namespace &&
		s.Version == other.Version &&
		s.Healthy == other.Healthy &&
		s.Weight == other.Weight &&
		maps.Equal(s.Tags, other.Tags) &&
		s.Metadata.Region == other.Metadata.Region &&
		s.Metadata.Zone == other.Metadata.Zone &&
		s.Metadata.Environment == other.Metadata.Environment &&
		maps.Equal(s.Metadata.Custom, other.Metadata.Custom)
}

func (s *ServiceInstance) String() string {
	return fmt.Sprintf("%s/%s/%s@%s", s.Namespace, s.ServiceType, s.InstanceID, s.Address)
}

// ChangeType 成员变更类型。
type ChangeType uint8

const (
	// ChangeAdded 新实例加入。
	ChangeAdded ChangeType = iota
	// ChangeRemoved 实例退出或租约过期。
	ChangeRemoved
	// ChangeModified 实例字段变更（地址、权重、标签等）。
	ChangeModified
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change 变更流中的单个事件。Removed 事件的 Instance 可能为 nil，
// 此时只有 InstanceID 可用。
type Change struct {
	Type       ChangeType
	InstanceID string
	Instance   *ServiceInstance
}
