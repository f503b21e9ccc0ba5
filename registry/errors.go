package registry

import "github.com/ceyewan/flare/xerrors"

// 预定义错误，调用方用 xerrors.Is 判断类别。
var (
	// ErrInvalidConfig 配置非法。
	ErrInvalidConfig = xerrors.New("registry: invalid config")
	// ErrInvalidInstance 实例字段非法。
	ErrInvalidInstance = xerrors.New("registry: invalid service instance")
	// ErrInvalidTTL 租约 TTL 非法（必须为正且显著大于心跳间隔）。
	ErrInvalidTTL = xerrors.New("registry: invalid lease ttl")
	// ErrInstanceNotFound 实例不存在。
	ErrInstanceNotFound = xerrors.New("registry: instance not found")
	// ErrBackendUnavailable 后端暂时不可达，属可重试错误。
	ErrBackendUnavailable = xerrors.New("registry: backend unavailable")
	// ErrReadOnlyBackend 只读后端不支持注册与注销（如 DNS）。
	ErrReadOnlyBackend = xerrors.New("registry: backend is read-only")
	// ErrRegistryClosed 注册中心已关闭。
	ErrRegistryClosed = xerrors.New("registry: closed")
	// ErrWatchClosed 变更流已终止，需要重新订阅。
	ErrWatchClosed = xerrors.New("registry: watch closed")
	// ErrUnknownBackend 未知的后端类型。
	ErrUnknownBackend = xerrors.New("registry: unknown backend type")
)
