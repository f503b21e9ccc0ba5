package discovery

import "github.com/ceyewan/flare/xerrors"

// 预定义错误。
var (
	// ErrNoEndpoints 没有可用端点（回退策略之后仍为空）。
	ErrNoEndpoints = xerrors.New("discovery: no endpoints available")
	// ErrClosed 客户端或管理器已关闭。
	ErrClosed = xerrors.New("discovery: closed")
	// ErrServiceNotFound 服务不存在。
	ErrServiceNotFound = xerrors.New("discovery: service not found")
	// ErrInvalidArgument 参数非法。
	ErrInvalidArgument = xerrors.New("discovery: invalid argument")
)
