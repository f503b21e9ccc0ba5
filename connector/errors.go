package connector

import "github.com/ceyewan/flare/xerrors"

// 连接器专用的哨兵错误
var (
	ErrNotConnected = xerrors.New("connector: not connected")
	ErrConnection   = xerrors.New("connector: connection failed")
	ErrConfig       = xerrors.New("connector: invalid config")
	ErrHealthCheck  = xerrors.New("connector: health check failed")
)
