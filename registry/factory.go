package registry

import (
	"context"
	"time"

	"github.com/ceyewan/flare/connector"
	"github.com/ceyewan/flare/xerrors"
)

// NewBackend 依据配置创建后端。etcd 与 consul 后端会创建并持有
// 对应连接器，Close 时一并释放。
func NewBackend(ctx context.Context, cfg *DiscoveryConfig, opts ...Option) (Backend, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "discovery config is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendEtcd:
		return newEtcdWithConnector(ctx, cfg, opts...)
	case BackendConsul:
		return newConsulWithConnector(ctx, cfg, opts...)
	case BackendDNS:
		return NewDNS(cfg.DNS, cfg.RefreshInterval, opts...)
	case BackendStatic:
		return NewStatic(cfg.Static, cfg.RefreshInterval, opts...)
	case BackendMemory:
		return NewMemory(opts...), nil
	default:
		return nil, xerrors.Wrapf(ErrUnknownBackend, "%q", cfg.Backend)
	}
}

// ownedBackend 附带连接器所有权的后端包装。
type ownedBackend struct {
	Backend
	conn connector.Connector
}

func (o *ownedBackend) Close() error {
	err := o.Backend.Close()
	if closeErr := o.conn.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func newEtcdWithConnector(ctx context.Context, cfg *DiscoveryConfig, opts ...Option) (Backend, error) {
	etcdCfg := cfg.Etcd
	if etcdCfg.Namespace == "" {
		etcdCfg.Namespace = cfg.Namespace.Default
	}

	conn, err := connector.NewEtcd(&etcdCfg.Connector)
	if err != nil {
		return nil, err
	}
	if err := connectWithTimeout(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	backend, err := NewEtcd(conn, etcdCfg, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &ownedBackend{Backend: backend, conn: conn}, nil
}

func newConsulWithConnector(ctx context.Context, cfg *DiscoveryConfig, opts ...Option) (Backend, error) {
	consulCfg := cfg.Consul
	if consulCfg.Namespace == "" {
		consulCfg.Namespace = cfg.Namespace.Default
	}

	conn, err := connector.NewConsul(&consulCfg.Connector)
	if err != nil {
		return nil, err
	}
	if err := connectWithTimeout(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	backend, err := NewConsul(conn, consulCfg, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &ownedBackend{Backend: backend, conn: conn}, nil
}

func connectWithTimeout(ctx context.Context, conn connector.Connector) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Connect(connectCtx)
}
