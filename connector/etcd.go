package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/metrics"
	"github.com/ceyewan/flare/xerrors"
)

type etcdConnector struct {
	cfg     *EtcdConfig
	client  *clientv3.Client
	logger  clog.Logger
	healthy atomic.Bool
	mu      sync.Mutex

	connectAttempts metrics.Counter
	connectFailures metrics.Counter
}

// NewEtcd 创建 Etcd 连接器。创建即构建客户端，但不校验可达性，
// 可达性在 Connect 时验证。
func NewEtcd(cfg *EtcdConfig, opts ...Option) (EtcdConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "etcd config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts...)

	c := &etcdConnector{
		cfg:    cfg,
		logger: o.logger.With(clog.String("connector", "etcd"), clog.String("name", cfg.Name)),
	}
	c.connectAttempts, _ = o.meter.Counter(
		"flare_connector_connect_attempts_total",
		"Total connection attempts, by connector kind and outcome",
	)
	c.connectFailures, _ = o.meter.Counter(
		"flare_connector_connect_failures_total",
		"Failed connection attempts, by connector kind",
	)

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "etcd connector[%s]: create client", cfg.Name)
	}

	c.client = client
	return c, nil
}

func (c *etcdConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectAttempts != nil {
		c.connectAttempts.Inc(ctx, metrics.L("kind", "etcd"))
	}

	testCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	// Status 探测任一 endpoint 可达即视为连接成功
	if _, err := c.client.Status(testCtx, c.cfg.Endpoints[0]); err != nil {
		if c.connectFailures != nil {
			c.connectFailures.Inc(ctx, metrics.L("kind", "etcd"))
		}
		c.logger.Error("failed to connect to etcd", clog.Any("endpoints", c.cfg.Endpoints), clog.Error(err))
		return xerrors.Wrapf(err, "etcd connector[%s]: connect", c.cfg.Name)
	}

	c.healthy.Store(true)
	c.logger.Info("connected to etcd", clog.Any("endpoints", c.cfg.Endpoints))
	return nil
}

func (c *etcdConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return xerrors.Wrapf(err, "etcd connector[%s]: close", c.cfg.Name)
	}
	c.logger.Info("etcd connection closed")
	return nil
}

func (c *etcdConnector) HealthCheck(ctx context.Context) error {
	client := c.client
	if client == nil {
		return ErrNotConnected
	}

	testCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := client.Status(testCtx, c.cfg.Endpoints[0]); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("etcd health check failed", clog.Error(err))
		return xerrors.Wrap(ErrHealthCheck, err.Error())
	}

	c.healthy.Store(true)
	return nil
}

func (c *etcdConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *etcdConnector) Name() string {
	return c.cfg.Name
}

func (c *etcdConnector) GetClient() *clientv3.Client {
	return c.client
}
