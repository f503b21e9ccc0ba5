package connector

import (
	"context"
	"sync"
	"sync/atomic"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/metrics"
	"github.com/ceyewan/flare/xerrors"
)

type consulConnector struct {
	cfg     *ConsulConfig
	client  *consulapi.Client
	logger  clog.Logger
	healthy atomic.Bool
	mu      sync.Mutex

	connectAttempts metrics.Counter
	connectFailures metrics.Counter
}

// NewConsul 创建 Consul 连接器。底层是 HTTP 客户端，Close 无需
// 断开物理连接，仅重置状态。
func NewConsul(cfg *ConsulConfig, opts ...Option) (ConsulConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "consul config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts...)

	apiCfg := consulapi.DefaultConfig()
	apiCfg.Address = cfg.Address
	apiCfg.Scheme = cfg.Scheme
	apiCfg.Token = cfg.Token
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}

	client, err := consulapi.NewClient(apiCfg)
	if err != nil {
		return nil, xerrors.Wrapf(err, "consul connector[%s]: create client", cfg.Name)
	}

	c := &consulConnector{
		cfg:    cfg,
		client: client,
		logger: o.logger.With(clog.String("connector", "consul"), clog.String("name", cfg.Name)),
	}
	c.connectAttempts, _ = o.meter.Counter(
		"flare_connector_connect_attempts_total",
		"Total connection attempts, by connector kind and outcome",
	)
	c.connectFailures, _ = o.meter.Counter(
		"flare_connector_connect_failures_total",
		"Failed connection attempts, by connector kind",
	)
	return c, nil
}

func (c *consulConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectAttempts != nil {
		c.connectAttempts.Inc(ctx, metrics.L("kind", "consul"))
	}

	if _, err := c.client.Agent().Self(); err != nil {
		if c.connectFailures != nil {
			c.connectFailures.Inc(ctx, metrics.L("kind", "consul"))
		}
		c.logger.Error("failed to connect to consul", clog.String("address", c.cfg.Address), clog.Error(err))
		return xerrors.Wrapf(err, "consul connector[%s]: connect", c.cfg.Name)
	}

	c.healthy.Store(true)
	c.logger.Info("connected to consul", clog.String("address", c.cfg.Address))
	return nil
}

func (c *consulConnector) Close() error {
	c.healthy.Store(false)
	return nil
}

func (c *consulConnector) HealthCheck(ctx context.Context) error {
	if c.client == nil {
		return ErrNotConnected
	}

	if _, err := c.client.Agent().Self(); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("consul health check failed", clog.Error(err))
		return xerrors.Wrap(ErrHealthCheck, err.Error())
	}

	c.healthy.Store(true)
	return nil
}

func (c *consulConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *consulConnector) Name() string {
	return c.cfg.Name
}

func (c *consulConnector) GetClient() *consulapi.Client {
	return c.client
}
