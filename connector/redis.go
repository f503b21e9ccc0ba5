package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/metrics"
	"github.com/ceyewan/flare/xerrors"
)

type redisConnector struct {
	cfg     *RedisConfig
	client  *redis.Client
	logger  clog.Logger
	healthy atomic.Bool
	mu      sync.Mutex

	connectAttempts metrics.Counter
	connectFailures metrics.Counter
}

// NewRedis 创建 Redis 连接器，供 discovery.Manager 的共享缓存层使用。
func NewRedis(cfg *RedisConfig, opts ...Option) (RedisConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "redis config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts...)

	c := &redisConnector{
		cfg: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}),
		logger: o.logger.With(clog.String("connector", "redis"), clog.String("name", cfg.Name)),
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

func (c *redisConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectAttempts != nil {
		c.connectAttempts.Inc(ctx, metrics.L("kind", "redis"))
	}

	testCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	if err := c.client.Ping(testCtx).Err(); err != nil {
		if c.connectFailures != nil {
			c.connectFailures.Inc(ctx, metrics.L("kind", "redis"))
		}
		c.logger.Error("failed to connect to redis", clog.String("addr", c.cfg.Addr), clog.Error(err))
		return xerrors.Wrapf(err, "redis connector[%s]: connect", c.cfg.Name)
	}

	c.healthy.Store(true)
	c.logger.Info("connected to redis", clog.String("addr", c.cfg.Addr))
	return nil
}

func (c *redisConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return xerrors.Wrap(err, "redis connector: close")
}

func (c *redisConnector) HealthCheck(ctx context.Context) error {
	client := c.client
	if client == nil {
		return ErrNotConnected
	}

	if err := client.Ping(ctx).Err(); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("redis health check failed", clog.Error(err))
		return xerrors.Wrap(ErrHealthCheck, err.Error())
	}

	c.healthy.Store(true)
	return nil
}

func (c *redisConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *redisConnector) Name() string {
	return c.cfg.Name
}

func (c *redisConnector) GetClient() *redis.Client {
	return c.client
}
