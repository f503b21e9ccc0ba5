package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/flare/xerrors"
)

func TestEtcdConfigValidate(t *testing.T) {
	cfg := &EtcdConfig{Endpoints: []string{"127.0.0.1:2379"}}
	require.NoError(t, cfg.validate())
	assert.Equal(t, "default", cfg.Name)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)

	empty := &EtcdConfig{}
	assert.True(t, xerrors.Is(empty.validate(), ErrConfig))
}

func TestConsulConfigValidate(t *testing.T) {
	cfg := &ConsulConfig{Address: "127.0.0.1:8500"}
	require.NoError(t, cfg.validate())
	assert.Equal(t, "http", cfg.Scheme)

	empty := &ConsulConfig{}
	assert.True(t, xerrors.Is(empty.validate(), ErrConfig))
}

func TestRedisConfigValidate(t *testing.T) {
	cfg := &RedisConfig{Addr: "127.0.0.1:6379"}
	require.NoError(t, cfg.validate())
	assert.Equal(t, 10, cfg.PoolSize)

	bad := &RedisConfig{Addr: "127.0.0.1:6379", DB: -1}
	assert.True(t, xerrors.Is(bad.validate(), ErrConfig))
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := NewEtcd(nil)
	assert.True(t, xerrors.Is(err, ErrConfig))

	_, err = NewConsul(nil)
	assert.True(t, xerrors.Is(err, ErrConfig))

	_, err = NewRedis(nil)
	assert.True(t, xerrors.Is(err, ErrConfig))
}

func TestConsulConnectorLifecycle(t *testing.T) {
	conn, err := NewConsul(&ConsulConfig{Address: "127.0.0.1:8500"})
	require.NoError(t, err)

	// 未 Connect 时不健康，客户端已可获取
	assert.False(t, conn.IsHealthy())
	assert.NotNil(t, conn.GetClient())
	assert.Equal(t, "default", conn.Name())

	require.NoError(t, conn.Close())
	assert.False(t, conn.IsHealthy())
}
