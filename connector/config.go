package connector

import (
	"time"

	"github.com/ceyewan/flare/xerrors"
)

// EtcdConfig Etcd 连接配置。
type EtcdConfig struct {
	Name        string        `mapstructure:"name" yaml:"name"`                 // 连接器名称 (默认: "default")
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints"`       // [必填] 连接地址列表
	Username    string        `mapstructure:"username" yaml:"username"`         // [可选] 认证用户
	Password    string        `mapstructure:"password" yaml:"password"`         // [可选] 认证密码
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"` // 连接超时 (默认: 5s)
}

func (c *EtcdConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

func (c *EtcdConfig) validate() error {
	c.setDefaults()
	if len(c.Endpoints) == 0 {
		return xerrors.Wrap(ErrConfig, "etcd endpoints required")
	}
	return nil
}

// ConsulConfig Consul 连接配置。
type ConsulConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`             // 连接器名称 (默认: "default")
	Address    string `mapstructure:"address" yaml:"address"`       // [必填] agent 地址，如 "127.0.0.1:8500"
	Scheme     string `mapstructure:"scheme" yaml:"scheme"`         // http|https (默认: http)
	Token      string `mapstructure:"token" yaml:"token"`           // [可选] ACL token
	Datacenter string `mapstructure:"datacenter" yaml:"datacenter"` // [可选] 数据中心
}

func (c *ConsulConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
}

func (c *ConsulConfig) validate() error {
	c.setDefaults()
	if c.Address == "" {
		return xerrors.Wrap(ErrConfig, "consul address required")
	}
	return nil
}

// RedisConfig Redis 连接配置。
type RedisConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`                   // 连接器名称 (默认: "default")
	Addr         string        `mapstructure:"addr" yaml:"addr"`                   // [必填] 连接地址，如 "127.0.0.1:6379"
	Password     string        `mapstructure:"password" yaml:"password"`           // [可选] 认证密码
	DB           int           `mapstructure:"db" yaml:"db"`                       // [可选] 数据库编号 (默认: 0)
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`         // 连接池大小 (默认: 10)
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`   // 连接超时 (默认: 5s)
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`   // 读取超时 (默认: 3s)
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"` // 写入超时 (默认: 3s)
}

func (c *RedisConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

func (c *RedisConfig) validate() error {
	c.setDefaults()
	if c.Addr == "" {
		return xerrors.Wrap(ErrConfig, "redis addr required")
	}
	if c.DB < 0 {
		return xerrors.Wrap(ErrConfig, "redis db must be >= 0")
	}
	return nil
}
