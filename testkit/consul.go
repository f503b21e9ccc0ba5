package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/ceyewan/flare/connector"
)

// GetConsulConfig 返回 Consul 测试配置。
// 默认连接 localhost:8500，可通过 FLARE_TEST_CONSUL_ADDR 覆盖。
func GetConsulConfig() *connector.ConsulConfig {
	addr := "localhost:8500"
	if v := os.Getenv("FLARE_TEST_CONSUL_ADDR"); v != "" {
		addr = v
	}
	return &connector.ConsulConfig{
		Name:    "test-consul",
		Address: addr,
	}
}

// GetConsulConnector 获取已连接的 Consul 连接器，测试结束自动关闭。
// consul agent 不可达时跳过当前测试。
func GetConsulConnector(t *testing.T) connector.ConsulConnector {
	t.Helper()

	conn, err := connector.NewConsul(GetConsulConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create consul connector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Skipf("consul not available: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// GetConsulClient 获取原生 Consul 客户端。
func GetConsulClient(t *testing.T) *consulapi.Client {
	return GetConsulConnector(t).GetClient()
}
