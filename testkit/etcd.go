package testkit

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/flare/connector"
)

// GetEtcdConfig 返回 Etcd 测试配置。
// 默认连接 localhost:2379，可通过 FLARE_TEST_ETCD_ENDPOINTS 覆盖（逗号分隔）。
func GetEtcdConfig() *connector.EtcdConfig {
	endpoints := []string{"localhost:2379"}
	if v := os.Getenv("FLARE_TEST_ETCD_ENDPOINTS"); v != "" {
		endpoints = strings.Split(v, ",")
	}
	return &connector.EtcdConfig{
		Name:        "test-etcd",
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}
}

// GetEtcdConnector 获取已连接的 Etcd 连接器，测试结束自动关闭。
// etcd 不可达时跳过当前测试。
func GetEtcdConnector(t *testing.T) connector.EtcdConnector {
	t.Helper()

	conn, err := connector.NewEtcd(GetEtcdConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create etcd connector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Skipf("etcd not available: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// GetEtcdClient 获取原生 Etcd 客户端。
func GetEtcdClient(t *testing.T) *clientv3.Client {
	return GetEtcdConnector(t).GetClient()
}
