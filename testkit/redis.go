package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/flare/connector"
)

// GetRedisConfig 返回 Redis 测试配置。
// 默认连接 localhost:6379 的 DB 1，可通过 FLARE_TEST_REDIS_ADDR 覆盖地址。
func GetRedisConfig() *connector.RedisConfig {
	addr := "localhost:6379"
	if v := os.Getenv("FLARE_TEST_REDIS_ADDR"); v != "" {
		addr = v
	}
	return &connector.RedisConfig{
		Name:        "test-redis",
		Addr:        addr,
		DB:          1, // 避免污染默认的 DB 0
		DialTimeout: 5 * time.Second,
	}
}

// GetRedisConnector 获取已连接的 Redis 连接器，测试结束自动关闭。
// redis 不可达时跳过当前测试。
func GetRedisConnector(t *testing.T) connector.RedisConnector {
	t.Helper()

	conn, err := connector.NewRedis(GetRedisConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create redis connector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// GetRedisClient 获取原生 Redis 客户端。
func GetRedisClient(t *testing.T) *redis.Client {
	return GetRedisConnector(t).GetClient()
}

// FlushRedis 清空当前测试数据库。
func FlushRedis(t *testing.T, client *redis.Client) {
	t.Helper()
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}
