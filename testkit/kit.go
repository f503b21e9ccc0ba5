// Package testkit 提供集成测试的外部依赖接入辅助：
// etcd、consul、redis 的连接器构建，以及测试用 Logger / Meter。
//
// 依赖地址默认指向本地实例，可通过 FLARE_TEST_* 环境变量覆盖；
// 依赖不可达时测试自动跳过，保证单元测试环境下 go test 全绿。
package testkit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/metrics"
)

// NewLogger 返回一个用于测试的 logger，输出到 stdout 便于本地调试。
func NewLogger() clog.Logger {
	logger, err := clog.New(&clog.Config{Level: "debug", Format: "console", Output: "stdout"})
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewMeter 返回一个用于测试的 meter，不实际输出指标。
func NewMeter() metrics.Meter {
	return metrics.Noop()
}

// NewContext 返回一个带超时的测试上下文。
func NewContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// NewID 返回一个唯一的测试 ID（UUID v4 前 8 位）。
// 用于生成唯一的实例 ID 或 key 前缀，避免测试间数据冲突。
func NewID() string {
	return uuid.NewString()[0:8]
}
