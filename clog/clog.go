// Package clog 为 flare 框架提供基于 slog 的结构化日志组件。
//
// 特性：
//   - 抽象接口，不暴露底层实现（slog）
//   - 支持层级命名空间，便于区分 registry / discovery / health 等子组件
//   - 采用函数式选项模式，与 flare 其他组件保持一致
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{
//	    Level:  "info",
//	    Format: "console",
//	    Output: "stdout",
//	})
//	logger.Info("service registered", clog.String("instance_id", id))
//
// 组件内部通过 WithNamespace 派生子 Logger：
//
//	regLogger := logger.WithNamespace("registry")
package clog

import "fmt"

// New 创建一个新的 Logger 实例。
//
// config 为 nil 时使用默认配置（info 级别、console 格式、stdout 输出）。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid log config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	return newLogger(config, o)
}

// Option 函数式选项。
type Option func(*options)

type options struct {
	namespaceParts []string
}

// WithNamespace 设置初始命名空间，多段以 "." 连接。
func WithNamespace(parts ...string) Option {
	return func(o *options) {
		o.namespaceParts = append(o.namespaceParts, parts...)
	}
}
