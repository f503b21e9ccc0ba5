package clog

// Logger 日志接口，提供结构化日志记录功能。
//
// 所有方法并发安全。通过 With 预设字段、通过 WithNamespace 派生
// 带层级命名空间的子 Logger：
//
//	logger := logger.With(clog.String("service_type", "gateway"))
//	hcLogger := logger.WithNamespace("health")
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With 创建一个带有预设字段的子 Logger，预设字段出现在所有日志中。
	With(fields ...Field) Logger

	// WithNamespace 创建一个扩展命名空间的子 Logger。
	// 命名空间追加在现有命名空间之后，以 "." 连接。
	WithNamespace(parts ...string) Logger

	// SetLevel 动态调整日志级别，影响由同一 New 调用派生的所有 Logger。
	SetLevel(level Level) error
}
