package clog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NamespaceKey 是日志中命名空间的字段名。
const NamespaceKey = "namespace"

// slogLogger 基于 slog 的 Logger 实现（内部使用）。
// 同一 New 调用派生的所有子 Logger 共享 levelVar，SetLevel 对它们全部生效。
type slogLogger struct {
	base      *slog.Logger
	levelVar  *slog.LevelVar
	namespace string
}

// newLogger 构建 slog Logger（内部使用）。
func newLogger(cfg *Config, o *options) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(level.toSlogLevel())

	var w io.Writer
	switch cfg.Output {
	case "stdout", "":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = f
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	l := &slogLogger{
		base:     slog.New(handler),
		levelVar: levelVar,
	}
	if len(o.namespaceParts) > 0 {
		return l.WithNamespace(o.namespaceParts...), nil
	}
	return l, nil
}

func (l *slogLogger) log(level slog.Level, msg string, fields ...Field) {
	args := make([]any, 0, len(fields)+1)
	if l.namespace != "" {
		args = append(args, slog.String(NamespaceKey, l.namespace))
	}
	for _, f := range fields {
		args = append(args, f)
	}
	l.base.Log(context.Background(), level, msg, args...)
}

func (l *slogLogger) Debug(msg string, fields ...Field) { l.log(slog.LevelDebug, msg, fields...) }
func (l *slogLogger) Info(msg string, fields ...Field)  { l.log(slog.LevelInfo, msg, fields...) }
func (l *slogLogger) Warn(msg string, fields ...Field)  { l.log(slog.LevelWarn, msg, fields...) }
func (l *slogLogger) Error(msg string, fields ...Field) { l.log(slog.LevelError, msg, fields...) }

func (l *slogLogger) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return &slogLogger{
		base:      l.base.With(args...),
		levelVar:  l.levelVar,
		namespace: l.namespace,
	}
}

func (l *slogLogger) WithNamespace(parts ...string) Logger {
	ns := l.namespace
	for _, p := range parts {
		if p == "" {
			continue
		}
		if ns == "" {
			ns = p
		} else {
			ns = ns + "." + p
		}
	}
	return &slogLogger{
		base:      l.base,
		levelVar:  l.levelVar,
		namespace: ns,
	}
}

func (l *slogLogger) SetLevel(level Level) error {
	l.levelVar.Set(level.toSlogLevel())
	return nil
}
