// Package xerrors 提供 flare 框架统一的错误处理工具。
//
// 约定：
//   - 组件包在各自的 errors.go 中声明哨兵错误（xerrors.New）
//   - 跨层传递时用 Wrap/Wrapf 附加上下文，保留错误链
//   - 需要机器可读分类时用 WithCode 附加错误码
package xerrors

import (
	"errors"
	"fmt"
)

// New 创建一个新的哨兵错误。
func New(msg string) error {
	return errors.New(msg)
}

// Newf 创建一个格式化的错误。
func Newf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// Wrap 用上下文信息包装错误，保留错误链。err 为 nil 时返回 nil。
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 用格式化的上下文信息包装错误。err 为 nil 时返回 nil。
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is 判断错误链中是否包含目标错误，等价于 errors.Is。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As 在错误链中查找指定类型的错误，等价于 errors.As。
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join 合并多个错误，忽略其中的 nil。
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// WithCode 用错误码包装错误。err 为 nil 时返回 nil。
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Cause: err}
}

// CodedError 携带机器可读错误码的错误。
type CodedError struct {
	Code  string
	Cause error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Cause.Error())
}

func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Code 提取错误链中最外层的错误码，没有则返回空字符串。
func Code(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
