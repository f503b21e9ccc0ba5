// Package retry 提供带退避的重试策略，是 flare 中注册、发现与 RPC
// 调用共用的重试协作方。
//
// 契约：尝试次数有界；退避时长单调不减，直至上限 MaxDelay。
//
// 基本使用：
//
//	policy := retry.NewExponential(3, 100*time.Millisecond, 5*time.Second)
//	err := retry.Do(ctx, policy, func() error {
//	    return backend.Register(ctx, instance, ttl)
//	})
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/ceyewan/flare/xerrors"
)

// ErrMaxAttemptsExceeded 所有尝试均失败。
var ErrMaxAttemptsExceeded = xerrors.New("max retry attempts exceeded")

// Policy 重试策略接口。
type Policy interface {
	// ShouldRetry 判断第 attempt 次尝试（从 1 开始计）失败后是否继续。
	ShouldRetry(attempt int, err error) bool

	// Backoff 返回第 attempt 次失败后的等待时长，随 attempt 单调不减。
	Backoff(attempt int) time.Duration

	// MaxAttempts 返回最大尝试次数（含首次）。
	MaxAttempts() int
}

// RetryableFunc 判断错误是否可重试。
type RetryableFunc func(err error) bool

// defaultRetryable 除上下文取消/超时外均可重试。
func defaultRetryable(err error) bool {
	return !xerrors.Is(err, context.Canceled) && !xerrors.Is(err, context.DeadlineExceeded)
}

// Exponential 指数退避策略：baseDelay * 2^(attempt-1)，封顶 maxDelay，
// 可选抖动避免重试风暴。
type Exponential struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	retryable   RetryableFunc
}

// NewExponential 创建指数退避策略。
func NewExponential(maxAttempts int, baseDelay, maxDelay time.Duration) *Exponential {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Exponential{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		retryable:   defaultRetryable,
	}
}

// WithJitter 设置抖动比例（0~1），在退避时长上叠加 ±ratio 的随机扰动。
func (p *Exponential) WithJitter(ratio float64) *Exponential {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	p.jitter = ratio
	return p
}

// WithRetryable 自定义错误可重试判断。
func (p *Exponential) WithRetryable(fn RetryableFunc) *Exponential {
	if fn != nil {
		p.retryable = fn
	}
	return p
}

func (p *Exponential) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return p.retryable(err)
}

func (p *Exponential) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 移位上限防止溢出
	shift := attempt - 1
	if shift > 32 {
		shift = 32
	}
	d := p.baseDelay << shift
	if d <= 0 || d > p.maxDelay {
		d = p.maxDelay
	}
	if p.jitter > 0 {
		span := float64(d) * p.jitter
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*span)
		if d < 0 {
			d = p.baseDelay
		}
	}
	return d
}

func (p *Exponential) MaxAttempts() int {
	return p.maxAttempts
}

// Fixed 固定间隔重试策略。
type Fixed struct {
	maxAttempts int
	delay       time.Duration
	retryable   RetryableFunc
}

// NewFixed 创建固定间隔策略。
func NewFixed(maxAttempts int, delay time.Duration) *Fixed {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if delay <= 0 {
		delay = time.Second
	}
	return &Fixed{maxAttempts: maxAttempts, delay: delay, retryable: defaultRetryable}
}

func (p *Fixed) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return p.retryable(err)
}

func (p *Fixed) Backoff(attempt int) time.Duration {
	return p.delay
}

func (p *Fixed) MaxAttempts() int {
	return p.maxAttempts
}

// Do 按策略执行 fn 直至成功、不可重试或次数耗尽。
// 等待期间监听 ctx 取消。返回最后一次的错误。
func Do(ctx context.Context, policy Policy, fn func() error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !policy.ShouldRetry(attempt, lastErr) {
			return lastErr
		}

		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
