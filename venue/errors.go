package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// 错误分类：
// - Retryable：网络超时/瞬时拒绝，由执行引擎在订单自己的 deadline 预算内重试
// - NonRetryable：无效价格/余额不足等，立即上抛给 Orchestrator
var (
	ErrRejected            = errors.New("venue: order rejected")
	ErrNotFound            = errors.New("venue: order not found")
	ErrAlreadyFilled       = errors.New("venue: order already filled")
	ErrInvalidPrice        = errors.New("venue: invalid price")
	ErrInsufficientBalance = errors.New("venue: insufficient balance")
)

// RetryableError 标记可重试的瞬时错误
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable 包装一个瞬时错误
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable 判断错误是否可在 deadline 预算内重试。
// 网络超时（含 ctx deadline）一律按可重试处理 —— 但调用方必须先对账在途状态。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsNonRetryableOrder 判断是否为不可重试的订单错误（直接终止当前腿）
func IsNonRetryableOrder(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrInsufficientBalance)
}
