package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// ErrTradingHalted 表示 haltTrading 已置位，禁止继续交易。
var ErrTradingHalted = fmt.Errorf("trading halted")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 / 零值表示关闭对应限制。
type CircuitBreakerConfig struct {
	// DailyLossLimit 当日最大亏损（绝对额）。达到或超过时立即熔断。
	DailyLossLimit decimal.Decimal
}

// CircuitBreaker 持有 haltTrading 标志和当日 PnL 统计。
//
// 约束：
// - haltTrading 只能由紧急平仓耗尽或严重风控突破置位
// - 只能由显式的 operator 动作清除（Resume）
type CircuitBreaker struct {
	halted     atomic.Bool
	haltReason atomic.Value // string

	mu       sync.Mutex
	dailyPnL decimal.Decimal
	dayKey   int64 // YYYYMMDD
	limit    decimal.Decimal
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{limit: cfg.DailyLossLimit}
	cb.haltReason.Store("")
	return cb
}

// Halt 置位 haltTrading（紧急平仓耗尽 / 严重风控）。
func (cb *CircuitBreaker) Halt(reason string) {
	if cb == nil {
		return
	}
	cb.haltReason.Store(reason)
	cb.halted.Store(true)
}

// Resume operator 显式恢复。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.haltReason.Store("")
}

// Halted 返回 haltTrading 标志及触发原因。
func (cb *CircuitBreaker) Halted() (bool, string) {
	if cb == nil {
		return false, ""
	}
	reason, _ := cb.haltReason.Load().(string)
	return cb.halted.Load(), reason
}

// AllowTrading 快路径检查是否允许交易。
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrTradingHalted
	}

	// 当日亏损熔断（若启用）
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.limit.IsPositive() {
		cb.rollDayIfNeededLocked()
		if cb.dailyPnL.LessThanOrEqual(cb.limit.Neg()) {
			cb.haltReason.Store("daily_loss_limit")
			cb.halted.Store(true)
			return ErrTradingHalted
		}
	}
	return nil
}

// AddPnL 增量更新当日 PnL。负数表示亏损。
func (cb *CircuitBreaker) AddPnL(delta decimal.Decimal) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollDayIfNeededLocked()
	cb.dailyPnL = cb.dailyPnL.Add(delta)
}

// DailyPnL 当日累计 PnL。
func (cb *CircuitBreaker) DailyPnL() decimal.Decimal {
	if cb == nil {
		return decimal.Zero
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollDayIfNeededLocked()
	return cb.dailyPnL
}

func (cb *CircuitBreaker) rollDayIfNeededLocked() {
	// YYYYMMDD（本地时间即可；风控用途不要求跨时区精确）
	now := time.Now()
	key := int64(now.Year()*10000 + int(now.Month())*100 + now.Day())
	if cb.dayKey != key {
		cb.dayKey = key
		cb.dailyPnL = decimal.Zero
	}
}
