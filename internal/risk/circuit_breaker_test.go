package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestHaltAndResume(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if err := cb.AllowTrading(); err != nil {
		t.Fatalf("初始状态应允许交易: %v", err)
	}

	cb.Halt("hedge_side_violation")
	if err := cb.AllowTrading(); !errors.Is(err, ErrTradingHalted) {
		t.Fatalf("Halt 后应返回 ErrTradingHalted，得到 %v", err)
	}
	halted, reason := cb.Halted()
	if !halted || reason != "hedge_side_violation" {
		t.Errorf("期望 (true, hedge_side_violation)，得到 (%v, %s)", halted, reason)
	}

	// 只有 operator 显式 Resume 能清除
	cb.Resume()
	if err := cb.AllowTrading(); err != nil {
		t.Errorf("Resume 后应允许交易: %v", err)
	}
	if halted, _ := cb.Halted(); halted {
		t.Error("Resume 后标志应清除")
	}
}

func TestDailyLossLimit(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{DailyLossLimit: d("100")})

	cb.AddPnL(d("-50"))
	if err := cb.AllowTrading(); err != nil {
		t.Fatalf("亏损 50 未达上限 100，应允许交易: %v", err)
	}

	cb.AddPnL(d("-50"))
	if err := cb.AllowTrading(); !errors.Is(err, ErrTradingHalted) {
		t.Fatalf("累计亏损 100 应熔断，得到 %v", err)
	}
	if _, reason := cb.Halted(); reason != "daily_loss_limit" {
		t.Errorf("熔断原因应为 daily_loss_limit，得到 %s", reason)
	}
}

func TestDailyLossLimitDisabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	cb.AddPnL(d("-1000000"))
	if err := cb.AllowTrading(); err != nil {
		t.Errorf("未配置上限时任何亏损都不熔断: %v", err)
	}
}

func TestDailyPnLAccumulates(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	cb.AddPnL(d("3.5"))
	cb.AddPnL(d("-1.25"))
	if !cb.DailyPnL().Equal(d("2.25")) {
		t.Errorf("期望当日 PnL 2.25，得到 %s", cb.DailyPnL())
	}
}
