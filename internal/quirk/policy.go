// Package quirk 把每个 venue 的怪癖（超时、撤单限流、陈旧单处理）收敛成
// 纯数据 + 纯判定函数，不做任何 I/O。执行引擎注入一个 Policy 即可，
// 控制流里不允许再出现按 venue 名字分支的特判。
package quirk

import (
	"fmt"
	"time"
)

// StalePolicy 陈旧单处理策略
type StalePolicy string

const (
	// StaleFixedTimeout 固定超时：deadline 永不延长，到点强制撤单
	StaleFixedTimeout StalePolicy = "fixed_timeout"
	// StaleResetOnCompetitive 价格仍有竞争力时重置计时器（用成交率换有界时间）
	StaleResetOnCompetitive StalePolicy = "reset_on_competitive_price"
)

// Policy 单个 venue 的怪癖参数
type Policy struct {
	Timeout         time.Duration // 订单超时
	CancelRateLimit time.Duration // 两次撤单之间的最小间隔（0=不限）
	Stale           StalePolicy

	// MaxTotalWait 对 reset_on_competitive_price 的外层封顶：
	// 即使价格一直有竞争力，从 placedAt 起最多等这么久（0=不封顶）。
	MaxTotalWait time.Duration
}

// Validate 校验参数
func (p Policy) Validate() error {
	if p.Timeout <= 0 {
		return fmt.Errorf("quirk: timeout 必须 > 0")
	}
	if p.CancelRateLimit < 0 {
		return fmt.Errorf("quirk: cancelRateLimit 不能为负")
	}
	switch p.Stale {
	case StaleFixedTimeout, StaleResetOnCompetitive:
	default:
		return fmt.Errorf("quirk: 未知 stale policy %q", p.Stale)
	}
	return nil
}

// StaleCheckInterval 建议的 staleness 检查间隔（timeout 的 1/10，下限 100ms）
func (p Policy) StaleCheckInterval() time.Duration {
	iv := p.Timeout / 10
	if iv < 100*time.Millisecond {
		iv = 100 * time.Millisecond
	}
	return iv
}

// Decision 一次 staleness 判定的结果
type Decision struct {
	CancelNow   bool
	Expired     bool       // 撤单原因是 MaxTotalWait 到点：撤后终结，不允许再 replace
	NewDeadline *time.Time // 非 nil 表示重置 deadline（timer reset）
}

// OnStaleCheck 给定 (距下单已过时长, 价格是否仍有竞争力)，决定撤单还是续命。
//   - 不竞争 → 立即 cancel-replace，不给新 deadline
//   - 竞争 + reset 策略 → 重置 deadline 为 now+Timeout（受 MaxTotalWait 封顶）
//   - 竞争 + fixed 策略 → 什么都不做，等原始 deadline
//   - MaxTotalWait 到点 → 撤单且 Expired，调用方必须终结而不是 replace
func (p Policy) OnStaleCheck(now time.Time, placedAt time.Time, stillCompetitive bool) Decision {
	if p.Stale == StaleResetOnCompetitive && p.MaxTotalWait > 0 && !now.Before(placedAt.Add(p.MaxTotalWait)) {
		// 外层封顶已到：无论价格如何都按到期终结
		return Decision{CancelNow: true, Expired: true}
	}
	if !stillCompetitive {
		return Decision{CancelNow: true}
	}
	if p.Stale != StaleResetOnCompetitive {
		return Decision{}
	}
	nd := now.Add(p.Timeout)
	if p.MaxTotalWait > 0 {
		hardCap := placedAt.Add(p.MaxTotalWait)
		if nd.After(hardCap) {
			nd = hardCap
		}
	}
	return Decision{NewDeadline: &nd}
}

// AllowCancel 撤单限流判定。
// 返回 (是否可立即撤, 还需等待的时长)。被限流时撤单是"推迟"而不是"跳过"。
func (p Policy) AllowCancel(now time.Time, lastCancel time.Time) (bool, time.Duration) {
	if p.CancelRateLimit <= 0 || lastCancel.IsZero() {
		return true, 0
	}
	elapsed := now.Sub(lastCancel)
	if elapsed >= p.CancelRateLimit {
		return true, 0
	}
	return false, p.CancelRateLimit - elapsed
}

// Default 返回保守的默认策略
func Default() Policy {
	return Policy{
		Timeout:         30 * time.Second,
		CancelRateLimit: 0,
		Stale:           StaleFixedTimeout,
	}
}
