// Package gate 实现开仓前的安全闸门：纯判定，不做 I/O。
// spread 不足是"跳过"（正常、低频日志）；其余失败是"阻断"（异常、显著日志）。
package gate

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/positions"
	"github.com/hedgebot/gopair/internal/risk"
)

var log = logrus.WithField("module", "gate")

// Config 安全闸门配置
type Config struct {
	PositionCap     decimal.Decimal // 单 venue 持仓绝对上限（<=0 关闭）
	MinSpreadBps    decimal.Decimal // 预期 Primary/Hedge 价差下限（bps）
	NetDeltaWarning decimal.Decimal // |NetDelta| 告警上界（<=0 关闭）
}

// Verdict 判定结果
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictSkip         // 预期内跳过（spread 不足），不创建周期
	VerdictBlock        // 阻断：上限/风控/漂移问题，不允许创建周期
)

// Result 判定结果 + 原因
type Result struct {
	Verdict Verdict
	Reason  string
}

// Input 单次判定的输入快照
type Input struct {
	AnticipatedSpreadBps decimal.Decimal // 预期捕获的价差（bps）
}

// Gate 安全闸门。持有只读依赖：持仓簿、断路器、对账器。
type Gate struct {
	cfg        Config
	book       *positions.Book
	breaker    *risk.CircuitBreaker
	reconciler *positions.Reconciler
}

// New 创建安全闸门
func New(cfg Config, book *positions.Book, breaker *risk.CircuitBreaker, rec *positions.Reconciler) *Gate {
	return &Gate{cfg: cfg, book: book, breaker: breaker, reconciler: rec}
}

// Evaluate 在每个新周期开始前调用。
func (g *Gate) Evaluate(in Input) Result {
	// haltTrading / 当日亏损
	if err := g.breaker.AllowTrading(); err != nil {
		_, reason := g.breaker.Halted()
		if reason == "" {
			reason = "halt_trading"
		}
		log.Errorf("安全闸门阻断: %s", reason)
		return Result{Verdict: VerdictBlock, Reason: reason}
	}

	// CRITICAL 漂移未清除
	if g.reconciler != nil && g.reconciler.CriticalDrift() {
		log.Error("安全闸门阻断: 持仓漂移 CRITICAL 未清除")
		return Result{Verdict: VerdictBlock, Reason: "drift_critical"}
	}

	// 单 venue 持仓上限
	if g.cfg.PositionCap.IsPositive() {
		for _, c := range g.book.Caches() {
			if c.Streamed().Abs().GreaterThan(g.cfg.PositionCap) {
				log.Errorf("安全闸门阻断: venue=%s 持仓 %s 超过上限 %s",
					c.VenueID(), c.Streamed(), g.cfg.PositionCap)
				return Result{Verdict: VerdictBlock, Reason: "position_cap"}
			}
		}
	}

	// NetDelta 告警上界
	if g.cfg.NetDeltaWarning.IsPositive() {
		nd := g.book.NetDelta()
		if nd.Abs().GreaterThan(g.cfg.NetDeltaWarning) {
			log.Errorf("安全闸门阻断: |NetDelta|=%s 超过告警上界 %s", nd.Abs(), g.cfg.NetDeltaWarning)
			return Result{Verdict: VerdictBlock, Reason: "net_delta"}
		}
	}

	// spread 地板：跳过而非阻断（预期内高频发生）
	if g.cfg.MinSpreadBps.IsPositive() && in.AnticipatedSpreadBps.LessThan(g.cfg.MinSpreadBps) {
		log.Debugf("安全闸门跳过: 预期价差 %sbps < 下限 %sbps", in.AnticipatedSpreadBps, g.cfg.MinSpreadBps)
		return Result{Verdict: VerdictSkip, Reason: "spread_floor"}
	}

	return Result{Verdict: VerdictPass}
}
