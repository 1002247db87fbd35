// Package orchestrator 实现顺序执行的周期状态机：
// 一次只有一个活跃周期，BUILD（Primary 挂单 → Hedge 吃单）完成后
// 经可选持仓期进入 UNWIND（意图反转的同一套流程），终态归档。
// 任何一步失败都有明确的出口：跳过、中止、或紧急平仓。
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/domain"
	"github.com/hedgebot/gopair/internal/events"
	"github.com/hedgebot/gopair/internal/execution"
	"github.com/hedgebot/gopair/internal/gate"
	"github.com/hedgebot/gopair/internal/positions"
	"github.com/hedgebot/gopair/internal/risk"
	"github.com/hedgebot/gopair/internal/unwind"
	"github.com/hedgebot/gopair/venue"
)

var log = logrus.WithField("module", "orchestrator")

var bpsFactor = decimal.NewFromInt(10000)

// Archiver 周期终态落库接口（由 archive 包实现；nil 表示不落库）。
type Archiver interface {
	SaveCycle(ctx context.Context, c *domain.Cycle) error
}

// Config 周期编排配置
type Config struct {
	Direction     domain.Direction // 开仓方向
	OrderQuantity decimal.Decimal  // 每周期 Primary 腿数量
	HoldTime      time.Duration    // BUILD 与 UNWIND 之间的持仓时间（可为 0）
	SkipCooldown  time.Duration    // 闸门 Skip 后的等待
	BlockCooldown time.Duration    // 闸门 Block 后的等待（通常更长）
	MaxCycles     int              // 最多执行的周期数（<=0 不限）
}

func (c *Config) applyDefaults() {
	if c.Direction == "" {
		c.Direction = domain.DirectionLongPrimary
	}
	if c.SkipCooldown <= 0 {
		c.SkipCooldown = 2 * time.Second
	}
	if c.BlockCooldown <= 0 {
		c.BlockCooldown = 10 * time.Second
	}
}

// Orchestrator 串行周期编排器。独占持有活跃 Cycle；两个执行引擎分别绑定
// Primary / Hedge venue。
type Orchestrator struct {
	cfg Config

	primary venue.Connector
	hedge   venue.Connector

	primaryEng *execution.Engine
	hedgeEng   *execution.Engine

	safety   *gate.Gate
	book     *positions.Book
	breaker  *risk.CircuitBreaker
	unwinder *unwind.Controller
	bus      *events.Bus
	archiver Archiver
}

// New 创建编排器
func New(cfg Config, primary, hedge venue.Connector, primaryEng, hedgeEng *execution.Engine,
	safety *gate.Gate, book *positions.Book, breaker *risk.CircuitBreaker,
	unwinder *unwind.Controller, bus *events.Bus, archiver Archiver) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:      cfg,
		primary:  primary,
		hedge:    hedge,
		primaryEng: primaryEng,
		hedgeEng: hedgeEng,
		safety:   safety,
		book:     book,
		breaker:  breaker,
		unwinder: unwinder,
		bus:      bus,
		archiver: archiver,
	}
}

// Run 主循环：闸门 → 周期 → 归档，直到 ctx 取消或达到 MaxCycles。
// haltTrading 置位后循环不退出 —— 闸门持续阻断，等待 operator 处理。
func (o *Orchestrator) Run(ctx context.Context) error {
	completed := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if o.cfg.MaxCycles > 0 && completed >= o.cfg.MaxCycles {
			log.Infof("已完成 %d 个周期，停止开新周期", completed)
			return nil
		}

		spreadBps, err := o.anticipatedSpreadBps(ctx)
		if err != nil {
			log.Warnf("行情获取失败，稍后重试: %v", err)
			if werr := sleepCtx(ctx, o.cfg.SkipCooldown); werr != nil {
				return werr
			}
			continue
		}

		switch res := o.safety.Evaluate(gate.Input{AnticipatedSpreadBps: spreadBps}); res.Verdict {
		case gate.VerdictSkip:
			if werr := sleepCtx(ctx, o.cfg.SkipCooldown); werr != nil {
				return werr
			}
			continue
		case gate.VerdictBlock:
			if werr := sleepCtx(ctx, o.cfg.BlockCooldown); werr != nil {
				return werr
			}
			continue
		}

		cycle := o.runCycle(ctx)
		o.archive(cycle)
		// 中止周期的已实现亏损（含紧急平仓成交）同样计入日内 PnL —— 大额亏损恰恰发生在这里
		o.breaker.AddPnL(cycle.NetPnL)
		if cycle.State == domain.CycleStateComplete {
			completed++
			o.bus.Publish(events.CycleCompleted{Base: events.NewBase(), CycleID: cycle.ID,
				NetPnL: cycle.NetPnL, SpreadCaptured: cycle.SpreadCaptured})
			log.Infof("✅ 周期完成: cycle=%s pnl=%s spread=%s replaces=%d",
				cycle.ID, cycle.NetPnL, cycle.SpreadCaptured, cycle.PrimaryOrder.Replaces)
		} else {
			log.Warnf("周期中止: cycle=%s state=%s reason=%s", cycle.ID, cycle.State, cycle.AbortReason)
		}
	}
}

// runCycle 跑完一个周期直到终态（COMPLETE 或 ABORTED）。
// 返回的 Cycle 一定是终态，调用方负责归档。
func (o *Orchestrator) runCycle(ctx context.Context) *domain.Cycle {
	cycle := &domain.Cycle{
		ID:        uuid.NewString(),
		Direction: o.cfg.Direction,
		State:     domain.CycleStateInit,
		OpenedAt:  time.Now(),
	}
	log.Infof("🚀 新周期开始: cycle=%s direction=%s qty=%s", cycle.ID, cycle.Direction, o.cfg.OrderQuantity)
	o.bus.Publish(events.CycleStarted{Base: events.NewBase(), CycleID: cycle.ID, Direction: string(cycle.Direction)})

	// ---- BUILD: Primary 腿（maker）----
	cycle.Transition(domain.CycleStatePrimaryPending)
	cycle.PrimaryOrder = &domain.Order{
		VenueID:   o.primary.ID(),
		CycleID:   cycle.ID,
		Side:      cycle.Direction.PrimarySide(),
		OrderType: domain.OrderTypeMakerLimit,
		Quantity:  o.cfg.OrderQuantity,
		Status:    domain.OrderStatusPending,
	}
	res, err := o.primaryEng.Execute(ctx, cycle.PrimaryOrder)
	if err != nil || res.Outcome != execution.OutcomeFilled {
		return o.abortAfterPrimary(ctx, cycle, res, err)
	}

	// ---- BUILD: Hedge 腿（taker，数量按 Primary 实际成交量）----
	cycle.Transition(domain.CycleStatePrimaryFilled)
	cycle.HedgeOrder = &domain.Order{
		VenueID:   o.hedge.ID(),
		CycleID:   cycle.ID,
		Side:      cycle.PrimaryOrder.Side.Opposite(),
		OrderType: domain.OrderTypeTakerMarket,
		Quantity:  cycle.PrimaryOrder.FilledQuantity,
		Status:    domain.OrderStatusPending,
	}
	if fatal := o.checkHedgeSide(cycle, cycle.PrimaryOrder, cycle.HedgeOrder); fatal {
		return cycle
	}

	cycle.Transition(domain.CycleStateHedgePending)
	hres, herr := o.hedgeEng.Execute(ctx, cycle.HedgeOrder)
	if herr != nil || hres.Outcome != execution.OutcomeFilled {
		return o.abortAfterHedgeFailure(ctx, cycle, hres, herr)
	}
	cycle.Transition(domain.CycleStateHedgeFilled)

	// ---- 持仓期 ----
	if o.cfg.HoldTime > 0 {
		if werr := sleepCtx(ctx, o.cfg.HoldTime); werr != nil {
			// 关停信号：按紧急平仓出场，不留裸暴露
			return o.abortWithUnwind(ctx, cycle, "shutdown_during_hold")
		}
	}

	// ---- UNWIND: Primary 腿（意图反转，仍走 maker）----
	cycle.Transition(domain.CycleStateUnwindPending)
	cycle.UnwindPrimaryOrder = &domain.Order{
		VenueID:   o.primary.ID(),
		CycleID:   cycle.ID,
		Side:      cycle.PrimaryOrder.Side.Opposite(),
		OrderType: domain.OrderTypeMakerLimit,
		Quantity:  cycle.PrimaryOrder.FilledQuantity,
		Status:    domain.OrderStatusPending,
	}
	ures, uerr := o.primaryEng.Execute(ctx, cycle.UnwindPrimaryOrder)
	if uerr != nil || ures.Outcome != execution.OutcomeFilled {
		reason := outcomeReason("unwind_primary", ures, uerr)
		return o.abortWithUnwind(ctx, cycle, reason)
	}

	// ---- UNWIND: Hedge 腿 ----
	cycle.Transition(domain.CycleStateUnwindHedgePending)
	cycle.UnwindHedgeOrder = &domain.Order{
		VenueID:   o.hedge.ID(),
		CycleID:   cycle.ID,
		Side:      cycle.UnwindPrimaryOrder.Side.Opposite(),
		OrderType: domain.OrderTypeTakerMarket,
		Quantity:  cycle.UnwindPrimaryOrder.FilledQuantity,
		Status:    domain.OrderStatusPending,
	}
	if fatal := o.checkHedgeSide(cycle, cycle.UnwindPrimaryOrder, cycle.UnwindHedgeOrder); fatal {
		return cycle
	}
	uhres, uherr := o.hedgeEng.Execute(ctx, cycle.UnwindHedgeOrder)
	if uherr != nil || uhres.Outcome != execution.OutcomeFilled {
		reason := outcomeReason("unwind_hedge", uhres, uherr)
		return o.abortWithUnwind(ctx, cycle, reason)
	}

	// ---- 终态 ----
	cycle.NetPnL = cycleCash(cycle)
	cycle.SpreadCaptured = buildSpreadPerUnit(cycle)
	cycle.Transition(domain.CycleStateComplete)
	return cycle
}

// checkHedgeSide 提交 hedge 前的无条件方向校验。
// 违反 = 代码缺陷，立即熔断并中止，绝不自动改方向后继续。
func (o *Orchestrator) checkHedgeSide(cycle *domain.Cycle, primary, hedge *domain.Order) bool {
	if domain.HedgeSideOK(primary, hedge) {
		return false
	}
	log.Errorf("❌ 对冲方向校验失败: cycle=%s primary=%s hedge=%s —— 熔断",
		cycle.ID, primary.Side, hedge.Side)
	o.breaker.Halt("hedge_side_violation")
	o.bus.Publish(events.TradingHalted{Base: events.NewBase(), Reason: "hedge_side_violation"})
	cycle.AbortReason = "hedge_side_violation"
	cycle.NetPnL = cycleCash(cycle)
	cycle.Transition(domain.CycleStateAborted)
	return true
}

// abortAfterPrimary Primary 腿没做成。零成交直接中止；
// 有部分成交则先紧急平掉再中止。
func (o *Orchestrator) abortAfterPrimary(ctx context.Context, cycle *domain.Cycle, res *execution.Result, err error) *domain.Cycle {
	reason := outcomeReason("primary", res, err)
	if cycle.PrimaryOrder.FilledQuantity.IsPositive() {
		return o.abortWithUnwind(ctx, cycle, reason)
	}
	cycle.AbortReason = reason
	cycle.NetPnL = cycleCash(cycle)
	cycle.Transition(domain.CycleStateAborted)
	return cycle
}

// abortAfterHedgeFailure Hedge 腿失败：Primary 腿暴露已经存在，
// 必须走紧急平仓，不允许带着单腿暴露继续。
func (o *Orchestrator) abortAfterHedgeFailure(ctx context.Context, cycle *domain.Cycle, res *execution.Result, err error) *domain.Cycle {
	reason := outcomeReason("hedge", res, err)
	cycle.Transition(domain.CycleStateHedgeFailed)
	o.bus.Publish(events.HedgeFailed{Base: events.NewBase(), CycleID: cycle.ID, VenueID: o.hedge.ID(), Reason: reason})
	return o.abortWithUnwind(ctx, cycle, reason)
}

// abortWithUnwind 紧急平仓两条腿后中止周期。
// Flatten 自带 de-minimis 判断，已平的腿等于空操作。
func (o *Orchestrator) abortWithUnwind(ctx context.Context, cycle *domain.Cycle, reason string) *domain.Cycle {
	cycle.Transition(domain.CycleStateEmergencyUnwind)

	// 关停场景下 ctx 可能已取消，平仓必须照常执行
	uctx := ctx
	if uctx.Err() != nil {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
	}

	// 平仓成交计入周期现金流，亏损才能进入日内 PnL
	fills, err := o.unwinder.FlattenWithReport(uctx, o.primary, o.book.Primary, reason)
	cycle.EmergencyFills = append(cycle.EmergencyFills, fills...)
	if err != nil {
		log.Errorf("Primary 腿紧急平仓失败: cycle=%s err=%v", cycle.ID, err)
	}
	fills, err = o.unwinder.FlattenWithReport(uctx, o.hedge, o.book.Hedge, reason)
	cycle.EmergencyFills = append(cycle.EmergencyFills, fills...)
	if err != nil {
		log.Errorf("Hedge 腿紧急平仓失败: cycle=%s err=%v", cycle.ID, err)
	}

	cycle.AbortReason = reason
	cycle.NetPnL = cycleCash(cycle)
	cycle.Transition(domain.CycleStateAborted)
	return cycle
}

// anticipatedSpreadBps 用双边最优价估算本周期可捕获的价差（bps）。
// long_primary：Primary 贴 bid 买入、Hedge 吃 bid 卖出；short_primary 反之。
func (o *Orchestrator) anticipatedSpreadBps(ctx context.Context) (decimal.Decimal, error) {
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pq, err := o.primary.BestQuote(qctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("primary quote: %w", err)
	}
	hq, err := o.hedge.BestQuote(qctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("hedge quote: %w", err)
	}

	mid := pq.Mid()
	if !mid.IsPositive() {
		return decimal.Zero, fmt.Errorf("primary mid price not positive")
	}

	var spread decimal.Decimal
	if o.cfg.Direction == domain.DirectionShortPrimary {
		spread = pq.Ask.Sub(hq.Ask) // 贴 ask 卖出 / 吃 ask 买回
	} else {
		spread = hq.Bid.Sub(pq.Bid) // 贴 bid 买入 / 吃 bid 卖出
	}
	return spread.Div(mid).Mul(bpsFactor), nil
}

func (o *Orchestrator) archive(cycle *domain.Cycle) {
	if o.archiver == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.archiver.SaveCycle(actx, cycle); err != nil {
		log.Errorf("周期归档失败: cycle=%s err=%v", cycle.ID, err)
	}
}

// cycleCash 周期净现金流：四条计划腿加上紧急平仓成交
// （卖出进账为正、买入出账为负）。周期终了持仓归零时，净现金流即为 NetPnL。
func cycleCash(c *domain.Cycle) decimal.Decimal {
	total := decimal.Zero
	for _, o := range []*domain.Order{c.PrimaryOrder, c.HedgeOrder, c.UnwindPrimaryOrder, c.UnwindHedgeOrder} {
		if o == nil {
			continue
		}
		total = total.Sub(o.SignedFill().Mul(o.AvgFillPrice))
	}
	for _, f := range c.EmergencyFills {
		total = total.Sub(f.Quantity.Mul(f.Side.Sign()).Mul(f.AvgPrice))
	}
	return total
}

// buildSpreadPerUnit BUILD 阶段每单位捕获的价差（可为负）。
func buildSpreadPerUnit(c *domain.Cycle) decimal.Decimal {
	if c.PrimaryOrder == nil || c.HedgeOrder == nil || !c.HedgeOrder.FilledQuantity.IsPositive() {
		return decimal.Zero
	}
	diff := c.HedgeOrder.AvgFillPrice.Sub(c.PrimaryOrder.AvgFillPrice)
	return diff.Mul(c.PrimaryOrder.Side.Sign())
}

func outcomeReason(leg string, res *execution.Result, err error) string {
	if err != nil {
		return leg + "_error"
	}
	if res == nil {
		return leg + "_unknown"
	}
	return leg + "_" + string(res.Outcome)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
