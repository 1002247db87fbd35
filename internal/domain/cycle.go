package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleState 周期状态机（见 Orchestrator）：
//
//	INIT → PRIMARY_PENDING → PRIMARY_FILLED → HEDGE_PENDING
//	  → HEDGE_FILLED → UNWIND_PENDING → UNWIND_HEDGE_PENDING → COMPLETE
//	  → HEDGE_FAILED → EMERGENCY_UNWIND → ABORTED
type CycleState string

const (
	CycleStateInit               CycleState = "INIT"
	CycleStatePrimaryPending     CycleState = "PRIMARY_PENDING"
	CycleStatePrimaryFilled      CycleState = "PRIMARY_FILLED"
	CycleStateHedgePending       CycleState = "HEDGE_PENDING"
	CycleStateHedgeFilled        CycleState = "HEDGE_FILLED"
	CycleStateUnwindPending      CycleState = "UNWIND_PENDING"
	CycleStateUnwindHedgePending CycleState = "UNWIND_HEDGE_PENDING"
	CycleStateComplete           CycleState = "COMPLETE"
	CycleStateHedgeFailed        CycleState = "HEDGE_FAILED"
	CycleStateEmergencyUnwind    CycleState = "EMERGENCY_UNWIND"
	CycleStateAborted            CycleState = "ABORTED"
)

// IsTerminal 终态（COMPLETE / ABORTED）。终态的 Cycle 归档后不再复用。
func (s CycleState) IsTerminal() bool {
	return s == CycleStateComplete || s == CycleStateAborted
}

// Direction 开仓方向：Primary 腿先开多还是先开空
type Direction string

const (
	DirectionLongPrimary  Direction = "long_primary"  // Primary 买入，Hedge 卖出
	DirectionShortPrimary Direction = "short_primary" // Primary 卖出，Hedge 买入
)

// PrimarySide 返回 BUILD 阶段 Primary 腿的方向
func (d Direction) PrimarySide() Side {
	if d == DirectionShortPrimary {
		return SideSell
	}
	return SideBuy
}

// Cycle 一次 BUILD+UNWIND 配对周期。由 Orchestrator 独占持有。
type Cycle struct {
	ID        string
	Direction Direction
	State     CycleState

	// BUILD 阶段
	PrimaryOrder *Order
	HedgeOrder   *Order

	// UNWIND 阶段（意图反转后的同一套子状态机）
	UnwindPrimaryOrder *Order
	UnwindHedgeOrder   *Order

	// 紧急平仓的成交：不属于四条计划腿，但计入周期现金流
	EmergencyFills []EmergencyFill

	OpenedAt time.Time
	ClosedAt *time.Time

	// 报表字段（终态时写入）
	NetPnL         decimal.Decimal
	SpreadCaptured decimal.Decimal // 每单位捕获的价差（可为负）
	AbortReason    string
}

// EmergencyFill 一笔紧急平仓单的成交结果
type EmergencyFill struct {
	VenueID  string
	Side     Side
	Quantity decimal.Decimal
	AvgPrice decimal.Decimal
}

// Transition 推进状态。非法跳转直接 panic 属于编程错误，这里只记录，不校验全图。
func (c *Cycle) Transition(next CycleState) {
	c.State = next
	if next.IsTerminal() {
		now := time.Now()
		c.ClosedAt = &now
	}
}

// HedgeSideOK 对冲方向校验：hedge 必须是 primary 的算术相反方向。
// 在每次提交 hedge 订单前无条件调用；失败属于致命错误，绝不允许自动改方向。
func HedgeSideOK(primary, hedge *Order) bool {
	if primary == nil || hedge == nil {
		return false
	}
	return hedge.Side == primary.Side.Opposite()
}
