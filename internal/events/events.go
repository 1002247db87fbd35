// Package events 定义核心对外暴露的结构化事件流。
// 日志/CSV/遥测属于外部协作方，这里只负责把事件广播出去。
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event 所有事件的公共接口
type Event interface {
	Name() string
	At() time.Time
}

// Base 事件公共字段
type Base struct {
	Timestamp time.Time
}

func (b Base) At() time.Time { return b.Timestamp }

// NewBase 构造带当前时间戳的 Base
func NewBase() Base { return Base{Timestamp: time.Now()} }

// CycleStarted 新周期开始
type CycleStarted struct {
	Base
	CycleID   string
	Direction string
}

func (CycleStarted) Name() string { return "CycleStarted" }

// OrderPlaced 订单已提交
type OrderPlaced struct {
	Base
	VenueID  string
	OrderID  string
	Side     string
	Quantity decimal.Decimal
	Price    *decimal.Decimal
}

func (OrderPlaced) Name() string { return "OrderPlaced" }

// OrderCancelled 订单被取消
type OrderCancelled struct {
	Base
	VenueID string
	OrderID string
	Reason  string // stale_price / timeout / operator
}

func (OrderCancelled) Name() string { return "OrderCancelled" }

// TimerReset 竞争力续命（reset-on-competitive-price）
type TimerReset struct {
	Base
	VenueID     string
	OrderID     string
	NewDeadline time.Time
}

func (TimerReset) Name() string { return "TimerReset" }

// RateLimited 撤单被限流推迟
type RateLimited struct {
	Base
	VenueID  string
	OrderID  string
	Deferred time.Duration
}

func (RateLimited) Name() string { return "RateLimited" }

// HedgeFailed 对冲腿建立失败
type HedgeFailed struct {
	Base
	CycleID string
	VenueID string
	Reason  string
}

func (HedgeFailed) Name() string { return "HedgeFailed" }

// EmergencyUnwindTriggered 紧急平仓触发
type EmergencyUnwindTriggered struct {
	Base
	VenueID  string
	Position decimal.Decimal
	Reason   string
}

func (EmergencyUnwindTriggered) Name() string { return "EmergencyUnwindTriggered" }

// DriftAlert 流式/轮询持仓漂移告警
type DriftAlert struct {
	Base
	VenueID  string
	Severity string // ok / warning / critical
	Streamed decimal.Decimal
	Polled   decimal.Decimal
	Drift    decimal.Decimal
}

func (DriftAlert) Name() string { return "DriftAlert" }

// CycleCompleted 周期完成
type CycleCompleted struct {
	Base
	CycleID        string
	NetPnL         decimal.Decimal
	SpreadCaptured decimal.Decimal
}

func (CycleCompleted) Name() string { return "CycleCompleted" }

// TradingHalted haltTrading 置位（只能由紧急平仓耗尽或严重风控触发）
type TradingHalted struct {
	Base
	Reason string
}

func (TradingHalted) Name() string { return "TradingHalted" }
