package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向（业务意图方向，任何环节都不允许悄悄翻转）
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回算术相反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign 返回方向对应的符号：买 +1 / 卖 -1
func (s Side) Sign() decimal.Decimal {
	if s == SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMakerLimit  OrderType = "maker_limit"  // 挂单（maker）
	OrderTypeTakerMarket OrderType = "taker_market" // 吃单（taker/market-crossing）
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"   // 已提交，尚未确认
	OrderStatusOpen      OrderStatus = "open"      // 开放中（resting）
	OrderStatusPartial   OrderStatus = "partial"   // 部分成交
	OrderStatusFilled    OrderStatus = "filled"    // 已全部成交
	OrderStatusCancelled OrderStatus = "cancelled" // 已取消
	OrderStatusRejected  OrderStatus = "rejected"  // 被拒绝 / 超时未成交
)

// Order 订单领域模型。
// 只有持有它的执行引擎可以写，Orchestrator / Reconciler 只读。
type Order struct {
	OrderID   string      // 内部订单 ID（uuid）
	HandleID  string      // 交易所侧句柄（由 VenueConnector 返回）
	VenueID   string      // 所属 venue
	CycleID   string      // 所属 cycle（可选）
	Side      Side        // 业务意图方向
	OrderType OrderType   // maker_limit / taker_market
	Quantity  decimal.Decimal  // 原始请求数量
	LimitPrice *decimal.Decimal // 限价（market 单为 nil）
	Status    OrderStatus

	PlacedAt       time.Time
	FilledQuantity decimal.Decimal // 已成交数量（partial fill 累计）
	AvgFillPrice   decimal.Decimal // 平均成交价

	Replaces int // cancel-replace 次数（用于报表）
}

// IsFilled 是否已全部成交
func (o *Order) IsFilled() bool {
	return o != nil && o.Status == OrderStatusFilled
}

// IsFinal 是否为终态（filled/cancelled/rejected）
func (o *Order) IsFinal() bool {
	if o == nil {
		return false
	}
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled || o.Status == OrderStatusRejected
}

// Remaining 剩余未成交数量（不为负）
func (o *Order) Remaining() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	r := o.Quantity.Sub(o.FilledQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// SignedFill 返回带符号的成交量（买为正，卖为负）
func (o *Order) SignedFill() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	return o.FilledQuantity.Mul(o.Side.Sign())
}

// AddFill 累加一次成交并更新平均成交价
func (o *Order) AddFill(qty, price decimal.Decimal) {
	if o == nil || !qty.IsPositive() {
		return
	}
	prevNotional := o.AvgFillPrice.Mul(o.FilledQuantity)
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.FilledQuantity.IsPositive() {
		o.AvgFillPrice = prevNotional.Add(price.Mul(qty)).Div(o.FilledQuantity)
	}
	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartial
	}
}
