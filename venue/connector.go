// Package venue 定义交易所连接器端口（port）。
// 核心编排层只依赖这里的抽象；具体的 HTTP/WebSocket/签名实现放在子包
// （venue/sim、venue/restws）或外部仓库里。
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgebot/gopair/internal/domain"
)

// PlaceRequest 下单请求
type PlaceRequest struct {
	Side       domain.Side
	Quantity   decimal.Decimal
	OrderType  domain.OrderType
	LimitPrice *decimal.Decimal // taker_market 单为 nil
	ClientID   string           // 幂等用客户端 ID（uuid）
}

// OrderHandle 交易所侧订单句柄
type OrderHandle struct {
	ID       string
	PlacedAt time.Time
}

// OrderState 订单状态查询结果
type OrderState struct {
	Status         domain.OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// Quote 当前最优买卖价
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
	At  time.Time
}

// Mid 中间价
func (q *Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// SpreadBps 买卖价差（bps，相对 mid）
func (q *Quote) SpreadBps() decimal.Decimal {
	mid := q.Mid()
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid).Div(mid).Mul(decimal.NewFromInt(10000))
}

// PositionHandler 持仓流回调。qty 为带符号持仓。
type PositionHandler func(qty decimal.Decimal)

// Connector 单个 venue 的抽象能力。
// 所有阻塞调用都必须尊重 ctx 的 deadline；超时返回后操作可能仍在途，
// 调用方需要用 OrderStatus/QueryPosition 再对账，不能假设"失败即无副作用"。
type Connector interface {
	ID() string

	PlaceOrder(ctx context.Context, req PlaceRequest) (*OrderHandle, error)
	CancelOrder(ctx context.Context, handle *OrderHandle) error
	OrderStatus(ctx context.Context, handle *OrderHandle) (*OrderState, error)

	// QueryPosition 轮询口径的带符号持仓（仅用于对账，不用于交易决策）
	QueryPosition(ctx context.Context) (decimal.Decimal, error)

	// SubscribePositions 持仓推流。阻塞直到 ctx 结束；handler 串行调用。
	SubscribePositions(ctx context.Context, handler PositionHandler) error

	// BestQuote 当前最优价（用于 staleness 判断与 spread gate）
	BestQuote(ctx context.Context) (*Quote, error)
}
