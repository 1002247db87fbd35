// Package sim 提供内存撮合的模拟 venue，用于集成测试和 dry-run。
// 行为可注入：成交延迟、部分成交、下单/撤单失败，便于复现各种边界场景。
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/domain"
	"github.com/hedgebot/gopair/venue"
)

var log = logrus.WithField("module", "venue.sim")

// Config 模拟 venue 配置
type Config struct {
	VenueID     string
	Bid         decimal.Decimal // 初始最优买价
	Ask         decimal.Decimal // 初始最优卖价
	FillLatency time.Duration   // 下单到成交的延迟（0 = 立即成交）
	PartialFill decimal.Decimal // 每笔 maker 单先成交的比例（0~1，零值 = 全部成交）
}

type simOrder struct {
	id       string
	clientID string
	side     domain.Side
	typ      domain.OrderType
	quantity decimal.Decimal
	price    *decimal.Decimal
	placedAt time.Time

	status domain.OrderStatus
	filled decimal.Decimal
	avg    decimal.Decimal
}

// Venue venue.Connector 的内存实现
type Venue struct {
	cfg Config

	mu       sync.Mutex
	bid, ask decimal.Decimal
	position decimal.Decimal
	orders   map[string]*simOrder // handle id -> order
	byClient map[string]string    // client id -> handle id（幂等下单）
	seq      int

	subsMu sync.Mutex
	subs   []venue.PositionHandler

	// 故障注入（测试钩子；并发安全由 mu 保证）
	FailNextPlace  error
	FailNextCancel error
	HoldMakerFills bool // true 时 maker 单保持 resting，不自动成交
}

// New 创建模拟 venue
func New(cfg Config) *Venue {
	if cfg.VenueID == "" {
		cfg.VenueID = "sim"
	}
	return &Venue{
		cfg:      cfg,
		bid:      cfg.Bid,
		ask:      cfg.Ask,
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]string),
	}
}

func (v *Venue) ID() string { return v.cfg.VenueID }

// SetQuote 更新最优价（测试里驱动行情变化）
func (v *Venue) SetQuote(bid, ask decimal.Decimal) {
	v.mu.Lock()
	v.bid, v.ask = bid, ask
	v.mu.Unlock()
}

// PlaceOrder 下单。同 ClientID 重复提交返回已有订单（幂等）。
func (v *Venue) PlaceOrder(ctx context.Context, req venue.PlaceRequest) (*venue.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()

	if err := v.FailNextPlace; err != nil {
		v.FailNextPlace = nil
		v.mu.Unlock()
		return nil, err
	}
	if prev, ok := v.byClient[req.ClientID]; ok && req.ClientID != "" {
		o := v.orders[prev]
		v.mu.Unlock()
		return &venue.OrderHandle{ID: o.id, PlacedAt: o.placedAt}, nil
	}

	v.seq++
	o := &simOrder{
		id:       fmt.Sprintf("%s-%d", v.cfg.VenueID, v.seq),
		clientID: req.ClientID,
		side:     req.Side,
		typ:      req.OrderType,
		quantity: req.Quantity,
		price:    req.LimitPrice,
		placedAt: time.Now(),
		status:   domain.OrderStatusOpen,
	}
	v.orders[o.id] = o
	if req.ClientID != "" {
		v.byClient[req.ClientID] = o.id
	}
	holdMaker := v.HoldMakerFills && o.typ == domain.OrderTypeMakerLimit
	v.mu.Unlock()

	log.Debugf("模拟下单: venue=%s id=%s side=%s qty=%s", v.cfg.VenueID, o.id, o.side, o.quantity)

	if !holdMaker {
		if v.cfg.FillLatency > 0 {
			time.AfterFunc(v.cfg.FillLatency, func() { v.fill(o.id) })
		} else {
			v.fill(o.id)
		}
	}
	return &venue.OrderHandle{ID: o.id, PlacedAt: o.placedAt}, nil
}

// fill 撮合一笔订单（受 PartialFill 影响可能只成交一部分）
func (v *Venue) fill(id string) {
	v.mu.Lock()
	o, ok := v.orders[id]
	if !ok || o.status == domain.OrderStatusFilled || o.status == domain.OrderStatusCancelled {
		v.mu.Unlock()
		return
	}

	price := v.execPrice(o)
	remaining := o.quantity.Sub(o.filled)
	qty := remaining
	if v.cfg.PartialFill.IsPositive() && v.cfg.PartialFill.LessThan(decimal.NewFromInt(1)) && o.filled.IsZero() {
		qty = o.quantity.Mul(v.cfg.PartialFill)
	}

	prevNotional := o.avg.Mul(o.filled)
	o.filled = o.filled.Add(qty)
	o.avg = prevNotional.Add(price.Mul(qty)).Div(o.filled)
	if o.filled.GreaterThanOrEqual(o.quantity) {
		o.status = domain.OrderStatusFilled
	} else {
		o.status = domain.OrderStatusPartial
	}

	delta := qty.Mul(o.side.Sign())
	v.position = v.position.Add(delta)
	pos := v.position
	v.mu.Unlock()

	v.pushPosition(pos)
}

// FillOpenOrders 测试钩子：把所有未终结订单的剩余量全部成交
func (v *Venue) FillOpenOrders() {
	v.mu.Lock()
	ids := make([]string, 0, len(v.orders))
	for id, o := range v.orders {
		if o.status == domain.OrderStatusOpen || o.status == domain.OrderStatusPartial {
			ids = append(ids, id)
		}
	}
	v.mu.Unlock()
	for _, id := range ids {
		v.fill(id)
	}
}

// FillRemaining 测试钩子：把一笔订单的剩余量全部成交
func (v *Venue) FillRemaining(handleID string) {
	v.mu.Lock()
	if o, ok := v.orders[handleID]; ok && o.status != domain.OrderStatusCancelled {
		o.status = domain.OrderStatusPartial // 允许 fill 继续
	}
	v.mu.Unlock()
	v.fill(handleID)
}

func (v *Venue) execPrice(o *simOrder) decimal.Decimal {
	if o.typ == domain.OrderTypeMakerLimit && o.price != nil {
		return *o.price
	}
	if o.side == domain.SideBuy {
		return v.ask
	}
	return v.bid
}

// CancelOrder 撤单。已成交返回 ErrAlreadyFilled。
func (v *Venue) CancelOrder(ctx context.Context, handle *venue.OrderHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.FailNextCancel; err != nil {
		v.FailNextCancel = nil
		return err
	}
	o, ok := v.orders[handle.ID]
	if !ok {
		return venue.ErrNotFound
	}
	if o.status == domain.OrderStatusFilled {
		return venue.ErrAlreadyFilled
	}
	o.status = domain.OrderStatusCancelled
	return nil
}

// OrderStatus 查询订单状态
func (v *Venue) OrderStatus(ctx context.Context, handle *venue.OrderHandle) (*venue.OrderState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[handle.ID]
	if !ok {
		return nil, venue.ErrNotFound
	}
	return &venue.OrderState{Status: o.status, FilledQuantity: o.filled, AvgFillPrice: o.avg}, nil
}

// QueryPosition 轮询口径的持仓
func (v *Venue) QueryPosition(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position, nil
}

// SetPosition 测试钩子：直接改持仓并推送（模拟外部漂移）
func (v *Venue) SetPosition(qty decimal.Decimal) {
	v.mu.Lock()
	v.position = qty
	v.mu.Unlock()
	v.pushPosition(qty)
}

// SetPolledOnly 测试钩子：只改轮询口径，不推流（制造漂移）
func (v *Venue) SetPolledOnly(qty decimal.Decimal) {
	v.mu.Lock()
	v.position = qty
	v.mu.Unlock()
}

// BestQuote 当前最优价
func (v *Venue) BestQuote(ctx context.Context) (*venue.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return &venue.Quote{Bid: v.bid, Ask: v.ask, At: time.Now()}, nil
}

// SubscribePositions 注册推流 handler 并阻塞到 ctx 取消
func (v *Venue) SubscribePositions(ctx context.Context, handler venue.PositionHandler) error {
	v.subsMu.Lock()
	v.subs = append(v.subs, handler)
	v.subsMu.Unlock()

	// 订阅即推一次当前快照
	v.mu.Lock()
	pos := v.position
	v.mu.Unlock()
	handler(pos)

	<-ctx.Done()
	return ctx.Err()
}

func (v *Venue) pushPosition(qty decimal.Decimal) {
	v.subsMu.Lock()
	subs := make([]venue.PositionHandler, len(v.subs))
	copy(subs, v.subs)
	v.subsMu.Unlock()
	for _, h := range subs {
		h(qty)
	}
}
