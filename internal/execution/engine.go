// Package execution 实现单订单执行引擎：下单 → staleness 检查 →
// cancel-replace / 计时器续命 → 终态。venue 怪癖全部来自注入的 quirk.Policy，
// 控制流本身对 venue 无感知。
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/domain"
	"github.com/hedgebot/gopair/internal/events"
	"github.com/hedgebot/gopair/internal/quirk"
	"github.com/hedgebot/gopair/venue"
)

var log = logrus.WithField("module", "execution")

// Quoter 挂单价格策略（可插拔；定价/alpha 不属于核心）。
type Quoter interface {
	// MakerPrice 给定当前最优价，返回 maker 挂单价
	MakerPrice(q *venue.Quote, side domain.Side) decimal.Decimal
}

// JoinBestQuoter 默认策略：贴最优价（买贴 bid，卖贴 ask）。
type JoinBestQuoter struct{}

func (JoinBestQuoter) MakerPrice(q *venue.Quote, side domain.Side) decimal.Decimal {
	if side == domain.SideBuy {
		return q.Bid
	}
	return q.Ask
}

// Outcome 执行结果分类
type Outcome string

const (
	OutcomeFilled    Outcome = "filled"
	OutcomeTimedOut  Outcome = "timed_out" // 超时无成交（REJECTED 等价结果，由调用方决定重试/放弃）
	OutcomeRejected  Outcome = "rejected"  // 不可重试的订单错误
	OutcomeCancelled Outcome = "cancelled" // 被 ctx 取消（operator 信号）
)

// Result 一次 Execute 的结果
type Result struct {
	Outcome Outcome
	Order   *domain.Order
	Err     error
}

// Engine 单 venue 的订单执行引擎。
// 同一个 Engine 实例串行持有它正在执行的订单；venue 级撤单节流状态也在这里。
type Engine struct {
	conn   venue.Connector
	policy quirk.Policy
	bus    *events.Bus
	quoter Quoter
	guard  *LegGuard

	lastCancelAt time.Time // venue 级：两次撤单之间的最小间隔以此为准
}

// NewEngine 创建执行引擎
func NewEngine(conn venue.Connector, policy quirk.Policy, bus *events.Bus, quoter Quoter, guard *LegGuard) *Engine {
	if quoter == nil {
		quoter = JoinBestQuoter{}
	}
	if guard == nil {
		guard = NewLegGuard()
	}
	return &Engine{conn: conn, policy: policy, bus: bus, quoter: quoter, guard: guard}
}

// Execute 执行一个订单直到终态。
//
// - maker_limit：下单后按 policy 跑 staleness/cancel-replace 循环；
//   部分成交会继续做剩余数量，直到全部成交或 ctx 被取消；
//   单次挂单超时且累计零成交 → OutcomeTimedOut。
// - taker_market：下单后轮询直到成交或超时。
//
// 所有网络调用都带显式 deadline；deadline 过期视为 failed-but-possibly-in-flight，
// 通过 OrderStatus 再对账，绝不假设失败=无副作用。
func (e *Engine) Execute(ctx context.Context, order *domain.Order) (*Result, error) {
	if order == nil {
		return nil, errors.New("execution: order is nil")
	}
	legKey := order.VenueID + "/" + order.CycleID
	if err := e.guard.Acquire(legKey, order.OrderID); err != nil {
		return nil, err
	}
	defer e.guard.Release(legKey)

	if order.OrderType == domain.OrderTypeTakerMarket {
		return e.executeTaker(ctx, order)
	}
	return e.executeMaker(ctx, order)
}

// executeMaker maker 主循环：每轮挂一笔 resting order，做 staleness 检查，
// 需要时 cancel-replace；直到剩余数量归零。
func (e *Engine) executeMaker(ctx context.Context, order *domain.Order) (*Result, error) {
	firstPlacedAt := time.Time{} // 外层封顶（MaxTotalWait）以首次挂单时间为基准

	for order.Remaining().IsPositive() {
		select {
		case <-ctx.Done():
			order.Status = domain.OrderStatusCancelled
			return &Result{Outcome: OutcomeCancelled, Order: order, Err: ctx.Err()}, nil
		default:
		}

		price := order.LimitPrice
		if price == nil || order.Replaces > 0 {
			// replace 或未给初始价：重新贴最优价
			q, err := e.conn.BestQuote(ctx)
			if err != nil {
				if waitErr := sleepCtx(ctx, 250*time.Millisecond); waitErr != nil {
					order.Status = domain.OrderStatusCancelled
					return &Result{Outcome: OutcomeCancelled, Order: order, Err: waitErr}, nil
				}
				continue
			}
			p := e.quoter.MakerPrice(q, order.Side)
			price = &p
			order.LimitPrice = price
		}

		// 本次挂单之前已累计的成交：replace 后新 handle 的成交从零起算，
		// 对账时要叠加回来
		base := fillBase{qty: order.FilledQuantity, notional: order.AvgFillPrice.Mul(order.FilledQuantity)}

		handle, err := e.place(ctx, order, price)
		if err != nil {
			if venue.IsNonRetryableOrder(err) {
				order.Status = domain.OrderStatusRejected
				log.Warnf("订单被拒: venue=%s order=%s err=%v", order.VenueID, order.OrderID, err)
				return &Result{Outcome: OutcomeRejected, Order: order, Err: err}, nil
			}
			return nil, err
		}
		if firstPlacedAt.IsZero() {
			firstPlacedAt = handle.PlacedAt
		}

		res, done, err := e.workRestingOrder(ctx, order, handle, firstPlacedAt, base)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
		// 未终结：cancel-replace，继续做剩余数量
		order.Replaces++
	}

	order.Status = domain.OrderStatusFilled
	return &Result{Outcome: OutcomeFilled, Order: order}, nil
}

// fillBase 当前这笔挂单之前已累计的成交量与成交额
type fillBase struct {
	qty      decimal.Decimal
	notional decimal.Decimal
}

// workRestingOrder 跟踪一笔 resting order 直到：
// - 全部成交（done, Filled）
// - 需要 replace（not done）
// - 超时且累计零成交，或等待总上限到点（done, TimedOut）
// - ctx 取消（done, Cancelled）
func (e *Engine) workRestingOrder(ctx context.Context, order *domain.Order, handle *venue.OrderHandle, firstPlacedAt time.Time, base fillBase) (*Result, bool, error) {
	deadline := handle.PlacedAt.Add(e.policy.Timeout)
	deadlineTimer := time.NewTimer(time.Until(deadline))
	defer deadlineTimer.Stop()

	staleTicker := time.NewTicker(e.policy.StaleCheckInterval())
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = e.cancelNow(context.Background(), order, handle, "operator")
			e.refreshFills(context.Background(), order, handle, base)
			order.Status = domain.OrderStatusCancelled
			return &Result{Outcome: OutcomeCancelled, Order: order, Err: ctx.Err()}, true, nil

		case <-staleTicker.C:
			filled, err := e.refreshFills(ctx, order, handle, base)
			if err != nil {
				continue // 瞬时查询失败：下一个 tick 再看
			}
			if filled {
				return &Result{Outcome: OutcomeFilled, Order: order}, true, nil
			}

			q, err := e.conn.BestQuote(ctx)
			if err != nil {
				continue
			}
			competitive := isCompetitive(order.Side, *order.LimitPrice, q)
			d := e.policy.OnStaleCheck(time.Now(), firstPlacedAt, competitive)

			if d.NewDeadline != nil && d.NewDeadline.After(deadline) {
				deadline = *d.NewDeadline
				resetTimer(deadlineTimer, time.Until(deadline))
				log.Debugf("计时器续命: venue=%s order=%s newDeadline=%s", order.VenueID, order.OrderID, deadline.Format(time.RFC3339))
				e.bus.Publish(events.TimerReset{Base: events.NewBase(), VenueID: order.VenueID, OrderID: order.OrderID, NewDeadline: deadline})
			}
			if d.CancelNow {
				reason := "stale_price"
				if d.Expired {
					reason = "max_total_wait"
				}
				if err := e.cancelWithRateLimit(ctx, order, handle, reason); err != nil {
					if errors.Is(err, venue.ErrAlreadyFilled) {
						if filled, _ := e.refreshFills(ctx, order, handle, base); filled {
							return &Result{Outcome: OutcomeFilled, Order: order}, true, nil
						}
					}
					if ctx.Err() != nil {
						order.Status = domain.OrderStatusCancelled
						return &Result{Outcome: OutcomeCancelled, Order: order, Err: ctx.Err()}, true, nil
					}
					continue
				}
				if filled, _ := e.refreshFills(ctx, order, handle, base); filled {
					return &Result{Outcome: OutcomeFilled, Order: order}, true, nil
				}
				if d.Expired {
					// 等待总上限到点：不再 replace，按超时终结
					if !order.FilledQuantity.IsPositive() {
						order.Status = domain.OrderStatusRejected
					}
					log.Infof("订单达到等待总上限: venue=%s order=%s maxWait=%s filled=%s",
						order.VenueID, order.OrderID, e.policy.MaxTotalWait, order.FilledQuantity)
					return &Result{Outcome: OutcomeTimedOut, Order: order}, true, nil
				}
				return nil, false, nil // replace
			}

		case <-deadlineTimer.C:
			// 终了超时：撤单 + 对账（可能已在途成交）
			if err := e.cancelWithRateLimit(ctx, order, handle, "timeout"); err != nil && !errors.Is(err, venue.ErrAlreadyFilled) && !errors.Is(err, venue.ErrNotFound) {
				log.Warnf("超时撤单失败: venue=%s order=%s err=%v", order.VenueID, order.OrderID, err)
			}
			if filled, _ := e.refreshFills(ctx, order, handle, base); filled {
				return &Result{Outcome: OutcomeFilled, Order: order}, true, nil
			}
			if order.FilledQuantity.IsPositive() {
				// 有部分成交：不算失败，replace 继续做剩余数量
				return nil, false, nil
			}
			order.Status = domain.OrderStatusRejected
			log.Infof("订单超时无成交: venue=%s order=%s timeout=%s", order.VenueID, order.OrderID, e.policy.Timeout)
			return &Result{Outcome: OutcomeTimedOut, Order: order}, true, nil
		}
	}
}

// executeTaker taker 市价单：立即下单，轮询到成交或超时。
func (e *Engine) executeTaker(ctx context.Context, order *domain.Order) (*Result, error) {
	handle, err := e.place(ctx, order, nil)
	if err != nil {
		if venue.IsNonRetryableOrder(err) {
			order.Status = domain.OrderStatusRejected
			return &Result{Outcome: OutcomeRejected, Order: order, Err: err}, nil
		}
		return nil, err
	}

	deadline := handle.PlacedAt.Add(e.policy.Timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.refreshFills(context.Background(), order, handle, fillBase{})
			if order.IsFilled() {
				return &Result{Outcome: OutcomeFilled, Order: order}, nil
			}
			order.Status = domain.OrderStatusCancelled
			return &Result{Outcome: OutcomeCancelled, Order: order, Err: ctx.Err()}, nil
		case <-ticker.C:
			filled, err := e.refreshFills(ctx, order, handle, fillBase{})
			if err != nil {
				continue
			}
			if filled {
				return &Result{Outcome: OutcomeFilled, Order: order}, nil
			}
			if time.Now().After(deadline) {
				order.Status = domain.OrderStatusRejected
				return &Result{Outcome: OutcomeTimedOut, Order: order}, nil
			}
		}
	}
}

// place 下单。同一次挂单的瞬时重试复用同一个 ClientID（venue 侧幂等去重）；
// 每次 replace 必须换新 ID，否则幂等 venue 会把"新"单解析回已撤销的旧单。
func (e *Engine) place(ctx context.Context, order *domain.Order, price *decimal.Decimal) (*venue.OrderHandle, error) {
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	clientID := order.OrderID
	if order.Replaces > 0 {
		clientID = fmt.Sprintf("%s-r%d", order.OrderID, order.Replaces)
	}
	req := venue.PlaceRequest{
		Side:       order.Side,
		Quantity:   order.Remaining(),
		OrderType:  order.OrderType,
		LimitPrice: price,
		ClientID:   clientID,
	}

	budget := time.Now().Add(e.policy.Timeout)
	for {
		pctx, cancel := context.WithDeadline(ctx, budget)
		handle, err := e.conn.PlaceOrder(pctx, req)
		cancel()
		if err == nil {
			order.HandleID = handle.ID
			order.Status = domain.OrderStatusOpen
			if order.PlacedAt.IsZero() {
				order.PlacedAt = handle.PlacedAt
			}
			log.Infof("订单已提交: venue=%s order=%s side=%s qty=%s price=%v type=%s",
				order.VenueID, order.OrderID, order.Side, req.Quantity, fmtPrice(price), order.OrderType)
			e.bus.Publish(events.OrderPlaced{Base: events.NewBase(), VenueID: order.VenueID, OrderID: order.OrderID,
				Side: string(order.Side), Quantity: req.Quantity, Price: price})
			return handle, nil
		}
		if !venue.IsRetryable(err) || time.Now().After(budget) || ctx.Err() != nil {
			return nil, err
		}
		log.Debugf("下单瞬时失败，重试: venue=%s err=%v", order.VenueID, err)
		if werr := sleepCtx(ctx, 250*time.Millisecond); werr != nil {
			return nil, werr
		}
	}
}

// cancelWithRateLimit 撤单，受 venue 的 cancelRateLimit 约束：
// 被限流时"推迟"而不是"跳过"—— 等满间隔再撤。
func (e *Engine) cancelWithRateLimit(ctx context.Context, order *domain.Order, handle *venue.OrderHandle, reason string) error {
	ok, wait := e.policy.AllowCancel(time.Now(), e.lastCancelAt)
	if !ok {
		log.Debugf("撤单被限流推迟: venue=%s order=%s wait=%s", order.VenueID, order.OrderID, wait)
		e.bus.Publish(events.RateLimited{Base: events.NewBase(), VenueID: order.VenueID, OrderID: order.OrderID, Deferred: wait})
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	return e.cancelNow(ctx, order, handle, reason)
}

func (e *Engine) cancelNow(ctx context.Context, order *domain.Order, handle *venue.OrderHandle, reason string) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := e.conn.CancelOrder(cctx, handle)
	if err == nil || errors.Is(err, venue.ErrNotFound) {
		e.lastCancelAt = time.Now()
		log.Infof("订单已撤销: venue=%s order=%s reason=%s", order.VenueID, order.OrderID, reason)
		e.bus.Publish(events.OrderCancelled{Base: events.NewBase(), VenueID: order.VenueID, OrderID: order.OrderID, Reason: reason})
		return nil
	}
	return err
}

// refreshFills 用订单状态查询对账成交进度。handle 的成交量从本次挂单起算，
// 叠加 base 里 replace 之前的累计成交得到订单口径。返回是否已全部成交。
func (e *Engine) refreshFills(ctx context.Context, order *domain.Order, handle *venue.OrderHandle, base fillBase) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := e.conn.OrderStatus(sctx, handle)
	if err != nil {
		return false, err
	}
	cum := base.qty.Add(st.FilledQuantity)
	if cum.GreaterThan(order.FilledQuantity) {
		order.FilledQuantity = cum
		notional := base.notional.Add(st.FilledQuantity.Mul(st.AvgFillPrice))
		order.AvgFillPrice = notional.Div(cum)
	}
	if order.FilledQuantity.GreaterThanOrEqual(order.Quantity) {
		order.Status = domain.OrderStatusFilled
		return true, nil
	}
	if order.FilledQuantity.IsPositive() {
		order.Status = domain.OrderStatusPartial
	}
	return false, nil
}

// isCompetitive 判断 resting 价格是否仍有竞争力：
// 买单贴住（或优于）best bid，卖单贴住（或优于）best ask。
func isCompetitive(side domain.Side, price decimal.Decimal, q *venue.Quote) bool {
	if side == domain.SideBuy {
		return price.GreaterThanOrEqual(q.Bid)
	}
	return price.LessThanOrEqual(q.Ask)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func fmtPrice(p *decimal.Decimal) string {
	if p == nil {
		return "market"
	}
	return p.String()
}
