// Package unwind 实现紧急平仓：当一条腿暴露且对手腿建立不起来时，
// 用吃单把暴露腿打平。目的就是消灭风险，不是赚钱，所以绕过 spread/盈利闸门。
package unwind

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/domain"
	"github.com/hedgebot/gopair/internal/events"
	"github.com/hedgebot/gopair/internal/positions"
	"github.com/hedgebot/gopair/internal/risk"
	"github.com/hedgebot/gopair/venue"
)

var log = logrus.WithField("module", "unwind")

// Config 紧急平仓配置
type Config struct {
	MaxAttempts int             // 重试上限（默认 2）——绝不允许无限循环
	RetryDelay  time.Duration   // 重试间隔
	DeMinimis   decimal.Decimal // 小于该绝对数量视为已打平
	OrderWait   time.Duration   // 单次平仓单的成交等待上限
}

// Controller 紧急平仓控制器。
// 重试耗尽仍未打平 → 置位 haltTrading 并返回致命错误，绝不静默继续。
type Controller struct {
	cfg     Config
	breaker *risk.CircuitBreaker
	bus     *events.Bus
}

// NewController 创建控制器
func NewController(cfg Config, breaker *risk.CircuitBreaker, bus *events.Bus) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.OrderWait <= 0 {
		cfg.OrderWait = 15 * time.Second
	}
	return &Controller{cfg: cfg, breaker: breaker, bus: bus}
}

// Flatten 把一个 venue 的带符号持仓打平（不关心成交明细的调用方使用）。
func (c *Controller) Flatten(ctx context.Context, conn venue.Connector, cache *positions.Cache, reason string) error {
	_, err := c.FlattenWithReport(ctx, conn, cache, reason)
	return err
}

// FlattenWithReport 打平持仓并返回平仓单的成交明细。
// 持仓读数来自 cache.Streamed()（决策口径）；每轮下一笔精确对冲剩余量的市价单。
// 平仓成交是真金白银的现金流，调用方要把它计入周期 PnL。
func (c *Controller) FlattenWithReport(ctx context.Context, conn venue.Connector, cache *positions.Cache, reason string) ([]domain.EmergencyFill, error) {
	if conn == nil || cache == nil {
		return nil, fmt.Errorf("unwind: connector/cache is nil")
	}

	pos := cache.Streamed()
	if pos.Abs().LessThanOrEqual(c.cfg.DeMinimis) {
		return nil, nil
	}

	log.Warnf("紧急平仓触发: venue=%s position=%s reason=%s", conn.ID(), pos, reason)
	c.bus.Publish(events.EmergencyUnwindTriggered{Base: events.NewBase(), VenueID: conn.ID(), Position: pos, Reason: reason})

	var fills []domain.EmergencyFill
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		pos = cache.Streamed()
		if pos.Abs().LessThanOrEqual(c.cfg.DeMinimis) {
			log.Infof("紧急平仓完成: venue=%s attempt=%d", conn.ID(), attempt)
			return fills, nil
		}

		fill, err := c.flattenOnce(ctx, conn, pos)
		if fill != nil {
			fills = append(fills, *fill)
		}
		if err != nil {
			log.Errorf("紧急平仓第 %d/%d 次失败: venue=%s err=%v", attempt, c.cfg.MaxAttempts, conn.ID(), err)
		}

		// 给推流一点时间回流持仓
		if err := waitFlat(ctx, cache, c.cfg.DeMinimis, c.cfg.RetryDelay); err == nil {
			log.Infof("紧急平仓完成: venue=%s attempt=%d", conn.ID(), attempt)
			return fills, nil
		}
	}

	c.breaker.Halt("emergency_unwind_exhausted")
	c.bus.Publish(events.TradingHalted{Base: events.NewBase(), Reason: "emergency_unwind_exhausted"})
	return fills, fmt.Errorf("unwind: venue=%s 重试 %d 次后仍未打平（剩余 %s），haltTrading 已置位",
		conn.ID(), c.cfg.MaxAttempts, cache.Streamed())
}

// flattenOnce 下一笔方向相反、数量精确等于当前暴露的市价单，等待成交并返回成交明细。
func (c *Controller) flattenOnce(ctx context.Context, conn venue.Connector, pos decimal.Decimal) (*domain.EmergencyFill, error) {
	side := domain.SideSell
	if pos.IsNegative() {
		side = domain.SideBuy
	}
	qty := pos.Abs()

	octx, cancel := context.WithTimeout(ctx, c.cfg.OrderWait)
	defer cancel()

	handle, err := conn.PlaceOrder(octx, venue.PlaceRequest{
		Side:      side,
		Quantity:  qty,
		OrderType: domain.OrderTypeTakerMarket,
		ClientID:  uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-octx.Done():
			// 等待超时也可能已有在途成交，最后对账一次
			return c.fillOf(conn, handle, side), octx.Err()
		case <-ticker.C:
			st, err := conn.OrderStatus(octx, handle)
			if err != nil {
				continue
			}
			switch st.Status {
			case domain.OrderStatusFilled:
				return &domain.EmergencyFill{VenueID: conn.ID(), Side: side,
					Quantity: st.FilledQuantity, AvgPrice: st.AvgFillPrice}, nil
			case domain.OrderStatusRejected, domain.OrderStatusCancelled:
				var fill *domain.EmergencyFill
				if st.FilledQuantity.IsPositive() {
					fill = &domain.EmergencyFill{VenueID: conn.ID(), Side: side,
						Quantity: st.FilledQuantity, AvgPrice: st.AvgFillPrice}
				}
				return fill, fmt.Errorf("unwind: 平仓单终态 %s", st.Status)
			}
		}
	}
}

// fillOf 查一次订单的已成交部分；查不到或零成交返回 nil。
func (c *Controller) fillOf(conn venue.Connector, handle *venue.OrderHandle, side domain.Side) *domain.EmergencyFill {
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := conn.OrderStatus(sctx, handle)
	if err != nil || !st.FilledQuantity.IsPositive() {
		return nil
	}
	return &domain.EmergencyFill{VenueID: conn.ID(), Side: side, Quantity: st.FilledQuantity, AvgPrice: st.AvgFillPrice}
}

// waitFlat 在 window 内等待 streamed 读数回到 de-minimis 以内。
func waitFlat(ctx context.Context, cache *positions.Cache, deMinimis decimal.Decimal, window time.Duration) error {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cache.Streamed().Abs().LessThanOrEqual(deMinimis) {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("unwind: not flat within %s", window)
			}
		}
	}
}
