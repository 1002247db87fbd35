package unwind

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgebot/gopair/internal/domain"
	"github.com/hedgebot/gopair/internal/events"
	"github.com/hedgebot/gopair/internal/positions"
	"github.com/hedgebot/gopair/internal/risk"
	"github.com/hedgebot/gopair/venue"
	"github.com/hedgebot/gopair/venue/sim"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFlatten_AlreadyFlat(t *testing.T) {
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{})
	c := NewController(Config{DeMinimis: d("0.01")}, breaker, events.NewBus())
	v := sim.New(sim.Config{VenueID: "simA", Bid: d("100"), Ask: d("100.05")})
	cache := positions.NewCache("simA")
	cache.ApplyStreamUpdate(d("0.005"))

	if err := c.Flatten(context.Background(), v, cache, "startup_residual"); err != nil {
		t.Fatalf("de-minimis 以内不应下单: %v", err)
	}
	if pos, _ := v.QueryPosition(context.Background()); !pos.IsZero() {
		t.Errorf("不应产生成交，venue 持仓 %s", pos)
	}
}

func TestFlatten_Succeeds(t *testing.T) {
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{})
	c := NewController(Config{
		MaxAttempts: 2,
		RetryDelay:  500 * time.Millisecond,
		DeMinimis:   d("0.0001"),
		OrderWait:   2 * time.Second,
	}, breaker, events.NewBus())

	v := sim.New(sim.Config{VenueID: "simA", Bid: d("100"), Ask: d("100.05")})
	cache := positions.NewCache("simA")

	// venue 上有 0.5 多头暴露，推流已同步到 cache
	v.SetPosition(d("0.5"))
	cache.ApplyStreamUpdate(d("0.5"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go v.SubscribePositions(ctx, cache.ApplyStreamUpdate)
	time.Sleep(20 * time.Millisecond)

	if err := c.Flatten(ctx, v, cache, "hedge_failed"); err != nil {
		t.Fatalf("平仓应成功: %v", err)
	}
	if !cache.Streamed().IsZero() {
		t.Errorf("平仓后 streamed 应为 0，得到 %s", cache.Streamed())
	}
	if halted, _ := breaker.Halted(); halted {
		t.Error("成功平仓不应触发 haltTrading")
	}
}

func TestFlattenWithReport_CapturesFill(t *testing.T) {
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{})
	c := NewController(Config{
		MaxAttempts: 2,
		RetryDelay:  500 * time.Millisecond,
		DeMinimis:   d("0.0001"),
		OrderWait:   2 * time.Second,
	}, breaker, events.NewBus())

	v := sim.New(sim.Config{VenueID: "simA", Bid: d("99"), Ask: d("99.05")})
	cache := positions.NewCache("simA")
	v.SetPosition(d("2"))
	cache.ApplyStreamUpdate(d("2"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go v.SubscribePositions(ctx, cache.ApplyStreamUpdate)
	time.Sleep(20 * time.Millisecond)

	fills, err := c.FlattenWithReport(ctx, v, cache, "hedge_failed")
	if err != nil {
		t.Fatalf("平仓应成功: %v", err)
	}
	// 平仓成交的价格/数量必须回传，调用方要拿它算已实现 PnL
	if len(fills) != 1 {
		t.Fatalf("期望一笔平仓成交，得到 %d", len(fills))
	}
	f := fills[0]
	if f.VenueID != "simA" || f.Side != domain.SideSell {
		t.Errorf("平仓方向/venue 错误: %+v", f)
	}
	if !f.Quantity.Equal(d("2")) || !f.AvgPrice.Equal(d("99")) {
		t.Errorf("平仓成交应为 2@99，得到 %s@%s", f.Quantity, f.AvgPrice)
	}
}

// deadConn 所有下单都失败的连接器
type deadConn struct{}

func (deadConn) ID() string { return "dead" }
func (deadConn) PlaceOrder(ctx context.Context, req venue.PlaceRequest) (*venue.OrderHandle, error) {
	return nil, venue.Retryable(context.DeadlineExceeded)
}
func (deadConn) CancelOrder(ctx context.Context, h *venue.OrderHandle) error { return nil }
func (deadConn) OrderStatus(ctx context.Context, h *venue.OrderHandle) (*venue.OrderState, error) {
	return nil, venue.ErrNotFound
}
func (deadConn) QueryPosition(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (deadConn) BestQuote(ctx context.Context) (*venue.Quote, error) { return nil, nil }
func (deadConn) SubscribePositions(ctx context.Context, h venue.PositionHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestFlatten_ExhaustionHalts(t *testing.T) {
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{})
	c := NewController(Config{
		MaxAttempts: 2,
		RetryDelay:  100 * time.Millisecond,
		DeMinimis:   d("0.01"),
		OrderWait:   100 * time.Millisecond,
	}, breaker, events.NewBus())

	cache := positions.NewCache("dead")
	cache.ApplyStreamUpdate(d("1.0"))

	err := c.Flatten(context.Background(), deadConn{}, cache, "hedge_failed")
	if err == nil {
		t.Fatal("重试耗尽必须返回错误")
	}
	halted, reason := breaker.Halted()
	if !halted {
		t.Fatal("重试耗尽必须置位 haltTrading")
	}
	if reason != "emergency_unwind_exhausted" {
		t.Errorf("halt 原因错误: %s", reason)
	}
}
