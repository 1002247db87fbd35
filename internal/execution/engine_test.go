package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgebot/gopair/internal/domain"
	"github.com/hedgebot/gopair/internal/events"
	"github.com/hedgebot/gopair/internal/quirk"
	"github.com/hedgebot/gopair/venue"
	"github.com/hedgebot/gopair/venue/sim"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSim(cfg sim.Config) *sim.Venue {
	if cfg.VenueID == "" {
		cfg.VenueID = "simA"
	}
	if cfg.Bid.IsZero() {
		cfg.Bid = d("100")
		cfg.Ask = d("100.05")
	}
	return sim.New(cfg)
}

func newEngine(v *sim.Venue, p quirk.Policy) *Engine {
	return NewEngine(v, p, events.NewBus(), nil, nil)
}

func makerOrder(side domain.Side, qty string) *domain.Order {
	return &domain.Order{
		VenueID:   "simA",
		CycleID:   "c1",
		Side:      side,
		OrderType: domain.OrderTypeMakerLimit,
		Quantity:  d(qty),
	}
}

func TestExecute_MakerFilled(t *testing.T) {
	v := newSim(sim.Config{})
	e := newEngine(v, quirk.Policy{Timeout: 2 * time.Second, Stale: quirk.StaleFixedTimeout})

	order := makerOrder(domain.SideBuy, "1")
	res, err := e.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("Execute 失败: %v", err)
	}
	if res.Outcome != OutcomeFilled {
		t.Fatalf("期望 filled，得到 %s", res.Outcome)
	}
	// 贴 bid 挂单，成交在限价上
	if !order.AvgFillPrice.Equal(d("100")) {
		t.Errorf("期望成交价 100，得到 %s", order.AvgFillPrice)
	}
	if order.Status != domain.OrderStatusFilled {
		t.Errorf("期望状态 filled，得到 %s", order.Status)
	}
}

func TestExecute_MakerTimeoutZeroFill(t *testing.T) {
	v := newSim(sim.Config{})
	v.HoldMakerFills = true
	e := newEngine(v, quirk.Policy{Timeout: 300 * time.Millisecond, Stale: quirk.StaleFixedTimeout})

	order := makerOrder(domain.SideBuy, "1")
	res, err := e.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("Execute 失败: %v", err)
	}
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("零成交超时应为 timed_out，得到 %s", res.Outcome)
	}
	if order.Status != domain.OrderStatusRejected {
		t.Errorf("超时订单状态应为 rejected，得到 %s", order.Status)
	}
	if !order.FilledQuantity.IsZero() {
		t.Errorf("不应有成交，得到 %s", order.FilledQuantity)
	}
}

func TestExecute_MakerCancelReplaceOnUncompetitive(t *testing.T) {
	v := newSim(sim.Config{})
	v.HoldMakerFills = true
	e := newEngine(v, quirk.Policy{Timeout: time.Second, Stale: quirk.StaleFixedTimeout})

	order := makerOrder(domain.SideBuy, "1")
	done := make(chan *Result, 1)
	go func() {
		res, err := e.Execute(context.Background(), order)
		if err != nil {
			t.Errorf("Execute 失败: %v", err)
		}
		done <- res
	}()

	// 首次挂单贴 bid=100；行情上移后 100 不再有竞争力 → cancel-replace
	time.Sleep(150 * time.Millisecond)
	v.SetQuote(d("100.10"), d("100.15"))
	time.Sleep(300 * time.Millisecond)
	// replace 后的新单贴新 bid，放行成交
	v.FillOpenOrders()

	select {
	case res := <-done:
		if res.Outcome != OutcomeFilled {
			t.Fatalf("期望 filled，得到 %s", res.Outcome)
		}
		if res.Order.Replaces != 1 {
			t.Errorf("期望恰好一次 cancel-replace，得到 %d", res.Order.Replaces)
		}
		if !res.Order.AvgFillPrice.Equal(d("100.10")) {
			t.Errorf("replace 后应成交在新 bid 100.10，得到 %s", res.Order.AvgFillPrice)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute 未在期限内返回")
	}
}

func TestExecute_ReplacePlacesFreshOrder(t *testing.T) {
	v := newSim(sim.Config{})
	v.HoldMakerFills = true
	e := newEngine(v, quirk.Policy{Timeout: time.Second, Stale: quirk.StaleFixedTimeout})

	order := makerOrder(domain.SideBuy, "1")
	done := make(chan *Result, 1)
	go func() {
		res, err := e.Execute(context.Background(), order)
		if err != nil {
			t.Errorf("Execute 失败: %v", err)
		}
		done <- res
	}()

	time.Sleep(150 * time.Millisecond)
	v.SetQuote(d("100.10"), d("100.15"))
	time.Sleep(300 * time.Millisecond)
	v.FillOpenOrders()

	select {
	case res := <-done:
		if res.Outcome != OutcomeFilled {
			t.Fatalf("期望 filled，得到 %s", res.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute 未在期限内返回")
	}

	// 首次挂单的 ClientID 幂等命中的必须是已撤销的旧单，而不是最终成交的那笔：
	// replace 复用旧 ClientID 会被幂等 venue 解析回死单，新单根本下不出去
	h, err := v.PlaceOrder(context.Background(), venue.PlaceRequest{
		Side:      domain.SideBuy,
		Quantity:  d("1"),
		OrderType: domain.OrderTypeMakerLimit,
		ClientID:  order.OrderID,
	})
	if err != nil {
		t.Fatalf("幂等重放失败: %v", err)
	}
	if h.ID == order.HandleID {
		t.Fatal("replace 后的新单不能与首次挂单共用 ClientID")
	}
	st, err := v.OrderStatus(context.Background(), h)
	if err != nil {
		t.Fatalf("查询旧单失败: %v", err)
	}
	if st.Status != domain.OrderStatusCancelled || !st.FilledQuantity.IsZero() {
		t.Errorf("旧单应保持已撤销零成交，得到 status=%s filled=%s", st.Status, st.FilledQuantity)
	}
}

func TestExecute_MaxTotalWaitStopsReplacing(t *testing.T) {
	// 挂单先部分成交 0.4 后保持 resting，价格始终有竞争力：
	// 到达 MaxTotalWait 后必须终结，不允许继续撤换
	v := newSim(sim.Config{PartialFill: d("0.4")})
	e := newEngine(v, quirk.Policy{
		Timeout:      time.Second,
		Stale:        quirk.StaleResetOnCompetitive,
		MaxTotalWait: 250 * time.Millisecond,
	})

	start := time.Now()
	order := makerOrder(domain.SideBuy, "1")
	res, err := e.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("Execute 失败: %v", err)
	}
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("等待总上限到点应为 timed_out，得到 %s", res.Outcome)
	}
	if order.Replaces != 0 {
		t.Errorf("到达上限后必须终结而不是 replace，撤换了 %d 次", order.Replaces)
	}
	if !order.FilledQuantity.Equal(d("0.4")) {
		t.Errorf("部分成交应保留 0.4，得到 %s", order.FilledQuantity)
	}
	// 终结由 MaxTotalWait 驱动，应远早于单笔挂单的 Timeout
	if elapsed := time.Since(start); elapsed > 800*time.Millisecond {
		t.Errorf("应在上限附近终结而不是持续撤换，耗时 %s", elapsed)
	}
}

func TestExecute_ReplaceAccumulatesPartialFills(t *testing.T) {
	// 首笔挂单部分成交 0.4 后因价格失去竞争力被撤换；
	// replace 之后的成交必须和之前的部分成交累计，而不是各算各的
	v := newSim(sim.Config{PartialFill: d("0.4")})
	e := newEngine(v, quirk.Policy{Timeout: 2 * time.Second, Stale: quirk.StaleFixedTimeout})

	order := makerOrder(domain.SideBuy, "1")
	done := make(chan *Result, 1)
	go func() {
		res, err := e.Execute(context.Background(), order)
		if err != nil {
			t.Errorf("Execute 失败: %v", err)
		}
		done <- res
	}()

	// 首单贴 bid=100 部分成交 0.4；行情上移后被撤换，
	// 新单贴 100.10 再部分成交，最后放行剩余量
	time.Sleep(150 * time.Millisecond)
	v.SetQuote(d("100.10"), d("100.15"))
	time.Sleep(300 * time.Millisecond)
	v.FillOpenOrders()

	select {
	case res := <-done:
		if res.Outcome != OutcomeFilled {
			t.Fatalf("期望 filled，得到 %s", res.Outcome)
		}
		if res.Order.Replaces != 1 {
			t.Errorf("期望恰好一次 cancel-replace，得到 %d", res.Order.Replaces)
		}
		if !res.Order.FilledQuantity.Equal(d("1")) {
			t.Errorf("累计成交应为 1，得到 %s", res.Order.FilledQuantity)
		}
		// 0.4@100 + 0.6@100.10 → 均价 100.06
		if !res.Order.AvgFillPrice.Equal(d("100.06")) {
			t.Errorf("期望加权均价 100.06，得到 %s", res.Order.AvgFillPrice)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute 未在期限内返回")
	}
}

func TestExecute_TakerFilled(t *testing.T) {
	v := newSim(sim.Config{FillLatency: 50 * time.Millisecond})
	e := newEngine(v, quirk.Policy{Timeout: 2 * time.Second, Stale: quirk.StaleFixedTimeout})

	order := &domain.Order{
		VenueID:   "simA",
		CycleID:   "c1",
		Side:      domain.SideSell,
		OrderType: domain.OrderTypeTakerMarket,
		Quantity:  d("2"),
	}
	res, err := e.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("Execute 失败: %v", err)
	}
	if res.Outcome != OutcomeFilled {
		t.Fatalf("期望 filled，得到 %s", res.Outcome)
	}
	// taker 卖单吃 bid
	if !order.AvgFillPrice.Equal(d("100")) {
		t.Errorf("期望成交价 100，得到 %s", order.AvgFillPrice)
	}
	if !order.SignedFill().Equal(d("-2")) {
		t.Errorf("期望带符号成交 -2，得到 %s", order.SignedFill())
	}
}

func TestExecute_LegBusy(t *testing.T) {
	v := newSim(sim.Config{})
	guard := NewLegGuard()
	e := NewEngine(v, quirk.Default(), events.NewBus(), nil, guard)

	if err := guard.Acquire("simA/c1", "other-order"); err != nil {
		t.Fatalf("预占腿失败: %v", err)
	}
	_, err := e.Execute(context.Background(), makerOrder(domain.SideBuy, "1"))
	if !errors.Is(err, ErrLegBusy) {
		t.Fatalf("同腿并发应返回 ErrLegBusy，得到 %v", err)
	}
}

func TestExecute_RetryablePlaceKeepsClientID(t *testing.T) {
	v := newSim(sim.Config{})
	v.FailNextPlace = venue.Retryable(errors.New("connection reset"))
	e := newEngine(v, quirk.Policy{Timeout: 5 * time.Second, Stale: quirk.StaleFixedTimeout})

	order := makerOrder(domain.SideBuy, "1")
	res, err := e.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("瞬时失败后重试应成功: %v", err)
	}
	if res.Outcome != OutcomeFilled {
		t.Fatalf("期望 filled，得到 %s", res.Outcome)
	}

	// 同 ClientID 再次提交必须幂等命中同一笔订单
	h, err := v.PlaceOrder(context.Background(), venue.PlaceRequest{
		Side:      domain.SideBuy,
		Quantity:  d("1"),
		OrderType: domain.OrderTypeMakerLimit,
		ClientID:  order.OrderID,
	})
	if err != nil {
		t.Fatalf("幂等重放失败: %v", err)
	}
	if h.ID != order.HandleID {
		t.Errorf("同 ClientID 应命中原订单 %s，得到 %s", order.HandleID, h.ID)
	}
}

func TestExecute_CtxCancelled(t *testing.T) {
	v := newSim(sim.Config{})
	v.HoldMakerFills = true
	e := newEngine(v, quirk.Policy{Timeout: 5 * time.Second, Stale: quirk.StaleFixedTimeout})

	ctx, cancel := context.WithCancel(context.Background())
	order := makerOrder(domain.SideSell, "1")
	done := make(chan *Result, 1)
	go func() {
		res, err := e.Execute(ctx, order)
		if err != nil {
			t.Errorf("Execute 失败: %v", err)
		}
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Outcome != OutcomeCancelled {
			t.Fatalf("ctx 取消应为 cancelled，得到 %s", res.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute 未在期限内返回")
	}
}
