package positions

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgebot/gopair/internal/events"
	"github.com/hedgebot/gopair/venue"
)

// stubConn 只实现对账需要的查询路径
type stubConn struct {
	id     string
	polled decimal.Decimal
	err    error
}

func (s *stubConn) ID() string { return s.id }
func (s *stubConn) PlaceOrder(ctx context.Context, req venue.PlaceRequest) (*venue.OrderHandle, error) {
	return nil, venue.ErrRejected
}
func (s *stubConn) CancelOrder(ctx context.Context, h *venue.OrderHandle) error { return nil }
func (s *stubConn) OrderStatus(ctx context.Context, h *venue.OrderHandle) (*venue.OrderState, error) {
	return nil, venue.ErrNotFound
}
func (s *stubConn) QueryPosition(ctx context.Context) (decimal.Decimal, error) {
	return s.polled, s.err
}
func (s *stubConn) BestQuote(ctx context.Context) (*venue.Quote, error) { return nil, nil }
func (s *stubConn) SubscribePositions(ctx context.Context, h venue.PositionHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

// recordFlattener 记录 Flatten 调用
type recordFlattener struct {
	calls []string
}

func (r *recordFlattener) Flatten(ctx context.Context, conn venue.Connector, cache *Cache, reason string) error {
	r.calls = append(r.calls, cache.VenueID()+":"+reason)
	cache.ApplyStreamUpdate(decimal.Zero)
	return nil
}

func newTestReconciler(warn, critical string) (*Reconciler, *Book, *stubConn, *stubConn) {
	book := NewBook("primary", "hedge")
	p := &stubConn{id: "primary"}
	h := &stubConn{id: "hedge"}
	r := NewReconciler(ReconcilerConfig{
		Interval:          50 * time.Millisecond,
		WarnThreshold:     decimal.RequireFromString(warn),
		CriticalThreshold: decimal.RequireFromString(critical),
		DeMinimis:         decimal.RequireFromString("0.01"),
	}, book, map[string]venue.Connector{"primary": p, "hedge": h}, events.NewBus())
	return r, book, p, h
}

func TestClassify(t *testing.T) {
	r, _, _, _ := newTestReconciler("0.1", "1.0")

	// 5.0 vs 5.05：漂移 0.05，阈值 0.1 → OK
	if sev := r.Classify(d("0.05")); sev != SeverityOK {
		t.Errorf("漂移 0.05 / warn 0.1 应为 OK，得到 %s", sev)
	}

	r2, _, _, _ := newTestReconciler("0.01", "1.0")
	// 同样漂移但阈值 0.01 → WARNING
	if sev := r2.Classify(d("0.05")); sev != SeverityWarning {
		t.Errorf("漂移 0.05 / warn 0.01 应为 WARNING，得到 %s", sev)
	}
	if sev := r2.Classify(d("2")); sev != SeverityCritical {
		t.Errorf("漂移 2 / critical 1.0 应为 CRITICAL，得到 %s", sev)
	}
}

func TestReconcileOnce_CriticalBlocksAndClears(t *testing.T) {
	r, book, p, _ := newTestReconciler("0.1", "1.0")

	book.Primary.ApplyStreamUpdate(d("5.0"))
	p.polled = d("8.0") // 漂移 3.0 > critical

	r.reconcileOnce(context.Background(), book.Primary)

	if !r.CriticalDrift() {
		t.Fatal("CRITICAL 漂移后阻断标志应置位")
	}
	// 绝不自动改写 streamed
	if !book.Primary.Streamed().Equal(d("5.0")) {
		t.Fatal("对账不允许改写 streamed 读数")
	}

	// 只能人工清除
	r.ClearCritical()
	if r.CriticalDrift() {
		t.Fatal("ClearCritical 后标志应清除")
	}
}

func TestReconcileOnce_PollFailureKeepsState(t *testing.T) {
	r, book, p, _ := newTestReconciler("0.1", "1.0")

	book.Primary.ApplyStreamUpdate(d("1.0"))
	book.Primary.SetPolled(d("1.0"))
	p.err = venue.Retryable(context.DeadlineExceeded)

	r.reconcileOnce(context.Background(), book.Primary)

	if r.CriticalDrift() {
		t.Error("轮询失败不应触发 CRITICAL")
	}
	if !book.Primary.Polled().Equal(d("1.0")) {
		t.Error("轮询失败不应改写 polled 读数")
	}
}

func TestStartupCheck_FlattensResidualOnce(t *testing.T) {
	r, book, _, _ := newTestReconciler("0.1", "1.0")
	fl := &recordFlattener{}

	// primary 残留 0.08 > de-minimis 0.01；hedge 0.005 以内不动
	book.Primary.ApplyStreamUpdate(d("0.08"))
	book.Hedge.ApplyStreamUpdate(d("0.005"))

	if err := r.StartupCheck(context.Background(), fl); err != nil {
		t.Fatalf("StartupCheck 失败: %v", err)
	}
	if len(fl.calls) != 1 {
		t.Fatalf("期望恰好一次平仓调用，得到 %v", fl.calls)
	}
	if fl.calls[0] != "primary:startup_residual" {
		t.Errorf("平仓目标/原因错误: %s", fl.calls[0])
	}
}
