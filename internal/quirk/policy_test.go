package quirk

import (
	"testing"
	"time"
)

func TestOnStaleCheck_ResetOnCompetitive(t *testing.T) {
	p := Policy{Timeout: 30 * time.Second, Stale: StaleResetOnCompetitive}
	now := time.Now()
	placedAt := now.Add(-15 * time.Second)

	// 价格仍有竞争力 → 不撤单，deadline 重置为 now+timeout
	d := p.OnStaleCheck(now, placedAt, true)
	if d.CancelNow {
		t.Fatalf("expected CancelNow=false")
	}
	if d.NewDeadline == nil {
		t.Fatalf("expected deadline reset")
	}
	if !d.NewDeadline.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("expected newDeadline=now+30s, got %v", d.NewDeadline)
	}

	// 价格不再有竞争力 → 立即撤单，无新 deadline
	d = p.OnStaleCheck(now, placedAt, false)
	if !d.CancelNow {
		t.Fatalf("expected CancelNow=true")
	}
	if d.NewDeadline != nil {
		t.Fatalf("expected no new deadline, got %v", d.NewDeadline)
	}
}

func TestOnStaleCheck_FixedTimeout(t *testing.T) {
	p := Policy{Timeout: 30 * time.Second, Stale: StaleFixedTimeout}
	now := time.Now()

	// fixed_timeout：即使价格有竞争力也绝不续命
	d := p.OnStaleCheck(now, now.Add(-15*time.Second), true)
	if d.CancelNow || d.NewDeadline != nil {
		t.Fatalf("fixed_timeout should never extend: %+v", d)
	}
}

func TestOnStaleCheck_MaxTotalWaitCap(t *testing.T) {
	p := Policy{Timeout: 30 * time.Second, Stale: StaleResetOnCompetitive, MaxTotalWait: time.Minute}
	now := time.Now()

	// 重置后的 deadline 不能超过 placedAt+MaxTotalWait
	placedAt := now.Add(-50 * time.Second)
	d := p.OnStaleCheck(now, placedAt, true)
	if d.NewDeadline == nil {
		t.Fatalf("expected reset")
	}
	if cap := placedAt.Add(time.Minute); !d.NewDeadline.Equal(cap) {
		t.Fatalf("expected capped deadline %v, got %v", cap, d.NewDeadline)
	}

	// 外层封顶已到 → 撤单并标记 Expired（调用方必须终结，不能 replace）
	placedAt = now.Add(-61 * time.Second)
	d = p.OnStaleCheck(now, placedAt, true)
	if !d.CancelNow || !d.Expired {
		t.Fatalf("expected cancel+expired once MaxTotalWait elapsed, got %+v", d)
	}
	if d.NewDeadline != nil {
		t.Fatalf("expired decision must not extend deadline")
	}

	// 价格失去竞争力的普通撤单不是 Expired
	d = p.OnStaleCheck(now, now.Add(-10*time.Second), false)
	if !d.CancelNow || d.Expired {
		t.Fatalf("uncompetitive cancel should not be expired, got %+v", d)
	}
}

func TestAllowCancel_RateLimit(t *testing.T) {
	p := Policy{Timeout: 30 * time.Second, Stale: StaleFixedTimeout, CancelRateLimit: 5 * time.Second}
	now := time.Now()

	// 距上次撤单 3s → 推迟 2s
	ok, wait := p.AllowCancel(now, now.Add(-3*time.Second))
	if ok {
		t.Fatalf("expected deferral at 3s")
	}
	if wait != 2*time.Second {
		t.Fatalf("expected wait=2s, got %v", wait)
	}

	// 距上次撤单 6s → 允许
	ok, wait = p.AllowCancel(now, now.Add(-6*time.Second))
	if !ok || wait != 0 {
		t.Fatalf("expected allowed at 6s, got ok=%v wait=%v", ok, wait)
	}

	// 从未撤过单 → 允许
	ok, _ = p.AllowCancel(now, time.Time{})
	if !ok {
		t.Fatalf("expected allowed for zero lastCancel")
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := (Policy{Timeout: time.Second, Stale: StaleFixedTimeout}).Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := (Policy{Timeout: 0, Stale: StaleFixedTimeout}).Validate(); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
	if err := (Policy{Timeout: time.Second, Stale: "bogus"}).Validate(); err == nil {
		t.Fatalf("expected error for unknown stale policy")
	}
}
