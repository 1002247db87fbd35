package positions

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCache_TwoIndependentReadings(t *testing.T) {
	c := NewCache("primary")

	c.ApplyStreamUpdate(d("5.0"))
	c.SetPolled(d("5.05"))

	if !c.Streamed().Equal(d("5.0")) {
		t.Errorf("期望 streamed=5.0，得到 %s", c.Streamed())
	}
	if !c.Polled().Equal(d("5.05")) {
		t.Errorf("期望 polled=5.05，得到 %s", c.Polled())
	}
	if !c.Drift().Equal(d("0.05")) {
		t.Errorf("期望 drift=0.05，得到 %s", c.Drift())
	}

	// polled 写入绝不能影响 streamed
	c.SetPolled(d("99"))
	if !c.Streamed().Equal(d("5.0")) {
		t.Error("polled 写入污染了 streamed 读数")
	}
}

func TestBook_NetDelta(t *testing.T) {
	b := NewBook("primary", "hedge")
	b.Primary.ApplyStreamUpdate(d("0.01"))
	b.Hedge.ApplyStreamUpdate(d("-0.01"))

	if !b.NetDelta().IsZero() {
		t.Errorf("对冲完成后 NetDelta 应为 0，得到 %s", b.NetDelta())
	}

	b.Hedge.ApplyStreamUpdate(d("-0.008"))
	if !b.NetDelta().Equal(d("0.002")) {
		t.Errorf("期望 NetDelta=0.002，得到 %s", b.NetDelta())
	}
}
