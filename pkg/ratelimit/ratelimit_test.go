package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	tb := NewTokenBucket(3, 1)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("容量内第 %d 次请求应放行", i+1)
		}
	}
	if tb.Allow() {
		t.Error("令牌耗尽后应拒绝")
	}
}

func TestSlidingWindow_LimitWithinWindow(t *testing.T) {
	sw := NewSlidingWindow(2, 100*time.Millisecond)
	if !sw.Allow() || !sw.Allow() {
		t.Fatal("窗口内前 2 次应放行")
	}
	if sw.Allow() {
		t.Error("超过窗口上限应拒绝")
	}
	time.Sleep(120 * time.Millisecond)
	if !sw.Allow() {
		t.Error("窗口滑过后应恢复放行")
	}
}

func TestManager_FallbackToGeneral(t *testing.T) {
	m := NewManager()
	if m.Limiter("venue:unknown") != m.Limiter("venue:general") {
		t.Error("未登记端点应落到 venue:general")
	}
}

func TestWait_RespectsContext(t *testing.T) {
	sw := NewSlidingWindow(1, time.Minute)
	sw.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sw.Wait(ctx); err == nil {
		t.Error("窗口占满时 Wait 应随 ctx 超时返回")
	}
}
