// Package ratelimit 客户端侧的 venue API 限流：
// 下单/撤单走令牌桶（允许突发），查询类走滑动窗口（平滑上限）。
// 触顶时 Wait 原地等待而不是丢请求。
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter 单个端点的限流器
type Limiter interface {
	// Allow 非阻塞检查并登记一次请求
	Allow() bool
	// Wait 阻塞到允许为止（或 ctx 取消）
	Wait(ctx context.Context) error
}

// TokenBucket 令牌桶：容量内允许突发，按 refillRate 每秒回补。
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	refillRate int // 每秒回补的令牌数
	lastRefill time.Time
}

// NewTokenBucket 创建令牌桶
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) refillLocked() {
	elapsed := time.Since(tb.lastRefill)
	add := int(elapsed.Seconds()) * tb.refillRate
	if add > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+add)
		tb.lastRefill = time.Now()
	}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		wait := time.Second
		if tb.refillRate > 0 {
			wait = time.Second / time.Duration(tb.refillRate)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// SlidingWindow 滑动窗口：window 内最多 limit 次请求。
type SlidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests []time.Time
}

// NewSlidingWindow 创建滑动窗口限流器
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window}
}

func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := time.Now().Add(-sw.window)
	kept := sw.requests[:0]
	for _, at := range sw.requests {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	sw.requests = kept

	if len(sw.requests) >= sw.limit {
		return false
	}
	sw.requests = append(sw.requests, time.Now())
	return true
}

func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if sw.Allow() {
			return nil
		}
		sw.mu.Lock()
		wait := 100 * time.Millisecond
		if len(sw.requests) > 0 {
			if until := sw.window - time.Since(sw.requests[0]); until > wait {
				wait = until
			}
		}
		sw.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Manager 按端点分发限流器。未登记的端点落到 venue:general。
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]Limiter
}

// NewManager 创建管理器并装配默认端点配额
func NewManager() *Manager {
	m := &Manager{limiters: make(map[string]Limiter)}

	// 交易端点：允许突发（令牌桶 600/10s，每秒回补 60）
	m.limiters["venue:order:post"] = NewTokenBucket(600, 60)
	m.limiters["venue:order:delete"] = NewTokenBucket(600, 60)
	m.limiters["venue:order:get"] = NewSlidingWindow(300, 10*time.Second)

	// 行情 / 持仓查询
	m.limiters["venue:quote:get"] = NewSlidingWindow(200, 10*time.Second)
	m.limiters["venue:position:get"] = NewSlidingWindow(100, 10*time.Second)

	m.limiters["venue:general"] = NewSlidingWindow(750, 10*time.Second)
	return m
}

// Limiter 返回端点对应的限流器
func (m *Manager) Limiter(endpoint string) Limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.limiters[endpoint]; ok {
		return l
	}
	return m.limiters["venue:general"]
}

// Wait 阻塞到端点允许下一次请求
func (m *Manager) Wait(ctx context.Context, endpoint string) error {
	return m.Limiter(endpoint).Wait(ctx)
}
