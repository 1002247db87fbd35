// Package positions 维护每个 venue 的两路独立持仓读数：
//   - streamed：推流口径，交易决策的唯一依据
//   - polled：轮询口径，只用于对账（经 Reconciler），绝不直接参与决策
//
// 不变量：streamed 只能被推流 handler 写入。任何周期生命周期代码
// （开新周期/重置）都不允许把它清零 —— 历史上"幽灵累积"就是这么来的。
package positions

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Cache 单个 venue 的持仓缓存。多任务并发读，两个固定写入方。
type Cache struct {
	venueID string

	mu         sync.RWMutex
	streamed   decimal.Decimal
	streamedAt time.Time
	polled     decimal.Decimal
	polledAt   time.Time
}

// NewCache 创建缓存
func NewCache(venueID string) *Cache {
	return &Cache{venueID: venueID}
}

// VenueID 所属 venue
func (c *Cache) VenueID() string { return c.venueID }

// ApplyStreamUpdate 推流 handler 专用写入口（唯一允许写 streamed 的路径）
func (c *Cache) ApplyStreamUpdate(qty decimal.Decimal) {
	c.mu.Lock()
	c.streamed = qty
	c.streamedAt = time.Now()
	c.mu.Unlock()
}

// SetPolled 轮询器专用写入口
func (c *Cache) SetPolled(qty decimal.Decimal) {
	c.mu.Lock()
	c.polled = qty
	c.polledAt = time.Now()
	c.mu.Unlock()
}

// Streamed 推流读数（交易决策口径）
func (c *Cache) Streamed() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamed
}

// StreamedAt 推流读数的最后更新时间
func (c *Cache) StreamedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamedAt
}

// Polled 轮询读数（仅对账用）
func (c *Cache) Polled() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.polled
}

// Drift 两路读数的绝对偏差
func (c *Cache) Drift() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamed.Sub(c.polled).Abs()
}

// Book 两个 venue 的持仓汇总（Primary + Hedge）
type Book struct {
	Primary *Cache
	Hedge   *Cache
}

// NewBook 创建双 venue 持仓簿
func NewBook(primaryVenue, hedgeVenue string) *Book {
	return &Book{
		Primary: NewCache(primaryVenue),
		Hedge:   NewCache(hedgeVenue),
	}
}

// NetDelta = streamed(Primary) + streamed(Hedge)。
// 除单个周期 Primary 成交到 Hedge 成交/中止之间的有界窗口外，|NetDelta| 应 ≤ ε。
func (b *Book) NetDelta() decimal.Decimal {
	return b.Primary.Streamed().Add(b.Hedge.Streamed())
}

// Caches 按固定顺序返回两个缓存
func (b *Book) Caches() []*Cache {
	return []*Cache{b.Primary, b.Hedge}
}
