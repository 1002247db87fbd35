package execution

import (
	"fmt"
	"sync"
)

// ErrLegBusy 表示该 venue 的这条腿已有未终结订单。
// 不变量：每个 venue 每条周期腿同一时刻至多一个非终态 Order。
var ErrLegBusy = fmt.Errorf("leg already has a non-terminal order")

// LegGuard 腿级互斥守卫。
type LegGuard struct {
	mu     sync.Mutex
	active map[string]string // legKey -> orderID
}

// NewLegGuard 创建守卫
func NewLegGuard() *LegGuard {
	return &LegGuard{active: make(map[string]string)}
}

// Acquire 占用一条腿。已被占用时返回 ErrLegBusy。
func (g *LegGuard) Acquire(legKey, orderID string) error {
	if g == nil || legKey == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.active[legKey]; ok {
		return fmt.Errorf("%w: leg=%s order=%s", ErrLegBusy, legKey, prev)
	}
	g.active[legKey] = orderID
	return nil
}

// Release 订单终结后释放腿。
func (g *LegGuard) Release(legKey string) {
	if g == nil || legKey == "" {
		return
	}
	g.mu.Lock()
	delete(g.active, legKey)
	g.mu.Unlock()
}
