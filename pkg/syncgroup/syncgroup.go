// Package syncgroup 管理一组常驻后台 goroutine 的启动与收尾。
package syncgroup

import "sync"

// SyncGroup 收集后台任务，统一启动、统一等待。
// Add 必须在 Run 之前调用；Run 只生效一次。
type SyncGroup struct {
	mu      sync.Mutex
	fns     []func()
	started bool

	wg sync.WaitGroup
}

// NewSyncGroup 创建空组
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 注册一个后台任务。Run 之后的 Add 会被忽略。
func (g *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.fns = append(g.fns, fn)
}

// Run 启动所有已注册任务，每个任务一个 goroutine。
func (g *SyncGroup) Run() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	fns := g.fns
	g.fns = nil
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(fn func()) {
			defer g.wg.Done()
			fn()
		}(fn)
	}
}

// Wait 阻塞直到所有任务返回
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
