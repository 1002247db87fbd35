package positions

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/events"
	"github.com/hedgebot/gopair/venue"
)

var log = logrus.WithField("module", "positions")

// Severity 漂移分级
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ReconcilerConfig 对账配置。阈值都是绝对数量（decimal），不是百分比。
type ReconcilerConfig struct {
	Interval          time.Duration   // 轮询间隔
	WarnThreshold     decimal.Decimal // drift > warn → WARNING（只记日志）
	CriticalThreshold decimal.Decimal // drift > critical → CRITICAL（阻断新周期）
	DeMinimis         decimal.Decimal // 启动清理阈值：|streamed| 超过即先平仓
}

// Flattener 启动清理用的平仓能力（由 Emergency Unwind Controller 实现）
type Flattener interface {
	Flatten(ctx context.Context, conn venue.Connector, cache *Cache, reason string) error
}

// Reconciler 持仓对账 + 漂移检测。
// 独立于周期生命周期持续运行；发现 CRITICAL 漂移时置位阻断标志，
// 绝不通过改写 streamed 来"自愈"—— 只能由人工清除。
type Reconciler struct {
	cfg  ReconcilerConfig
	book *Book
	bus  *events.Bus

	conns map[string]venue.Connector // venueID -> connector

	criticalFlag atomic.Bool

	mu           sync.Mutex
	lastSeverity map[string]Severity
}

// NewReconciler 创建对账器
func NewReconciler(cfg ReconcilerConfig, book *Book, conns map[string]venue.Connector, bus *events.Bus) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Reconciler{
		cfg:          cfg,
		book:         book,
		bus:          bus,
		conns:        conns,
		lastSeverity: make(map[string]Severity),
	}
}

// CriticalDrift 是否存在未清除的 CRITICAL 漂移（Safety Gate 消费）
func (r *Reconciler) CriticalDrift() bool {
	return r.criticalFlag.Load()
}

// ClearCritical 人工清除 CRITICAL 标志（仅 operator 动作可调）
func (r *Reconciler) ClearCritical() {
	r.criticalFlag.Store(false)
	log.Warn("CRITICAL 漂移标志已由 operator 清除")
}

// Classify 漂移分级（纯函数）
func (r *Reconciler) Classify(drift decimal.Decimal) Severity {
	if drift.GreaterThan(r.cfg.CriticalThreshold) {
		return SeverityCritical
	}
	if drift.GreaterThan(r.cfg.WarnThreshold) {
		return SeverityWarning
	}
	return SeverityOK
}

// StartupCheck 进程/会话启动时的清理：任一 venue 的 |streamed| 超过
// de-minimis 阈值（绝对数量，与配置的下单规模无关）→ 先无条件平掉，
// 然后才允许开第一个周期。每个 venue 只调用一次。
func (r *Reconciler) StartupCheck(ctx context.Context, fl Flattener) error {
	for _, c := range r.book.Caches() {
		pos := c.Streamed()
		if pos.Abs().LessThanOrEqual(r.cfg.DeMinimis) {
			continue
		}
		log.Warnf("启动残留持仓: venue=%s streamed=%s（超过 de-minimis %s），先平仓",
			c.VenueID(), pos, r.cfg.DeMinimis)
		conn := r.conns[c.VenueID()]
		if err := fl.Flatten(ctx, conn, c, "startup_residual"); err != nil {
			return err
		}
	}
	return nil
}

// Run 对账主循环：每个轮询间隔对每个 venue 拉一次 polled 读数并分级。
// 阻塞直到 ctx 结束。
func (r *Reconciler) Run(ctx context.Context) {
	log.Infof("对账循环启动: interval=%s warn=%s critical=%s",
		r.cfg.Interval, r.cfg.WarnThreshold, r.cfg.CriticalThreshold)
	defer log.Info("对账循环退出")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range r.book.Caches() {
				r.reconcileOnce(ctx, c)
			}
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context, c *Cache) {
	conn := r.conns[c.VenueID()]
	if conn == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, r.cfg.Interval)
	defer cancel()

	polled, err := conn.QueryPosition(qctx)
	if err != nil {
		// 轮询失败只降级告警；streamed 仍然是决策口径
		log.Warnf("持仓轮询失败: venue=%s err=%v", c.VenueID(), err)
		return
	}
	c.SetPolled(polled)

	drift := c.Drift()
	sev := r.Classify(drift)

	r.mu.Lock()
	changed := r.lastSeverity[c.VenueID()] != sev
	r.lastSeverity[c.VenueID()] = sev
	r.mu.Unlock()

	switch sev {
	case SeverityCritical:
		r.criticalFlag.Store(true)
		log.Errorf("持仓漂移 CRITICAL: venue=%s streamed=%s polled=%s drift=%s（新周期已阻断，等待人工对账）",
			c.VenueID(), c.Streamed(), polled, drift)
	case SeverityWarning:
		log.Warnf("持仓漂移 WARNING: venue=%s streamed=%s polled=%s drift=%s",
			c.VenueID(), c.Streamed(), polled, drift)
	default:
		if changed {
			log.Debugf("持仓漂移恢复 OK: venue=%s drift=%s", c.VenueID(), drift)
		}
	}

	if sev != SeverityOK || changed {
		r.bus.Publish(events.DriftAlert{
			Base:     events.NewBase(),
			VenueID:  c.VenueID(),
			Severity: string(sev),
			Streamed: c.Streamed(),
			Polled:   polled,
			Drift:    drift,
		})
	}
}
