// Package archive 把终态周期与事件流落到本地 SQLite，
// 供报表 / 复盘 / operator API 查询。核心交易路径不依赖它：
// 写失败只记日志，绝不反向阻塞周期。
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/hedgebot/gopair/internal/domain"
	"github.com/hedgebot/gopair/internal/events"
)

var log = logrus.WithField("module", "archive")

// Store SQLite 归档存储
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）归档库
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS cycles (
  id TEXT PRIMARY KEY,
  direction TEXT NOT NULL,
  state TEXT NOT NULL,
  net_pnl TEXT NOT NULL,
  spread_captured TEXT NOT NULL,
  abort_reason TEXT,
  opened_at TEXT NOT NULL,
  closed_at TEXT,
  orders_json TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_opened_at ON cycles(opened_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS event_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  at TEXT NOT NULL,
  payload_json TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_at ON event_log(at DESC);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}
	return nil
}

// archivedOrder 订单的落库投影（JSON 列）
type archivedOrder struct {
	OrderID  string          `json:"order_id"`
	VenueID  string          `json:"venue_id"`
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	Quantity decimal.Decimal `json:"quantity"`
	Filled   decimal.Decimal `json:"filled"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	Replaces int             `json:"replaces"`
}

func projectOrder(o *domain.Order) *archivedOrder {
	if o == nil {
		return nil
	}
	return &archivedOrder{
		OrderID: o.OrderID, VenueID: o.VenueID, Side: string(o.Side), Type: string(o.OrderType),
		Status: string(o.Status), Quantity: o.Quantity, Filled: o.FilledQuantity,
		AvgPrice: o.AvgFillPrice, Replaces: o.Replaces,
	}
}

// archivedFill 紧急平仓成交的落库投影
type archivedFill struct {
	VenueID  string          `json:"venue_id"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// SaveCycle 归档一个终态周期
func (s *Store) SaveCycle(ctx context.Context, c *domain.Cycle) error {
	var emergency []archivedFill
	for _, f := range c.EmergencyFills {
		emergency = append(emergency, archivedFill{
			VenueID: f.VenueID, Side: string(f.Side), Quantity: f.Quantity, AvgPrice: f.AvgPrice,
		})
	}
	orders := struct {
		Primary        *archivedOrder `json:"primary"`
		Hedge          *archivedOrder `json:"hedge"`
		UnwindPrimary  *archivedOrder `json:"unwind_primary"`
		UnwindHedge    *archivedOrder `json:"unwind_hedge"`
		EmergencyFills []archivedFill `json:"emergency_fills,omitempty"`
	}{
		Primary:        projectOrder(c.PrimaryOrder),
		Hedge:          projectOrder(c.HedgeOrder),
		UnwindPrimary:  projectOrder(c.UnwindPrimaryOrder),
		UnwindHedge:    projectOrder(c.UnwindHedgeOrder),
		EmergencyFills: emergency,
	}
	ordersJSON, err := json.Marshal(orders)
	if err != nil {
		return fmt.Errorf("marshal orders: %w", err)
	}

	var closedAt any
	if c.ClosedAt != nil {
		closedAt = c.ClosedAt.Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO cycles (id,direction,state,net_pnl,spread_captured,abort_reason,opened_at,closed_at,orders_json)
VALUES (?,?,?,?,?,?,?,?,?)
`, c.ID, string(c.Direction), string(c.State), c.NetPnL.String(), c.SpreadCaptured.String(),
		c.AbortReason, c.OpenedAt.Format(time.RFC3339Nano), closedAt, string(ordersJSON))
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// SaveEvent 追加一条事件记录
func (s *Store) SaveEvent(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO event_log (name,at,payload_json) VALUES (?,?,?)`,
		e.Name(), e.At().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// CycleRecord 查询返回的周期摘要
type CycleRecord struct {
	ID             string          `json:"id"`
	Direction      string          `json:"direction"`
	State          string          `json:"state"`
	NetPnL         decimal.Decimal `json:"net_pnl"`
	SpreadCaptured decimal.Decimal `json:"spread_captured"`
	AbortReason    string          `json:"abort_reason,omitempty"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// ListRecentCycles 按开始时间倒序返回最近 limit 个周期
func (s *Store) ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,direction,state,net_pnl,spread_captured,COALESCE(abort_reason,''),opened_at,closed_at
FROM cycles ORDER BY opened_at DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var r CycleRecord
		var netPnL, spread, openedAt string
		var closedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Direction, &r.State, &netPnL, &spread, &r.AbortReason, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		r.NetPnL, _ = decimal.NewFromString(netPnL)
		r.SpreadCaptured, _ = decimal.NewFromString(spread)
		r.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
		if closedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, closedAt.String)
			if err == nil {
				r.ClosedAt = &t
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunEventSink 订阅事件总线并持续落库，直到 ctx 取消。
// 在独立 goroutine 里运行；落库失败不影响交易路径。
func (s *Store) RunEventSink(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(512)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.SaveEvent(sctx, e); err != nil {
				log.Warnf("事件落库失败: name=%s err=%v", e.Name(), err)
			}
			cancel()
		}
	}
}
