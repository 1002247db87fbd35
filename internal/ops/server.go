// Package ops 提供 operator HTTP API：状态查询、haltTrading 的显式恢复、
// CRITICAL 漂移标志的显式清除、历史周期查询。
// haltTrading / driftCritical 只能从这里清，不存在自动恢复路径。
package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/archive"
	"github.com/hedgebot/gopair/internal/positions"
	"github.com/hedgebot/gopair/internal/risk"
)

var log = logrus.WithField("module", "ops")

// Config operator API 配置
type Config struct {
	Listen string // 监听地址，如 "127.0.0.1:8787"；空则不启动
}

// Server operator API 服务
type Server struct {
	cfg        Config
	breaker    *risk.CircuitBreaker
	reconciler *positions.Reconciler
	book       *positions.Book
	store      *archive.Store // 可为 nil（未开归档）
}

// New 创建 operator API
func New(cfg Config, breaker *risk.CircuitBreaker, rec *positions.Reconciler, book *positions.Book, store *archive.Store) *Server {
	return &Server{cfg: cfg, breaker: breaker, reconciler: rec, book: book, store: store}
}

func (s *Server) router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/halt", s.handleHalt)
	api.POST("/halt/clear", s.handleHaltClear)
	api.POST("/drift/clear", s.handleDriftClear)
	api.GET("/cycles", s.handleCycles)

	return r
}

// Run 阻塞运行直到 ctx 取消。Listen 为空时直接返回。
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Listen == "" {
		return nil
	}
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.router()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("operator API 已启动: %s", s.cfg.Listen)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type venueStatus struct {
	VenueID    string `json:"venue_id"`
	Streamed   string `json:"streamed"`
	Polled     string `json:"polled"`
	Drift      string `json:"drift"`
	StreamedAt string `json:"streamed_at"`
}

func (s *Server) handleStatus(c *gin.Context) {
	halted, reason := s.breaker.Halted()

	var venues []venueStatus
	for _, cache := range s.book.Caches() {
		venues = append(venues, venueStatus{
			VenueID:    cache.VenueID(),
			Streamed:   cache.Streamed().String(),
			Polled:     cache.Polled().String(),
			Drift:      cache.Drift().String(),
			StreamedAt: cache.StreamedAt().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"halted":         halted,
		"halt_reason":    reason,
		"drift_critical": s.reconciler != nil && s.reconciler.CriticalDrift(),
		"daily_pnl":      s.breaker.DailyPnL().String(),
		"net_delta":      s.book.NetDelta().String(),
		"venues":         venues,
	})
}

func (s *Server) handleHalt(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator"
	}
	s.breaker.Halt(req.Reason)
	log.Warnf("operator 手动熔断: reason=%s", req.Reason)
	c.JSON(http.StatusOK, gin.H{"halted": true, "reason": req.Reason})
}

func (s *Server) handleHaltClear(c *gin.Context) {
	halted, reason := s.breaker.Halted()
	if !halted {
		c.JSON(http.StatusOK, gin.H{"halted": false})
		return
	}
	s.breaker.Resume()
	log.Warnf("operator 清除熔断: 原因曾是 %s", reason)
	c.JSON(http.StatusOK, gin.H{"halted": false, "cleared_reason": reason})
}

func (s *Server) handleDriftClear(c *gin.Context) {
	if s.reconciler == nil {
		c.JSON(http.StatusOK, gin.H{"drift_critical": false})
		return
	}
	s.reconciler.ClearCritical()
	log.Warn("operator 清除 CRITICAL 漂移标志")
	c.JSON(http.StatusOK, gin.H{"drift_critical": false})
}

func (s *Server) handleCycles(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, []archive.CycleRecord{})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.store.ListRecentCycles(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []archive.CycleRecord{}
	}
	c.JSON(http.StatusOK, records)
}
