package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/archive"
	"github.com/hedgebot/gopair/internal/events"
	"github.com/hedgebot/gopair/internal/execution"
	"github.com/hedgebot/gopair/internal/gate"
	"github.com/hedgebot/gopair/internal/orchestrator"
	"github.com/hedgebot/gopair/internal/ops"
	"github.com/hedgebot/gopair/internal/positions"
	"github.com/hedgebot/gopair/internal/quirk"
	"github.com/hedgebot/gopair/internal/risk"
	"github.com/hedgebot/gopair/internal/unwind"
	"github.com/hedgebot/gopair/pkg/config"
	"github.com/hedgebot/gopair/pkg/logger"
	"github.com/hedgebot/gopair/pkg/secretstore"
	"github.com/hedgebot/gopair/pkg/shutdown"
	"github.com/hedgebot/gopair/pkg/syncgroup"
	"github.com/hedgebot/gopair/venue"
	"github.com/hedgebot/gopair/venue/restws"
	"github.com/hedgebot/gopair/venue/sim"

	"github.com/hedgebot/gopair/internal/domain"
)

func main() {
	configPath := flag.String("config", "yml/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件路径（不存在则忽略）")
	flag.Parse()

	// .env 先于配置加载：配置里的 ${VAR} 引用依赖它
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
	}

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	config.SetConfigPath(*configPath)
	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}

	// 使用配置重新初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}

	logrus.Info("🚀 启动配对交易机器人...")

	fillVenueSecrets(&cfg.Primary)
	fillVenueSecrets(&cfg.Hedge)

	primary, err := buildConnector(cfg.Primary)
	if err != nil {
		logrus.Errorf("创建 primary venue 失败: %v", err)
		os.Exit(1)
	}
	hedge, err := buildConnector(cfg.Hedge)
	if err != nil {
		logrus.Errorf("创建 hedge venue 失败: %v", err)
		os.Exit(1)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	bus := events.NewBus()
	book := positions.NewBook(primary.ID(), hedge.ID())
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{DailyLossLimit: cfg.DailyLossLimit})

	conns := map[string]venue.Connector{primary.ID(): primary, hedge.ID(): hedge}
	reconciler := positions.NewReconciler(positions.ReconcilerConfig{
		Interval:          cfg.ReconcileInterval,
		WarnThreshold:     cfg.WarnThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
		DeMinimis:         cfg.DeMinimis,
	}, book, conns, bus)

	unwinder := unwind.NewController(unwind.Config{
		MaxAttempts: cfg.UnwindMaxAttempts,
		RetryDelay:  cfg.UnwindRetryDelay,
		DeMinimis:   cfg.DeMinimis,
		OrderWait:   cfg.UnwindOrderWait,
	}, breaker, bus)

	safety := gate.New(gate.Config{
		PositionCap:     cfg.PositionCap,
		MinSpreadBps:    cfg.MinSpreadBps,
		NetDeltaWarning: cfg.NetDeltaWarning,
	}, book, breaker, reconciler)

	// 可选归档
	var store *archive.Store
	var arch orchestrator.Archiver
	if cfg.ArchiveDBPath != "" {
		store, err = archive.Open(cfg.ArchiveDBPath)
		if err != nil {
			logrus.Errorf("打开归档库失败: %v", err)
			os.Exit(1)
		}
		arch = store
	}

	primaryEng := execution.NewEngine(primary, quirkPolicy(cfg.Primary), bus, execution.JoinBestQuoter{}, nil)
	hedgeEng := execution.NewEngine(hedge, quirkPolicy(cfg.Hedge), bus, execution.JoinBestQuoter{}, nil)

	orch := orchestrator.New(orchestrator.Config{
		Direction:     domain.Direction(cfg.Direction),
		OrderQuantity: cfg.OrderQuantity,
		HoldTime:      cfg.HoldTime,
		SkipCooldown:  cfg.SkipCooldown,
		BlockCooldown: cfg.BlockCooldown,
		MaxCycles:     cfg.MaxCycles,
	}, primary, hedge, primaryEng, hedgeEng, safety, book, breaker, unwinder, bus, arch)

	opsServer := ops.New(ops.Config{Listen: cfg.OpsListen}, breaker, reconciler, book, store)

	// 后台任务：持仓推流（streamed 的唯一写入方）、对账、事件消费、operator API
	sg := syncgroup.NewSyncGroup()
	sg.Add(func() { runStream(rootCtx, primary, book.Primary) })
	sg.Add(func() { runStream(rootCtx, hedge, book.Hedge) })
	sg.Add(func() { reconciler.Run(rootCtx) })
	sg.Add(func() { events.LogSink(bus.Subscribe(256), rootCtx.Done()) })
	if store != nil {
		sg.Add(func() { store.RunEventSink(rootCtx, bus) })
	}
	sg.Add(func() {
		if err := opsServer.Run(rootCtx); err != nil {
			logrus.Errorf("operator API 退出: %v", err)
		}
	})
	sg.Run()

	// 启动残留清理前先用轮询读数喂上初值：推流首帧要等 feed 来消息，
	// 安静的 feed 会让残留持仓在陈旧的零读数上漏检
	for _, vc := range []struct {
		conn  venue.Connector
		cache *positions.Cache
	}{{primary, book.Primary}, {hedge, book.Hedge}} {
		qctx, qcancel := context.WithTimeout(rootCtx, 10*time.Second)
		pos, err := vc.conn.QueryPosition(qctx)
		qcancel()
		if err != nil {
			logrus.Errorf("启动持仓查询失败: venue=%s err=%v", vc.conn.ID(), err)
			rootCancel()
			sg.Wait()
			os.Exit(1)
		}
		vc.cache.ApplyStreamUpdate(pos)
	}
	if err := reconciler.StartupCheck(rootCtx, unwinder); err != nil {
		logrus.Errorf("启动残留清理失败: %v", err)
		rootCancel()
		sg.Wait()
		os.Exit(1)
	}

	// 主循环
	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Run(rootCtx) }()

	logrus.Info("✅ 机器人已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logrus.Info("收到停止信号，正在关闭...")
	case err := <-orchDone:
		if err != nil && rootCtx.Err() == nil {
			logrus.Errorf("主循环退出: %v", err)
		}
	}
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context) {
		sg.Wait()
	})
	mgr.OnShutdown(func(ctx context.Context) {
		if store != nil {
			_ = store.Close()
		}
	})
	mgr.Shutdown(shutdownCtx)

	logrus.Info("✅ 机器人已停止")
}

// runStream 跑一个 venue 的持仓推流，把快照写入 cache（唯一写入方）。
func runStream(ctx context.Context, conn venue.Connector, cache *positions.Cache) {
	err := conn.SubscribePositions(ctx, cache.ApplyStreamUpdate)
	if err != nil && ctx.Err() == nil {
		logrus.Errorf("持仓推流退出: venue=%s err=%v", conn.ID(), err)
	}
}

func quirkPolicy(v config.Venue) quirk.Policy {
	p := quirk.Default()
	if v.QuirkTimeout > 0 {
		p.Timeout = v.QuirkTimeout
	}
	p.CancelRateLimit = v.QuirkCancelRateLimit
	if v.QuirkStalePolicy != "" {
		p.Stale = quirk.StalePolicy(v.QuirkStalePolicy)
	}
	p.MaxTotalWait = v.QuirkMaxTotalWait
	if err := p.Validate(); err != nil {
		logrus.Errorf("venue %s 的怪癖配置无效: %v", v.VenueID, err)
		os.Exit(1)
	}
	return p
}

func buildConnector(v config.Venue) (venue.Connector, error) {
	switch v.Mode {
	case "sim":
		logrus.Warnf("venue %s 运行在模拟模式（不接真实交易所）", v.VenueID)
		return sim.New(sim.Config{
			VenueID:     v.VenueID,
			Bid:         decimal.NewFromInt(100),
			Ask:         decimal.RequireFromString("100.05"),
			FillLatency: 200 * time.Millisecond,
		}), nil
	case "restws":
		return restws.New(restws.Config{
			VenueID:   v.VenueID,
			BaseURL:   v.BaseURL,
			WSURL:     v.WSURL,
			APIKey:    v.APIKey,
			APISecret: v.APISecret,
			Symbol:    v.Symbol,
			Timeout:   v.Timeout,
		})
	default:
		return nil, fmt.Errorf("未知 venue mode: %q", v.Mode)
	}
}

// fillVenueSecrets 凭证兜底：配置里没有 API key 时，尝试从加密的
// badger secret 库读取（key 形如 env/<VENUE_ID>_API_KEY）。
func fillVenueSecrets(v *config.Venue) {
	if v.APIKey != "" || v.Mode != "restws" {
		return
	}
	dbPath := os.Getenv("GOPAIR_SECRET_DB")
	if dbPath == "" {
		return
	}
	keyBytes, err := secretstore.ParseKey(os.Getenv("GOPAIR_SECRET_KEY"))
	if err != nil || keyBytes == nil {
		logrus.Warnf("secret 库密钥无效，跳过凭证读取: %v", err)
		return
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: dbPath, EncryptionKey: keyBytes, ReadOnly: true})
	if err != nil {
		logrus.Warnf("打开 secret 库失败: %v", err)
		return
	}
	defer ss.Close()

	if key, ok, _ := ss.GetString("env/" + v.VenueID + "_API_KEY"); ok {
		v.APIKey = key
	}
	if sec, ok, _ := ss.GetString("env/" + v.VenueID + "_API_SECRET"); ok {
		v.APISecret = sec
	}
}
