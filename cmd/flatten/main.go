// flatten 一次性手动平仓工具：读取配置，把两个 venue 的持仓全部打平后退出。
// 用于 operator 在异常后（CRITICAL 漂移、熔断）手工恢复到零持仓。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/events"
	"github.com/hedgebot/gopair/internal/positions"
	"github.com/hedgebot/gopair/internal/risk"
	"github.com/hedgebot/gopair/internal/unwind"
	"github.com/hedgebot/gopair/pkg/config"
	"github.com/hedgebot/gopair/pkg/logger"
	"github.com/hedgebot/gopair/venue"
	"github.com/hedgebot/gopair/venue/restws"
	"github.com/hedgebot/gopair/venue/sim"
)

func main() {
	configPath := flag.String("config", "yml/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件路径（不存在则忽略）")
	timeout := flag.Duration("timeout", 2*time.Minute, "整体超时")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
	}
	if err := logger.InitDefault(); err != nil {
		panic(err)
	}

	config.SetConfigPath(*configPath)
	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	bus := events.NewBus()
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{})
	unwinder := unwind.NewController(unwind.Config{
		MaxAttempts: cfg.UnwindMaxAttempts,
		RetryDelay:  cfg.UnwindRetryDelay,
		DeMinimis:   cfg.DeMinimis,
		OrderWait:   cfg.UnwindOrderWait,
	}, breaker, bus)

	failed := false
	for _, vc := range []config.Venue{cfg.Primary, cfg.Hedge} {
		conn, err := buildConnector(vc)
		if err != nil {
			logrus.Errorf("创建 venue %s 失败: %v", vc.VenueID, err)
			failed = true
			continue
		}
		cache := positions.NewCache(conn.ID())

		// 平仓依赖 streamed 读数回流，工具里也要接上推流
		go func(c venue.Connector) {
			_ = c.SubscribePositions(ctx, cache.ApplyStreamUpdate)
		}(conn)

		// 用一次轮询读数作为初始值（推流可能还没就绪）
		pos, err := conn.QueryPosition(ctx)
		if err != nil {
			logrus.Errorf("查询持仓失败: venue=%s err=%v", conn.ID(), err)
			failed = true
			continue
		}
		cache.ApplyStreamUpdate(pos)
		logrus.Infof("venue=%s 当前持仓=%s", conn.ID(), pos)

		if err := unwinder.Flatten(ctx, conn, cache, "manual_flatten"); err != nil {
			logrus.Errorf("平仓失败: venue=%s err=%v", conn.ID(), err)
			failed = true
			continue
		}

		// 平仓后再轮询确认一次
		after, err := conn.QueryPosition(ctx)
		if err == nil {
			cache.ApplyStreamUpdate(after)
			logrus.Infof("venue=%s 平仓后持仓=%s", conn.ID(), after)
			if after.Abs().GreaterThan(cfg.DeMinimis) {
				failed = true
			}
		}
	}

	if failed {
		logrus.Error("❌ 平仓未全部完成")
		os.Exit(1)
	}
	logrus.Info("✅ 两个 venue 均已打平")
}

func buildConnector(v config.Venue) (venue.Connector, error) {
	switch v.Mode {
	case "sim":
		return sim.New(sim.Config{
			VenueID: v.VenueID,
			Bid:     decimal.NewFromInt(100),
			Ask:     decimal.RequireFromString("100.05"),
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
