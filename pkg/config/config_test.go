package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写配置文件失败: %v", err)
	}
	return path
}

const validYAML = `
primary:
  venue_id: alpha
  mode: sim
  quirk:
    timeout_sec: 45
    stale_policy: reset_on_competitive_price
    max_total_wait_sec: 180
hedge:
  venue_id: beta
  mode: restws
  base_url: https://api.beta.example.com
  ws_url: wss://stream.beta.example.com
  api_key: ${BETA_API_KEY}
  symbol: BTC-PERP
  timeout_ms: 5000
  quirk:
    timeout_sec: 10
    cancel_rate_limit_sec: 2

orchestrator:
  direction: long_primary
  order_quantity: "0.01"
  hold_time_sec: 30
  max_cycles: 100

gate:
  position_cap: "0.5"
  min_spread_bps: "5"
  net_delta_warning: "0.02"

reconcile:
  interval_sec: 10
  warn_threshold: "0.001"
  critical_threshold: "0.01"
  de_minimis: "0.0001"

risk:
  daily_loss_limit: "200"

ops:
  listen: 127.0.0.1:8080

log_level: debug
`

func TestLoadFromFile(t *testing.T) {
	t.Setenv("BETA_API_KEY", "k-123")
	SetConfigPath("") // 清掉缓存

	cfg, err := LoadFromFile(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}

	if cfg.Primary.VenueID != "alpha" || cfg.Hedge.VenueID != "beta" {
		t.Errorf("venue_id 解析错误: %s / %s", cfg.Primary.VenueID, cfg.Hedge.VenueID)
	}
	if cfg.Primary.QuirkTimeout != 45*time.Second {
		t.Errorf("quirk timeout 解析错误: %s", cfg.Primary.QuirkTimeout)
	}
	if cfg.Primary.QuirkStalePolicy != "reset_on_competitive_price" {
		t.Errorf("stale_policy 解析错误: %s", cfg.Primary.QuirkStalePolicy)
	}
	if cfg.Hedge.Timeout != 5*time.Second {
		t.Errorf("timeout_ms 解析错误: %s", cfg.Hedge.Timeout)
	}
	if cfg.Hedge.APIKey != "k-123" {
		t.Errorf("${BETA_API_KEY} 应展开为环境变量值，得到 %q", cfg.Hedge.APIKey)
	}
	if cfg.OrderQuantity.String() != "0.01" {
		t.Errorf("order_quantity 解析错误: %s", cfg.OrderQuantity)
	}
	if cfg.HoldTime != 30*time.Second {
		t.Errorf("hold_time 解析错误: %s", cfg.HoldTime)
	}
	if cfg.DailyLossLimit.String() != "200" {
		t.Errorf("daily_loss_limit 解析错误: %s", cfg.DailyLossLimit)
	}
	if cfg.OpsListen != "127.0.0.1:8080" {
		t.Errorf("ops.listen 解析错误: %s", cfg.OpsListen)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  string
		wantErr string
	}{
		{
			name:    "缺少 order_quantity",
			mutate:  `order_quantity: "0.01"`,
			wantErr: "order_quantity",
		},
		{
			name:    "restws 缺 base_url",
			mutate:  `base_url: https://api.beta.example.com`,
			wantErr: "base_url",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			SetConfigPath("")
			yml := strings.Replace(validYAML, tc.mutate, "", 1)
			_, err := LoadFromFile(writeConfig(t, yml))
			if err == nil {
				t.Fatal("期望校验失败")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("错误信息应包含 %q: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_SameVenueID(t *testing.T) {
	SetConfigPath("")
	yml := strings.Replace(validYAML, "venue_id: beta", "venue_id: alpha", 1)
	_, err := LoadFromFile(writeConfig(t, yml))
	if err == nil || !strings.Contains(err.Error(), "不能相同") {
		t.Fatalf("primary/hedge 同名应被拒绝: %v", err)
	}
}

func TestValidate_ThresholdOrder(t *testing.T) {
	SetConfigPath("")
	yml := strings.Replace(validYAML, `critical_threshold: "0.01"`, `critical_threshold: "0.0005"`, 1)
	_, err := LoadFromFile(writeConfig(t, yml))
	if err == nil || !strings.Contains(err.Error(), "critical_threshold") {
		t.Fatalf("critical <= warn 应被拒绝: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	SetConfigPath("")
	yml := `
primary:
  venue_id: alpha
hedge:
  venue_id: beta
orchestrator:
  order_quantity: "1"
`
	cfg, err := LoadFromFile(writeConfig(t, yml))
	if err != nil {
		t.Fatalf("最小配置应可加载: %v", err)
	}
	if cfg.Primary.Mode != "sim" || cfg.Hedge.Mode != "sim" {
		t.Errorf("mode 默认应为 sim: %s / %s", cfg.Primary.Mode, cfg.Hedge.Mode)
	}
	if !cfg.PositionCap.IsZero() {
		t.Errorf("未配置的阈值应为零值（关闭）: %s", cfg.PositionCap)
	}
}
