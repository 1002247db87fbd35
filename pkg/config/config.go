package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// VenueFile 单个 venue 的配置（yaml 段）
type VenueFile struct {
	VenueID string `yaml:"venue_id"`
	Mode    string `yaml:"mode"` // sim / restws

	// restws 模式
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
	APIKey    string `yaml:"api_key"`    // 可用 ${ENV_VAR} 引用环境变量
	APISecret string `yaml:"api_secret"` // 同上
	Symbol    string `yaml:"symbol"`
	TimeoutMS int    `yaml:"timeout_ms"` // 单次 REST 调用超时（毫秒）

	// venue 怪癖
	Quirk QuirkFile `yaml:"quirk"`
}

// QuirkFile venue 怪癖配置（yaml 段）
type QuirkFile struct {
	TimeoutSec         int    `yaml:"timeout_sec"`           // 单笔挂单超时（秒）
	CancelRateLimitSec int    `yaml:"cancel_rate_limit_sec"` // 两次撤单最小间隔（秒，0 = 不限）
	StalePolicy        string `yaml:"stale_policy"`          // fixed_timeout / reset_on_competitive_price
	MaxTotalWaitSec    int    `yaml:"max_total_wait_sec"`    // reset 策略的外层封顶（秒，0 = 默认）
}

// ConfigFile 配置文件结构（用于 YAML 解析）
type ConfigFile struct {
	Primary VenueFile `yaml:"primary"`
	Hedge   VenueFile `yaml:"hedge"`

	Orchestrator struct {
		Direction     string  `yaml:"direction"`      // long_primary / short_primary
		OrderQuantity string  `yaml:"order_quantity"` // decimal 字符串
		HoldTimeSec   int     `yaml:"hold_time_sec"`
		SkipCooldownSec  int  `yaml:"skip_cooldown_sec"`
		BlockCooldownSec int  `yaml:"block_cooldown_sec"`
		MaxCycles     int     `yaml:"max_cycles"`
	} `yaml:"orchestrator"`

	Gate struct {
		PositionCap     string `yaml:"position_cap"`      // decimal 字符串
		MinSpreadBps    string `yaml:"min_spread_bps"`    // decimal 字符串
		NetDeltaWarning string `yaml:"net_delta_warning"` // decimal 字符串
	} `yaml:"gate"`

	Reconcile struct {
		IntervalSec       int    `yaml:"interval_sec"`
		WarnThreshold     string `yaml:"warn_threshold"`
		CriticalThreshold string `yaml:"critical_threshold"`
		DeMinimis         string `yaml:"de_minimis"`
	} `yaml:"reconcile"`

	Unwind struct {
		MaxAttempts  int `yaml:"max_attempts"`
		RetryDelaySec int `yaml:"retry_delay_sec"`
		OrderWaitSec int `yaml:"order_wait_sec"`
	} `yaml:"unwind"`

	Risk struct {
		DailyLossLimit string `yaml:"daily_loss_limit"` // decimal 字符串，空 = 不限
	} `yaml:"risk"`

	Ops struct {
		Listen string `yaml:"listen"` // operator API 地址，空 = 不启动
	} `yaml:"ops"`

	Archive struct {
		DBPath string `yaml:"db_path"` // SQLite 路径，空 = 不归档
	} `yaml:"archive"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Venue 解析后的 venue 配置
type Venue struct {
	VenueID   string
	Mode      string
	BaseURL   string
	WSURL     string
	APIKey    string
	APISecret string
	Symbol    string
	Timeout   time.Duration

	QuirkTimeout         time.Duration
	QuirkCancelRateLimit time.Duration
	QuirkStalePolicy     string
	QuirkMaxTotalWait    time.Duration
}

// Config 应用配置（解析 + 校验后的形态）
type Config struct {
	Primary Venue
	Hedge   Venue

	Direction     string
	OrderQuantity decimal.Decimal
	HoldTime      time.Duration
	SkipCooldown  time.Duration
	BlockCooldown time.Duration
	MaxCycles     int

	PositionCap     decimal.Decimal
	MinSpreadBps    decimal.Decimal
	NetDeltaWarning decimal.Decimal

	ReconcileInterval time.Duration
	WarnThreshold     decimal.Decimal
	CriticalThreshold decimal.Decimal
	DeMinimis         decimal.Decimal

	UnwindMaxAttempts int
	UnwindRetryDelay  time.Duration
	UnwindOrderWait   time.Duration

	DailyLossLimit decimal.Decimal

	OpsListen     string
	ArchiveDBPath string

	LogLevel string
	LogFile  string
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
	globalConfig = nil
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}
	if filePath == "" {
		return nil, fmt.Errorf("配置文件路径为空")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析配置文件失败 %s: %w", filePath, err)
	}

	cfg, err := fromFile(&file)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = cfg
	configFilePath = filePath
	return cfg, nil
}

func fromFile(f *ConfigFile) (*Config, error) {
	primary, err := venueFromFile(f.Primary, "primary")
	if err != nil {
		return nil, err
	}
	hedge, err := venueFromFile(f.Hedge, "hedge")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Primary: primary,
		Hedge:   hedge,

		Direction:     f.Orchestrator.Direction,
		HoldTime:      time.Duration(f.Orchestrator.HoldTimeSec) * time.Second,
		SkipCooldown:  time.Duration(f.Orchestrator.SkipCooldownSec) * time.Second,
		BlockCooldown: time.Duration(f.Orchestrator.BlockCooldownSec) * time.Second,
		MaxCycles:     f.Orchestrator.MaxCycles,

		ReconcileInterval: time.Duration(f.Reconcile.IntervalSec) * time.Second,

		UnwindMaxAttempts: f.Unwind.MaxAttempts,
		UnwindRetryDelay:  time.Duration(f.Unwind.RetryDelaySec) * time.Second,
		UnwindOrderWait:   time.Duration(f.Unwind.OrderWaitSec) * time.Second,

		OpsListen:     f.Ops.Listen,
		ArchiveDBPath: f.Archive.DBPath,
		LogLevel:      f.LogLevel,
		LogFile:       f.LogFile,
	}

	for _, d := range []struct {
		dst  *decimal.Decimal
		raw  string
		name string
	}{
		{&cfg.OrderQuantity, f.Orchestrator.OrderQuantity, "orchestrator.order_quantity"},
		{&cfg.PositionCap, f.Gate.PositionCap, "gate.position_cap"},
		{&cfg.MinSpreadBps, f.Gate.MinSpreadBps, "gate.min_spread_bps"},
		{&cfg.NetDeltaWarning, f.Gate.NetDeltaWarning, "gate.net_delta_warning"},
		{&cfg.WarnThreshold, f.Reconcile.WarnThreshold, "reconcile.warn_threshold"},
		{&cfg.CriticalThreshold, f.Reconcile.CriticalThreshold, "reconcile.critical_threshold"},
		{&cfg.DeMinimis, f.Reconcile.DeMinimis, "reconcile.de_minimis"},
		{&cfg.DailyLossLimit, f.Risk.DailyLossLimit, "risk.daily_loss_limit"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(d.raw)
		if err != nil {
			return nil, fmt.Errorf("配置项 %s 无效: %q", d.name, d.raw)
		}
		*d.dst = v
	}

	return cfg, nil
}

func venueFromFile(f VenueFile, role string) (Venue, error) {
	v := Venue{
		VenueID:   f.VenueID,
		Mode:      f.Mode,
		BaseURL:   f.BaseURL,
		WSURL:     f.WSURL,
		APIKey:    expandEnv(f.APIKey),
		APISecret: expandEnv(f.APISecret),
		Symbol:    f.Symbol,
		Timeout:   time.Duration(f.TimeoutMS) * time.Millisecond,

		QuirkTimeout:         time.Duration(f.Quirk.TimeoutSec) * time.Second,
		QuirkCancelRateLimit: time.Duration(f.Quirk.CancelRateLimitSec) * time.Second,
		QuirkStalePolicy:     f.Quirk.StalePolicy,
		QuirkMaxTotalWait:    time.Duration(f.Quirk.MaxTotalWaitSec) * time.Second,
	}
	if v.VenueID == "" {
		v.VenueID = role
	}
	if v.Mode == "" {
		v.Mode = "sim"
	}
	return v, nil
}

// expandEnv 把 ${VAR} 形式替换成环境变量值（密钥不落配置文件）
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}"))
	}
	return s
}

// Validate 校验配置
func (c *Config) Validate() error {
	if !c.OrderQuantity.IsPositive() {
		return fmt.Errorf("orchestrator.order_quantity 必须为正数")
	}
	if c.Direction != "" && c.Direction != "long_primary" && c.Direction != "short_primary" {
		return fmt.Errorf("orchestrator.direction 无效: %q", c.Direction)
	}
	for _, v := range []Venue{c.Primary, c.Hedge} {
		if v.Mode != "sim" && v.Mode != "restws" {
			return fmt.Errorf("venue %s 的 mode 无效: %q", v.VenueID, v.Mode)
		}
		if v.Mode == "restws" && v.BaseURL == "" {
			return fmt.Errorf("venue %s 为 restws 模式但未配置 base_url", v.VenueID)
		}
	}
	if c.Primary.VenueID == c.Hedge.VenueID {
		return fmt.Errorf("primary 与 hedge 的 venue_id 不能相同: %q", c.Primary.VenueID)
	}
	if c.CriticalThreshold.IsPositive() && c.WarnThreshold.IsPositive() &&
		c.CriticalThreshold.LessThanOrEqual(c.WarnThreshold) {
		return fmt.Errorf("reconcile.critical_threshold 必须大于 warn_threshold")
	}
	return nil
}
