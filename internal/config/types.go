package config

import (
	"strings"
	"time"

	"spreadguard/internal/risk"
)

// Config 是 spreadguard 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Database   DatabaseConfig   `toml:"database"`
	Audit      AuditConfig      `toml:"audit"`
	Account    AccountConfig    `toml:"account"`
	Decision   DecisionConfig   `toml:"decision"`
	Rules      RulesConfig      `toml:"rules"`
	Selector   SelectorConfig   `toml:"selector"`
	Chase      ChaseConfig      `toml:"chase"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Broker     BrokerConfig     `toml:"broker"`
	Notify     NotifyConfig     `toml:"notify"`
	Presets    []Preset         `toml:"presets"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	HTTPAddr  string `toml:"http_addr"`
	LogPath   string `toml:"log_path"`
	// Timezone 交易时段、到期日与离场时间所在时区。
	Timezone string `toml:"timezone"`
}

// Location resolves Timezone, falling back to UTC when unknown.
func (a AppConfig) Location() *time.Location {
	if loc, err := time.LoadLocation(strings.TrimSpace(a.Timezone)); err == nil {
		return loc
	}
	return time.UTC
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type AuditConfig struct {
	// JSONLPath 可选的 JSONL 镜像文件，为空则只写数据库。
	JSONLPath string `toml:"jsonl_path"`
	Buffer    int    `toml:"buffer"`
}

// AccountConfig 账户与仓位风险参数。
type AccountConfig struct {
	AccountID      string            `toml:"account_id"`
	AccountValue   float64           `toml:"account_value"`
	MaxRiskPct     float64           `toml:"max_risk_pct"`
	Currency       string            `toml:"currency"`
	TradingWindows []risk.TimeWindow `toml:"trading_windows"`
}

type DecisionConfig struct {
	MaxSpreadPct         float64 `toml:"max_spread_pct"`
	MaxShortDelta        float64 `toml:"max_short_delta"`
	MaxBPUtilizationPct  float64 `toml:"max_bp_utilization_pct"`
	StrategyVersion      string  `toml:"strategy_version"`
	DefaultStrategy      string  `toml:"default_strategy"`
	DefaultTargetDelta   float64 `toml:"default_target_delta"`
	DefaultQuantity      int     `toml:"default_quantity"`
	DefaultTakeProfitPct float64 `toml:"default_take_profit_pct"`
	DefaultStopLossPct   float64 `toml:"default_stop_loss_pct"`
}

type RulesConfig struct {
	Path           string `toml:"path"`
	Watch          bool   `toml:"watch"`
	EntryRuleSet   string `toml:"entry_rule_set"`
	MonitorRuleSet string `toml:"monitor_rule_set"`
}

type SelectorConfig struct {
	SpreadWidth float64 `toml:"spread_width"`
}

type ChaseConfig struct {
	TickSize    float64 `toml:"tick_size"`
	IntervalMS  int     `toml:"interval_ms"`
	MaxSteps    int     `toml:"max_steps"`
	MaxSlippage float64 `toml:"max_slippage"`
}

func (c ChaseConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

type SupervisorConfig struct {
	PollIntervalMS   int `toml:"poll_interval_ms"`
	MaxPollAttempts  int `toml:"max_poll_attempts"`
	BracketRetries   int `toml:"bracket_retries"`
	BracketBackoffMS int `toml:"bracket_backoff_ms"`
}

func (s SupervisorConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

func (s SupervisorConfig) BracketBackoff() time.Duration {
	return time.Duration(s.BracketBackoffMS) * time.Millisecond
}

// MonitorConfig 持仓监控：时间离场与 delta 离场。
type MonitorConfig struct {
	Enabled         bool    `toml:"enabled"`
	IntervalSeconds int     `toml:"interval_seconds"`
	ExitTime        string  `toml:"exit_time"`
	DeltaBreach     float64 `toml:"delta_breach"`
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

const (
	BrokerModePaper = "paper"
	BrokerModeREST  = "rest"
)

type BrokerConfig struct {
	Mode                  string      `toml:"mode"`
	APIURL                string      `toml:"api_url"`
	APIToken              string      `toml:"api_token"`
	TimeoutSeconds        int         `toml:"timeout_seconds"`
	InsecureSkipVerify    bool        `toml:"insecure_skip_verify"`
	BreakerThreshold      int         `toml:"breaker_threshold"`
	BreakerTimeoutSeconds int         `toml:"breaker_timeout_seconds"`
	Paper                 PaperConfig `toml:"paper"`
}

// PaperConfig 模拟券商的合成行情参数。
type PaperConfig struct {
	Spots      map[string]float64 `toml:"spots"`
	Roots      map[string]string  `toml:"roots"`
	StrikeStep float64            `toml:"strike_step"`
	Volatility float64            `toml:"volatility"`
}

// NotifyConfig 交易状态推送。
type NotifyConfig struct {
	// States 触发推送的目标状态，留空使用默认集合。
	States   []string       `toml:"states"`
	Buffer   int            `toml:"buffer"`
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	// APIURL 默认 https://api.telegram.org，测试时指向本地服务。
	APIURL string `toml:"api_url"`
}

// Preset 预设的开仓模板，可被告警或手工请求引用。
type Preset struct {
	Name          string  `toml:"name" json:"name"`
	Underlying    string  `toml:"underlying" json:"underlying"`
	Strategy      string  `toml:"strategy" json:"strategy"`
	Direction     string  `toml:"direction" json:"direction"`
	TargetDelta   float64 `toml:"target_delta" json:"target_delta"`
	Quantity      int     `toml:"quantity" json:"quantity"`
	TakeProfitPct float64 `toml:"take_profit_pct" json:"take_profit_pct"`
	StopLossPct   float64 `toml:"stop_loss_pct" json:"stop_loss_pct"`
	TimeExit      string  `toml:"time_exit" json:"time_exit"`
	// DTE 距到期天数，0 表示当日到期。
	DTE int `toml:"dte" json:"dte"`
}

// FindPreset looks a preset up by case-insensitive name.
func (c *Config) FindPreset(name string) (Preset, bool) {
	for _, p := range c.Presets {
		if strings.EqualFold(strings.TrimSpace(p.Name), strings.TrimSpace(name)) {
			return p, true
		}
	}
	return Preset{}, false
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
