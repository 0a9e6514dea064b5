package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9991"
	defaultAppTimezone       = "America/New_York"
	defaultDatabasePath      = "data/spreadguard.db"
	defaultAuditBuffer       = 256
	defaultAccountMaxRiskPct = 2
	defaultAccountCurrency   = "USD"
	defaultMaxSpreadPct      = 5
	defaultMaxShortDelta     = 100
	defaultMaxBPUtilization  = 80
	defaultStrategyVersion   = "v1"
	defaultStrategy          = "vertical"
	defaultTargetDelta       = 0.30
	defaultQuantity          = 1
	defaultTakeProfitPct     = 50
	defaultStopLossPct       = 100
	defaultRulesPath         = "configs/rules.yaml"
	defaultEntryRuleSet      = "entry"
	defaultMonitorRuleSet    = "monitor"
	defaultSpreadWidth       = 10
	defaultChaseTick         = 0.05
	defaultChaseIntervalMS   = 2000
	defaultChaseMaxSteps     = 5
	defaultChaseMaxSlippage  = 0.25
	defaultPollIntervalMS    = 1000
	defaultMaxPollAttempts   = 300
	defaultBracketRetries    = 3
	defaultBracketBackoffMS  = 1000
	defaultMonitorInterval   = 30
	defaultMonitorExitTime   = "15:45"
	defaultMonitorDelta      = 0.65
	defaultBrokerMode        = BrokerModePaper
	defaultBrokerTimeout     = 15
	defaultBreakerThreshold  = 5
	defaultBreakerTimeout    = 30
	defaultPaperStrikeStep   = 5
	defaultPaperVolatility   = 0.2
	defaultNotifyBuffer      = 64
	defaultTelegramAPIURL    = "https://api.telegram.org"
)

var defaultNotifyStates = []string{"FILLED", "OCO_ATTACHED", "CLOSED", "REJECTED", "ERROR"}

// applyDefaults 为所有子配置应用默认值，显式写在配置文件里的字段不覆盖。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Audit.applyDefaults(keys)
	c.Account.applyDefaults(keys)
	c.Decision.applyDefaults(keys)
	c.Rules.applyDefaults(keys)
	c.Selector.applyDefaults(keys)
	c.Chase.applyDefaults(keys)
	c.Supervisor.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	for i := range c.Presets {
		c.Presets[i].normalize()
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.timezone", &a.Timezone, defaultAppTimezone),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("database.path", &d.Path, defaultDatabasePath))
}

func (a *AuditConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, intFieldDefault("audit.buffer", &a.Buffer, defaultAuditBuffer))
}

func (a *AccountConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("account.max_risk_pct", &a.MaxRiskPct, defaultAccountMaxRiskPct),
		stringFieldDefault("account.currency", &a.Currency, defaultAccountCurrency),
	)
	a.Currency = strings.ToUpper(strings.TrimSpace(a.Currency))
}

func (d *DecisionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("decision.max_spread_pct", &d.MaxSpreadPct, defaultMaxSpreadPct),
		floatFieldDefault("decision.max_short_delta", &d.MaxShortDelta, defaultMaxShortDelta),
		floatFieldDefault("decision.max_bp_utilization_pct", &d.MaxBPUtilizationPct, defaultMaxBPUtilization),
		stringFieldDefault("decision.strategy_version", &d.StrategyVersion, defaultStrategyVersion),
		stringFieldDefault("decision.default_strategy", &d.DefaultStrategy, defaultStrategy),
		floatFieldDefault("decision.default_target_delta", &d.DefaultTargetDelta, defaultTargetDelta),
		intFieldDefault("decision.default_quantity", &d.DefaultQuantity, defaultQuantity),
		floatFieldDefault("decision.default_take_profit_pct", &d.DefaultTakeProfitPct, defaultTakeProfitPct),
		floatFieldDefault("decision.default_stop_loss_pct", &d.DefaultStopLossPct, defaultStopLossPct),
	)
}

func (r *RulesConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("rules.path", &r.Path, defaultRulesPath),
		boolFieldDefault("rules.watch", &r.Watch, true),
		stringFieldDefault("rules.entry_rule_set", &r.EntryRuleSet, defaultEntryRuleSet),
		stringFieldDefault("rules.monitor_rule_set", &r.MonitorRuleSet, defaultMonitorRuleSet),
	)
}

func (s *SelectorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, floatFieldDefault("selector.spread_width", &s.SpreadWidth, defaultSpreadWidth))
}

func (c *ChaseConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("chase.tick_size", &c.TickSize, defaultChaseTick),
		intFieldDefault("chase.interval_ms", &c.IntervalMS, defaultChaseIntervalMS),
		intFieldDefault("chase.max_steps", &c.MaxSteps, defaultChaseMaxSteps),
		floatFieldDefault("chase.max_slippage", &c.MaxSlippage, defaultChaseMaxSlippage),
	)
}

func (s *SupervisorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("supervisor.poll_interval_ms", &s.PollIntervalMS, defaultPollIntervalMS),
		intFieldDefault("supervisor.max_poll_attempts", &s.MaxPollAttempts, defaultMaxPollAttempts),
		intFieldDefault("supervisor.bracket_retries", &s.BracketRetries, defaultBracketRetries),
		intFieldDefault("supervisor.bracket_backoff_ms", &s.BracketBackoffMS, defaultBracketBackoffMS),
	)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("monitor.enabled", &m.Enabled, true),
		intFieldDefault("monitor.interval_seconds", &m.IntervalSeconds, defaultMonitorInterval),
		stringFieldDefault("monitor.exit_time", &m.ExitTime, defaultMonitorExitTime),
		floatFieldDefault("monitor.delta_breach", &m.DeltaBreach, defaultMonitorDelta),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		intFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeout),
		intFieldDefault("broker.breaker_threshold", &b.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("broker.breaker_timeout_seconds", &b.BreakerTimeoutSeconds, defaultBreakerTimeout),
		floatFieldDefault("broker.paper.strike_step", &b.Paper.StrikeStep, defaultPaperStrikeStep),
		floatFieldDefault("broker.paper.volatility", &b.Paper.Volatility, defaultPaperVolatility),
	)
	b.Mode = strings.ToLower(strings.TrimSpace(b.Mode))
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("notify.buffer", &n.Buffer, defaultNotifyBuffer),
		stringFieldDefault("notify.telegram.api_url", &n.Telegram.APIURL, defaultTelegramAPIURL),
	)
	if len(n.States) == 0 && !keys.isSet("notify.states") {
		n.States = append([]string(nil), defaultNotifyStates...)
	}
	for i, st := range n.States {
		n.States[i] = strings.ToUpper(strings.TrimSpace(st))
	}
}

func (p *Preset) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Underlying = strings.ToUpper(strings.TrimSpace(p.Underlying))
	p.Direction = strings.ToUpper(strings.TrimSpace(p.Direction))
	if p.Strategy == "" {
		p.Strategy = defaultStrategy
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}
