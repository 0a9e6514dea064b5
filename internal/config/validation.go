package config

import (
	"fmt"
	"strings"

	"spreadguard/internal/lifecycle"
	"spreadguard/internal/risk"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	switch strings.ToLower(c.App.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if err := c.Account.validate(); err != nil {
		return err
	}
	if err := c.Decision.validate(); err != nil {
		return err
	}
	if err := c.Chase.validate(); err != nil {
		return err
	}
	if err := c.Monitor.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return validatePresets(c.Presets)
}

func (a *AccountConfig) validate() error {
	if a.AccountValue < 0 {
		return fmt.Errorf("account.account_value must be >= 0")
	}
	if a.MaxRiskPct <= 0 || a.MaxRiskPct > 100 {
		return fmt.Errorf("account.max_risk_pct must be in (0, 100]")
	}
	for i, w := range a.TradingWindows {
		if _, err := risk.ParseClock(w.Start); err != nil {
			return fmt.Errorf("account.trading_windows[%d].start: %w", i, err)
		}
		if _, err := risk.ParseClock(w.End); err != nil {
			return fmt.Errorf("account.trading_windows[%d].end: %w", i, err)
		}
	}
	return nil
}

func (d *DecisionConfig) validate() error {
	if d.MaxSpreadPct <= 0 {
		return fmt.Errorf("decision.max_spread_pct must be > 0")
	}
	if d.MaxBPUtilizationPct <= 0 || d.MaxBPUtilizationPct > 100 {
		return fmt.Errorf("decision.max_bp_utilization_pct must be in (0, 100]")
	}
	if d.DefaultTargetDelta <= 0 || d.DefaultTargetDelta >= 1 {
		return fmt.Errorf("decision.default_target_delta must be in (0, 1)")
	}
	return nil
}

func (c *ChaseConfig) validate() error {
	if c.TickSize <= 0 {
		return fmt.Errorf("chase.tick_size must be > 0")
	}
	if c.MaxSteps < 0 {
		return fmt.Errorf("chase.max_steps must be >= 0")
	}
	if c.MaxSlippage < 0 {
		return fmt.Errorf("chase.max_slippage must be >= 0")
	}
	return nil
}

func (m *MonitorConfig) validate() error {
	if !m.Enabled {
		return nil
	}
	if m.ExitTime != "" {
		if _, err := risk.ParseClock(m.ExitTime); err != nil {
			return fmt.Errorf("monitor.exit_time: %w", err)
		}
	}
	if m.DeltaBreach < 0 || m.DeltaBreach > 1 {
		return fmt.Errorf("monitor.delta_breach must be in [0, 1]")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch b.Mode {
	case BrokerModePaper:
		for sym, spot := range b.Paper.Spots {
			if spot <= 0 {
				return fmt.Errorf("broker.paper.spots.%s must be > 0", sym)
			}
		}
		return nil
	case BrokerModeREST:
		if strings.TrimSpace(b.APIURL) == "" {
			return fmt.Errorf("broker.api_url cannot be empty in rest mode")
		}
		if strings.TrimSpace(b.APIToken) == "" {
			return fmt.Errorf("broker.api_token cannot be empty in rest mode")
		}
		return nil
	default:
		return fmt.Errorf("broker.mode must be paper or rest, got %q", b.Mode)
	}
}

func (n *NotifyConfig) validate() error {
	for _, st := range n.States {
		if _, ok := lifecycle.ParseState(st); !ok {
			return fmt.Errorf("notify.states: unknown state %q", st)
		}
	}
	if n.Telegram.Enabled && (strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "") {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}

func validatePresets(presets []Preset) error {
	seen := make(map[string]bool, len(presets))
	for i, p := range presets {
		if p.Name == "" {
			return fmt.Errorf("presets[%d].name cannot be empty", i)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return fmt.Errorf("duplicate preset %q", p.Name)
		}
		seen[key] = true
		if p.Underlying == "" {
			return fmt.Errorf("preset %s: underlying cannot be empty", p.Name)
		}
		if p.Direction != "" && p.Direction != "CALL" && p.Direction != "PUT" {
			return fmt.Errorf("preset %s: direction must be CALL or PUT", p.Name)
		}
		if p.TargetDelta < 0 || p.TargetDelta >= 1 {
			return fmt.Errorf("preset %s: target_delta must be in [0, 1)", p.Name)
		}
		if p.TimeExit != "" {
			if _, err := risk.ParseClock(p.TimeExit); err != nil {
				return fmt.Errorf("preset %s: time_exit: %w", p.Name, err)
			}
		}
	}
	return nil
}
