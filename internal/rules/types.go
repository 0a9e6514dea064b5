// Package rules 风控规则引擎：按优先级评估启用的规则，触发即记录风险事件，
// block_trade 立即终止评估。
package rules

import (
	"context"
	"time"
)

type ConditionType string

const (
	ConditionDeltaBreach    ConditionType = "delta_breach"
	ConditionTimeExit       ConditionType = "time_exit"
	ConditionPortfolioLimit ConditionType = "portfolio_limit"
	ConditionCustom         ConditionType = "custom"
)

func (c ConditionType) Valid() bool {
	switch c {
	case ConditionDeltaBreach, ConditionTimeExit, ConditionPortfolioLimit, ConditionCustom:
		return true
	default:
		return false
	}
}

type Action string

const (
	ActionBlockTrade   Action = "block_trade"
	ActionWarn         Action = "warn"
	ActionExitPosition Action = "exit_position"
)

func (a Action) Valid() bool {
	switch a {
	case ActionBlockTrade, ActionWarn, ActionExitPosition:
		return true
	default:
		return false
	}
}

// Rule 外部持久化的风控规则，每次评估只读加载。
type Rule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	RuleSet   string         `json:"rule_set"`
	Condition ConditionType  `json:"condition_type"`
	Params    map[string]any `json:"condition_params,omitempty"`
	Action    Action         `json:"action"`
	// Priority 越小越先评估。
	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`
}

type TradeSnapshot struct {
	Underlying  string    `json:"underlying"`
	Strategy    string    `json:"strategy"`
	Direction   string    `json:"direction"`
	Strikes     []float64 `json:"strikes,omitempty"`
	Quantity    int       `json:"quantity"`
	TargetDelta float64   `json:"target_delta"`
}

type PortfolioSnapshot struct {
	Underlying  string  `json:"underlying"`
	ShortDelta  float64 `json:"short_delta"`
	NetCredit   float64 `json:"net_credit"`
	MarginUsage float64 `json:"margin_usage"`
}

// Context is what a rule sees. A zero At means "now".
type Context struct {
	TradeID   string            `json:"trade_id,omitempty"`
	Trade     TradeSnapshot     `json:"trade"`
	Portfolio PortfolioSnapshot `json:"portfolio"`
	At        time.Time         `json:"evaluated_at"`
}

type TriggeredRule struct {
	RuleID    string        `json:"rule_id"`
	Name      string        `json:"name"`
	RuleSet   string        `json:"rule_set"`
	Condition ConditionType `json:"condition_type"`
	Action    Action        `json:"action"`
	Priority  int           `json:"priority"`
	Reason    string        `json:"reason"`
}

type Result struct {
	Passed         bool            `json:"passed"`
	BlockingReason string          `json:"blocking_reason,omitempty"`
	Triggered      []TriggeredRule `json:"triggered_rules"`
	Evaluated      int             `json:"evaluated"`
	RuleSet        string          `json:"rule_set,omitempty"`
}

// ShouldExit reports whether any triggered rule asks to close the position.
func (r Result) ShouldExit() bool {
	for _, t := range r.Triggered {
		if t.Action == ActionExitPosition {
			return true
		}
	}
	return false
}

// Warnings returns the reasons of non-blocking triggers.
func (r Result) Warnings() []string {
	var out []string
	for _, t := range r.Triggered {
		if t.Action == ActionWarn {
			out = append(out, t.Name+": "+t.Reason)
		}
	}
	return out
}

// Store supplies enabled rules; an empty ruleSet means every set.
type Store interface {
	ListEnabledRules(ctx context.Context, ruleSet string) ([]Rule, error)
}

// RiskEvent is what gets recorded for each trigger.
type RiskEvent struct {
	RuleID    string            `json:"rule_id"`
	RuleName  string            `json:"rule_name"`
	RuleSet   string            `json:"rule_set"`
	Condition ConditionType     `json:"condition_type"`
	Action    Action            `json:"action"`
	Reason    string            `json:"reason"`
	Trade     TradeSnapshot     `json:"trade"`
	Portfolio PortfolioSnapshot `json:"portfolio"`
	At        time.Time         `json:"at"`
}
