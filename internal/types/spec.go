package types

import "time"

// RuleBundle 描述一笔交易的离场规则。
type RuleBundle struct {
	TakeProfitPct float64 `json:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	// TimeExit 可选，格式 HH:MM 或 HH:MM:SS。
	TimeExit string `json:"time_exit,omitempty"`
}

// TradeSpec 由决策引擎生成一次，下游只读。
type TradeSpec struct {
	Underlying      string     `json:"underlying"`
	Strategy        string     `json:"strategy"`
	Direction       Right      `json:"direction"`
	Strikes         []float64  `json:"strikes,omitempty"`
	TargetDelta     float64    `json:"target_delta"`
	Quantity        int        `json:"quantity"`
	Price           float64    `json:"price"`
	Expiry          time.Time  `json:"expiry"`
	AccountID       string     `json:"account_id"`
	Rules           RuleBundle `json:"rules"`
	StrategyVersion string     `json:"strategy_version"`
}

// Clone returns a copy whose strike slice is not shared.
func (s TradeSpec) Clone() TradeSpec {
	cp := s
	if len(s.Strikes) > 0 {
		cp.Strikes = append([]float64(nil), s.Strikes...)
	}
	return cp
}
