package decision

import (
	"time"

	"spreadguard/internal/types"
)

// TradeSignal 交易信号：来自粘贴的提醒、预设或手工录入。可选字段缺失时由引擎补默认值。
type TradeSignal struct {
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Underlying      string      `json:"underlying"`
	Strategy        string      `json:"strategy,omitempty"`
	Direction       types.Right `json:"direction"`
	Strikes         []float64   `json:"strikes,omitempty"`
	TargetDelta     float64     `json:"target_delta,omitempty"`
	Quantity        int         `json:"quantity,omitempty"`
	// Price 提醒给出的净权利金（credit）。
	Price           float64   `json:"price,omitempty"`
	Expiry          time.Time `json:"expiry,omitempty"`
	AccountID       string    `json:"account_id,omitempty"`
	TakeProfitPct   float64   `json:"take_profit_pct,omitempty"`
	StopLossPct     float64   `json:"stop_loss_pct,omitempty"`
	TimeExit        string    `json:"time_exit,omitempty"`
	StrategyVersion string    `json:"strategy_version,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// MarketContext 组合报价快照。Mid/Spread 为 0 时由 Bid/Ask 推导。
type MarketContext struct {
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Mid    float64 `json:"mid"`
	Spread float64 `json:"spread"`
}

func (m MarketContext) normalized() MarketContext {
	if m.Mid == 0 && m.Bid > 0 && m.Ask > 0 {
		m.Mid = (m.Bid + m.Ask) / 2
	}
	if m.Spread == 0 && m.Ask > 0 && m.Bid > 0 {
		m.Spread = m.Ask - m.Bid
	}
	if m.Spread < 0 {
		m.Spread = -m.Spread
	}
	return m
}

// PortfolioContext 组合快照，由外部协作方刷新，此处只读。
type PortfolioContext struct {
	ShortDelta                map[string]float64 `json:"short_delta"`
	BuyingPowerUtilizationPct float64            `json:"buying_power_utilization_pct"`
}

// Gate names which check produced a rejection.
type Gate string

const (
	GateSignal    Gate = "signal"
	GateMarket    Gate = "market"
	GatePortfolio Gate = "portfolio"
)

type Decision struct {
	ID        string           `json:"id"`
	SignalID  string           `json:"signal_id"`
	Approved  bool             `json:"approved"`
	Gate      Gate             `json:"gate,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	SpreadPct float64          `json:"spread_pct"`
	Spec      *types.TradeSpec `json:"trade_spec,omitempty"`
	Market    MarketContext    `json:"market"`
	DecidedAt time.Time        `json:"decided_at"`
}

// Limits 决策闸门的固定上限。
type Limits struct {
	MaxSpreadPct        float64 `json:"max_spread_pct"`
	MaxShortDelta       float64 `json:"max_short_delta"`
	MaxBPUtilizationPct float64 `json:"max_bp_utilization_pct"`
}

func DefaultLimits() Limits {
	return Limits{MaxSpreadPct: 5, MaxShortDelta: 100, MaxBPUtilizationPct: 80}
}

// Fallbacks fill optional signal fields when assembling a TradeSpec.
type Fallbacks struct {
	Strategy        string
	TargetDelta     float64
	Quantity        int
	TakeProfitPct   float64
	StopLossPct     float64
	AccountID       string
	StrategyVersion string
	// Location 用于推导默认到期日（当日到期）。
	Location *time.Location
}

func DefaultFallbacks() Fallbacks {
	return Fallbacks{
		Strategy:        "vertical",
		TargetDelta:     0.30,
		Quantity:        1,
		TakeProfitPct:   50,
		StopLossPct:     100,
		StrategyVersion: "v1",
	}
}
