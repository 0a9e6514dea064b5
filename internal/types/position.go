package types

import (
	"strings"
	"time"
)

// PortfolioSnapshot 是外部协作方刷新的只读组合视图，供决策与规则评估使用。
type PortfolioSnapshot struct {
	// ShortDelta 按标的聚合的空头 delta（已按 x100 缩放）。
	ShortDelta map[string]float64 `json:"short_delta"`
	// NetCredit 按标的聚合的净权利金。
	NetCredit map[string]float64 `json:"net_credit,omitempty"`
	// BuyingPowerUsedPct 购买力占用百分比 0~100。
	BuyingPowerUsedPct float64   `json:"buying_power_used_pct"`
	// MarginUsagePct 保证金占用百分比 0~100。
	MarginUsagePct float64   `json:"margin_usage_pct"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ShortDeltaFor returns the aggregate short delta for an underlying (case-insensitive).
func (p PortfolioSnapshot) ShortDeltaFor(underlying string) float64 {
	if len(p.ShortDelta) == 0 {
		return 0
	}
	if v, ok := p.ShortDelta[underlying]; ok {
		return v
	}
	for k, v := range p.ShortDelta {
		if strings.EqualFold(k, underlying) {
			return v
		}
	}
	return 0
}

// NetCreditFor mirrors ShortDeltaFor for net credit.
func (p PortfolioSnapshot) NetCreditFor(underlying string) float64 {
	for k, v := range p.NetCredit {
		if strings.EqualFold(k, underlying) {
			return v
		}
	}
	return 0
}

// AccountSnapshot 来自设置/账户协作方：账户价值与单笔风险比例。
type AccountSnapshot struct {
	AccountID    string    `json:"account_id"`
	AccountValue float64   `json:"account_value"`
	MaxRiskPct   float64   `json:"max_risk_pct"`
	Currency     string    `json:"currency"`
	UpdatedAt    time.Time `json:"updated_at"`
}
