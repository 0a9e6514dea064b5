package signal

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"spreadguard/internal/config"
	"spreadguard/internal/decision"
	"spreadguard/internal/types"
)

// Overrides 手动下单时覆盖预设的字段；零值表示沿用预设。
type Overrides struct {
	Quantity    int       `json:"quantity,omitempty"`
	TargetDelta float64   `json:"target_delta,omitempty"`
	Strikes     []float64 `json:"strikes,omitempty"`
	Price       float64   `json:"price,omitempty"`
	Expiry      time.Time `json:"expiry,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
}

// FromPreset builds a signal from a configured preset. DTE counts calendar
// days from today in the parser's location.
func (p *Parser) FromPreset(preset config.Preset, ov Overrides) decision.TradeSignal {
	// 方向非法时保留原值，由决策引擎拒绝并落审计。
	right, err := types.ParseRight(preset.Direction)
	if err != nil {
		right = types.Right(strings.ToUpper(strings.TrimSpace(preset.Direction)))
	}
	sig := decision.TradeSignal{
		ID:            uuid.NewString(),
		Source:        SourcePreset + ":" + preset.Name,
		Underlying:    normalizeSymbol(preset.Underlying),
		Strategy:      preset.Strategy,
		Direction:     right,
		TargetDelta:   preset.TargetDelta,
		Quantity:      preset.Quantity,
		TakeProfitPct: preset.TakeProfitPct,
		StopLossPct:   preset.StopLossPct,
		TimeExit:      preset.TimeExit,
		Expiry:        p.today().AddDate(0, 0, preset.DTE),
		ReceivedAt:    p.now(),
	}
	if ov.Quantity > 0 {
		sig.Quantity = ov.Quantity
	}
	if ov.TargetDelta > 0 {
		sig.TargetDelta = ov.TargetDelta
	}
	if len(ov.Strikes) > 0 {
		sig.Strikes = append([]float64(nil), ov.Strikes...)
	}
	if ov.Price > 0 {
		sig.Price = ov.Price
	}
	if !ov.Expiry.IsZero() {
		sig.Expiry = ov.Expiry
	}
	if ov.AccountID != "" {
		sig.AccountID = ov.AccountID
	}
	return sig
}
