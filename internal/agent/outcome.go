package agent

import (
	"encoding/json"
	"fmt"

	"spreadguard/internal/broker"
	"spreadguard/internal/decision"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/rules"
	"spreadguard/internal/types"
)

// Stage names the pipeline step that stopped an entry.
type Stage string

const (
	StageSignal        Stage = "signal"
	StageTradingWindow Stage = "trading_window"
	StageSelection     Stage = "selection"
	StageDecision      Stage = "decision"
	StageRules         Stage = "rules"
	StageCreditFloor   Stage = "credit_floor"
	StageSizing        Stage = "sizing"
	StageAccountRisk   Stage = "account_risk"
	StageSubmit        Stage = "submit"
)

// Rejection 入场被某一环节拦截。Err 保留底层类型化错误，便于 errors.Is / errors.As。
type Rejection struct {
	Stage  Stage
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Reason == "" && r.Err != nil {
		return fmt.Sprintf("entry rejected at %s: %v", r.Stage, r.Err)
	}
	return fmt.Sprintf("entry rejected at %s: %s", r.Stage, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(stage Stage, err error) *Rejection {
	return &Rejection{Stage: stage, Reason: err.Error(), Err: err}
}

// Outcome 记录一次入场流水线的全部中间结果；被拦截时只填到拦截点为止。
type Outcome struct {
	SignalID string                 `json:"signal_id"`
	Decision *decision.Decision     `json:"decision,omitempty"`
	Rules    *rules.Result          `json:"rules,omitempty"`
	Market   decision.MarketContext `json:"market"`
	Legs     *types.VerticalLegs    `json:"legs,omitempty"`
	// Quantity is after sizing; Requested is what the TradeSpec asked for.
	Quantity  int      `json:"quantity"`
	Requested int      `json:"requested_quantity"`
	Credit    float64  `json:"credit"`
	MaxLoss   float64  `json:"max_loss"`
	Warnings  []string `json:"warnings,omitempty"`
	// set once the trade exists
	TradeID string           `json:"trade_id,omitempty"`
	Trade   *lifecycle.Trade `json:"trade,omitempty"`
	Order   *broker.Order    `json:"order,omitempty"`
}

// trade metadata written at creation time.
const (
	MetaSignalID   = "signal_id"
	MetaDecisionID = "decision_id"
	MetaSpec       = "trade_spec"
	MetaLegs       = "legs"
	MetaQuantity   = "quantity"
	MetaCredit     = "credit"
	MetaMaxLoss    = "max_loss"
	MetaUnderlying = "underlying"
)

// SpecOf recovers the spec and legs a trade was opened with. Metadata may be
// live structs or JSON-decoded maps after a restart; both round-trip.
func SpecOf(trade lifecycle.Trade) (types.TradeSpec, types.VerticalLegs, error) {
	var spec types.TradeSpec
	var legs types.VerticalLegs
	if err := roundTrip(trade.Metadata[MetaSpec], &spec); err != nil {
		return spec, legs, fmt.Errorf("trade %s spec: %w", trade.ID, err)
	}
	if err := roundTrip(trade.Metadata[MetaLegs], &legs); err != nil {
		return spec, legs, fmt.Errorf("trade %s legs: %w", trade.ID, err)
	}
	if legs.Short.StreamerSymbol == "" {
		return spec, legs, fmt.Errorf("trade %s has no legs", trade.ID)
	}
	return spec, legs, nil
}

func roundTrip(v any, out any) error {
	if v == nil {
		return fmt.Errorf("missing")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
