package decision

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spreadguard/internal/audit"
	"spreadguard/internal/logger"
	"spreadguard/internal/types"
)

// Engine 依次执行市场闸门与组合闸门，任一失败即拒绝；所有决策都写入审计日志。
type Engine struct {
	limits    Limits
	fallbacks Fallbacks
	recorder  audit.Recorder
	now       func() time.Time
}

func NewEngine(limits Limits, fallbacks Fallbacks, recorder audit.Recorder) *Engine {
	def := DefaultLimits()
	if limits.MaxSpreadPct <= 0 {
		limits.MaxSpreadPct = def.MaxSpreadPct
	}
	if limits.MaxShortDelta <= 0 {
		limits.MaxShortDelta = def.MaxShortDelta
	}
	if limits.MaxBPUtilizationPct <= 0 {
		limits.MaxBPUtilizationPct = def.MaxBPUtilizationPct
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Engine{limits: limits, fallbacks: fallbacks, recorder: recorder, now: time.Now}
}

// SetClock is used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Decide never fails: every outcome is a Decision, and every Decision is audited.
func (e *Engine) Decide(signal TradeSignal, market MarketContext, portfolio PortfolioContext) Decision {
	if signal.ID == "" {
		signal.ID = uuid.NewString()
	}
	d := Decision{
		ID:        uuid.NewString(),
		SignalID:  signal.ID,
		Market:    market.normalized(),
		DecidedAt: e.now(),
	}
	defer func() {
		e.recorder.Record(audit.KindDecision, "", d.SignalID, d)
		if d.Approved {
			logger.Infof("decision: signal %s approved %s %s qty=%d", d.SignalID, d.Spec.Underlying, d.Spec.Direction, d.Spec.Quantity)
		} else {
			logger.Infof("decision: signal %s rejected at %s gate: %s", d.SignalID, d.Gate, d.Reason)
		}
	}()

	if reason := checkSignal(signal); reason != "" {
		d.Gate, d.Reason = GateSignal, reason
		return d
	}
	spreadPct, reason := e.marketGate(d.Market)
	d.SpreadPct = spreadPct
	if reason != "" {
		d.Gate, d.Reason = GateMarket, reason
		return d
	}
	if reason := e.portfolioGate(signal.Underlying, portfolio); reason != "" {
		d.Gate, d.Reason = GatePortfolio, reason
		return d
	}
	spec := e.buildSpec(signal)
	d.Approved = true
	d.Spec = &spec
	return d
}

func checkSignal(s TradeSignal) string {
	if strings.TrimSpace(s.Underlying) == "" {
		return "signal has no underlying"
	}
	if !s.Direction.Valid() {
		return fmt.Sprintf("signal direction %q is not CALL or PUT", s.Direction)
	}
	if s.Quantity < 0 {
		return fmt.Sprintf("signal quantity %d is negative", s.Quantity)
	}
	for _, v := range append([]float64{s.TargetDelta, s.Price}, s.Strikes...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "signal carries a non-finite number"
		}
	}
	return ""
}

// marketGate: mid > 0, then spread/mid*100 <= MaxSpreadPct.
func (e *Engine) marketGate(m MarketContext) (float64, string) {
	if !(m.Mid > 0) {
		return 0, fmt.Sprintf("mid price %.2f must be positive", m.Mid)
	}
	pct := decimal.NewFromFloat(m.Spread).Div(decimal.NewFromFloat(m.Mid)).Mul(decimal.NewFromInt(100))
	pctF, _ := pct.Round(4).Float64()
	if pct.GreaterThan(decimal.NewFromFloat(e.limits.MaxSpreadPct)) {
		return pctF, fmt.Sprintf("spread %.2f%% exceeds max %.2f%%", pctF, e.limits.MaxSpreadPct)
	}
	return pctF, ""
}

func (e *Engine) portfolioGate(underlying string, p PortfolioContext) string {
	snap := types.PortfolioSnapshot{ShortDelta: p.ShortDelta}
	delta := math.Abs(snap.ShortDeltaFor(underlying))
	if delta > e.limits.MaxShortDelta {
		return fmt.Sprintf("short delta %.2f for %s exceeds max %.2f", delta, strings.ToUpper(underlying), e.limits.MaxShortDelta)
	}
	if p.BuyingPowerUtilizationPct > e.limits.MaxBPUtilizationPct {
		return fmt.Sprintf("buying power utilization %.2f%% exceeds max %.2f%%", p.BuyingPowerUtilizationPct, e.limits.MaxBPUtilizationPct)
	}
	return ""
}

func (e *Engine) buildSpec(s TradeSignal) types.TradeSpec {
	fb := e.fallbacks
	spec := types.TradeSpec{
		Underlying:      strings.ToUpper(strings.TrimSpace(s.Underlying)),
		Strategy:        firstNonEmpty(s.Strategy, fb.Strategy, "vertical"),
		Direction:       s.Direction,
		TargetDelta:     s.TargetDelta,
		Quantity:        s.Quantity,
		Price:           s.Price,
		Expiry:          s.Expiry,
		AccountID:       firstNonEmpty(s.AccountID, fb.AccountID),
		StrategyVersion: firstNonEmpty(s.StrategyVersion, fb.StrategyVersion),
		Rules: types.RuleBundle{
			TakeProfitPct: s.TakeProfitPct,
			StopLossPct:   s.StopLossPct,
			TimeExit:      s.TimeExit,
		},
	}
	if len(s.Strikes) > 0 {
		spec.Strikes = append([]float64(nil), s.Strikes...)
	}
	if spec.TargetDelta == 0 && len(spec.Strikes) == 0 {
		spec.TargetDelta = fb.TargetDelta
	}
	if spec.Quantity == 0 {
		spec.Quantity = fb.Quantity
	}
	if spec.Quantity <= 0 {
		spec.Quantity = 1
	}
	if spec.Rules.TakeProfitPct <= 0 {
		spec.Rules.TakeProfitPct = fb.TakeProfitPct
	}
	if spec.Rules.StopLossPct <= 0 {
		spec.Rules.StopLossPct = fb.StopLossPct
	}
	if spec.Expiry.IsZero() {
		now := e.now()
		if fb.Location != nil {
			now = now.In(fb.Location)
		}
		y, m, d := now.Date()
		spec.Expiry = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	}
	return spec
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
