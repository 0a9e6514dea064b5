// Package agent 串起入场流水线：信号 → 交易时段 → 选合约 → 决策 → 规则 →
// 权利金下限 → 仓位 → 建单 → 交给 supervisor。
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spreadguard/internal/audit"
	"spreadguard/internal/broker"
	"spreadguard/internal/decision"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/logger"
	"spreadguard/internal/portfolio"
	"spreadguard/internal/risk"
	"spreadguard/internal/rules"
	"spreadguard/internal/supervisor"
	"spreadguard/internal/types"
)

// LegResolver turns a spec into concrete listed legs.
type LegResolver interface {
	ResolveByDelta(ctx context.Context, underlying string, expiry time.Time, right types.Right, targetDelta float64) (types.VerticalLegs, error)
	ResolveByStrike(ctx context.Context, underlying string, expiry time.Time, right types.Right, strike float64) (types.VerticalLegs, error)
	ResolveByStrikes(ctx context.Context, underlying string, expiry time.Time, right types.Right, shortStrike, longStrike float64) (types.VerticalLegs, error)
}

// QuoteSource fills leg quotes the chain snapshot did not carry.
type QuoteSource interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]types.Quote, error)
}

// Entrant submits an approved entry and supervises it.
type Entrant interface {
	Open(ctx context.Context, req supervisor.EntryRequest) (broker.Order, error)
}

type Config struct {
	AccountID          string
	TradingWindows     []risk.TimeWindow
	EntryRuleSet       string
	DefaultTargetDelta float64
	TimeInForce        string
	Location           *time.Location
}

type Deps struct {
	Decisions *decision.Engine
	Rules     *rules.Engine
	Resolver  LegResolver
	Quotes    QuoteSource
	Trades    *lifecycle.Registry
	Entrant   Entrant
	Book      *portfolio.Book
	Audit     audit.Recorder
}

type Service struct {
	cfg       Config
	decisions *decision.Engine
	rules     *rules.Engine
	resolver  LegResolver
	quotes    QuoteSource
	trades    *lifecycle.Registry
	entrant   Entrant
	book      *portfolio.Book
	audit     audit.Recorder
	now       func() time.Time
}

func New(cfg Config, deps Deps) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DefaultTargetDelta <= 0 {
		cfg.DefaultTargetDelta = 0.30
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = "DAY"
	}
	if cfg.EntryRuleSet == "" {
		cfg.EntryRuleSet = "entry"
	}
	rec := deps.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	book := deps.Book
	if book == nil {
		book = portfolio.NewBook(types.AccountSnapshot{AccountID: cfg.AccountID})
	}
	return &Service{
		cfg:       cfg,
		decisions: deps.Decisions,
		rules:     deps.Rules,
		resolver:  deps.Resolver,
		quotes:    deps.Quotes,
		trades:    deps.Trades,
		entrant:   deps.Entrant,
		book:      book,
		audit:     rec,
		now:       time.Now,
	}
}

// SetClock is used by tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// plan is an approved entry that has not been submitted yet.
type plan struct {
	signal decision.TradeSignal
	spec   types.TradeSpec
	legs   types.VerticalLegs
	order  broker.OrderRequest
}

// Preview runs every gate without creating a trade.
func (s *Service) Preview(ctx context.Context, sig decision.TradeSignal) (Outcome, error) {
	_, out, err := s.evaluate(ctx, sig)
	return out, err
}

// Open 执行完整入场流程；被拦截时返回 *Rejection，Outcome 带上拦截前的全部上下文。
func (s *Service) Open(ctx context.Context, sig decision.TradeSignal) (Outcome, error) {
	p, out, err := s.evaluate(ctx, sig)
	if err != nil {
		return out, err
	}
	log := logger.With("signal_id", out.SignalID, "underlying", p.spec.Underlying)

	trade, err := s.trades.CreateTrade(ctx, "", tradeMeta(p, out))
	if err != nil {
		return out, fmt.Errorf("create trade: %w", err)
	}
	out.TradeID = trade.ID
	p.order.ClientOrderID = trade.ID

	order, err := s.entrant.Open(ctx, supervisor.EntryRequest{
		TradeID:       trade.ID,
		Order:         p.order,
		TakeProfitPct: p.spec.Rules.TakeProfitPct,
		StopLossPct:   p.spec.Rules.StopLossPct,
	})
	if latest, ok := s.trades.Get(trade.ID); ok {
		out.Trade = &latest
	}
	if err != nil {
		log.Warn("entry submit failed", "trade_id", trade.ID, "error", err)
		return out, reject(StageSubmit, err)
	}
	out.Order = &order
	log.Info("entry opened", "trade_id", trade.ID, "order_id", order.ID,
		"short", p.legs.Short.StreamerSymbol, "long", p.legs.Long.StreamerSymbol,
		"qty", out.Quantity, "credit", out.Credit)
	return out, nil
}

func (s *Service) evaluate(ctx context.Context, sig decision.TradeSignal) (plan, Outcome, error) {
	now := s.now()
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = now
	}
	sig.Underlying = strings.ToUpper(strings.TrimSpace(sig.Underlying))
	out := Outcome{SignalID: sig.ID}
	snap := s.book.Snapshot()
	pctx := decision.PortfolioContext{ShortDelta: snap.ShortDelta, BuyingPowerUtilizationPct: snap.BuyingPowerUsedPct}

	// 方向或标的无效时直接交给决策引擎，拒绝原因照常落审计。
	if sig.Underlying == "" || !sig.Direction.Valid() || sig.Quantity < 0 {
		d := s.decisions.Decide(sig, decision.MarketContext{}, pctx)
		out.Decision = &d
		return plan{}, out, &Rejection{Stage: StageSignal, Reason: d.Reason}
	}

	local := now.In(s.cfg.Location)
	if len(s.cfg.TradingWindows) > 0 {
		if err := risk.ValidateTimeWindow(risk.ClockOf(local), s.cfg.TradingWindows); err != nil {
			return plan{}, out, s.blocked(sig, StageTradingWindow, err)
		}
	}
	if sig.Expiry.IsZero() {
		y, m, d := local.Date()
		sig.Expiry = time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location)
	}

	legs, err := s.selectLegs(ctx, sig)
	if err != nil {
		return plan{}, out, s.blocked(sig, StageSelection, err)
	}
	out.Legs = &legs
	market, err := s.marketFor(ctx, &legs)
	if err != nil {
		return plan{}, out, s.blocked(sig, StageSelection, err)
	}
	out.Market = market

	d := s.decisions.Decide(sig, market, pctx)
	out.Decision = &d
	if !d.Approved {
		return plan{}, out, &Rejection{Stage: StageDecision, Reason: fmt.Sprintf("%s gate: %s", d.Gate, d.Reason)}
	}
	spec := d.Spec.Clone()

	res := s.rules.Evaluate(ctx, rules.Context{
		Trade: rules.TradeSnapshot{
			Underlying:  spec.Underlying,
			Strategy:    spec.Strategy,
			Direction:   string(spec.Direction),
			Strikes:     []float64{legs.Short.Strike, legs.Long.Strike},
			Quantity:    spec.Quantity,
			TargetDelta: spec.TargetDelta,
		},
		Portfolio: rules.PortfolioSnapshot{
			Underlying:  spec.Underlying,
			ShortDelta:  snap.ShortDeltaFor(spec.Underlying),
			NetCredit:   snap.NetCreditFor(spec.Underlying),
			MarginUsage: snap.MarginUsagePct,
		},
		At: now,
	}, s.cfg.EntryRuleSet)
	out.Rules = &res
	out.Warnings = append(out.Warnings, res.Warnings()...)
	if !res.Passed {
		return plan{}, out, &Rejection{Stage: StageRules, Reason: res.BlockingReason}
	}

	credit := roundCents(market.Mid)
	out.Credit = credit
	if spec.Price > 0 {
		if err := risk.ValidateCreditFloor(credit, spec.Underlying, spec.Price); err != nil {
			return plan{}, out, s.blocked(sig, StageCreditFloor, err)
		}
	}

	qty, err := s.size(sig, &out, spec, legs, credit)
	if err != nil {
		return plan{}, out, err
	}
	spec.Quantity = qty

	order := broker.OrderRequest{
		AccountID:   firstNonEmpty(spec.AccountID, s.cfg.AccountID, s.book.Account().AccountID),
		Underlying:  spec.Underlying,
		Type:        broker.OrderLimit,
		Side:        broker.SideSell,
		Price:       credit,
		TimeInForce: s.cfg.TimeInForce,
		Legs:        broker.VerticalEntryLegs(legs, qty),
		Tag:         spec.StrategyVersion,
	}
	return plan{signal: sig, spec: spec, legs: legs, order: order}, out, nil
}

// size 按账户风险上限裁剪数量，再核对裁剪后的最大亏损。
func (s *Service) size(sig decision.TradeSignal, out *Outcome, spec types.TradeSpec, legs types.VerticalLegs, credit float64) (int, error) {
	acct := s.book.Account()
	width := math.Abs(legs.Short.Strike - legs.Long.Strike)
	out.Requested = spec.Quantity
	perContract := risk.VerticalMaxLoss(width, credit, 1)
	if perContract <= 0 {
		err := &types.InvalidInput{Field: "credit", Value: credit, Reason: fmt.Sprintf("credit must be below spread width %.2f", width)}
		return 0, s.blocked(sig, StageSizing, err)
	}
	maxQty, err := risk.CalculateMaxContracts(acct.AccountValue, perContract, acct.MaxRiskPct)
	if err != nil {
		return 0, s.blocked(sig, StageSizing, err)
	}
	if maxQty < 1 {
		err := &types.RiskRuleViolation{
			Rule:      risk.RuleAccountRisk,
			Actual:    perContract,
			Threshold: acct.AccountValue * acct.MaxRiskPct / 100,
			Detail:    fmt.Sprintf("one contract risks %.2f, budget is %.2f", perContract, acct.AccountValue*acct.MaxRiskPct/100),
		}
		return 0, s.blocked(sig, StageSizing, err)
	}
	qty := spec.Quantity
	if qty > maxQty {
		out.Warnings = append(out.Warnings, fmt.Sprintf("quantity clamped from %d to %d by account risk", qty, maxQty))
		qty = maxQty
	}
	out.Quantity = qty
	out.MaxLoss = risk.VerticalMaxLoss(width, credit, qty)
	if err := risk.ValidateAccountRisk(acct.AccountValue, out.MaxLoss, acct.MaxRiskPct); err != nil {
		return 0, s.blocked(sig, StageAccountRisk, err)
	}
	return qty, nil
}

func (s *Service) selectLegs(ctx context.Context, sig decision.TradeSignal) (types.VerticalLegs, error) {
	switch {
	case len(sig.Strikes) >= 2:
		return s.resolver.ResolveByStrikes(ctx, sig.Underlying, sig.Expiry, sig.Direction, sig.Strikes[0], sig.Strikes[1])
	case len(sig.Strikes) == 1:
		return s.resolver.ResolveByStrike(ctx, sig.Underlying, sig.Expiry, sig.Direction, sig.Strikes[0])
	default:
		target := sig.TargetDelta
		if target <= 0 {
			target = s.cfg.DefaultTargetDelta
		}
		return s.resolver.ResolveByDelta(ctx, sig.Underlying, sig.Expiry, sig.Direction, target)
	}
}

// marketFor prices the vertical as a credit: bid = short.bid - long.ask,
// ask = short.ask - long.bid, mid = short.mid - long.mid.
func (s *Service) marketFor(ctx context.Context, legs *types.VerticalLegs) (decision.MarketContext, error) {
	if (legs.Short.Quote == nil || legs.Long.Quote == nil) && s.quotes != nil {
		quotes, err := s.quotes.GetQuotes(ctx, []string{legs.Short.StreamerSymbol, legs.Long.StreamerSymbol})
		if err != nil {
			return decision.MarketContext{}, fmt.Errorf("leg quotes: %w", err)
		}
		if q, ok := quotes[legs.Short.StreamerSymbol]; ok {
			legs.Short.Quote = &q
		}
		if q, ok := quotes[legs.Long.StreamerSymbol]; ok {
			legs.Long.Quote = &q
		}
	}
	if legs.Short.Quote == nil || legs.Long.Quote == nil {
		// Decide rejects a zero mid at the market gate.
		return decision.MarketContext{}, nil
	}
	short, long := *legs.Short.Quote, *legs.Long.Quote
	bid := decimal.NewFromFloat(short.Bid).Sub(decimal.NewFromFloat(long.Ask))
	ask := decimal.NewFromFloat(short.Ask).Sub(decimal.NewFromFloat(long.Bid))
	mid := decimal.NewFromFloat(short.Mid()).Sub(decimal.NewFromFloat(long.Mid()))
	m := decision.MarketContext{
		Bid: bid.Round(4).InexactFloat64(),
		Ask: ask.Round(4).InexactFloat64(),
		Mid: mid.Round(4).InexactFloat64(),
	}
	m.Spread = ask.Sub(bid).Abs().Round(4).InexactFloat64()
	return m, nil
}

// blocked records a non-decision rejection as a risk event.
func (s *Service) blocked(sig decision.TradeSignal, stage Stage, err error) *Rejection {
	rej := reject(stage, err)
	s.audit.Record(audit.KindRiskEvent, "", sig.ID, map[string]any{
		"stage":      string(stage),
		"reason":     rej.Reason,
		"underlying": sig.Underlying,
		"direction":  string(sig.Direction),
		"at":         s.now(),
	})
	var nf *types.StrikeNotFound
	if errors.As(err, &nf) {
		logger.Warnf("agent: signal %s no contract: %v", sig.ID, err)
	} else {
		logger.Infof("agent: signal %s blocked at %s: %v", sig.ID, stage, err)
	}
	return rej
}

func tradeMeta(p plan, out Outcome) map[string]any {
	meta := map[string]any{
		MetaSignalID:   p.signal.ID,
		MetaSpec:       p.spec,
		MetaLegs:       p.legs,
		MetaQuantity:   out.Quantity,
		MetaCredit:     out.Credit,
		MetaMaxLoss:    out.MaxLoss,
		MetaUnderlying: p.spec.Underlying,
	}
	if out.Decision != nil {
		meta[MetaDecisionID] = out.Decision.ID
	}
	if p.signal.Source != "" {
		meta["source"] = p.signal.Source
	}
	return meta
}

func roundCents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
