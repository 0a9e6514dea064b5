// Package monitor 定时巡检已挂 bracket 的持仓：同步 OCO 子单、按时间/delta/规则
// 判断是否离场，并把持仓敞口回写到组合快照。
package monitor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"spreadguard/internal/agent"
	"spreadguard/internal/audit"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/logger"
	"spreadguard/internal/pkg/maputil"
	"spreadguard/internal/portfolio"
	"spreadguard/internal/risk"
	"spreadguard/internal/rules"
	"spreadguard/internal/selector"
	"spreadguard/internal/types"
)

const (
	defaultInterval   = 30 * time.Second
	defaultRuleSet    = "monitor"
	chainFetchWorkers = 4
)

// Exit reasons written to the trade's exit_reason.
const (
	ReasonTimeExit    = "time_exit"
	ReasonDeltaBreach = "delta_breach"
	ReasonRulePrefix  = "rule:"
)

// PositionCloser is the part of the supervisor the monitor drives.
type PositionCloser interface {
	SyncBracket(ctx context.Context, tradeID string) (bool, error)
	ClosePosition(ctx context.Context, tradeID, reason string) error
}

type Config struct {
	Interval time.Duration
	// ExitTime applies to trades whose spec has no time exit of its own.
	ExitTime    string
	DeltaBreach float64
	RuleSet     string
	Location    *time.Location
}

type Deps struct {
	Trades *lifecycle.Registry
	Chains selector.ChainSource
	Closer PositionCloser
	Rules  *rules.Engine
	Book   *portfolio.Book
	Audit  audit.Recorder
}

type Monitor struct {
	cfg    Config
	trades *lifecycle.Registry
	chains selector.ChainSource
	closer PositionCloser
	rules  *rules.Engine
	book   *portfolio.Book
	audit  audit.Recorder
	now    func() time.Time
}

func New(cfg Config, deps Deps) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RuleSet == "" {
		cfg.RuleSet = defaultRuleSet
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	rec := deps.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Monitor{
		cfg:    cfg,
		trades: deps.Trades,
		chains: deps.Chains,
		closer: deps.Closer,
		rules:  deps.Rules,
		book:   deps.Book,
		audit:  rec,
		now:    time.Now,
	}
}

// SetClock is used by tests.
func (m *Monitor) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Run sweeps on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	logger.Infof("monitor: checking open positions every %s", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rep := m.Sweep(ctx)
			if len(rep.Closed) > 0 || len(rep.Errors) > 0 {
				logger.Infof("monitor: checked=%d closed=%v errors=%d", rep.Checked, rep.Closed, len(rep.Errors))
			}
		}
	}
}

// Report summarizes one sweep.
type Report struct {
	Checked int               `json:"checked"`
	Closed  map[string]string `json:"closed,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func (r *Report) fail(tradeID string, err error) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[tradeID] = err.Error()
}

// position is one open trade with a fresh short-leg delta.
type position struct {
	trade lifecycle.Trade
	spec  types.TradeSpec
	legs  types.VerticalLegs
	delta float64
	fresh bool
}

// Sweep runs one pass over open trades. Only OCO_ATTACHED trades are closed
// here; FILLED trades still belong to the supervisor's bracket step and only
// count toward exposure.
func (m *Monitor) Sweep(ctx context.Context) Report {
	var rep Report
	now := m.now()
	local := now.In(m.cfg.Location)
	open := m.trades.ListByState(lifecycle.StateFilled, lifecycle.StateOCOAttached)
	chains := m.prefetch(ctx, open)
	var exp portfolio.Exposure

	for _, trade := range open {
		if trade.State == lifecycle.StateOCOAttached {
			closed, err := m.closer.SyncBracket(ctx, trade.ID)
			if err != nil {
				rep.fail(trade.ID, err)
			}
			if closed {
				m.markClosed(&rep, trade.ID, "bracket")
				continue
			}
		}
		pos, err := m.load(ctx, trade, chains)
		if err != nil {
			rep.fail(trade.ID, err)
			continue
		}
		qty := pos.spec.Quantity
		if qty <= 0 {
			qty = 1
		}
		exp.Add(pos.spec.Underlying, pos.delta, maputil.Float(trade.Metadata, agent.MetaCredit), qty)
		if trade.State != lifecycle.StateOCOAttached {
			continue
		}
		rep.Checked++
		reason := m.exitReason(ctx, pos, now, local)
		if reason == "" {
			continue
		}
		logger.With("trade_id", trade.ID).Info("exit triggered", "reason", reason, "short_delta", pos.delta)
		m.audit.Record(audit.KindRiskEvent, trade.ID, "", map[string]any{
			"event":       "exit_triggered",
			"reason":      reason,
			"short_delta": pos.delta,
			"at":          now,
		})
		if err := m.closer.ClosePosition(ctx, trade.ID, reason); err != nil {
			rep.fail(trade.ID, fmt.Errorf("close (%s): %w", reason, err))
			continue
		}
		m.markClosed(&rep, trade.ID, reason)
	}
	if m.book != nil {
		m.book.ApplyExposure(exp)
	}
	return rep
}

func (m *Monitor) markClosed(rep *Report, tradeID, reason string) {
	if rep.Closed == nil {
		rep.Closed = make(map[string]string)
	}
	rep.Closed[tradeID] = reason
}

// load decodes the trade and refreshes the short leg from the chain.
// A failed chain fetch keeps the delta recorded at entry.
func (m *Monitor) load(ctx context.Context, trade lifecycle.Trade, chains map[string][]types.OptionInstrument) (position, error) {
	spec, legs, err := agent.SpecOf(trade)
	if err != nil {
		return position{}, err
	}
	pos := position{trade: trade, spec: spec, legs: legs}
	if legs.Short.Greeks != nil {
		pos.delta = legs.Short.Greeks.Delta
	}
	if m.chains == nil {
		return pos, nil
	}
	expiry := legs.Short.Expiration
	key := chainKey(spec.Underlying, expiry)
	chain, ok := chains[key]
	if !ok {
		chain, err = m.chains.GetOptionChain(ctx, spec.Underlying, expiry)
		if err != nil {
			logger.Warnf("monitor: chain %s unavailable: %v", key, err)
		}
		chains[key] = chain
	}
	for _, inst := range chain {
		if inst.StreamerSymbol == legs.Short.StreamerSymbol && inst.Greeks != nil {
			pos.delta = inst.Greeks.Delta
			pos.fresh = true
			break
		}
	}
	return pos, nil
}

// prefetch loads every distinct chain the open trades need, a few at a time.
// A failed fetch is stored as nil so load keeps the delta recorded at entry.
func (m *Monitor) prefetch(ctx context.Context, open []lifecycle.Trade) map[string][]types.OptionInstrument {
	chains := make(map[string][]types.OptionInstrument)
	if m.chains == nil {
		return chains
	}
	type want struct {
		underlying string
		expiry     time.Time
	}
	wants := make(map[string]want)
	for _, trade := range open {
		spec, legs, err := agent.SpecOf(trade)
		if err != nil {
			continue
		}
		wants[chainKey(spec.Underlying, legs.Short.Expiration)] = want{spec.Underlying, legs.Short.Expiration}
	}
	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(chainFetchWorkers)
	for key, w := range wants {
		key, w := key, w
		group.Go(func() error {
			chain, err := m.chains.GetOptionChain(gctx, w.underlying, w.expiry)
			if err != nil {
				logger.Warnf("monitor: chain %s unavailable: %v", key, err)
			}
			mu.Lock()
			chains[key] = chain
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return chains
}

func chainKey(underlying string, expiry time.Time) string {
	return strings.ToUpper(underlying) + "|" + expiry.Format("2006-01-02")
}

// exitReason checks, in order: time exit, short-leg delta, monitor rule set.
// Only exit_position rules close; a rule store failure never does.
func (m *Monitor) exitReason(ctx context.Context, pos position, now, local time.Time) string {
	cutoff := pos.spec.Rules.TimeExit
	if cutoff == "" {
		cutoff = m.cfg.ExitTime
	}
	// 时间离场只在到期日当天（或之后）生效。
	if cutoff != "" && !local.Before(expiryDay(pos.legs.Short.Expiration, m.cfg.Location)) {
		hit, err := risk.ShouldExitByTime(local, cutoff)
		if err != nil {
			logger.Warnf("monitor: trade %s time exit %q: %v", pos.trade.ID, cutoff, err)
		} else if hit {
			return ReasonTimeExit
		}
	}
	if m.cfg.DeltaBreach > 0 && pos.fresh && risk.ShouldExitByDelta(pos.delta, m.cfg.DeltaBreach) {
		return ReasonDeltaBreach
	}
	if m.rules == nil {
		return ""
	}
	var margin float64
	if m.book != nil {
		margin = m.book.Snapshot().MarginUsagePct
	}
	res := m.rules.Evaluate(ctx, rules.Context{
		TradeID: pos.trade.ID,
		Trade: rules.TradeSnapshot{
			Underlying:  pos.spec.Underlying,
			Strategy:    pos.spec.Strategy,
			Direction:   string(pos.spec.Direction),
			Strikes:     []float64{pos.legs.Short.Strike, pos.legs.Long.Strike},
			Quantity:    pos.spec.Quantity,
			TargetDelta: pos.spec.TargetDelta,
		},
		Portfolio: rules.PortfolioSnapshot{
			Underlying:  pos.spec.Underlying,
			ShortDelta:  math.Abs(pos.delta) * 100,
			NetCredit:   maputil.Float(pos.trade.Metadata, agent.MetaCredit),
			MarginUsage: margin,
		},
		At: now,
	}, m.cfg.RuleSet)
	for _, t := range res.Triggered {
		if t.Action == rules.ActionExitPosition {
			return ReasonRulePrefix + t.Name
		}
	}
	return ""
}

func expiryDay(expiry time.Time, loc *time.Location) time.Time {
	y, mo, d := expiry.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}
