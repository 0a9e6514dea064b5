package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spreadguard/internal/audit"
	"spreadguard/internal/broker"
	"spreadguard/internal/broker/paper"
	"spreadguard/internal/decision"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/portfolio"
	"spreadguard/internal/risk"
	"spreadguard/internal/rules"
	"spreadguard/internal/selector"
	"spreadguard/internal/supervisor"
	"spreadguard/internal/types"
)

var (
	newYork = time.FixedZone("EDT", -4*3600)
	expiry  = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	clock   = time.Date(2026, 10, 18, 11, 0, 0, 0, newYork)
)

type entrantMock struct{ mock.Mock }

func (m *entrantMock) Open(ctx context.Context, req supervisor.EntryRequest) (broker.Order, error) {
	args := m.Called(ctx, req)
	order, _ := args.Get(0).(broker.Order)
	return order, args.Error(1)
}

type staticRules []rules.Rule

func (s staticRules) ListEnabledRules(_ context.Context, ruleSet string) ([]rules.Rule, error) {
	var out []rules.Rule
	for _, r := range s {
		if ruleSet == "" || r.RuleSet == ruleSet {
			out = append(out, r)
		}
	}
	return out, nil
}

func put(strike, delta, bid, ask float64) types.OptionInstrument {
	return types.OptionInstrument{
		Underlying:     "SPX",
		Strike:         strike,
		Right:          types.RightPut,
		Expiration:     expiry,
		StreamerSymbol: selector.StreamerSymbol("SPXW", expiry, strike, types.RightPut),
		Greeks:         &types.Greeks{Delta: delta},
		Quote:          &types.Quote{Bid: bid, Ask: ask},
	}
}

type harness struct {
	svc     *Service
	paper   *paper.Broker
	trades  *lifecycle.Registry
	mem     *audit.Memory
	book    *portfolio.Book
	entrant *entrantMock
}

func newHarness(t *testing.T, cfg Config, ruleSet staticRules, entrant Entrant) *harness {
	t.Helper()
	pb := paper.New(paper.Config{})
	pb.SetClock(func() time.Time { return clock })
	pb.SetChain("SPX", expiry, []types.OptionInstrument{
		put(5910, -0.36, 7.90, 8.10),
		put(5900, -0.30, 5.05, 5.15),
		put(5890, -0.25, 2.55, 2.65),
		put(5880, -0.20, 1.30, 1.40),
	})
	mem := audit.NewMemory()
	dec := decision.NewEngine(decision.Limits{MaxSpreadPct: 10, MaxShortDelta: 100, MaxBPUtilizationPct: 80},
		decision.Fallbacks{Strategy: "vertical", TargetDelta: 0.30, Quantity: 1, TakeProfitPct: 50, StopLossPct: 100, StrategyVersion: "v1", Location: newYork}, mem)
	dec.SetClock(func() time.Time { return clock })
	book := portfolio.NewBook(types.AccountSnapshot{AccountID: "acct-1", AccountValue: 50000, MaxRiskPct: 2})
	trades := lifecycle.NewRegistry()
	h := &harness{paper: pb, trades: trades, mem: mem, book: book}
	if entrant == nil {
		h.entrant = new(entrantMock)
		entrant = h.entrant
	}
	if cfg.Location == nil {
		cfg.Location = newYork
	}
	h.svc = New(cfg, Deps{
		Decisions: dec,
		Rules:     rules.NewEngine(ruleSet, mem, rules.WithLocation(newYork), rules.WithNow(func() time.Time { return clock })),
		Resolver:  selector.NewResolver(pb, 10),
		Quotes:    pb,
		Trades:    trades,
		Entrant:   entrant,
		Book:      book,
		Audit:     mem,
	})
	h.svc.SetClock(func() time.Time { return clock })
	return h
}

func signal() decision.TradeSignal {
	return decision.TradeSignal{ID: "sig-1", Source: "alert", Underlying: "spx", Direction: types.RightPut, Quantity: 3}
}

func stageOf(t *testing.T, err error) Stage {
	t.Helper()
	var rej *Rejection
	require.True(t, errors.As(err, &rej), "want *Rejection, got %v", err)
	return rej.Stage
}

func TestServiceOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("approved entry is clamped and submitted", func(t *testing.T) {
		h := newHarness(t, Config{}, nil, nil)
		var got supervisor.EntryRequest
		h.entrant.On("Open", ctx, mock.MatchedBy(func(req supervisor.EntryRequest) bool {
			got = req
			return true
		})).Return(broker.Order{ID: "o-1", Status: broker.StatusWorking}, nil)

		out, err := h.svc.Open(ctx, signal())
		require.NoError(t, err)
		require.NotNil(t, out.Legs)
		assert.Equal(t, 5900.0, out.Legs.Short.Strike)
		assert.Equal(t, 5890.0, out.Legs.Long.Strike)
		assert.InDelta(t, 2.40, out.Market.Bid, 1e-9)
		assert.InDelta(t, 2.60, out.Market.Ask, 1e-9)
		assert.InDelta(t, 2.50, out.Market.Mid, 1e-9)
		assert.Equal(t, 2.50, out.Credit)
		assert.Equal(t, 3, out.Requested)
		assert.Equal(t, 1, out.Quantity, "750 per contract against a 1000 budget")
		assert.Equal(t, 750.0, out.MaxLoss)
		require.Len(t, out.Warnings, 1)
		assert.Contains(t, out.Warnings[0], "clamped")

		assert.Equal(t, out.TradeID, got.TradeID)
		assert.Equal(t, out.TradeID, got.Order.ClientOrderID)
		assert.Equal(t, broker.SideSell, got.Order.Side)
		assert.Equal(t, broker.OrderLimit, got.Order.Type)
		assert.Equal(t, 2.50, got.Order.Price)
		assert.Equal(t, 1, got.Order.Quantity())
		assert.Equal(t, "acct-1", got.Order.AccountID)
		assert.Equal(t, 50.0, got.TakeProfitPct)
		assert.Equal(t, 100.0, got.StopLossPct)

		trade, ok := h.trades.Get(out.TradeID)
		require.True(t, ok)
		spec, legs, err := SpecOf(trade)
		require.NoError(t, err)
		assert.Equal(t, "SPX", spec.Underlying)
		assert.Equal(t, 1, spec.Quantity)
		assert.Equal(t, legs.Short.StreamerSymbol, out.Legs.Short.StreamerSymbol)
		assert.Equal(t, "sig-1", trade.MetaString(MetaSignalID))
		h.entrant.AssertExpectations(t)
	})

	t.Run("explicit strikes", func(t *testing.T) {
		h := newHarness(t, Config{}, nil, nil)
		h.entrant.On("Open", ctx, mock.Anything).Return(broker.Order{ID: "o-2"}, nil)
		sig := signal()
		sig.Strikes = []float64{5900, 5880}
		sig.Quantity = 1
		h.book.SetAccount(types.AccountSnapshot{AccountValue: 100000})

		out, err := h.svc.Open(ctx, sig)
		require.NoError(t, err)
		assert.Equal(t, 5880.0, out.Legs.Long.Strike)
		assert.InDelta(t, 3.75, out.Credit, 1e-9)
	})

	t.Run("invalid signal is audited as a decision", func(t *testing.T) {
		h := newHarness(t, Config{}, nil, nil)
		sig := signal()
		sig.Direction = "SIDEWAYS"
		out, err := h.svc.Open(ctx, sig)
		assert.Equal(t, StageSignal, stageOf(t, err))
		require.NotNil(t, out.Decision)
		assert.Equal(t, decision.GateSignal, out.Decision.Gate)
		assert.Equal(t, []audit.Kind{audit.KindDecision}, h.mem.Kinds())
		assert.Empty(t, h.trades.List())
	})

	t.Run("outside trading window", func(t *testing.T) {
		h := newHarness(t, Config{TradingWindows: []risk.TimeWindow{{Start: "10:15", End: "10:45"}}}, nil, nil)
		_, err := h.svc.Open(ctx, signal())
		assert.Equal(t, StageTradingWindow, stageOf(t, err))
		assert.ErrorIs(t, err, types.ErrTimeWindow)
		assert.Equal(t, []audit.Kind{audit.KindRiskEvent}, h.mem.Kinds())
	})

	t.Run("missing long strike", func(t *testing.T) {
		h := newHarness(t, Config{}, nil, nil)
		sig := signal()
		sig.Strikes = []float64{5900, 5885}
		_, err := h.svc.Open(ctx, sig)
		assert.Equal(t, StageSelection, stageOf(t, err))
		assert.ErrorIs(t, err, types.ErrStrikeNotFound)
	})

	t.Run("wide market rejected by decision", func(t *testing.T) {
		h := newHarness(t, Config{}, nil, nil)
		h.paper.SetChain("SPX", expiry, []types.OptionInstrument{
			put(5900, -0.30, 4.60, 5.60),
			put(5890, -0.25, 2.55, 2.65),
		})
		out, err := h.svc.Open(ctx, signal())
		assert.Equal(t, StageDecision, stageOf(t, err))
		require.NotNil(t, out.Decision)
		assert.Equal(t, decision.GateMarket, out.Decision.Gate)
	})

	t.Run("blocking rule", func(t *testing.T) {
		ruleSet := staticRules{{ID: "delta", Name: "delta cap", RuleSet: "entry", Condition: rules.ConditionDeltaBreach,
			Params: map[string]any{"max_delta": 65.0}, Action: rules.ActionBlockTrade, Priority: 1, Enabled: true}}
		h := newHarness(t, Config{}, ruleSet, nil)
		h.book.Replace(types.PortfolioSnapshot{ShortDelta: map[string]float64{"SPX": 70}})
		out, err := h.svc.Open(ctx, signal())
		assert.Equal(t, StageRules, stageOf(t, err))
		require.NotNil(t, out.Rules)
		assert.False(t, out.Rules.Passed)
		assert.Contains(t, h.mem.Kinds(), audit.KindRiskEvent)
	})

	t.Run("credit below alert floor", func(t *testing.T) {
		h := newHarness(t, Config{}, nil, nil)
		sig := signal()
		sig.Price = 2.70
		_, err := h.svc.Open(ctx, sig)
		assert.Equal(t, StageCreditFloor, stageOf(t, err))
		assert.ErrorIs(t, err, types.ErrRiskRule)

		sig.Price = 2.64
		h.entrant.On("Open", ctx, mock.Anything).Return(broker.Order{ID: "o-3"}, nil)
		_, err = h.svc.Open(ctx, sig)
		assert.NoError(t, err, "0.14 of slippage is inside the SPX allowance")
	})

	t.Run("account too small for one contract", func(t *testing.T) {
		h := newHarness(t, Config{}, nil, nil)
		h.book.SetAccount(types.AccountSnapshot{AccountValue: 10000})
		_, err := h.svc.Open(ctx, signal())
		assert.Equal(t, StageSizing, stageOf(t, err))
		assert.Empty(t, h.trades.List())
	})

	t.Run("submit failure keeps the trade", func(t *testing.T) {
		h := newHarness(t, Config{}, nil, nil)
		h.entrant.On("Open", ctx, mock.Anything).Return(broker.Order{}, &types.OrderRejection{Action: "submit", Reason: "market closed"})
		out, err := h.svc.Open(ctx, signal())
		assert.Equal(t, StageSubmit, stageOf(t, err))
		assert.ErrorIs(t, err, types.ErrOrderRejected)
		assert.NotEmpty(t, out.TradeID)
		require.NotNil(t, out.Trade)
	})

	t.Run("preview creates nothing", func(t *testing.T) {
		h := newHarness(t, Config{}, nil, nil)
		out, err := h.svc.Preview(ctx, signal())
		require.NoError(t, err)
		assert.Equal(t, 1, out.Quantity)
		assert.Empty(t, out.TradeID)
		assert.Empty(t, h.trades.List())
		h.entrant.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
	})
}

func TestServiceOpenThroughSupervisor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil, nil)
	sup := supervisor.New(h.paper, h.trades, h.mem, supervisor.Config{PollInterval: time.Millisecond, MaxPollAttempts: 3},
		supervisor.WithClock(func() time.Time { return clock }),
		supervisor.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	defer sup.Stop()
	h.svc.entrant = sup

	out, err := h.svc.Open(ctx, signal())
	require.NoError(t, err)
	sup.Wait(out.TradeID)

	trade, ok := h.trades.Get(out.TradeID)
	require.True(t, ok)
	assert.Equal(t, lifecycle.StateOCOAttached, trade.State)
	br, ok := sup.Bracket(out.TradeID)
	require.True(t, ok)
	assert.Equal(t, 1.25, br.TakeProfit.Price)
	assert.Equal(t, 5.0, br.StopLoss.Price)
}
