package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spreadguard/internal/agent"
	"spreadguard/internal/audit"
	"spreadguard/internal/broker/paper"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/portfolio"
	"spreadguard/internal/rules"
	"spreadguard/internal/selector"
	"spreadguard/internal/types"
)

var (
	newYork = time.FixedZone("EDT", -4*3600)
	expiry  = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
)

type closerMock struct{ mock.Mock }

func (m *closerMock) SyncBracket(ctx context.Context, tradeID string) (bool, error) {
	args := m.Called(ctx, tradeID)
	return args.Bool(0), args.Error(1)
}

func (m *closerMock) ClosePosition(ctx context.Context, tradeID, reason string) error {
	return m.Called(ctx, tradeID, reason).Error(0)
}

type staticRules []rules.Rule

func (s staticRules) ListEnabledRules(_ context.Context, _ string) ([]rules.Rule, error) {
	return s, nil
}

func put(strike, delta float64) types.OptionInstrument {
	return types.OptionInstrument{
		Underlying:     "SPX",
		Strike:         strike,
		Right:          types.RightPut,
		Expiration:     expiry,
		StreamerSymbol: selector.StreamerSymbol("SPXW", expiry, strike, types.RightPut),
		Greeks:         &types.Greeks{Delta: delta},
		Quote:          &types.Quote{Bid: 1, Ask: 1.1},
	}
}

type env struct {
	mon    *Monitor
	trades *lifecycle.Registry
	paper  *paper.Broker
	closer *closerMock
	book   *portfolio.Book
	mem    *audit.Memory
}

func newEnv(t *testing.T, at time.Time, ruleSet staticRules) *env {
	t.Helper()
	pb := paper.New(paper.Config{})
	pb.SetChain("SPX", expiry, []types.OptionInstrument{put(5900, -0.30), put(5890, -0.25)})
	e := &env{
		trades: lifecycle.NewRegistry(),
		paper:  pb,
		closer: new(closerMock),
		book:   portfolio.NewBook(types.AccountSnapshot{AccountValue: 50000, MaxRiskPct: 2}),
		mem:    audit.NewMemory(),
	}
	var engine *rules.Engine
	if ruleSet != nil {
		engine = rules.NewEngine(ruleSet, e.mem, rules.WithLocation(newYork))
	}
	e.mon = New(Config{ExitTime: "15:45", DeltaBreach: 0.65, Location: newYork}, Deps{
		Trades: e.trades,
		Chains: pb,
		Closer: e.closer,
		Rules:  engine,
		Book:   e.book,
		Audit:  e.mem,
	})
	e.mon.SetClock(func() time.Time { return at })
	return e
}

// open walks a trade to the given state with the metadata the entry pipeline writes.
func (e *env) open(t *testing.T, state lifecycle.State, timeExit string, exp time.Time) string {
	t.Helper()
	ctx := context.Background()
	short, long := put(5900, -0.30), put(5890, -0.25)
	short.Expiration, long.Expiration = exp, exp
	trade, err := e.trades.CreateTrade(ctx, "", map[string]any{
		agent.MetaSpec: types.TradeSpec{Underlying: "SPX", Strategy: "vertical", Direction: types.RightPut, Quantity: 2,
			Rules: types.RuleBundle{TakeProfitPct: 50, StopLossPct: 100, TimeExit: timeExit}},
		agent.MetaLegs:   types.VerticalLegs{Short: short, Long: long},
		agent.MetaCredit: 2.5,
	})
	require.NoError(t, err)
	path := []lifecycle.State{lifecycle.StateSubmitted, lifecycle.StateFilled}
	if state == lifecycle.StateOCOAttached {
		path = append(path, lifecycle.StateOCOAttached)
	}
	for _, s := range path {
		_, err := e.trades.Transition(ctx, trade.ID, s)
		require.NoError(t, err)
	}
	return trade.ID
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	morning := time.Date(2026, 10, 18, 11, 0, 0, 0, newYork)

	t.Run("quiet position updates exposure", func(t *testing.T) {
		e := newEnv(t, morning, nil)
		id := e.open(t, lifecycle.StateOCOAttached, "", expiry)
		e.closer.On("SyncBracket", ctx, id).Return(false, nil)

		rep := e.mon.Sweep(ctx)
		assert.Equal(t, 1, rep.Checked)
		assert.Empty(t, rep.Closed)
		assert.Empty(t, rep.Errors)
		snap := e.book.Snapshot()
		assert.InDelta(t, 60.0, snap.ShortDelta["SPX"], 1e-9)
		assert.InDelta(t, 500.0, snap.NetCredit["SPX"], 1e-9)
		e.closer.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("time exit at cutoff", func(t *testing.T) {
		e := newEnv(t, time.Date(2026, 10, 18, 15, 45, 0, 0, newYork), nil)
		id := e.open(t, lifecycle.StateOCOAttached, "", expiry)
		e.closer.On("SyncBracket", ctx, id).Return(false, nil)
		e.closer.On("ClosePosition", ctx, id, ReasonTimeExit).Return(nil)

		rep := e.mon.Sweep(ctx)
		assert.Equal(t, map[string]string{id: ReasonTimeExit}, rep.Closed)
		assert.Equal(t, []audit.Kind{audit.KindRiskEvent}, e.mem.Kinds())
		e.closer.AssertExpectations(t)
	})

	t.Run("trade time exit wins over default", func(t *testing.T) {
		e := newEnv(t, time.Date(2026, 10, 18, 14, 0, 0, 0, newYork), nil)
		id := e.open(t, lifecycle.StateOCOAttached, "13:30", expiry)
		e.closer.On("SyncBracket", ctx, id).Return(false, nil)
		e.closer.On("ClosePosition", ctx, id, ReasonTimeExit).Return(nil)

		e.mon.Sweep(ctx)
		e.closer.AssertExpectations(t)
	})

	t.Run("time exit waits for expiry day", func(t *testing.T) {
		e := newEnv(t, time.Date(2026, 10, 18, 16, 0, 0, 0, newYork), nil)
		id := e.open(t, lifecycle.StateOCOAttached, "", expiry.AddDate(0, 0, 3))
		e.closer.On("SyncBracket", ctx, id).Return(false, nil)

		rep := e.mon.Sweep(ctx)
		assert.Empty(t, rep.Closed)
	})

	t.Run("delta breach from a fresh chain", func(t *testing.T) {
		e := newEnv(t, morning, nil)
		id := e.open(t, lifecycle.StateOCOAttached, "", expiry)
		e.paper.SetChain("SPX", expiry, []types.OptionInstrument{put(5900, -0.70), put(5890, -0.60)})
		e.closer.On("SyncBracket", ctx, id).Return(false, nil)
		e.closer.On("ClosePosition", ctx, id, ReasonDeltaBreach).Return(nil)

		rep := e.mon.Sweep(ctx)
		assert.Equal(t, ReasonDeltaBreach, rep.Closed[id])
		e.closer.AssertExpectations(t)
	})

	t.Run("exit rule", func(t *testing.T) {
		ruleSet := staticRules{{ID: "tight", Name: "tight delta", RuleSet: "monitor", Condition: rules.ConditionDeltaBreach,
			Params: map[string]any{"max_delta": 25.0}, Action: rules.ActionExitPosition, Priority: 1, Enabled: true}}
		e := newEnv(t, morning, ruleSet)
		id := e.open(t, lifecycle.StateOCOAttached, "", expiry)
		e.closer.On("SyncBracket", ctx, id).Return(false, nil)
		e.closer.On("ClosePosition", ctx, id, ReasonRulePrefix+"tight delta").Return(nil)

		rep := e.mon.Sweep(ctx)
		assert.Equal(t, ReasonRulePrefix+"tight delta", rep.Closed[id])
	})

	t.Run("bracket already closed the trade", func(t *testing.T) {
		e := newEnv(t, time.Date(2026, 10, 18, 15, 50, 0, 0, newYork), nil)
		id := e.open(t, lifecycle.StateOCOAttached, "", expiry)
		e.closer.On("SyncBracket", ctx, id).Return(true, nil)

		rep := e.mon.Sweep(ctx)
		assert.Equal(t, "bracket", rep.Closed[id])
		assert.Zero(t, rep.Checked)
		e.closer.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("filled trade only counts toward exposure", func(t *testing.T) {
		e := newEnv(t, time.Date(2026, 10, 18, 15, 50, 0, 0, newYork), nil)
		e.open(t, lifecycle.StateFilled, "", expiry)

		rep := e.mon.Sweep(ctx)
		assert.Zero(t, rep.Checked)
		assert.InDelta(t, 60.0, e.book.Snapshot().ShortDelta["SPX"], 1e-9)
		e.closer.AssertNotCalled(t, "SyncBracket", mock.Anything, mock.Anything)
	})

	t.Run("close failure is reported", func(t *testing.T) {
		e := newEnv(t, time.Date(2026, 10, 18, 15, 50, 0, 0, newYork), nil)
		id := e.open(t, lifecycle.StateOCOAttached, "", expiry)
		e.closer.On("SyncBracket", ctx, id).Return(false, nil)
		e.closer.On("ClosePosition", ctx, id, ReasonTimeExit).Return(assert.AnError)

		rep := e.mon.Sweep(ctx)
		assert.Empty(t, rep.Closed)
		assert.Contains(t, rep.Errors[id], "time_exit")
	})
}
