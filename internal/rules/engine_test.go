package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spreadguard/internal/audit"
)

type storeMock struct{ mock.Mock }

func (m *storeMock) ListEnabledRules(ctx context.Context, ruleSet string) ([]Rule, error) {
	args := m.Called(ctx, ruleSet)
	list, _ := args.Get(0).([]Rule)
	return list, args.Error(1)
}

func deltaRule(action Action) Rule {
	return Rule{ID: "delta", Name: "short delta cap", RuleSet: "entry", Condition: ConditionDeltaBreach,
		Params: map[string]any{"max_delta": 65.0}, Action: action, Priority: 10, Enabled: true}
}

func evalCtx(shortDelta float64) Context {
	return Context{
		TradeID:   "t-1",
		Trade:     TradeSnapshot{Underlying: "SPX", Strategy: "vertical", Direction: "PUT", Quantity: 1},
		Portfolio: PortfolioSnapshot{Underlying: "SPX", ShortDelta: shortDelta, MarginUsage: 40},
		At:        time.Date(2026, 10, 18, 11, 0, 0, 0, time.UTC),
	}
}

func TestEngineDeltaBreach(t *testing.T) {
	ctx := context.Background()

	t.Run("block_trade stops with reason", func(t *testing.T) {
		st := new(storeMock)
		st.On("ListEnabledRules", ctx, "entry").Return([]Rule{
			deltaRule(ActionBlockTrade),
			{ID: "margin", Name: "margin", Condition: ConditionPortfolioLimit, Params: map[string]any{"max_margin_usage": 10.0}, Action: ActionWarn, Priority: 20, Enabled: true},
		}, nil)
		mem := audit.NewMemory()
		res := NewEngine(st, mem).Evaluate(ctx, evalCtx(70), "entry")

		assert.False(t, res.Passed)
		assert.Contains(t, res.BlockingReason, "70")
		assert.Contains(t, res.BlockingReason, "65")
		require.Len(t, res.Triggered, 1, "evaluation stops at the blocking rule")
		assert.Equal(t, []audit.Kind{audit.KindRiskEvent}, mem.Kinds())
	})

	t.Run("warn accumulates", func(t *testing.T) {
		st := new(storeMock)
		st.On("ListEnabledRules", ctx, "entry").Return([]Rule{deltaRule(ActionWarn)}, nil)
		res := NewEngine(st, nil).Evaluate(ctx, evalCtx(-70), "entry")

		assert.True(t, res.Passed)
		assert.Empty(t, res.BlockingReason)
		require.Len(t, res.Triggered, 1)
		assert.Equal(t, "delta", res.Triggered[0].RuleID)
		assert.Len(t, res.Warnings(), 1)
	})

	t.Run("default threshold", func(t *testing.T) {
		rule := deltaRule(ActionBlockTrade)
		rule.Params = nil
		st := new(storeMock)
		st.On("ListEnabledRules", ctx, "").Return([]Rule{rule}, nil)
		e := NewEngine(st, nil)
		assert.True(t, e.Evaluate(ctx, evalCtx(65), "").Passed)
		assert.False(t, e.Evaluate(ctx, evalCtx(65.01), "").Passed)
	})
}

func TestEngineOrderingAndConditions(t *testing.T) {
	ctx := context.Background()

	t.Run("priority order and zero triggers", func(t *testing.T) {
		st := new(storeMock)
		st.On("ListEnabledRules", ctx, "entry").Return([]Rule{
			{ID: "late", Name: "late block", Condition: ConditionTimeExit, Params: map[string]any{"exit_time": "10:00:00"}, Action: ActionBlockTrade, Priority: 5, Enabled: true},
			{ID: "margin", Name: "margin block", Condition: ConditionPortfolioLimit, Params: map[string]any{"max_margin_usage": 10.0}, Action: ActionBlockTrade, Priority: 1, Enabled: true},
		}, nil)
		res := NewEngine(st, nil).Evaluate(ctx, evalCtx(0), "entry")
		assert.False(t, res.Passed)
		assert.Equal(t, "margin", res.Triggered[0].RuleID)

		quiet := new(storeMock)
		quiet.On("ListEnabledRules", ctx, "entry").Return([]Rule{deltaRule(ActionBlockTrade)}, nil)
		res = NewEngine(quiet, nil).Evaluate(ctx, evalCtx(10), "entry")
		assert.True(t, res.Passed)
		assert.Empty(t, res.Triggered)
	})

	t.Run("time exit inclusive in location", func(t *testing.T) {
		ny := time.FixedZone("EDT", -4*3600)
		st := new(storeMock)
		st.On("ListEnabledRules", ctx, "monitor").Return([]Rule{
			{ID: "eod", Name: "eod", Condition: ConditionTimeExit, Params: map[string]any{"exit_time": "15:45:00"}, Action: ActionExitPosition, Priority: 1, Enabled: true},
		}, nil)
		e := NewEngine(st, nil, WithLocation(ny))

		ec := evalCtx(0)
		ec.At = time.Date(2026, 10, 18, 15, 45, 0, 0, ny).UTC()
		res := e.Evaluate(ctx, ec, "monitor")
		assert.True(t, res.Passed)
		assert.True(t, res.ShouldExit())

		ec.At = time.Date(2026, 10, 18, 15, 44, 59, 0, ny)
		assert.False(t, e.Evaluate(ctx, ec, "monitor").ShouldExit())
	})

	t.Run("custom predicate extension point", func(t *testing.T) {
		st := new(storeMock)
		st.On("ListEnabledRules", ctx, "entry").Return([]Rule{
			{ID: "unknown", Name: "unregistered", Condition: ConditionCustom, Params: map[string]any{"predicate": "nope"}, Action: ActionBlockTrade, Priority: 1, Enabled: true},
			{ID: "qty", Name: "max qty", Condition: ConditionCustom, Params: map[string]any{"predicate": "max_quantity", "max": 2.0}, Action: ActionBlockTrade, Priority: 2, Enabled: true},
		}, nil)
		e := NewEngine(st, nil)
		e.RegisterPredicate("max_quantity", func(ec Context, params map[string]any) (bool, string) {
			return float64(ec.Trade.Quantity) > params["max"].(float64), "quantity too large"
		})

		assert.True(t, e.Evaluate(ctx, evalCtx(0), "entry").Passed)

		big := evalCtx(0)
		big.Trade.Quantity = 5
		res := e.Evaluate(ctx, big, "entry")
		assert.False(t, res.Passed)
		assert.Contains(t, res.BlockingReason, "quantity too large")
	})

	t.Run("store failure fails closed", func(t *testing.T) {
		st := new(storeMock)
		st.On("ListEnabledRules", ctx, "entry").Return(nil, errors.New("db locked"))
		res := NewEngine(st, nil).Evaluate(ctx, evalCtx(0), "entry")
		assert.False(t, res.Passed)
		assert.Contains(t, res.BlockingReason, "db locked")
	})

	t.Run("panicking predicate is skipped", func(t *testing.T) {
		st := new(storeMock)
		st.On("ListEnabledRules", ctx, "entry").Return([]Rule{
			{ID: "boom", Name: "boom", Condition: ConditionCustom, Params: map[string]any{"predicate": "boom"}, Action: ActionBlockTrade, Enabled: true},
		}, nil)
		e := NewEngine(st, nil)
		e.RegisterPredicate("boom", func(Context, map[string]any) (bool, string) { panic("nil map") })
		assert.True(t, e.Evaluate(ctx, evalCtx(0), "entry").Passed)
	})
}
