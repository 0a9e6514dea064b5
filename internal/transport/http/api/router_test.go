package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spreadguard/internal/agent"
	"spreadguard/internal/audit"
	"spreadguard/internal/config"
	"spreadguard/internal/decision"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/portfolio"
	"spreadguard/internal/signal"
	"spreadguard/internal/supervisor"
	"spreadguard/internal/types"
)

type entryMock struct{ mock.Mock }

func (m *entryMock) Open(ctx context.Context, sig decision.TradeSignal) (agent.Outcome, error) {
	args := m.Called(sig)
	out, _ := args.Get(0).(agent.Outcome)
	return out, args.Error(1)
}

func (m *entryMock) Preview(ctx context.Context, sig decision.TradeSignal) (agent.Outcome, error) {
	args := m.Called(sig)
	out, _ := args.Get(0).(agent.Outcome)
	return out, args.Error(1)
}

type opsMock struct{ mock.Mock }

func (m *opsMock) Cancel(ctx context.Context, tradeID string) error {
	return m.Called(tradeID).Error(0)
}

func (m *opsMock) ClosePosition(ctx context.Context, tradeID, reason string) error {
	return m.Called(tradeID, reason).Error(0)
}

func (m *opsMock) ReplaceBracketLeg(ctx context.Context, tradeID string, kind supervisor.LegKind, price float64) (supervisor.Bracket, error) {
	args := m.Called(tradeID, kind, price)
	br, _ := args.Get(0).(supervisor.Bracket)
	return br, args.Error(1)
}

func (m *opsMock) Bracket(tradeID string) (supervisor.Bracket, bool) {
	return supervisor.Bracket{}, false
}

type fixture struct {
	engine *gin.Engine
	entry  *entryMock
	ops    *opsMock
	trades *lifecycle.Registry
	mem    *audit.Memory
	book   *portfolio.Book
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		entry:  new(entryMock),
		ops:    new(opsMock),
		trades: lifecycle.NewRegistry(),
		mem:    audit.NewMemory(),
		book:   portfolio.NewBook(types.AccountSnapshot{AccountID: "acct", AccountValue: 50000, MaxRiskPct: 2}),
	}
	parser := signal.NewParser(time.UTC)
	parser.SetClock(func() time.Time { return time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC) })
	cfg := &config.Config{Presets: []config.Preset{{Name: "spx-put", Underlying: "SPX", Direction: "PUT", TargetDelta: 0.2, Quantity: 1}}}
	f.engine = NewEngine(NewRouter(Deps{
		Entry:   f.entry,
		Ops:     f.ops,
		Trades:  f.trades,
		Audit:   f.mem,
		Parser:  parser,
		Presets: cfg,
		Book:    f.book,
	}))
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestCreateTrade(t *testing.T) {
	t.Run("alert goes through the pipeline", func(t *testing.T) {
		f := newFixture(t)
		f.entry.On("Open", mock.MatchedBy(func(sig decision.TradeSignal) bool {
			return sig.Underlying == "SPX" && sig.Direction == types.RightPut && len(sig.Strikes) == 2 && sig.Price == 2.5
		})).Return(agent.Outcome{SignalID: "s-1", TradeID: "t-1", Quantity: 1}, nil)

		rec := f.do(http.MethodPost, "/api/trades", `{"alert":"SPX 5900/5890 PUT credit 2.50 exp 2026-10-18 qty 1"}`)
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "t-1", decode(t, rec)["trade_id"])
		f.entry.AssertExpectations(t)
	})

	t.Run("preset with overrides as dry run", func(t *testing.T) {
		f := newFixture(t)
		f.entry.On("Preview", mock.MatchedBy(func(sig decision.TradeSignal) bool {
			return sig.Source == "preset:spx-put" && sig.Quantity == 3
		})).Return(agent.Outcome{SignalID: "s-2", Quantity: 1}, nil)

		rec := f.do(http.MethodPost, "/api/trades", `{"preset":"SPX-PUT","overrides":{"quantity":3},"dry_run":true}`)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		f.entry.AssertNotCalled(t, "Open", mock.Anything)
	})

	t.Run("manual signal", func(t *testing.T) {
		f := newFixture(t)
		f.entry.On("Open", mock.MatchedBy(func(sig decision.TradeSignal) bool {
			return sig.Source == signal.SourceManual && sig.TargetDelta == 0.3
		})).Return(agent.Outcome{TradeID: "t-3"}, nil)

		rec := f.do(http.MethodPost, "/api/trades", `{"signal":{"underlying":"SPX","direction":"PUT","target_delta":0.3}}`)
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	t.Run("rejection carries stage and outcome", func(t *testing.T) {
		f := newFixture(t)
		f.entry.On("Open", mock.Anything).Return(agent.Outcome{SignalID: "s-4"},
			&agent.Rejection{Stage: agent.StageCreditFloor, Reason: "credit 2.34 below floor"})

		rec := f.do(http.MethodPost, "/api/trades", `{"alert":"SPX 5900/5890 PUT credit 2.50"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "credit_floor", body["stage"])
		assert.Equal(t, "s-4", body["outcome"].(map[string]any)["signal_id"])
	})

	t.Run("bad requests", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/trades", `{}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/trades", `{"alert":"x","preset":"spx-put"}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/trades", `{"preset":"nope"}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/trades", `{"alert":"SPX 5900"}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/trades", `not json`).Code)
	})
}

func TestTradeEndpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("list get and filter", func(t *testing.T) {
		f := newFixture(t)
		a, err := f.trades.CreateTrade(ctx, "a", nil)
		require.NoError(t, err)
		_, err = f.trades.CreateTrade(ctx, "b", nil)
		require.NoError(t, err)
		_, err = f.trades.Transition(ctx, "b", lifecycle.StateSubmitted)
		require.NoError(t, err)

		rec := f.do(http.MethodGet, "/api/trades?state=submitted", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 1, decode(t, rec)["count"])

		rec = f.do(http.MethodGet, "/api/trades/"+a.ID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "PENDING", decode(t, rec)["state"])

		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/trades/zzz", "").Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/trades?state=bogus", "").Code)
	})

	t.Run("close defaults the reason", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.trades.CreateTrade(ctx, "c", nil)
		require.NoError(t, err)
		f.ops.On("ClosePosition", "c", "manual").Return(nil)
		rec := f.do(http.MethodPost, "/api/trades/c/close", "")
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		f.ops.AssertExpectations(t)
	})

	t.Run("close errors map to status", func(t *testing.T) {
		f := newFixture(t)
		f.ops.On("ClosePosition", "missing", "stop").Return(lifecycle.ErrTradeNotFound)
		f.ops.On("ClosePosition", "pending", "stop").Return(&types.InvalidInput{Field: "trade_state", Reason: "not open"})
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/trades/missing/close", `{"reason":"stop"}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/trades/pending/close", `{"reason":"stop"}`).Code)
	})

	t.Run("replace bracket leg", func(t *testing.T) {
		f := newFixture(t)
		f.ops.On("ReplaceBracketLeg", "t", supervisor.TakeProfitLeg, 1.1).
			Return(supervisor.Bracket{TradeID: "t", TakeProfit: supervisor.ChildOrder{OrderID: "tp-2", Price: 1.1}}, nil)
		f.ops.On("ReplaceBracketLeg", "none", supervisor.StopLossLeg, 5.0).Return(supervisor.Bracket{}, supervisor.ErrNoBracket)

		rec := f.do(http.MethodPost, "/api/trades/t/bracket", `{"leg":"tp","price":1.1}`)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/trades/none/bracket", `{"leg":"stop_loss","price":5}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/trades/t/bracket", `{"leg":"moon","price":1}`).Code)
	})

	t.Run("delete only terminal trades", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.trades.CreateTrade(ctx, "d", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusConflict, f.do(http.MethodDelete, "/api/trades/d", "").Code)

		_, err = f.trades.Transition(ctx, "d", lifecycle.StateCancelled)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/trades/d", "").Code)
		_, ok := f.trades.Get("d")
		assert.False(t, ok)
	})
}

func TestAuditAndMisc(t *testing.T) {
	t.Run("decisions and risk events", func(t *testing.T) {
		f := newFixture(t)
		f.mem.Record(audit.KindDecision, "", "s-1", map[string]any{"approved": true})
		f.mem.Record(audit.KindDecision, "", "s-2", map[string]any{"approved": false})
		f.mem.Record(audit.KindRiskEvent, "t-1", "", map[string]any{"rule_id": "delta"})

		rec := f.do(http.MethodGet, "/api/decisions", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 2, decode(t, rec)["count"])

		rec = f.do(http.MethodGet, "/api/decisions?signal_id=s-2", "")
		assert.EqualValues(t, 1, decode(t, rec)["count"])

		rec = f.do(http.MethodGet, "/api/risk-events?trade_id=t-1", "")
		assert.EqualValues(t, 1, decode(t, rec)["count"])

		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/decisions?since=yesterday", "").Code)
	})

	t.Run("parse alert", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(http.MethodPost, "/api/alerts/parse", `{"alert":"SPX 5900/5890 PUT credit 2.50"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "SPX", decode(t, rec)["underlying"])

		req := httptest.NewRequest(http.MethodPost, "/api/alerts/parse", strings.NewReader("QQQ 480/485 CALL @1.20"))
		req.Header.Set("Content-Type", "text/plain")
		raw := httptest.NewRecorder()
		f.engine.ServeHTTP(raw, req)
		require.Equal(t, http.StatusOK, raw.Code, raw.Body.String())
		assert.Equal(t, "CALL", decode(t, raw)["direction"])
	})

	t.Run("portfolio and account", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(http.MethodPut, "/api/portfolio", `{"short_delta":{"spx":42},"buying_power_used_pct":35}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 42.0, f.book.Snapshot().ShortDelta["SPX"])

		rec = f.do(http.MethodPut, "/api/account", `{"account_value":75000}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 75000.0, f.book.Account().AccountValue)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/account", `{"max_risk_pct":150}`).Code)

		rec = f.do(http.MethodGet, "/api/portfolio", "")
		assert.Contains(t, decode(t, rec), "account")
	})

	t.Run("healthz", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	})
}
