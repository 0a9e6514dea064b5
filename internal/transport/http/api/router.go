// Package apihttp 暴露交易核心的 HTTP 接口：下单流水线、交易查询与人工操作、审计查询。
package apihttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"spreadguard/internal/agent"
	"spreadguard/internal/audit"
	"spreadguard/internal/config"
	"spreadguard/internal/decision"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/monitor"
	"spreadguard/internal/pkg/circuit"
	"spreadguard/internal/portfolio"
	"spreadguard/internal/signal"
	"spreadguard/internal/supervisor"
	"spreadguard/internal/types"
)

// EntryService runs the governed entry pipeline.
type EntryService interface {
	Open(ctx context.Context, sig decision.TradeSignal) (agent.Outcome, error)
	Preview(ctx context.Context, sig decision.TradeSignal) (agent.Outcome, error)
}

// TradeOps 由 supervisor 实现的人工操作。
type TradeOps interface {
	Cancel(ctx context.Context, tradeID string) error
	ClosePosition(ctx context.Context, tradeID, reason string) error
	ReplaceBracketLeg(ctx context.Context, tradeID string, kind supervisor.LegKind, price float64) (supervisor.Bracket, error)
	Bracket(tradeID string) (supervisor.Bracket, bool)
}

type PresetLookup interface {
	FindPreset(name string) (config.Preset, bool)
}

type Sweeper interface {
	Sweep(ctx context.Context) monitor.Report
}

type Deps struct {
	Entry   EntryService
	Ops     TradeOps
	Trades  *lifecycle.Registry
	Audit   audit.Reader
	Parser  *signal.Parser
	Presets PresetLookup
	Book    *portfolio.Book
	Monitor Sweeper
}

type Router struct {
	deps Deps
}

func NewRouter(deps Deps) *Router {
	if deps.Parser == nil {
		deps.Parser = signal.NewParser(nil)
	}
	return &Router{deps: deps}
}

// Register 将 /api 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/trades", r.handleCreateTrade)
	group.GET("/trades", r.handleListTrades)
	group.GET("/trades/:id", r.handleGetTrade)
	group.GET("/trades/:id/events", r.handleTradeEvents)
	group.POST("/trades/:id/close", r.handleCloseTrade)
	group.POST("/trades/:id/cancel", r.handleCancelTrade)
	group.POST("/trades/:id/bracket", r.handleReplaceBracket)
	group.DELETE("/trades/:id", r.handleDeleteTrade)
	group.GET("/decisions", r.auditHandler(audit.KindDecision))
	group.GET("/risk-events", r.auditHandler(audit.KindRiskEvent))
	group.POST("/alerts/parse", r.handleParseAlert)
	if r.deps.Book != nil {
		group.GET("/portfolio", r.handleGetPortfolio)
		group.PUT("/portfolio", r.handlePutPortfolio)
		group.PUT("/account", r.handlePutAccount)
	}
	if r.deps.Monitor != nil {
		group.POST("/monitor/sweep", r.handleSweep)
	}
}

// createTradeRequest carries exactly one of alert, preset or signal.
type createTradeRequest struct {
	Alert     string                `json:"alert"`
	Preset    string                `json:"preset"`
	Overrides signal.Overrides      `json:"overrides"`
	Signal    *decision.TradeSignal `json:"signal"`
	DryRun    bool                  `json:"dry_run"`
}

func (r *Router) handleCreateTrade(c *gin.Context) {
	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	sig, err := r.signalFrom(req)
	if err != nil {
		writeError(c, err)
		return
	}
	run := r.deps.Entry.Open
	if req.DryRun {
		run = r.deps.Entry.Preview
	}
	out, err := run(c.Request.Context(), sig)
	if err != nil {
		body := gin.H{"error": err.Error(), "outcome": out}
		var rej *agent.Rejection
		if errors.As(err, &rej) {
			body["stage"] = rej.Stage
		}
		c.JSON(statusFor(err), body)
		return
	}
	status := http.StatusCreated
	if req.DryRun {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

func (r *Router) signalFrom(req createTradeRequest) (decision.TradeSignal, error) {
	set := 0
	for _, ok := range []bool{strings.TrimSpace(req.Alert) != "", strings.TrimSpace(req.Preset) != "", req.Signal != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return decision.TradeSignal{}, &types.InvalidInput{Field: "body", Reason: "provide exactly one of alert, preset or signal"}
	}
	switch {
	case req.Alert != "":
		return r.deps.Parser.Parse(req.Alert)
	case req.Preset != "":
		if r.deps.Presets == nil {
			return decision.TradeSignal{}, &types.InvalidInput{Field: "preset", Value: req.Preset, Reason: "no presets configured"}
		}
		preset, ok := r.deps.Presets.FindPreset(req.Preset)
		if !ok {
			return decision.TradeSignal{}, &types.InvalidInput{Field: "preset", Value: req.Preset, Reason: "unknown preset"}
		}
		return r.deps.Parser.FromPreset(preset, req.Overrides), nil
	default:
		sig := *req.Signal
		if sig.Source == "" {
			sig.Source = signal.SourceManual
		}
		return sig, nil
	}
}

type tradeView struct {
	lifecycle.Trade
	Bracket *supervisor.Bracket `json:"bracket,omitempty"`
}

func (r *Router) view(t lifecycle.Trade) tradeView {
	v := tradeView{Trade: t}
	if r.deps.Ops != nil {
		if br, ok := r.deps.Ops.Bracket(t.ID); ok {
			v.Bracket = &br
		}
	}
	return v
}

func (r *Router) handleListTrades(c *gin.Context) {
	var trades []lifecycle.Trade
	if raw := strings.TrimSpace(c.Query("state")); raw != "" {
		var states []lifecycle.State
		for _, part := range strings.Split(raw, ",") {
			st, ok := lifecycle.ParseState(part)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown state %q", part)})
				return
			}
			states = append(states, st)
		}
		trades = r.deps.Trades.ListByState(states...)
	} else {
		trades = r.deps.Trades.List()
	}
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, r.view(t))
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "count": len(out)})
}

func (r *Router) handleGetTrade(c *gin.Context) {
	trade, ok := r.deps.Trades.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	c.JSON(http.StatusOK, r.view(trade))
}

func (r *Router) handleTradeEvents(c *gin.Context) {
	id := c.Param("id")
	if _, ok := r.deps.Trades.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	r.queryAudit(c, audit.Query{Kind: audit.Kind(c.Query("kind")), TradeID: id})
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (r *Router) handleCloseTrade(c *gin.Context) {
	var req closeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "manual"
	}
	id := c.Param("id")
	if err := r.deps.Ops.ClosePosition(c.Request.Context(), id, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	r.respondTrade(c, id)
}

func (r *Router) handleCancelTrade(c *gin.Context) {
	id := c.Param("id")
	if err := r.deps.Ops.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	r.respondTrade(c, id)
}

type bracketRequest struct {
	Leg   string  `json:"leg" binding:"required"`
	Price float64 `json:"price" binding:"required"`
}

func (r *Router) handleReplaceBracket(c *gin.Context) {
	var req bracketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	kind, err := supervisor.ParseLegKind(req.Leg)
	if err != nil {
		writeError(c, err)
		return
	}
	br, err := r.deps.Ops.ReplaceBracketLeg(c.Request.Context(), c.Param("id"), kind, req.Price)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, br)
}

func (r *Router) handleDeleteTrade(c *gin.Context) {
	id := c.Param("id")
	trade, ok := r.deps.Trades.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if !trade.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("trade is %s; only terminal trades can be removed", trade.State)})
		return
	}
	if err := r.deps.Trades.Remove(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) auditHandler(kind audit.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		r.queryAudit(c, audit.Query{Kind: kind, TradeID: c.Query("trade_id"), SignalID: c.Query("signal_id")})
	}
}

func (r *Router) queryAudit(c *gin.Context, q audit.Query) {
	if r.deps.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log not enabled"})
		return
	}
	q.Limit = limitParam(c)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		q.Since = since
	}
	records, err := r.deps.Audit.Query(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// handleParseAlert accepts {"alert": "..."} or the raw alert as the body.
func (r *Router) handleParseAlert(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text := string(raw)
	if gjson.ValidBytes(raw) {
		if inner := gjson.GetBytes(raw, "alert"); inner.Type == gjson.String {
			text = inner.String()
		}
	}
	sig, err := r.deps.Parser.Parse(text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (r *Router) handleGetPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"portfolio": r.deps.Book.Snapshot(), "account": r.deps.Book.Account()})
}

func (r *Router) handlePutPortfolio(c *gin.Context) {
	var snap types.PortfolioSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	r.deps.Book.Replace(snap)
	c.JSON(http.StatusOK, r.deps.Book.Snapshot())
}

func (r *Router) handlePutAccount(c *gin.Context) {
	var acct types.AccountSnapshot
	if err := c.ShouldBindJSON(&acct); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if acct.AccountValue < 0 || acct.MaxRiskPct < 0 || acct.MaxRiskPct > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_value and max_risk_pct must be non-negative, max_risk_pct at most 100"})
		return
	}
	c.JSON(http.StatusOK, r.deps.Book.SetAccount(acct))
}

func (r *Router) handleSweep(c *gin.Context) {
	c.JSON(http.StatusOK, r.deps.Monitor.Sweep(c.Request.Context()))
}

func (r *Router) respondTrade(c *gin.Context, id string) {
	trade, ok := r.deps.Trades.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	c.JSON(http.StatusOK, r.view(trade))
}

func limitParam(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		rej  *agent.Rejection
		terr *lifecycle.TransitionError
	)
	switch {
	case errors.As(err, &rej):
		if rej.Stage == agent.StageSubmit {
			return http.StatusBadGateway
		}
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrTradeNotFound), errors.Is(err, supervisor.ErrNoBracket):
		return http.StatusNotFound
	case errors.As(err, &terr), errors.Is(err, lifecycle.ErrTradeExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrOrderRejected), errors.Is(err, types.ErrChainFetch), errors.Is(err, circuit.ErrOpen):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
