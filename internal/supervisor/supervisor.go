// Package supervisor 负责入场单的提交、追价、成交监控，以及成交后止盈止损 bracket
// 的挂单与维护。每个在途订单由一个可取消的 goroutine 驱动。
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"spreadguard/internal/audit"
	"spreadguard/internal/broker"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/logger"
	"spreadguard/internal/types"
)

const (
	defaultPollInterval    = time.Second
	defaultMaxPollAttempts = 300
	defaultBracketRetries  = 3
	defaultBracketBackoff  = time.Second
)

// trade metadata keys written by the supervisor.
const (
	metaBracket       = "bracket"
	metaEntryOrderID  = "entry_order_id"
	metaEntryPrice    = "entry_price"
	metaEntrySide     = "entry_side"
	metaEntryLegs     = "entry_legs"
	metaFillPrice     = "entry_fill_price"
	metaTakeProfitPct = "take_profit_pct"
	metaStopLossPct   = "stop_loss_pct"
	metaReconcile     = "reconcile_required"
)

type Config struct {
	Chase           ChaseConfig
	PollInterval    time.Duration
	MaxPollAttempts int
	BracketRetries  int
	BracketBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = defaultMaxPollAttempts
	}
	if c.BracketRetries <= 0 {
		c.BracketRetries = defaultBracketRetries
	}
	if c.BracketBackoff <= 0 {
		c.BracketBackoff = defaultBracketBackoff
	}
}

// EntryRequest 一笔已通过风控的入场单。
type EntryRequest struct {
	TradeID       string              `json:"trade_id"`
	Order         broker.OrderRequest `json:"order"`
	TakeProfitPct float64             `json:"take_profit_pct"`
	StopLossPct   float64             `json:"stop_loss_pct"`
	// SkipChase 恢复在途订单时不再追价，只监控成交。
	SkipChase bool `json:"skip_chase,omitempty"`
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Supervisor struct {
	broker   broker.Broker
	trades   *lifecycle.Registry
	audit    audit.Recorder
	cfg      Config
	brackets *bracketBook
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	mu       sync.Mutex
	inflight map[string]*loop
	wg       sync.WaitGroup
	ctx      context.Context
	stop     context.CancelFunc

	// 同一交易的挂 bracket、改单、撤单、平仓串行执行。
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type Option func(*Supervisor)

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleeper replaces the wait between polls, chase steps and retries.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

func New(b broker.Broker, trades *lifecycle.Registry, rec audit.Recorder, cfg Config, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	if rec == nil {
		rec = audit.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		broker:   b,
		trades:   trades,
		audit:    rec,
		cfg:      cfg,
		brackets: newBracketBook(),
		now:      time.Now,
		sleep:    sleepCtx,
		inflight: make(map[string]*loop),
		locks:    make(map[string]*sync.Mutex),
		ctx:      ctx,
		stop:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Supervisor) lockTrade(tradeID string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[tradeID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[tradeID] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Supervisor) log(tradeID, orderID string) *slog.Logger {
	if orderID == "" {
		return logger.With("component", "supervisor", "trade_id", tradeID)
	}
	return logger.With("component", "supervisor", "trade_id", tradeID, "order_id", orderID)
}

// Submit 提交入场单。券商明确拒单时交易进入 REJECTED，其他失败进入 ERROR。
func (s *Supervisor) Submit(ctx context.Context, req EntryRequest) (broker.Order, error) {
	trade, ok := s.trades.Get(req.TradeID)
	if !ok {
		return broker.Order{}, fmt.Errorf("%w: %s", lifecycle.ErrTradeNotFound, req.TradeID)
	}
	if trade.State != lifecycle.StatePending {
		return broker.Order{}, &types.InvalidInput{Field: "trade_state", Value: string(trade.State), Reason: "entry can only be submitted from PENDING"}
	}
	if req.Order.ClientOrderID == "" {
		req.Order.ClientOrderID = req.TradeID
	}
	log := s.log(req.TradeID, "")
	order, err := s.broker.SubmitOrder(ctx, req.Order)
	payload := map[string]any{"event": "entry_submit", "request": req.Order, "order": order}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.audit.Record(audit.KindOrder, req.TradeID, "", payload)
	if err != nil {
		s.recordSubmitFailure(ctx, req, err)
		return order, err
	}
	order = mergeOrder(broker.Order{
		Type: req.Order.Type, Side: req.Order.Side, Price: req.Order.Price,
		StopPrice: req.Order.StopPrice, Legs: req.Order.Legs, Status: broker.StatusReceived,
	}, order)
	if len(order.Legs) == 0 {
		order.Legs = req.Order.Legs
	}
	if _, err := s.trades.Transition(ctx, req.TradeID, lifecycle.StateSubmitted, lifecycle.WithMetadata(entryMeta(req, order.ID))); err != nil {
		return order, err
	}
	if _, err := s.trades.SetBrokerOrderID(ctx, req.TradeID, order.ID); err != nil {
		log.Warn("record broker order id failed", "error", err)
	}
	log.Info("entry submitted", "order_id", order.ID, "price", req.Order.Price, "side", req.Order.Side, "status", order.Status)
	return order, nil
}

// recordSubmitFailure 券商明确拒单：PENDING→SUBMITTED→REJECTED；传输类失败：PENDING→ERROR。
func (s *Supervisor) recordSubmitFailure(ctx context.Context, req EntryRequest, err error) {
	log := s.log(req.TradeID, "")
	if !types.IsPermanentRejection(err) {
		log.Error("entry submit failed", "error", err)
		if _, terr := s.trades.Transition(ctx, req.TradeID, lifecycle.StateError, lifecycle.WithError(err.Error())); terr != nil {
			log.Error("record entry failure transition failed", "error", terr)
		}
		return
	}
	log.Warn("entry rejected by broker", "error", err)
	if _, terr := s.trades.Transition(ctx, req.TradeID, lifecycle.StateSubmitted, lifecycle.WithMetadata(entryMeta(req, ""))); terr != nil {
		log.Error("record entry submission failed", "error", terr)
		return
	}
	if _, terr := s.trades.Transition(ctx, req.TradeID, lifecycle.StateRejected, lifecycle.WithError(err.Error())); terr != nil {
		log.Error("record entry rejection failed", "error", terr)
	}
}

func entryMeta(req EntryRequest, orderID string) map[string]any {
	return map[string]any{
		metaEntryOrderID:  orderID,
		metaEntryPrice:    req.Order.Price,
		metaEntrySide:     string(req.Order.Side),
		metaEntryLegs:     req.Order.Legs,
		metaTakeProfitPct: req.TakeProfitPct,
		metaStopLossPct:   req.StopLossPct,
	}
}

// Open submits the entry and starts supervising it in the background.
func (s *Supervisor) Open(ctx context.Context, req EntryRequest) (broker.Order, error) {
	order, err := s.Submit(ctx, req)
	if err != nil {
		return order, err
	}
	s.Start(req, order)
	return order, nil
}

// Start 为在途订单启动监控 goroutine；同一交易已有监控时先停掉旧的。
func (s *Supervisor) Start(req EntryRequest, order broker.Order) {
	s.stopLoop(req.TradeID)
	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.inflight[req.TradeID] = l
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(l.done)
		defer func() {
			s.mu.Lock()
			if s.inflight[req.TradeID] == l {
				delete(s.inflight, req.TradeID)
			}
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("supervisor: trade %s loop panic: %v\n%s", req.TradeID, r, debug.Stack())
			}
		}()
		if _, err := s.Run(ctx, req, order); err != nil && !errors.Is(err, context.Canceled) {
			s.log(req.TradeID, order.ID).Error("supervision ended with error", "error", err)
		}
	}()
}

// Run 追价、等待成交并处理结果，阻塞直到订单有结论、超时或 ctx 取消。
func (s *Supervisor) Run(ctx context.Context, req EntryRequest, order broker.Order) (FillResult, error) {
	if order.Status == broker.StatusWorking {
		s.markWorking(ctx, req.TradeID)
	}
	if !req.SkipChase {
		var (
			stop chaseStop
			err  error
		)
		order, stop, err = s.chase(ctx, req.TradeID, order)
		if err != nil {
			return FillResult{Order: order}, err
		}
		if stop == chaseMaxSteps || stop == chaseSlippage {
			s.audit.Record(audit.KindChaseAttempt, req.TradeID, "", map[string]any{"event": "chase_stopped", "reason": stop, "price": order.Price, "order_id": order.ID})
		}
	}
	res, err := s.awaitFill(ctx, req.TradeID, order, func(broker.Order) { s.markWorking(ctx, req.TradeID) })
	if err != nil {
		return res, err
	}
	return res, s.resolveEntry(ctx, req, res)
}

func (s *Supervisor) markWorking(ctx context.Context, tradeID string) {
	if tr, ok := s.trades.Get(tradeID); ok && tr.State == lifecycle.StateSubmitted {
		if _, err := s.trades.Transition(ctx, tradeID, lifecycle.StateWorking); err != nil {
			s.log(tradeID, "").Warn("mark working failed", "error", err)
		}
	}
}

func (s *Supervisor) resolveEntry(ctx context.Context, req EntryRequest, res FillResult) error {
	log := s.log(req.TradeID, res.Order.ID)
	switch res.Outcome {
	case OutcomeFilled:
		return s.onFilled(ctx, req, res.Order)
	case OutcomeCancelled:
		s.markWorking(ctx, req.TradeID)
		_, err := s.trades.Transition(ctx, req.TradeID, lifecycle.StateCancelled, lifecycle.WithMetadata(map[string]any{"cancel_reason": res.Order.Reason}))
		return err
	case OutcomeRejected:
		reason := res.Order.Reason
		if reason == "" {
			reason = "broker rejected order"
		}
		_, err := s.trades.Transition(ctx, req.TradeID, lifecycle.StateRejected, lifecycle.WithError(reason))
		return err
	default:
		s.audit.Record(audit.KindOrder, req.TradeID, "", map[string]any{"event": "poll_timeout", "order": res.Order, "attempts": res.Attempts})
		_, err := s.trades.MergeMetadata(ctx, req.TradeID, map[string]any{metaReconcile: true, "last_broker_status": string(res.Order.Status)})
		if err != nil {
			log.Error("flag reconciliation failed", "error", err)
		}
		return nil
	}
}

func (s *Supervisor) onFilled(ctx context.Context, req EntryRequest, order broker.Order) error {
	log := s.log(req.TradeID, order.ID)
	price := order.FilledPrice
	if price <= 0 {
		price = order.Price
	}
	s.audit.Record(audit.KindFill, req.TradeID, "", map[string]any{
		"event": "entry_filled", "order_id": order.ID, "price": price, "quantity": order.FilledQuantity, "side": order.Side,
	})
	// 组合单成交后以入场订单号标识持仓。
	if _, err := s.trades.SetPositionID(ctx, req.TradeID, order.ID); err != nil {
		log.Warn("record position id failed", "error", err)
	}
	if _, err := s.trades.Transition(ctx, req.TradeID, lifecycle.StateFilled, lifecycle.WithMetadata(map[string]any{metaFillPrice: price})); err != nil {
		return err
	}
	return s.attachAfterFill(ctx, req.TradeID, order, price, req.TakeProfitPct, req.StopLossPct)
}

func (s *Supervisor) attachAfterFill(ctx context.Context, tradeID string, parent broker.Order, price, tpPct, slPct float64) error {
	unlock := s.lockTrade(tradeID)
	defer unlock()
	// 平仓可能已抢先处理了这笔交易。
	if tr, ok := s.trades.Get(tradeID); !ok || tr.State != lifecycle.StateFilled {
		return nil
	}
	prices, err := ExitPricesFor(parent.Side, price, tpPct, slPct)
	if err != nil {
		_, terr := s.trades.Transition(ctx, tradeID, lifecycle.StateError, lifecycle.WithError("bracket prices: "+err.Error()))
		return errors.Join(err, terr)
	}
	br, err := s.attachBracket(ctx, tradeID, parent, prices)
	if err != nil {
		if ctx.Err() != nil {
			// 监控被停掉（平仓或退出），保持 FILLED，由平仓或 Resume 接手。
			return err
		}
		_, terr := s.trades.Transition(ctx, tradeID, lifecycle.StateError,
			lifecycle.WithError("bracket submit: "+err.Error()), lifecycle.WithMetadata(map[string]any{metaReconcile: true}))
		return errors.Join(err, terr)
	}
	_, err = s.trades.Transition(ctx, tradeID, lifecycle.StateOCOAttached, lifecycle.WithMetadata(map[string]any{
		"take_profit_price":  prices.TakeProfit,
		"stop_loss_price":    prices.StopLoss,
		"bracket_incomplete": br.Incomplete,
	}))
	return err
}

// Cancel 撤销尚未成交的入场。PENDING 直接取消；在途订单先向券商撤单。
func (s *Supervisor) Cancel(ctx context.Context, tradeID string) error {
	trade, ok := s.trades.Get(tradeID)
	if !ok {
		return fmt.Errorf("%w: %s", lifecycle.ErrTradeNotFound, tradeID)
	}
	switch trade.State {
	case lifecycle.StatePending:
		_, err := s.trades.Transition(ctx, tradeID, lifecycle.StateCancelled, lifecycle.WithMetadata(map[string]any{"cancel_reason": "cancelled before submit"}))
		return err
	case lifecycle.StateSubmitted, lifecycle.StateWorking:
	default:
		return &types.InvalidInput{Field: "trade_state", Value: string(trade.State), Reason: "only pending or working entries can be cancelled"}
	}
	if err := s.broker.CancelOrder(ctx, trade.BrokerOrderID); err != nil {
		return err
	}
	s.stopLoop(tradeID)
	if tr, _ := s.trades.Get(tradeID); tr.Terminal() {
		return nil
	}
	s.markWorking(ctx, tradeID)
	_, err := s.trades.Transition(ctx, tradeID, lifecycle.StateCancelled, lifecycle.WithMetadata(map[string]any{"cancel_reason": "cancelled by request"}))
	return err
}

// ClosePosition 手动平仓：撤掉 bracket 子单，以市价单反向平掉组合。
// 子单撤不掉时不下平仓单，交易保持原状态并标记 reconcile_required。
func (s *Supervisor) ClosePosition(ctx context.Context, tradeID, reason string) error {
	trade, err := s.openTrade(tradeID)
	if err != nil {
		return err
	}
	// 成交后的挂单流程还在跑时先停掉，再持锁重读状态。
	s.stopLoop(tradeID)
	unlock := s.lockTrade(tradeID)
	defer unlock()
	if trade, err = s.openTrade(tradeID); err != nil {
		return err
	}
	log := s.log(tradeID, trade.BrokerOrderID)
	if closed, err := s.syncBracket(ctx, tradeID); closed {
		return err
	}
	if err := s.cancelBracketWithRetry(ctx, tradeID); err != nil {
		log.Error("bracket still working, close not submitted", "error", err)
		s.audit.Record(audit.KindBracket, tradeID, "", map[string]any{"event": "close_aborted", "reason": reason, "error": err.Error()})
		if _, merr := s.trades.MergeMetadata(ctx, tradeID, map[string]any{metaReconcile: true}); merr != nil {
			log.Error("flag reconciliation failed", "error", merr)
		}
		return fmt.Errorf("close %s: cancel bracket: %w", tradeID, err)
	}
	side, legs, err := entryOf(trade)
	if err != nil {
		return err
	}
	req := broker.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Type:          broker.OrderMarket,
		Side:          side.Opposite(),
		Legs:          broker.ReverseLegs(legs),
		Tag:           "close",
	}
	order, err := s.broker.SubmitOrder(ctx, req)
	s.audit.Record(audit.KindOrder, tradeID, "", map[string]any{"event": "close_submit", "reason": reason, "request": req, "order": order, "error": errString(err)})
	if err != nil {
		_, terr := s.trades.Transition(ctx, tradeID, lifecycle.StateError,
			lifecycle.WithError("close submit: "+err.Error()), lifecycle.WithMetadata(map[string]any{metaReconcile: true}))
		return errors.Join(err, terr)
	}
	res, err := s.awaitFill(ctx, tradeID, mergeOrder(broker.Order{Type: req.Type, Side: req.Side, Legs: req.Legs}, order), nil)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case OutcomeFilled:
	case OutcomeTimeout:
		if _, merr := s.trades.MergeMetadata(ctx, tradeID, map[string]any{metaReconcile: true, "close_order_id": res.Order.ID}); merr != nil {
			log.Error("flag reconciliation failed", "error", merr)
		}
		return fmt.Errorf("close order %s not resolved after %d polls", res.Order.ID, res.Attempts)
	default:
		msg := fmt.Sprintf("close order %s %s: %s", res.Order.ID, res.Outcome, res.Order.Reason)
		_, terr := s.trades.Transition(ctx, tradeID, lifecycle.StateError, lifecycle.WithError(msg), lifecycle.WithMetadata(map[string]any{metaReconcile: true}))
		return errors.Join(errors.New(msg), terr)
	}
	s.audit.Record(audit.KindFill, tradeID, "", map[string]any{"event": "close_filled", "order_id": res.Order.ID, "price": res.Order.FilledPrice, "reason": reason})
	_, err = s.trades.Transition(ctx, tradeID, lifecycle.StateClosed, lifecycle.WithMetadata(map[string]any{
		"exit_reason":   reason,
		"exit_order_id": res.Order.ID,
		"exit_price":    res.Order.FilledPrice,
	}))
	if err == nil {
		log.Info("position closed", "reason", reason, "price", res.Order.FilledPrice)
	}
	return err
}

func (s *Supervisor) openTrade(tradeID string) (lifecycle.Trade, error) {
	trade, ok := s.trades.Get(tradeID)
	if !ok {
		return trade, fmt.Errorf("%w: %s", lifecycle.ErrTradeNotFound, tradeID)
	}
	if !lifecycle.IsOpen(trade.State) {
		return trade, &types.InvalidInput{Field: "trade_state", Value: string(trade.State), Reason: "position is not open"}
	}
	return trade, nil
}

// Resume 进程重启后接管未结束的交易：在途订单继续监控，已挂 bracket 的恢复账本。
func (s *Supervisor) Resume(ctx context.Context, trade lifecycle.Trade) error {
	log := s.log(trade.ID, trade.BrokerOrderID)
	switch trade.State {
	case lifecycle.StateSubmitted, lifecycle.StateWorking:
		if trade.BrokerOrderID == "" {
			return fmt.Errorf("trade %s in %s has no broker order id", trade.ID, trade.State)
		}
		side, legs, err := entryOf(trade)
		if err != nil {
			return err
		}
		order := broker.Order{ID: trade.BrokerOrderID, Type: broker.OrderLimit, Side: side, Legs: legs, Price: metaFloat(trade, metaEntryPrice), Status: broker.StatusWorking}
		s.Start(EntryRequest{
			TradeID:       trade.ID,
			TakeProfitPct: metaFloat(trade, metaTakeProfitPct),
			StopLossPct:   metaFloat(trade, metaStopLossPct),
			SkipChase:     true,
		}, order)
		log.Info("resumed entry supervision")
	case lifecycle.StateFilled:
		side, legs, err := entryOf(trade)
		if err != nil {
			return err
		}
		parent := broker.Order{ID: trade.BrokerOrderID, Side: side, Legs: legs}
		return s.attachAfterFill(ctx, trade.ID, parent, metaFloat(trade, metaFillPrice), metaFloat(trade, metaTakeProfitPct), metaFloat(trade, metaStopLossPct))
	case lifecycle.StateOCOAttached:
		var br Bracket
		if err := decodeMeta(trade.Metadata[metaBracket], &br); err != nil || br.TradeID == "" {
			return fmt.Errorf("trade %s: bracket metadata unreadable: %v", trade.ID, err)
		}
		s.brackets.put(br)
		log.Info("resumed bracket", "take_profit", br.TakeProfit.OrderID, "stop_loss", br.StopLoss.OrderID)
	}
	return nil
}

// InFlight lists trade ids with an active supervision loop.
func (s *Supervisor) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		out = append(out, id)
	}
	return out
}

// Wait blocks until the trade's supervision loop, if any, has exited.
func (s *Supervisor) Wait(tradeID string) {
	s.mu.Lock()
	l := s.inflight[tradeID]
	s.mu.Unlock()
	if l != nil {
		<-l.done
	}
}

// Stop cancels every loop and waits for them; in-flight broker orders stay working.
func (s *Supervisor) Stop() {
	s.stop()
	s.wg.Wait()
}

func (s *Supervisor) stopLoop(tradeID string) {
	s.mu.Lock()
	l := s.inflight[tradeID]
	delete(s.inflight, tradeID)
	s.mu.Unlock()
	if l != nil {
		l.cancel()
		<-l.done
	}
}

func entryOf(trade lifecycle.Trade) (broker.Side, []broker.Leg, error) {
	side := broker.Side(trade.MetaString(metaEntrySide))
	var legs []broker.Leg
	if err := decodeMeta(trade.Metadata[metaEntryLegs], &legs); err != nil || len(legs) == 0 {
		return "", nil, fmt.Errorf("trade %s: entry legs missing from metadata", trade.ID)
	}
	if side != broker.SideBuy && side != broker.SideSell {
		return "", nil, fmt.Errorf("trade %s: entry side %q missing from metadata", trade.ID, side)
	}
	return side, legs, nil
}

// decodeMeta 元数据从数据库恢复后是通用 JSON 结构，借 JSON 往返还原成具体类型。
func decodeMeta(v any, out any) error {
	if v == nil {
		return errors.New("missing")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func metaFloat(trade lifecycle.Trade, key string) float64 {
	var f float64
	if err := decodeMeta(trade.Metadata[key], &f); err != nil {
		return 0
	}
	return f
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
