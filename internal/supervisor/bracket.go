package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spreadguard/internal/audit"
	"spreadguard/internal/broker"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/types"
)

type LegKind string

const (
	TakeProfitLeg LegKind = "take_profit"
	StopLossLeg   LegKind = "stop_loss"
)

// ParseLegKind accepts take_profit/tp and stop_loss/sl.
func ParseLegKind(raw string) (LegKind, error) {
	switch raw {
	case "take_profit", "tp", "TAKE_PROFIT", "TP":
		return TakeProfitLeg, nil
	case "stop_loss", "sl", "STOP_LOSS", "SL":
		return StopLossLeg, nil
	default:
		return "", &types.InvalidInput{Field: "leg", Value: raw, Reason: "must be take_profit or stop_loss"}
	}
}

var (
	ErrNoBracket = errors.New("no bracket attached")
	// ErrBracketLost 两条子单都不在券商侧，持仓没有保护。
	ErrBracketLost = errors.New("bracket has no working leg")
)

const minExitPrice = 0.01

type ExitPrices struct {
	TakeProfit float64 `json:"take_profit"`
	StopLoss   float64 `json:"stop_loss"`
}

// ComputeExitPrices 借方入场（买入开仓）的止盈止损价：
// tp = entry*(1+tpPct/100)，sl = max(0.01, entry*(1-slPct/100))，保留两位小数。
func ComputeExitPrices(entry, tpPct, slPct float64) (ExitPrices, error) {
	if err := validateExitInputs(entry, tpPct, slPct); err != nil {
		return ExitPrices{}, err
	}
	e := decimal.NewFromFloat(entry)
	tp := e.Mul(pctFactor(tpPct, 1))
	sl := decimal.Max(decimal.NewFromFloat(minExitPrice), e.Mul(pctFactor(slPct, -1)))
	return roundedPrices(tp, sl), nil
}

// CreditExitPrices 贷方入场（卖出开仓）的镜像公式：权利金回落到 entry*(1-tpPct/100)
// 止盈，涨到 entry*(1+slPct/100) 止损。
func CreditExitPrices(entry, tpPct, slPct float64) (ExitPrices, error) {
	if err := validateExitInputs(entry, tpPct, slPct); err != nil {
		return ExitPrices{}, err
	}
	e := decimal.NewFromFloat(entry)
	tp := decimal.Max(decimal.NewFromFloat(minExitPrice), e.Mul(pctFactor(tpPct, -1)))
	sl := e.Mul(pctFactor(slPct, 1))
	return roundedPrices(tp, sl), nil
}

// ExitPricesFor dispatches on the entry side.
func ExitPricesFor(entrySide broker.Side, entry, tpPct, slPct float64) (ExitPrices, error) {
	if entrySide == broker.SideSell {
		return CreditExitPrices(entry, tpPct, slPct)
	}
	return ComputeExitPrices(entry, tpPct, slPct)
}

func pctFactor(pct float64, sign int64) decimal.Decimal {
	return decimal.NewFromInt(1).Add(decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(sign)))
}

func roundedPrices(tp, sl decimal.Decimal) ExitPrices {
	tpf, _ := tp.Round(2).Float64()
	slf, _ := sl.Round(2).Float64()
	return ExitPrices{TakeProfit: tpf, StopLoss: slf}
}

func validateExitInputs(entry, tpPct, slPct float64) error {
	if !(entry > 0) {
		return &types.InvalidInput{Field: "entry_price", Value: entry, Reason: "must be positive"}
	}
	if !(tpPct > 0) {
		return &types.InvalidInput{Field: "take_profit_pct", Value: tpPct, Reason: "must be positive"}
	}
	if !(slPct > 0) {
		return &types.InvalidInput{Field: "stop_loss_pct", Value: slPct, Reason: "must be positive"}
	}
	return nil
}

type ChildOrder struct {
	OrderID string             `json:"order_id,omitempty"`
	Price   float64            `json:"price"`
	Status  broker.OrderStatus `json:"status,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func (c ChildOrder) placed() bool { return c.OrderID != "" }

// Bracket 一对互斥（OCO）离场单，挂在入场父单上。
type Bracket struct {
	TradeID       string       `json:"trade_id"`
	ParentOrderID string       `json:"parent_order_id"`
	Side          broker.Side  `json:"side"`
	Legs          []broker.Leg `json:"legs"`
	TakeProfit    ChildOrder   `json:"take_profit"`
	StopLoss      ChildOrder   `json:"stop_loss"`
	Incomplete    bool         `json:"incomplete,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (b Bracket) Prices() ExitPrices {
	return ExitPrices{TakeProfit: b.TakeProfit.Price, StopLoss: b.StopLoss.Price}
}

func (b *Bracket) child(kind LegKind) *ChildOrder {
	if kind == TakeProfitLeg {
		return &b.TakeProfit
	}
	return &b.StopLoss
}

func (b Bracket) clone() Bracket {
	out := b
	out.Legs = append([]broker.Leg(nil), b.Legs...)
	return out
}

type bracketBook struct {
	mu    sync.Mutex
	items map[string]Bracket
}

func newBracketBook() *bracketBook {
	return &bracketBook{items: make(map[string]Bracket)}
}

func (b *bracketBook) get(tradeID string) (Bracket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.items[tradeID]
	return br.clone(), ok
}

func (b *bracketBook) put(br Bracket) {
	b.mu.Lock()
	b.items[br.TradeID] = br.clone()
	b.mu.Unlock()
}

func (b *bracketBook) remove(tradeID string) {
	b.mu.Lock()
	delete(b.items, tradeID)
	b.mu.Unlock()
}

func (b *bracketBook) ids() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.items))
	for id := range b.items {
		out = append(out, id)
	}
	return out
}

// Bracket returns the bracket attached to a trade.
func (s *Supervisor) Bracket(tradeID string) (Bracket, bool) {
	return s.brackets.get(tradeID)
}

// AttachBracket 为已成交的入场单挂止盈/止损。同一笔交易重复调用且价格不变、
// 子单仍在挂时直接返回已有 bracket，不会重复下单；价格变化则逐腿替换。
// 两腿都失败时返回错误；只成功一腿时 Incomplete 为 true。
func (s *Supervisor) AttachBracket(ctx context.Context, tradeID string, parent broker.Order, prices ExitPrices) (Bracket, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()
	return s.attachBracket(ctx, tradeID, parent, prices)
}

func (s *Supervisor) attachBracket(ctx context.Context, tradeID string, parent broker.Order, prices ExitPrices) (Bracket, error) {
	log := s.log(tradeID, parent.ID)
	if existing, ok := s.brackets.get(tradeID); ok {
		current := s.refreshChildren(ctx, existing)
		s.brackets.put(current)
		if current.TakeProfit.Status == broker.StatusFilled || current.StopLoss.Status == broker.StatusFilled {
			log.Info("bracket leg already filled, nothing to resubmit")
			return current, nil
		}
		if current.Prices() == prices && current.TakeProfit.Status.Live() && current.StopLoss.Status.Live() {
			log.Info("bracket already working, skip resubmit", "take_profit", prices.TakeProfit, "stop_loss", prices.StopLoss)
			return current, nil
		}
		var errs []error
		for _, kind := range []LegKind{TakeProfitLeg, StopLossLeg} {
			c := current.child(kind)
			want := prices.TakeProfit
			if kind == StopLossLeg {
				want = prices.StopLoss
			}
			if c.Price == want && c.Status.Live() {
				continue
			}
			var err error
			if current, err = s.replaceBracketLeg(ctx, tradeID, kind, want); err != nil {
				errs = append(errs, err)
				if errors.Is(err, ErrBracketLost) {
					break
				}
			}
		}
		if !current.TakeProfit.placed() && !current.StopLoss.placed() {
			return current, errors.Join(errs...)
		}
		return current, nil
	}

	br := Bracket{
		TradeID:       tradeID,
		ParentOrderID: parent.ID,
		Side:          parent.Side.Opposite(),
		Legs:          broker.ReverseLegs(parent.Legs),
		TakeProfit:    ChildOrder{Price: prices.TakeProfit},
		StopLoss:      ChildOrder{Price: prices.StopLoss},
	}
	var errs []error
	for _, kind := range []LegKind{TakeProfitLeg, StopLossLeg} {
		c := br.child(kind)
		o, err := s.submitWithRetry(ctx, tradeID, s.childRequest(br, kind, c.Price))
		if err != nil {
			c.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			log.Error("bracket leg submit failed", "leg", kind, "error", err)
			continue
		}
		c.OrderID, c.Status = o.ID, o.Status
	}
	if !br.TakeProfit.placed() && !br.StopLoss.placed() {
		return br, errors.Join(errs...)
	}
	br.Incomplete = len(errs) > 0
	br.UpdatedAt = s.now()
	s.brackets.put(br)
	s.persistBracket(ctx, br)
	s.audit.Record(audit.KindBracket, tradeID, "", map[string]any{"event": "attached", "bracket": br})
	log.Info("bracket attached", "take_profit", br.TakeProfit.OrderID, "stop_loss", br.StopLoss.OrderID, "incomplete", br.Incomplete)
	return br.clone(), nil
}

// ReplaceBracketLeg 撤掉旧子单并以新价格重挂。撤单失败只记录日志，新单照常提交。
// 重挂失败且另一腿也没挂上时，bracket 被移除，交易进入 ERROR 并标记 reconcile_required。
func (s *Supervisor) ReplaceBracketLeg(ctx context.Context, tradeID string, kind LegKind, price float64) (Bracket, error) {
	if !(price > 0) {
		return Bracket{}, &types.InvalidInput{Field: "price", Value: price, Reason: "must be positive"}
	}
	unlock := s.lockTrade(tradeID)
	defer unlock()
	if _, ok := s.brackets.get(tradeID); !ok {
		return Bracket{}, fmt.Errorf("%w: trade %s", ErrNoBracket, tradeID)
	}
	if _, err := s.openTrade(tradeID); err != nil {
		return Bracket{}, err
	}
	return s.replaceBracketLeg(ctx, tradeID, kind, price)
}

func (s *Supervisor) replaceBracketLeg(ctx context.Context, tradeID string, kind LegKind, price float64) (Bracket, error) {
	br, ok := s.brackets.get(tradeID)
	if !ok {
		return Bracket{}, fmt.Errorf("%w: trade %s", ErrNoBracket, tradeID)
	}
	log := s.log(tradeID, br.ParentOrderID)
	c := br.child(kind)
	old := *c
	if old.placed() && !old.Status.Terminal() {
		if err := s.broker.CancelOrder(ctx, old.OrderID); err != nil {
			log.Warn("cancel old bracket leg failed, submitting replacement anyway", "leg", kind, "order_id", old.OrderID, "error", err)
		}
	}
	o, err := s.submitWithRetry(ctx, tradeID, s.childRequest(br, kind, price))
	if err != nil {
		*c = ChildOrder{Price: price, Error: err.Error()}
		br.Incomplete = true
	} else {
		*c = ChildOrder{OrderID: o.ID, Price: price, Status: o.Status}
		br.Incomplete = !br.TakeProfit.placed() || !br.StopLoss.placed()
	}
	br.UpdatedAt = s.now()
	s.brackets.put(br)
	s.persistBracket(ctx, br)
	s.audit.Record(audit.KindBracket, tradeID, "", map[string]any{
		"event": "replaced", "leg": kind, "old_order_id": old.OrderID, "old_price": old.Price, "bracket": br,
	})
	if err != nil {
		err = fmt.Errorf("replace %s: %w", kind, err)
		if !br.TakeProfit.placed() && !br.StopLoss.placed() {
			return br, s.dropBracket(ctx, br, err)
		}
		return br, err
	}
	log.Info("bracket leg replaced", "leg", kind, "price", price, "order_id", o.ID)
	return br.clone(), nil
}

// dropBracket 两腿都没挂上：移出账本，已挂 bracket 的交易转 ERROR 等待人工对账。
func (s *Supervisor) dropBracket(ctx context.Context, br Bracket, cause error) error {
	log := s.log(br.TradeID, br.ParentOrderID)
	s.brackets.remove(br.TradeID)
	s.audit.Record(audit.KindBracket, br.TradeID, "", map[string]any{"event": "lost", "bracket": br, "error": cause.Error()})
	log.Error("bracket lost both legs", "error", cause)
	err := fmt.Errorf("%w: %w", ErrBracketLost, cause)
	if tr, ok := s.trades.Get(br.TradeID); !ok || tr.State != lifecycle.StateOCOAttached {
		return err
	}
	_, terr := s.trades.Transition(ctx, br.TradeID, lifecycle.StateError,
		lifecycle.WithError(err.Error()), lifecycle.WithMetadata(map[string]any{metaReconcile: true}))
	return errors.Join(err, terr)
}

// CancelBracket 撤销仍在挂的子单。全部撤掉后才移除 bracket；有腿撤单失败时
// 保留 bracket（已撤的腿记为 CANCELLED）并返回错误。
func (s *Supervisor) CancelBracket(ctx context.Context, tradeID string) error {
	unlock := s.lockTrade(tradeID)
	defer unlock()
	return s.cancelBracket(ctx, tradeID)
}

func (s *Supervisor) cancelBracket(ctx context.Context, tradeID string) error {
	br, ok := s.brackets.get(tradeID)
	if !ok {
		return nil
	}
	log := s.log(tradeID, br.ParentOrderID)
	var errs []error
	for _, kind := range []LegKind{TakeProfitLeg, StopLossLeg} {
		c := br.child(kind)
		if !c.placed() || c.Status.Terminal() {
			continue
		}
		if err := s.broker.CancelOrder(ctx, c.OrderID); err != nil {
			if types.IsPermanentRejection(err) {
				log.Info("bracket leg already resolved", "leg", kind, "order_id", c.OrderID, "error", err)
				continue
			}
			errs = append(errs, fmt.Errorf("cancel %s %s: %w", kind, c.OrderID, err))
			continue
		}
		c.Status = broker.StatusCancelled
	}
	if len(errs) > 0 {
		br.UpdatedAt = s.now()
		s.brackets.put(br)
		s.persistBracket(ctx, br)
		err := errors.Join(errs...)
		s.audit.Record(audit.KindBracket, tradeID, "", map[string]any{"event": "cancel_failed", "bracket": br, "error": err.Error()})
		return err
	}
	s.brackets.remove(tradeID)
	s.audit.Record(audit.KindBracket, tradeID, "", map[string]any{"event": "cancelled", "bracket": br})
	return nil
}

// cancelBracketWithRetry 撤单失败按 submitWithRetry 的节奏退避重试。
func (s *Supervisor) cancelBracketWithRetry(ctx context.Context, tradeID string) error {
	for attempt := 0; ; attempt++ {
		err := s.cancelBracket(ctx, tradeID)
		if err == nil || attempt >= s.cfg.BracketRetries {
			return err
		}
		wait := s.cfg.BracketBackoff << attempt
		s.log(tradeID, "").Warn("bracket cancel failed, retrying", "attempt", attempt+1, "backoff", wait, "error", err)
		if serr := s.sleep(ctx, wait); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

// SyncBracket 检查子单状态：任一腿成交则撤另一腿并把交易置为 CLOSED。
func (s *Supervisor) SyncBracket(ctx context.Context, tradeID string) (bool, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()
	return s.syncBracket(ctx, tradeID)
}

func (s *Supervisor) syncBracket(ctx context.Context, tradeID string) (bool, error) {
	br, ok := s.brackets.get(tradeID)
	if !ok {
		return false, nil
	}
	br = s.refreshChildren(ctx, br)
	s.brackets.put(br)

	var filled, other LegKind
	switch {
	case br.TakeProfit.Status == broker.StatusFilled:
		filled, other = TakeProfitLeg, StopLossLeg
	case br.StopLoss.Status == broker.StatusFilled:
		filled, other = StopLossLeg, TakeProfitLeg
	default:
		return false, nil
	}
	log := s.log(tradeID, br.ParentOrderID)
	if o := br.child(other); o.placed() && !o.Status.Terminal() {
		if err := s.broker.CancelOrder(ctx, o.OrderID); err != nil {
			log.Warn("cancel sibling bracket leg failed", "leg", other, "order_id", o.OrderID, "error", err)
		}
	}
	s.brackets.remove(tradeID)
	exit := *br.child(filled)
	s.audit.Record(audit.KindFill, tradeID, "", map[string]any{"leg": filled, "order_id": exit.OrderID, "price": exit.Price})
	_, err := s.trades.Transition(ctx, tradeID, lifecycle.StateClosed, lifecycle.WithMetadata(map[string]any{
		"exit_reason":   string(filled),
		"exit_order_id": exit.OrderID,
		"exit_price":    exit.Price,
	}))
	if err != nil {
		return true, err
	}
	log.Info("bracket leg filled, position closed", "leg", filled, "price", exit.Price)
	return true, nil
}

func (s *Supervisor) refreshChildren(ctx context.Context, br Bracket) Bracket {
	for _, kind := range []LegKind{TakeProfitLeg, StopLossLeg} {
		c := br.child(kind)
		if !c.placed() || c.Status.Terminal() {
			continue
		}
		o, err := s.broker.GetOrder(ctx, c.OrderID)
		if err != nil {
			// 查询失败时按仍在挂处理，避免重复下离场单。
			if c.Status == "" {
				c.Status = broker.StatusWorking
			}
			continue
		}
		if o.Status != "" && o.Status != broker.StatusUnknown {
			c.Status = o.Status
		}
		if o.FilledPrice > 0 && o.Status == broker.StatusFilled {
			c.Price = o.FilledPrice
		}
	}
	return br
}

func (s *Supervisor) childRequest(br Bracket, kind LegKind, price float64) broker.OrderRequest {
	req := broker.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Side:          br.Side,
		TimeInForce:   "GTC",
		Legs:          append([]broker.Leg(nil), br.Legs...),
		Tag:           string(kind),
	}
	if kind == TakeProfitLeg {
		req.Type = broker.OrderLimit
		req.Price = price
	} else {
		req.Type = broker.OrderStop
		req.StopPrice = price
	}
	if len(req.Legs) > 0 && req.Legs[0].Instrument != nil {
		req.Underlying = req.Legs[0].Instrument.Underlying
	}
	return req
}

// submitWithRetry 仅对暂时性失败重试，退避 base, 2*base, 4*base。
func (s *Supervisor) submitWithRetry(ctx context.Context, tradeID string, req broker.OrderRequest) (broker.Order, error) {
	log := s.log(tradeID, "")
	for attempt := 0; ; attempt++ {
		o, err := s.broker.SubmitOrder(ctx, req)
		if err == nil {
			s.audit.Record(audit.KindOrder, tradeID, "", map[string]any{"request": req, "order": o, "attempt": attempt + 1})
			return o, nil
		}
		if !types.IsTransientRejection(err) || attempt >= s.cfg.BracketRetries {
			return broker.Order{}, err
		}
		wait := s.cfg.BracketBackoff << attempt
		log.Warn("order submit failed, retrying", "tag", req.Tag, "attempt", attempt+1, "backoff", wait, "error", err)
		if serr := s.sleep(ctx, wait); serr != nil {
			return broker.Order{}, errors.Join(err, serr)
		}
	}
}

func (s *Supervisor) persistBracket(ctx context.Context, br Bracket) {
	if _, err := s.trades.MergeMetadata(ctx, br.TradeID, map[string]any{
		metaBracket:         br,
		"bracket_incomplete": br.Incomplete,
	}); err != nil {
		s.log(br.TradeID, br.ParentOrderID).Warn("persist bracket failed", "error", err)
	}
}
