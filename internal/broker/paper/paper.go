// Package paper 是一个内存撮合的模拟券商，用于 paper 模式与测试。
package paper

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"spreadguard/internal/broker"
	"spreadguard/internal/logger"
	"spreadguard/internal/selector"
	"spreadguard/internal/types"
)

type Config struct {
	// Spots 标的现价，用于生成合成期权链。
	Spots      map[string]float64
	StrikeStep float64
	// StrikesEachSide 以平值为中心向两侧生成的行权价个数。
	StrikesEachSide int
	Volatility      float64
	// HalfSpread 合成报价的半个买卖价差。
	HalfSpread float64
	// Roots 可选的 streamer 根代码，例如 SPX → SPXW。
	Roots map[string]string
}

func (c *Config) applyDefaults() {
	if c.StrikeStep <= 0 {
		c.StrikeStep = 5
	}
	if c.StrikesEachSide <= 0 {
		c.StrikesEachSide = 40
	}
	if c.Volatility <= 0 {
		c.Volatility = 0.2
	}
	if c.HalfSpread <= 0 {
		c.HalfSpread = 0.05
	}
}

type chainKey struct {
	underlying string
	expiry     string
}

type Broker struct {
	cfg Config

	mu         sync.Mutex
	now        func() time.Time
	chains     map[chainKey][]types.OptionInstrument
	marks      map[string]types.Quote
	orders     map[string]*broker.Order
	rejectNext []string
	failNext   []string
	failCancel []string
	subs       map[int]*subscription
	subSeq     int
}

type subscription struct {
	symbols map[string]struct{}
	ch      chan broker.QuoteUpdate
}

var (
	_ broker.Broker          = (*Broker)(nil)
	_ broker.QuoteSubscriber = (*Broker)(nil)
)

func New(cfg Config) *Broker {
	cfg.applyDefaults()
	spots := make(map[string]float64, len(cfg.Spots))
	for k, v := range cfg.Spots {
		spots[strings.ToUpper(k)] = v
	}
	cfg.Spots = spots
	roots := make(map[string]string, len(cfg.Roots))
	for k, v := range cfg.Roots {
		roots[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	cfg.Roots = roots
	return &Broker{
		cfg:    cfg,
		now:    time.Now,
		chains: make(map[chainKey][]types.OptionInstrument),
		marks:  make(map[string]types.Quote),
		orders: make(map[string]*broker.Order),
		subs:   make(map[int]*subscription),
	}
}

func (b *Broker) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// SetChain 固定某标的/到期日的期权链，并用其中的报价刷新 mark。
func (b *Broker) SetChain(underlying string, expiry time.Time, chain []types.OptionInstrument) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := chainKey{underlying: strings.ToUpper(underlying), expiry: expiry.Format("2006-01-02")}
	b.chains[key] = append([]types.OptionInstrument(nil), chain...)
	for _, inst := range chain {
		if inst.Quote != nil && inst.StreamerSymbol != "" {
			b.marks[inst.StreamerSymbol] = *inst.Quote
		}
	}
}

// SetMark 设置单个合约报价，触发挂单撮合并推送给订阅者。
func (b *Broker) SetMark(symbol string, q types.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = q
	b.matchLocked()
	b.publishLocked(broker.QuoteUpdate{Symbol: symbol, Quote: q, At: b.now()})
}

// RejectNext 让接下来一次下单被永久拒绝。
func (b *Broker) RejectNext(reason string) {
	b.mu.Lock()
	b.rejectNext = append(b.rejectNext, reason)
	b.mu.Unlock()
}

// FailNext 让接下来一次下单以可重试错误失败。
func (b *Broker) FailNext(reason string) {
	b.mu.Lock()
	b.failNext = append(b.failNext, reason)
	b.mu.Unlock()
}

// FailCancelNext 让接下来一次撤单以可重试错误失败，订单保持原状态。
func (b *Broker) FailCancelNext(reason string) {
	b.mu.Lock()
	b.failCancel = append(b.failCancel, reason)
	b.mu.Unlock()
}

// Orders returns a copy of every order seen, live or not.
func (b *Broker) Orders() []broker.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, cloneOrder(o))
	}
	return out
}

func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return broker.Order{}, &types.OrderRejection{Action: "submit", Transient: true, Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failNext) > 0 {
		reason := b.failNext[0]
		b.failNext = b.failNext[1:]
		return broker.Order{}, &types.OrderRejection{Action: "submit", Reason: reason, Transient: true}
	}
	if len(b.rejectNext) > 0 {
		reason := b.rejectNext[0]
		b.rejectNext = b.rejectNext[1:]
		return broker.Order{}, &types.OrderRejection{Action: "submit", Reason: reason}
	}
	if err := validateRequest(req); err != nil {
		return broker.Order{}, &types.OrderRejection{Action: "submit", Reason: err.Error()}
	}
	o := &broker.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Status:        broker.StatusWorking,
		Type:          req.Type,
		Side:          req.Side,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Legs:          append([]broker.Leg(nil), req.Legs...),
		UpdatedAt:     b.now(),
	}
	b.orders[o.ID] = o
	b.tryFillLocked(o)
	logger.Debugf("paper: order %s %s %s price=%.2f stop=%.2f status=%s", o.ID, o.Type, o.Side, o.Price, o.StopPrice, o.Status)
	return cloneOrder(o), nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failCancel) > 0 {
		reason := b.failCancel[0]
		b.failCancel = b.failCancel[1:]
		return &types.OrderRejection{OrderID: orderID, Action: "cancel", Reason: reason, Transient: true}
	}
	o, ok := b.orders[orderID]
	if !ok {
		return &types.OrderRejection{OrderID: orderID, Action: "cancel", Reason: "order not found"}
	}
	if o.Status.Terminal() {
		return &types.OrderRejection{OrderID: orderID, Action: "cancel", Reason: fmt.Sprintf("order already %s", o.Status)}
	}
	o.Status = broker.StatusCancelled
	o.UpdatedAt = b.now()
	return nil
}

// ReplaceOrder 修改挂单价格，订单 id 不变。
func (b *Broker) ReplaceOrder(ctx context.Context, orderID string, price float64) (broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return broker.Order{}, &types.OrderRejection{OrderID: orderID, Action: "replace", Reason: "order not found"}
	}
	if !o.Status.Live() {
		return cloneOrder(o), &types.OrderRejection{OrderID: orderID, Action: "replace", Reason: fmt.Sprintf("order already %s", o.Status)}
	}
	if price <= 0 || math.IsNaN(price) {
		return cloneOrder(o), &types.OrderRejection{OrderID: orderID, Action: "replace", Reason: "price must be positive"}
	}
	if o.Type == broker.OrderStop {
		o.StopPrice = price
	} else {
		o.Price = price
	}
	o.UpdatedAt = b.now()
	b.tryFillLocked(o)
	return cloneOrder(o), nil
}

func (b *Broker) GetOrder(ctx context.Context, orderID string) (broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return broker.Order{}, fmt.Errorf("paper: order %s not found", orderID)
	}
	return cloneOrder(o), nil
}

func (b *Broker) GetOptionChain(ctx context.Context, underlying string, expiry time.Time) ([]types.OptionInstrument, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := chainKey{underlying: strings.ToUpper(underlying), expiry: expiry.Format("2006-01-02")}
	if chain, ok := b.chains[key]; ok {
		return b.refreshQuotesLocked(chain), nil
	}
	spot, ok := b.cfg.Spots[key.underlying]
	if !ok || spot <= 0 {
		return nil, &types.ChainFetchFailure{Underlying: underlying, Expiry: key.expiry, Err: fmt.Errorf("no spot configured")}
	}
	chain := b.synthesize(underlying, spot, expiry)
	b.chains[key] = chain
	for _, inst := range chain {
		if _, seen := b.marks[inst.StreamerSymbol]; !seen {
			b.marks[inst.StreamerSymbol] = *inst.Quote
		}
	}
	return b.refreshQuotesLocked(chain), nil
}

func (b *Broker) GetQuotes(ctx context.Context, symbols []string) (map[string]types.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]types.Quote, len(symbols))
	for _, sym := range symbols {
		if q, ok := b.marks[sym]; ok {
			out[sym] = q
		}
	}
	return out, nil
}

// SubscribeQuotes 推送 SetMark 产生的报价；ctx 结束后通道关闭。慢消费者会丢更新。
func (b *Broker) SubscribeQuotes(ctx context.Context, symbols []string) (<-chan broker.QuoteUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{symbols: make(map[string]struct{}, len(symbols)), ch: make(chan broker.QuoteUpdate, 64)}
	for _, s := range symbols {
		sub.symbols[s] = struct{}{}
	}
	b.subSeq++
	id := b.subSeq
	b.subs[id] = sub
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(sub.ch)
		b.mu.Unlock()
	}()
	return sub.ch, nil
}

func (b *Broker) publishLocked(u broker.QuoteUpdate) {
	for _, sub := range b.subs {
		if _, ok := sub.symbols[u.Symbol]; !ok && len(sub.symbols) > 0 {
			continue
		}
		select {
		case sub.ch <- u:
		default:
		}
	}
}

func (b *Broker) refreshQuotesLocked(chain []types.OptionInstrument) []types.OptionInstrument {
	out := make([]types.OptionInstrument, len(chain))
	for i, inst := range chain {
		if q, ok := b.marks[inst.StreamerSymbol]; ok {
			q := q
			inst.Quote = &q
		}
		out[i] = inst
	}
	return out
}

func (b *Broker) matchLocked() {
	for _, o := range b.orders {
		if o.Status.Live() {
			b.tryFillLocked(o)
		}
	}
}

// tryFillLocked 按组合净价撮合：SELL 限价单在净收入 ≥ 限价时成交，BUY 在净支出 ≤ 限价时成交。
func (b *Broker) tryFillLocked(o *broker.Order) {
	net, ok := broker.NetMark(o.Side, o.Legs, b.marks)
	if !ok {
		return
	}
	var fill float64
	switch o.Type {
	case broker.OrderMarket:
		fill = net
	case broker.OrderLimit:
		if (o.Side == broker.SideSell && net >= o.Price) || (o.Side == broker.SideBuy && net <= o.Price) {
			fill = o.Price
		} else {
			return
		}
	case broker.OrderStop:
		if (o.Side == broker.SideBuy && net >= o.StopPrice) || (o.Side == broker.SideSell && net <= o.StopPrice) {
			fill = net
		} else {
			return
		}
	default:
		return
	}
	o.Status = broker.StatusFilled
	o.FilledPrice = fill
	o.FilledQuantity = quantityOf(o.Legs)
	o.UpdatedAt = b.now()
}

func validateRequest(req broker.OrderRequest) error {
	if len(req.Legs) == 0 {
		return fmt.Errorf("order has no legs")
	}
	for _, l := range req.Legs {
		if l.Symbol == "" || l.Quantity <= 0 {
			return fmt.Errorf("leg %q has invalid symbol or quantity", l.Symbol)
		}
	}
	switch req.Type {
	case broker.OrderLimit:
		if req.Price <= 0 {
			return fmt.Errorf("limit price must be positive")
		}
	case broker.OrderStop:
		if req.StopPrice <= 0 {
			return fmt.Errorf("stop price must be positive")
		}
	case broker.OrderMarket:
	default:
		return fmt.Errorf("unsupported order type %q", req.Type)
	}
	if req.Side != broker.SideBuy && req.Side != broker.SideSell {
		return fmt.Errorf("unsupported side %q", req.Side)
	}
	return nil
}

func quantityOf(legs []broker.Leg) int {
	if len(legs) == 0 {
		return 0
	}
	return legs[0].Quantity
}

func cloneOrder(o *broker.Order) broker.Order {
	out := *o
	out.Legs = append([]broker.Leg(nil), o.Legs...)
	return out
}

func (b *Broker) rootFor(underlying string) string {
	if root, ok := b.cfg.Roots[strings.ToUpper(underlying)]; ok && root != "" {
		return root
	}
	return strings.ToUpper(underlying)
}

// synthesize 以 Black-Scholes（r=0）生成报价与 delta。
func (b *Broker) synthesize(underlying string, spot float64, expiry time.Time) []types.OptionInstrument {
	step := b.cfg.StrikeStep
	atm := math.Round(spot/step) * step
	years := expiry.Sub(b.now()).Hours() / (24 * 365)
	if expiry.Hour() == 0 && expiry.Minute() == 0 {
		years += 16.0 / (24 * 365)
	}
	years = math.Max(years, 1.0/(24*365))
	root := b.rootFor(underlying)
	out := make([]types.OptionInstrument, 0, 4*b.cfg.StrikesEachSide+2)
	for _, right := range []types.Right{types.RightPut, types.RightCall} {
		for i := -b.cfg.StrikesEachSide; i <= b.cfg.StrikesEachSide; i++ {
			strike := atm + float64(i)*step
			if strike <= 0 {
				continue
			}
			price, delta := blackScholes(spot, strike, years, b.cfg.Volatility, right)
			mark := math.Max(0.05, math.Round(price*20)/20)
			out = append(out, types.OptionInstrument{
				Underlying:     strings.ToUpper(underlying),
				Strike:         strike,
				Right:          right,
				Expiration:     expiry,
				StreamerSymbol: selector.StreamerSymbol(root, expiry, strike, right),
				Greeks:         &types.Greeks{Delta: math.Round(delta*1e4) / 1e4},
				Quote: &types.Quote{
					Bid:  math.Max(0, mark-b.cfg.HalfSpread),
					Ask:  mark + b.cfg.HalfSpread,
					Mark: mark,
				},
			})
		}
	}
	return out
}

func blackScholes(spot, strike, years, vol float64, right types.Right) (price, delta float64) {
	sqrtT := math.Sqrt(years)
	d1 := (math.Log(spot/strike) + 0.5*vol*vol*years) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT
	if right == types.RightCall {
		return spot*normCDF(d1) - strike*normCDF(d2), normCDF(d1)
	}
	return strike*normCDF(-d2) - spot*normCDF(-d1), normCDF(d1) - 1
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
