package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"spreadguard/internal/types"
)

// Broker is the order/quote service the core drives. Implementations return
// *types.OrderRejection for refused or failed order actions and
// *types.ChainFetchFailure when a chain is unavailable.
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	// ReplaceOrder moves a live order's price; the returned order may carry a new id.
	ReplaceOrder(ctx context.Context, orderID string, price float64) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetOptionChain(ctx context.Context, underlying string, expiry time.Time) ([]types.OptionInstrument, error)
	GetQuotes(ctx context.Context, symbols []string) (map[string]types.Quote, error)
}

// QuoteSubscriber streams live quote updates until ctx is done.
type QuoteSubscriber interface {
	SubscribeQuotes(ctx context.Context, symbols []string) (<-chan QuoteUpdate, error)
}

// NetMark prices a multi-leg order from per-leg marks, from the point of view
// of side: credit received for SELL, debit paid for BUY. ok is false when a
// leg has no quote.
func NetMark(side Side, legs []Leg, quotes map[string]types.Quote) (float64, bool) {
	net := decimal.Zero
	for _, l := range legs {
		q, found := quotes[l.Symbol]
		if !found {
			return 0, false
		}
		mid := decimal.NewFromFloat(q.Mid())
		if l.Action.IsBuy() {
			net = net.Sub(mid)
		} else {
			net = net.Add(mid)
		}
	}
	if side == SideBuy {
		net = net.Neg()
	}
	f, _ := net.Round(4).Float64()
	return f, true
}
