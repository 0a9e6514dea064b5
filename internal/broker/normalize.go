package broker

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"spreadguard/internal/types"
)

// Broker payloads vary in naming (kebab, snake, camel) and nesting. The
// parsers below read the first present alias and fall back to safe zero
// values; they never fail on missing fields.

var statusAliases = map[string]OrderStatus{
	"RECEIVED":         StatusReceived,
	"PENDING":          StatusReceived,
	"ROUTED":           StatusReceived,
	"IN FLIGHT":        StatusReceived,
	"IN_FLIGHT":        StatusReceived,
	"CONTINGENT":       StatusReceived,
	"NEW":              StatusReceived,
	"LIVE":             StatusWorking,
	"OPEN":             StatusWorking,
	"WORKING":          StatusWorking,
	"PARTIALLY_FILLED": StatusWorking,
	"PARTIALLY FILLED": StatusWorking,
	"FILLED":           StatusFilled,
	"CANCELLED":        StatusCancelled,
	"CANCELED":         StatusCancelled,
	"CANCEL REQUESTED": StatusWorking,
	"REPLACED":         StatusCancelled,
	"REJECTED":         StatusRejected,
	"EXPIRED":          StatusExpired,
}

// ParseOrderStatus maps broker wording onto OrderStatus; unknown text is UNKNOWN.
func ParseOrderStatus(raw string) OrderStatus {
	key := strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(raw, "-", " ")))
	if st, ok := statusAliases[key]; ok {
		return st
	}
	if st, ok := statusAliases[strings.ReplaceAll(key, " ", "_")]; ok {
		return st
	}
	return StatusUnknown
}

// ParseOrder normalizes an order payload, optionally wrapped in data/order.
func ParseOrder(raw []byte) Order {
	root := unwrap(gjson.ParseBytes(raw), "data.order", "order", "data")
	o := Order{
		ID:             first(root, "id", "order_id", "order-id", "orderId").String(),
		ClientOrderID:  first(root, "client_order_id", "client-order-id", "clientOrderId").String(),
		Status:         ParseOrderStatus(first(root, "status", "state").String()),
		Type:           OrderType(strings.ToUpper(first(root, "order_type", "order-type", "type").String())),
		Side:           Side(strings.ToUpper(first(root, "side", "price_effect_side").String())),
		Price:          first(root, "price", "limit_price", "limit-price").Float(),
		StopPrice:      first(root, "stop_price", "stop-trigger", "stopPrice").Float(),
		FilledPrice:    first(root, "filled_price", "filled-price", "fill_price", "avg_fill_price", "average-fill-price").Float(),
		FilledQuantity: int(first(root, "filled_quantity", "filled-quantity", "filledQuantity").Int()),
		Reason:         first(root, "reason", "reject_reason", "reject-reason", "message").String(),
		UpdatedAt:      parseTime(first(root, "updated_at", "updated-at", "updatedAt").String()),
	}
	if o.Side == "" {
		if effect := strings.ToUpper(first(root, "price-effect", "price_effect").String()); effect == "CREDIT" {
			o.Side = SideSell
		} else if effect == "DEBIT" {
			o.Side = SideBuy
		}
	}
	first(root, "legs").ForEach(func(_, leg gjson.Result) bool {
		o.Legs = append(o.Legs, Leg{
			Symbol:   first(leg, "symbol", "streamer_symbol", "streamer-symbol").String(),
			Action:   LegAction(strings.ToUpper(strings.ReplaceAll(first(leg, "action").String(), " ", "_"))),
			Quantity: int(first(leg, "quantity").Int()),
		})
		return true
	})
	return o
}

// ParseChain normalizes an option chain; entries without strike or right are dropped.
func ParseChain(raw []byte, underlying string) []types.OptionInstrument {
	root := gjson.ParseBytes(raw)
	items := root
	for _, path := range []string{"data.items", "items", "data", "options", "chain"} {
		if r := root.Get(path); r.IsArray() {
			items = r
			break
		}
	}
	if !items.IsArray() {
		return nil
	}
	var out []types.OptionInstrument
	items.ForEach(func(_, it gjson.Result) bool {
		right, err := types.ParseRight(first(it, "right", "option_type", "option-type", "type", "put_call").String())
		strike := first(it, "strike", "strike_price", "strike-price").Float()
		if err != nil || strike <= 0 {
			return true
		}
		inst := types.OptionInstrument{
			Underlying:     underlying,
			Strike:         strike,
			Right:          right,
			Expiration:     parseTime(first(it, "expiration", "expiration_date", "expiration-date", "expiry").String()),
			StreamerSymbol: first(it, "streamer_symbol", "streamer-symbol", "symbol").String(),
		}
		if u := first(it, "underlying", "underlying_symbol", "underlying-symbol").String(); u != "" {
			inst.Underlying = u
		}
		if d := first(it, "greeks.delta", "delta"); d.Exists() && d.Type == gjson.Number {
			inst.Greeks = &types.Greeks{
				Delta: d.Float(),
				Gamma: first(it, "greeks.gamma", "gamma").Float(),
				Theta: first(it, "greeks.theta", "theta").Float(),
				Vega:  first(it, "greeks.vega", "vega").Float(),
			}
		}
		bid, ask, mark := first(it, "quote.bid", "bid"), first(it, "quote.ask", "ask"), first(it, "quote.mark", "mark")
		if bid.Exists() || ask.Exists() || mark.Exists() {
			inst.Quote = &types.Quote{Bid: bid.Float(), Ask: ask.Float(), Mark: mark.Float()}
		}
		out = append(out, inst)
		return true
	})
	return out
}

// ParseQuotes reads {"SYM": {bid, ask, mark}} or [{symbol, bid, ask, mark}].
func ParseQuotes(raw []byte) map[string]types.Quote {
	root := unwrap(gjson.ParseBytes(raw), "data.items", "data", "quotes", "items")
	out := make(map[string]types.Quote)
	add := func(sym string, q gjson.Result) {
		if sym == "" {
			return
		}
		out[sym] = types.Quote{
			Bid:  first(q, "bid", "bid-price").Float(),
			Ask:  first(q, "ask", "ask-price").Float(),
			Mark: first(q, "mark", "last", "mid").Float(),
		}
	}
	switch {
	case root.IsArray():
		root.ForEach(func(_, q gjson.Result) bool {
			add(first(q, "symbol", "streamer_symbol", "streamer-symbol").String(), q)
			return true
		})
	case root.IsObject():
		root.ForEach(func(k, q gjson.Result) bool {
			add(k.String(), q)
			return true
		})
	}
	return out
}

func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func unwrap(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.IsObject() || v.IsArray() {
			return v
		}
	}
	return r
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
