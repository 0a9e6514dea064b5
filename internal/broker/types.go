// Package broker defines the contract between the trading core and an
// options broker, plus helpers that normalize loosely shaped broker payloads.
package broker

import (
	"strings"
	"time"

	"spreadguard/internal/types"
)

type LegAction string

const (
	BuyToOpen   LegAction = "BUY_TO_OPEN"
	SellToOpen  LegAction = "SELL_TO_OPEN"
	BuyToClose  LegAction = "BUY_TO_CLOSE"
	SellToClose LegAction = "SELL_TO_CLOSE"
)

// Reverse flips open/close and buy/sell: the action that unwinds this leg.
func (a LegAction) Reverse() LegAction {
	switch a {
	case BuyToOpen:
		return SellToClose
	case SellToOpen:
		return BuyToClose
	case BuyToClose:
		return SellToOpen
	case SellToClose:
		return BuyToOpen
	default:
		return a
	}
}

func (a LegAction) IsBuy() bool { return strings.HasPrefix(string(a), "BUY") }

type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
	OrderMarket OrderType = "MARKET"
)

// Side is the net side of a multi-leg order: SELL collects a credit, BUY pays a debit.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStatus string

const (
	StatusReceived  OrderStatus = "RECEIVED"
	StatusWorking   OrderStatus = "WORKING"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// Terminal reports whether the broker will not change the order any more.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Live reports whether the order may still fill.
func (s OrderStatus) Live() bool {
	return s == StatusReceived || s == StatusWorking
}

type Leg struct {
	Symbol     string                  `json:"symbol"`
	Action     LegAction               `json:"action"`
	Quantity   int                     `json:"quantity"`
	Instrument *types.OptionInstrument `json:"instrument,omitempty"`
}

// ReverseLegs builds the closing legs for an open position.
func ReverseLegs(legs []Leg) []Leg {
	out := make([]Leg, len(legs))
	for i, l := range legs {
		l.Action = l.Action.Reverse()
		out[i] = l
	}
	return out
}

// VerticalEntryLegs builds the opening legs of a credit vertical: sell the
// short leg, buy the long leg.
func VerticalEntryLegs(legs types.VerticalLegs, quantity int) []Leg {
	short, long := legs.Short, legs.Long
	return []Leg{
		{Symbol: short.StreamerSymbol, Action: SellToOpen, Quantity: quantity, Instrument: &short},
		{Symbol: long.StreamerSymbol, Action: BuyToOpen, Quantity: quantity, Instrument: &long},
	}
}

type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	AccountID     string    `json:"account_id,omitempty"`
	Underlying    string    `json:"underlying"`
	Type          OrderType `json:"order_type"`
	Side          Side      `json:"side"`
	// Price is the net limit price (LIMIT) and is ignored for MARKET.
	Price       float64 `json:"price,omitempty"`
	StopPrice   float64 `json:"stop_price,omitempty"`
	TimeInForce string  `json:"time_in_force,omitempty"`
	Legs        []Leg   `json:"legs"`
	Tag         string  `json:"tag,omitempty"`
}

// Quantity returns the spread quantity (the first leg's).
func (r OrderRequest) Quantity() int {
	if len(r.Legs) == 0 {
		return 0
	}
	return r.Legs[0].Quantity
}

type Order struct {
	ID             string      `json:"id"`
	ClientOrderID  string      `json:"client_order_id,omitempty"`
	Status         OrderStatus `json:"status"`
	Type           OrderType   `json:"order_type"`
	Side           Side        `json:"side"`
	Price          float64     `json:"price"`
	StopPrice      float64     `json:"stop_price,omitempty"`
	FilledPrice    float64     `json:"filled_price,omitempty"`
	FilledQuantity int         `json:"filled_quantity,omitempty"`
	Legs           []Leg       `json:"legs,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type QuoteUpdate struct {
	Symbol string      `json:"symbol"`
	Quote  types.Quote `json:"quote"`
	At     time.Time   `json:"at"`
}
