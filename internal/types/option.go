package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Right 期权方向（CALL/PUT），TradeSpec.Direction 复用同一类型。
type Right string

const (
	RightCall Right = "CALL"
	RightPut  Right = "PUT"
)

// ParseRight 接受 CALL/PUT 以及常见缩写 C/P。
func ParseRight(raw string) (Right, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CALL", "C", "CALLS":
		return RightCall, nil
	case "PUT", "P", "PUTS":
		return RightPut, nil
	default:
		return "", &InvalidInput{Field: "right", Value: raw, Reason: "must be CALL or PUT"}
	}
}

func (r Right) Valid() bool {
	return r == RightCall || r == RightPut
}

// Letter returns the single-letter OCC code.
func (r Right) Letter() string {
	if r == RightPut {
		return "P"
	}
	return "C"
}

// Greeks 为期权希腊值快照。
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma,omitempty"`
	Theta float64 `json:"theta,omitempty"`
	Vega  float64 `json:"vega,omitempty"`
}

// Quote 为单个合约/组合的盘口快照。
type Quote struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Mark float64 `json:"mark"`
}

// Mid returns the mark when set, otherwise the bid/ask midpoint.
func (q Quote) Mid() float64 {
	if q.Mark > 0 {
		return q.Mark
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return 0
}

// OptionInstrument 表示单腿的行情快照；每次使用都应重新拉取。
type OptionInstrument struct {
	Underlying     string    `json:"underlying"`
	Strike         float64   `json:"strike"`
	Right          Right     `json:"right"`
	Expiration     time.Time `json:"expiration"`
	StreamerSymbol string    `json:"streamer_symbol"`
	Greeks         *Greeks   `json:"greeks,omitempty"`
	Quote          *Quote    `json:"quote,omitempty"`
}

// HasDelta reports whether the contract carries a usable delta.
func (o OptionInstrument) HasDelta() bool {
	return o.Greeks != nil && !math.IsNaN(o.Greeks.Delta)
}

// SameSeries reports whether both contracts share underlying, right and expiration date.
func (o OptionInstrument) SameSeries(other OptionInstrument) bool {
	return strings.EqualFold(o.Underlying, other.Underlying) &&
		o.Right == other.Right &&
		SameDay(o.Expiration, other.Expiration)
}

// Validate rejects a leg that cannot be priced or paired.
func (o OptionInstrument) Validate() error {
	if strings.TrimSpace(o.Underlying) == "" {
		return &InvalidInput{Field: "underlying", Value: o.Underlying, Reason: "must not be empty"}
	}
	if math.IsNaN(o.Strike) || math.IsInf(o.Strike, 0) || o.Strike <= 0 {
		return &InvalidInput{Field: "strike", Value: o.Strike, Reason: "must be a positive number"}
	}
	if !o.Right.Valid() {
		return &InvalidInput{Field: "right", Value: string(o.Right), Reason: "must be CALL or PUT"}
	}
	if o.Expiration.IsZero() {
		return &InvalidInput{Field: "expiration", Value: o.Expiration, Reason: "must be set"}
	}
	return nil
}

func (o OptionInstrument) String() string {
	return fmt.Sprintf("%s %s %s %s", o.Underlying, o.Expiration.Format("2006-01-02"), FormatStrike(o.Strike), o.Right)
}

// VerticalLegs 垂直价差的两条腿，二者到期日与方向一致。
type VerticalLegs struct {
	Short OptionInstrument `json:"short_leg"`
	Long  OptionInstrument `json:"long_leg"`
}

// Width returns the absolute strike distance between the legs.
func (v VerticalLegs) Width() float64 {
	return math.Abs(v.Long.Strike - v.Short.Strike)
}

// SameDay compares calendar dates, ignoring the clock.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// FormatStrike prints 5900 as "5900" and 5892.5 as "5892.5".
func FormatStrike(strike float64) string {
	s := fmt.Sprintf("%.3f", strike)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
