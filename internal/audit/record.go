// Package audit is the append-only event log for decisions, risk events,
// chase attempts, fills and state transitions. Writes never block or fail
// the trading path.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	KindDecision     Kind = "decision"
	KindRiskEvent    Kind = "risk_event"
	KindChaseAttempt Kind = "chase_attempt"
	KindOrder        Kind = "order"
	KindFill         Kind = "fill"
	KindBracket      Kind = "bracket"
	KindTransition   Kind = "transition"
)

type Record struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	TradeID   string          `json:"trade_id,omitempty"`
	SignalID  string          `json:"signal_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Sink persists records synchronously.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Query filters stored records; zero fields match everything.
type Query struct {
	Kind     Kind
	TradeID  string
	SignalID string
	Since    time.Time
	Limit    int
}

// Reader is implemented by sinks that can be queried.
type Reader interface {
	Query(ctx context.Context, q Query) ([]Record, error)
}

// Recorder is what trading components depend on.
type Recorder interface {
	Record(kind Kind, tradeID, signalID string, payload any)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(Kind, string, string, any) {}

func (Nop) Append(context.Context, Record) error { return nil }

// Matches reports whether rec satisfies q.
func (q Query) Matches(rec Record) bool {
	if q.Kind != "" && rec.Kind != q.Kind {
		return false
	}
	if q.TradeID != "" && rec.TradeID != q.TradeID {
		return false
	}
	if q.SignalID != "" && rec.SignalID != q.SignalID {
		return false
	}
	if !q.Since.IsZero() && rec.CreatedAt.Before(q.Since) {
		return false
	}
	return true
}
