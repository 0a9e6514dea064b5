package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

// TransitionEvent is immutable once recorded.
type TransitionEvent struct {
	TradeID  string         `json:"trade_id"`
	From     State          `json:"from_state"`
	To       State          `json:"to_state"`
	At       time.Time      `json:"timestamp"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Trade struct {
	ID            string            `json:"id"`
	State         State             `json:"state"`
	History       []TransitionEvent `json:"state_history"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	PositionID    string            `json:"position_id,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy: history and metadata maps are not shared.
func (t Trade) Clone() Trade {
	out := t
	if len(t.History) > 0 {
		out.History = make([]TransitionEvent, len(t.History))
		for i, ev := range t.History {
			ev.Metadata = cloneMeta(ev.Metadata)
			out.History[i] = ev
		}
	}
	out.Metadata = cloneMeta(t.Metadata)
	return out
}

func (t Trade) Terminal() bool { return IsTerminalState(t.State) }

// MetaString reads a string metadata value.
func (t Trade) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// TransitionError names the attempted target and the states that were allowed.
type TransitionError struct {
	TradeID string
	From    State
	To      State
	Valid   []State
}

func (e *TransitionError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("trade %s: cannot transition %s -> %s: %s is terminal", e.TradeID, e.From, e.To, e.From)
	}
	names := make([]string, len(e.Valid))
	for i, s := range e.Valid {
		names[i] = string(s)
	}
	return fmt.Sprintf("trade %s: cannot transition %s -> %s (valid: %s)", e.TradeID, e.From, e.To, strings.Join(names, ", "))
}

func cloneMeta(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
