package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps records in process; used in paper mode without a database and in tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Query(_ context.Context, q Query) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Record lets Memory stand in as a synchronous Recorder.
func (m *Memory) Record(kind Kind, tradeID, signalID string, payload any) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return
	}
	_ = m.Append(context.Background(), Record{Kind: kind, TradeID: tradeID, SignalID: signalID, Payload: raw, CreatedAt: time.Now()})
}

// Kinds returns the recorded kinds in order.
func (m *Memory) Kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Kind, len(m.records))
	for i, r := range m.records {
		out[i] = r.Kind
	}
	return out
}
