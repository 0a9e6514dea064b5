package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"spreadguard/internal/logger"
)

var (
	ErrTradeExists   = errors.New("trade already exists")
	ErrTradeNotFound = errors.New("trade not found")
)

// Observer is notified synchronously, in transition order, after the new
// state has been persisted. Observers run under the trade's lock and must
// not call back into the Registry for the same trade.
type Observer func(ev TransitionEvent, trade Trade)

// Persister makes trade state durable. A failing persister aborts the
// mutation and the in-memory trade is left untouched.
type Persister interface {
	SaveTrade(ctx context.Context, trade Trade) error
	AppendTransition(ctx context.Context, ev TransitionEvent) error
	DeleteTrade(ctx context.Context, id string) error
}

type TransitionOption func(*TransitionEvent)

// WithError attaches error text to the recorded event.
func WithError(msg string) TransitionOption {
	return func(ev *TransitionEvent) { ev.Error = msg }
}

// WithMetadata attaches metadata to the event; it is also merged into the trade.
func WithMetadata(meta map[string]any) TransitionOption {
	return func(ev *TransitionEvent) {
		if len(meta) == 0 {
			return
		}
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			ev.Metadata[k] = v
		}
	}
}

type entry struct {
	mu      sync.Mutex
	trade   Trade
	removed bool
}

// Registry is an arena of trades addressed by id. The map is guarded by an
// RWMutex and each trade by its own mutex, so transitions on different
// trades never contend.
type Registry struct {
	mu     sync.RWMutex
	trades map[string]*entry

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	persister Persister
	now       func() time.Time
}

type Option func(*Registry)

func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		trades:    make(map[string]*entry),
		observers: make(map[int]Observer),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers an observer and returns a func that removes it.
func (r *Registry) Subscribe(obs Observer) func() {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = obs
	r.obsMu.Unlock()
	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

// CreateTrade registers a new PENDING trade. An empty id gets a UUID.
func (r *Registry) CreateTrade(ctx context.Context, id string, metadata map[string]any) (Trade, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()
	e := &entry{trade: Trade{
		ID:        id,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  cloneMeta(metadata),
	}}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, ok := r.trades[id]; ok {
		r.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s", ErrTradeExists, id)
	}
	r.trades[id] = e
	r.mu.Unlock()

	if r.persister != nil {
		if err := r.persister.SaveTrade(ctx, e.trade); err != nil {
			r.mu.Lock()
			delete(r.trades, id)
			r.mu.Unlock()
			e.removed = true
			return Trade{}, fmt.Errorf("persist trade %s: %w", id, err)
		}
	}
	return e.trade.Clone(), nil
}

// Restore loads a previously persisted trade without recording a transition.
func (r *Registry) Restore(trade Trade) error {
	if trade.ID == "" {
		return fmt.Errorf("restore: empty trade id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trades[trade.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTradeExists, trade.ID)
	}
	r.trades[trade.ID] = &entry{trade: trade.Clone()}
	return nil
}

// Transition moves a trade to state to. The check, the append to history and
// the persist happen atomically under the trade's lock; observers run last.
func (r *Registry) Transition(ctx context.Context, id string, to State, opts ...TransitionOption) (Trade, error) {
	e, err := r.lockEntry(id)
	if err != nil {
		return Trade{}, err
	}
	defer e.mu.Unlock()

	from := e.trade.State
	if !IsValidTransition(from, to) {
		return e.trade.Clone(), &TransitionError{TradeID: id, From: from, To: to, Valid: ValidTargets(from)}
	}

	ev := TransitionEvent{TradeID: id, From: from, To: to, At: r.nextTimestamp(e.trade)}
	for _, opt := range opts {
		opt(&ev)
	}

	next := e.trade.Clone()
	next.State = to
	next.UpdatedAt = ev.At
	next.History = append(next.History, ev)
	if len(ev.Metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]any, len(ev.Metadata))
		}
		for k, v := range ev.Metadata {
			next.Metadata[k] = v
		}
	}

	if r.persister != nil {
		if err := r.persister.AppendTransition(ctx, ev); err != nil {
			return e.trade.Clone(), fmt.Errorf("persist transition %s %s->%s: %w", id, from, to, err)
		}
		if err := r.persister.SaveTrade(ctx, next); err != nil {
			logger.Warnf("lifecycle: trade %s snapshot save failed after transition: %v", id, err)
		}
	}
	e.trade = next

	snapshot := next.Clone()
	r.notify(ev, snapshot)
	return snapshot, nil
}

// Get returns a copy of the trade.
func (r *Registry) Get(id string) (Trade, bool) {
	e, err := r.lockEntry(id)
	if err != nil {
		return Trade{}, false
	}
	defer e.mu.Unlock()
	return e.trade.Clone(), true
}

// List returns copies of every trade, oldest first.
func (r *Registry) List() []Trade {
	return r.filter(func(Trade) bool { return true })
}

// ListByState returns trades currently in any of the given states.
func (r *Registry) ListByState(states ...State) []Trade {
	want := make(map[State]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}
	return r.filter(func(t Trade) bool {
		_, ok := want[t.State]
		return ok
	})
}

// Remove deletes a trade from the registry. It is not a transition and no
// observer is notified.
func (r *Registry) Remove(ctx context.Context, id string) error {
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if r.persister != nil {
		if err := r.persister.DeleteTrade(ctx, id); err != nil {
			return fmt.Errorf("delete trade %s: %w", id, err)
		}
	}
	e.removed = true
	r.mu.Lock()
	delete(r.trades, id)
	r.mu.Unlock()
	return nil
}

// SetBrokerOrderID records the entry order id.
func (r *Registry) SetBrokerOrderID(ctx context.Context, id, orderID string) (Trade, error) {
	return r.update(ctx, id, func(t *Trade) { t.BrokerOrderID = orderID })
}

// SetPositionID records the resulting broker position.
func (r *Registry) SetPositionID(ctx context.Context, id, positionID string) (Trade, error) {
	return r.update(ctx, id, func(t *Trade) { t.PositionID = positionID })
}

// MergeMetadata adds keys without recording a transition.
func (r *Registry) MergeMetadata(ctx context.Context, id string, meta map[string]any) (Trade, error) {
	return r.update(ctx, id, func(t *Trade) {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			t.Metadata[k] = v
		}
	})
}

func (r *Registry) update(ctx context.Context, id string, fn func(*Trade)) (Trade, error) {
	e, err := r.lockEntry(id)
	if err != nil {
		return Trade{}, err
	}
	defer e.mu.Unlock()

	next := e.trade.Clone()
	fn(&next)
	next.UpdatedAt = r.nextTimestamp(e.trade)
	if r.persister != nil {
		if err := r.persister.SaveTrade(ctx, next); err != nil {
			return e.trade.Clone(), fmt.Errorf("persist trade %s: %w", id, err)
		}
	}
	e.trade = next
	return next.Clone(), nil
}

// lockEntry returns the entry with its mutex held.
func (r *Registry) lockEntry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.trades[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	return e, nil
}

func (r *Registry) filter(keep func(Trade) bool) []Trade {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.trades))
	for _, e := range r.trades {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Trade, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && keep(e.trade) {
			out = append(out, e.trade.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// nextTimestamp keeps history strictly increasing even when the clock stalls.
func (r *Registry) nextTimestamp(t Trade) time.Time {
	now := r.now()
	last := t.UpdatedAt
	if n := len(t.History); n > 0 && t.History[n-1].At.After(last) {
		last = t.History[n-1].At
	}
	if !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	return now
}

func (r *Registry) notify(ev TransitionEvent, trade Trade) {
	r.obsMu.RLock()
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	obs := make([]Observer, 0, len(ids))
	for _, id := range ids {
		obs = append(obs, r.observers[id])
	}
	r.obsMu.RUnlock()

	for _, fn := range obs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("lifecycle: observer panic on %s %s->%s: %v", ev.TradeID, ev.From, ev.To, rec)
				}
			}()
			fn(ev, trade)
		}()
	}
}
