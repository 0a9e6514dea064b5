package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type persisterMock struct{ mock.Mock }

func (m *persisterMock) SaveTrade(ctx context.Context, trade Trade) error {
	return m.Called(ctx, trade).Error(0)
}

func (m *persisterMock) AppendTransition(ctx context.Context, ev TransitionEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *persisterMock) DeleteTrade(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, IsValidTransition(StatePending, StateSubmitted))
	assert.False(t, IsValidTransition(StatePending, StateFilled))
	assert.False(t, IsValidTransition(StateSubmitted, StateCancelled))
	assert.True(t, IsValidTransition(StateFilled, StateClosed))

	for _, s := range []State{StateClosed, StateCancelled, StateRejected, StateError} {
		assert.True(t, IsTerminalState(s), s)
		assert.Empty(t, ValidTargets(s), s)
	}
	for _, s := range []State{StatePending, StateSubmitted, StateWorking, StateFilled, StateOCOAttached} {
		assert.False(t, IsTerminalState(s), s)
	}

	s, ok := ParseState("oco_attached")
	assert.True(t, ok)
	assert.Equal(t, StateOCOAttached, s)
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("full happy path", func(t *testing.T) {
		reg := NewRegistry()
		trade, err := reg.CreateTrade(ctx, "t-1", map[string]any{"underlying": "SPX"})
		require.NoError(t, err)
		assert.Equal(t, StatePending, trade.State)

		for _, s := range []State{StateSubmitted, StateWorking, StateFilled, StateOCOAttached, StateClosed} {
			trade, err = reg.Transition(ctx, "t-1", s)
			require.NoError(t, err, s)
		}
		assert.Equal(t, StateClosed, trade.State)
		require.Len(t, trade.History, 5)
		for i := 1; i < len(trade.History); i++ {
			assert.True(t, trade.History[i].At.After(trade.History[i-1].At))
		}
		assert.Equal(t, StatePending, trade.History[0].From)
	})

	t.Run("pending to filled rejected", func(t *testing.T) {
		reg := NewRegistry()
		_, _ = reg.CreateTrade(ctx, "t-2", nil)
		_, err := reg.Transition(ctx, "t-2", StateFilled)
		var te *TransitionError
		require.True(t, errors.As(err, &te))
		assert.Contains(t, err.Error(), "FILLED")
		assert.Contains(t, err.Error(), "SUBMITTED, CANCELLED, ERROR")
		got, _ := reg.Get("t-2")
		assert.Equal(t, StatePending, got.State)
		assert.Empty(t, got.History)
	})

	t.Run("terminal rejects everything", func(t *testing.T) {
		reg := NewRegistry()
		_, _ = reg.CreateTrade(ctx, "t-3", nil)
		_, err := reg.Transition(ctx, "t-3", StateCancelled)
		require.NoError(t, err)
		for _, s := range []State{StatePending, StateSubmitted, StateClosed, StateError} {
			_, err := reg.Transition(ctx, "t-3", s)
			assert.Error(t, err, s)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		reg := NewRegistry()
		_, err := reg.CreateTrade(ctx, "dup", nil)
		require.NoError(t, err)
		_, err = reg.CreateTrade(ctx, "dup", nil)
		assert.ErrorIs(t, err, ErrTradeExists)
	})

	t.Run("generated id", func(t *testing.T) {
		reg := NewRegistry()
		trade, err := reg.CreateTrade(ctx, "", nil)
		require.NoError(t, err)
		assert.NotEmpty(t, trade.ID)
	})

	t.Run("error text and metadata recorded", func(t *testing.T) {
		reg := NewRegistry()
		_, _ = reg.CreateTrade(ctx, "t-4", nil)
		trade, err := reg.Transition(ctx, "t-4", StateError, WithError("broker down"), WithMetadata(map[string]any{"attempt": 1}))
		require.NoError(t, err)
		assert.Equal(t, "broker down", trade.History[0].Error)
		assert.Equal(t, 1, trade.Metadata["attempt"])
	})

	t.Run("stalled clock still increases", func(t *testing.T) {
		fixed := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
		reg := NewRegistry(WithClock(func() time.Time { return fixed }))
		_, _ = reg.CreateTrade(ctx, "t-5", nil)
		_, _ = reg.Transition(ctx, "t-5", StateSubmitted)
		trade, err := reg.Transition(ctx, "t-5", StateWorking)
		require.NoError(t, err)
		assert.True(t, trade.History[1].At.After(trade.History[0].At))
		assert.True(t, trade.History[0].At.After(trade.CreatedAt))
	})

	t.Run("remove is not a transition", func(t *testing.T) {
		reg := NewRegistry()
		var calls int32
		reg.Subscribe(func(TransitionEvent, Trade) { atomic.AddInt32(&calls, 1) })
		_, _ = reg.CreateTrade(ctx, "t-6", nil)
		require.NoError(t, reg.Remove(ctx, "t-6"))
		_, ok := reg.Get("t-6")
		assert.False(t, ok)
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
		_, err := reg.Transition(ctx, "t-6", StateSubmitted)
		assert.ErrorIs(t, err, ErrTradeNotFound)
	})

	t.Run("returned copies are detached", func(t *testing.T) {
		reg := NewRegistry()
		trade, _ := reg.CreateTrade(ctx, "t-7", map[string]any{"k": "v"})
		trade.Metadata["k"] = "changed"
		got, _ := reg.Get("t-7")
		assert.Equal(t, "v", got.Metadata["k"])
	})
}

func TestRegistryObservers(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	var seen []State
	unsubscribe := reg.Subscribe(func(ev TransitionEvent, trade Trade) {
		assert.Equal(t, ev.To, trade.State)
		seen = append(seen, ev.To)
	})
	reg.Subscribe(func(TransitionEvent, Trade) { panic("bad observer") })

	_, _ = reg.CreateTrade(ctx, "o-1", nil)
	_, _ = reg.Transition(ctx, "o-1", StateSubmitted)
	_, _ = reg.Transition(ctx, "o-1", StateWorking)
	assert.Equal(t, []State{StateSubmitted, StateWorking}, seen)

	unsubscribe()
	_, _ = reg.Transition(ctx, "o-1", StateFilled)
	assert.Len(t, seen, 2)
}

func TestRegistryPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("persist before notify", func(t *testing.T) {
		p := new(persisterMock)
		p.On("SaveTrade", ctx, mock.Anything).Return(nil)
		p.On("AppendTransition", ctx, mock.MatchedBy(func(ev TransitionEvent) bool { return ev.To == StateSubmitted })).Return(nil)
		reg := NewRegistry(WithPersister(p))

		var persistedFirst bool
		reg.Subscribe(func(TransitionEvent, Trade) {
			persistedFirst = len(p.Calls) >= 3
		})
		_, _ = reg.CreateTrade(ctx, "p-1", nil)
		_, err := reg.Transition(ctx, "p-1", StateSubmitted)
		require.NoError(t, err)
		assert.True(t, persistedFirst)
		p.AssertExpectations(t)
	})

	t.Run("failed persist leaves state untouched", func(t *testing.T) {
		p := new(persisterMock)
		p.On("SaveTrade", ctx, mock.Anything).Return(nil)
		p.On("AppendTransition", ctx, mock.Anything).Return(errors.New("disk full"))
		reg := NewRegistry(WithPersister(p))
		notified := false
		reg.Subscribe(func(TransitionEvent, Trade) { notified = true })

		_, _ = reg.CreateTrade(ctx, "p-2", nil)
		_, err := reg.Transition(ctx, "p-2", StateSubmitted)
		assert.Error(t, err)
		got, _ := reg.Get("p-2")
		assert.Equal(t, StatePending, got.State)
		assert.False(t, notified)
	})
}

func TestRegistryConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	_, _ = reg.CreateTrade(ctx, "c-1", nil)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Transition(ctx, "c-1", StateSubmitted); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	got, _ := reg.Get("c-1")
	assert.Len(t, got.History, 1)
}
