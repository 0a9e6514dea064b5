package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadguard/internal/broker"
	"spreadguard/internal/types"
)

var expiry = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

func newTestBroker() *Broker {
	b := New(Config{Spots: map[string]float64{"SPX": 5950}, Roots: map[string]string{"SPX": "SPXW"}})
	b.SetClock(func() time.Time { return time.Date(2026, 10, 17, 14, 30, 0, 0, time.UTC) })
	return b
}

func creditLegs() []broker.Leg {
	return []broker.Leg{
		{Symbol: "S", Action: broker.SellToOpen, Quantity: 1},
		{Symbol: "L", Action: broker.BuyToOpen, Quantity: 1},
	}
}

func TestSyntheticChain(t *testing.T) {
	b := newTestBroker()
	chain, err := b.GetOptionChain(context.Background(), "spx", expiry)
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	var atmPut *types.OptionInstrument
	for i := range chain {
		inst := chain[i]
		assert.True(t, inst.HasDelta())
		assert.NotNil(t, inst.Quote)
		if inst.Right == types.RightPut {
			assert.LessOrEqual(t, inst.Greeks.Delta, 0.0)
			if inst.Strike == 5950 {
				atmPut = &chain[i]
			}
		} else {
			assert.GreaterOrEqual(t, inst.Greeks.Delta, 0.0)
		}
	}
	require.NotNil(t, atmPut)
	assert.InDelta(t, -0.5, atmPut.Greeks.Delta, 0.05)
	assert.Equal(t, ".SPXW261018P5950", atmPut.StreamerSymbol)

	quotes, err := b.GetQuotes(context.Background(), []string{atmPut.StreamerSymbol, "missing"})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)

	_, err = b.GetOptionChain(context.Background(), "QQQ", expiry)
	assert.ErrorIs(t, err, types.ErrChainFetch)
}

func TestSetChainOverride(t *testing.T) {
	b := newTestBroker()
	b.SetChain("SPX", expiry, []types.OptionInstrument{
		{Underlying: "SPX", Strike: 5900, Right: types.RightPut, Expiration: expiry, StreamerSymbol: "S", Quote: &types.Quote{Mark: 5}},
	})
	b.SetMark("S", types.Quote{Mark: 6})
	chain, err := b.GetOptionChain(context.Background(), "SPX", expiry)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, 6.0, chain[0].Quote.Mark)
}

func TestLimitFills(t *testing.T) {
	ctx := context.Background()

	t.Run("sell limit rests until credit reaches limit", func(t *testing.T) {
		b := newTestBroker()
		b.SetMark("S", types.Quote{Mark: 5.0})
		b.SetMark("L", types.Quote{Mark: 2.6})

		o, err := b.SubmitOrder(ctx, broker.OrderRequest{Type: broker.OrderLimit, Side: broker.SideSell, Price: 2.5, Legs: creditLegs()})
		require.NoError(t, err)
		assert.Equal(t, broker.StatusWorking, o.Status)

		o, err = b.ReplaceOrder(ctx, o.ID, 2.4)
		require.NoError(t, err)
		assert.Equal(t, broker.StatusFilled, o.Status)
		assert.Equal(t, 2.4, o.FilledPrice)
		assert.Equal(t, 1, o.FilledQuantity)
	})

	t.Run("mark move fills resting order", func(t *testing.T) {
		b := newTestBroker()
		b.SetMark("S", types.Quote{Mark: 5.0})
		b.SetMark("L", types.Quote{Mark: 2.6})
		o, err := b.SubmitOrder(ctx, broker.OrderRequest{Type: broker.OrderLimit, Side: broker.SideSell, Price: 2.5, Legs: creditLegs()})
		require.NoError(t, err)

		b.SetMark("S", types.Quote{Mark: 5.2})
		got, err := b.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, broker.StatusFilled, got.Status)
	})

	t.Run("buy stop triggers at or above stop", func(t *testing.T) {
		b := newTestBroker()
		b.SetMark("S", types.Quote{Mark: 3.0})
		b.SetMark("L", types.Quote{Mark: 1.0})
		closing := broker.ReverseLegs(creditLegs())
		o, err := b.SubmitOrder(ctx, broker.OrderRequest{Type: broker.OrderStop, Side: broker.SideBuy, StopPrice: 5, Legs: closing})
		require.NoError(t, err)
		assert.Equal(t, broker.StatusWorking, o.Status)

		b.SetMark("S", types.Quote{Mark: 6.5})
		got, _ := b.GetOrder(ctx, o.ID)
		assert.Equal(t, broker.StatusFilled, got.Status)
		assert.Equal(t, 5.5, got.FilledPrice)
	})
}

func TestCancelAndFailures(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker()
	b.SetMark("S", types.Quote{Mark: 1})
	b.SetMark("L", types.Quote{Mark: 0.5})
	req := broker.OrderRequest{Type: broker.OrderLimit, Side: broker.SideSell, Price: 2, Legs: creditLegs()}

	o, err := b.SubmitOrder(ctx, req)
	require.NoError(t, err)
	require.NoError(t, b.CancelOrder(ctx, o.ID))

	err = b.CancelOrder(ctx, o.ID)
	require.Error(t, err)
	assert.True(t, types.IsPermanentRejection(err))

	_, err = b.ReplaceOrder(ctx, o.ID, 1.9)
	assert.ErrorIs(t, err, types.ErrOrderRejected)

	b.FailNext("gateway timeout")
	_, err = b.SubmitOrder(ctx, req)
	assert.True(t, types.IsTransientRejection(err))

	b.RejectNext("insufficient buying power")
	_, err = b.SubmitOrder(ctx, req)
	assert.True(t, types.IsPermanentRejection(err))
	assert.Contains(t, err.Error(), "insufficient buying power")

	_, err = b.SubmitOrder(ctx, broker.OrderRequest{Type: broker.OrderLimit, Side: broker.SideSell, Price: 2})
	assert.True(t, types.IsPermanentRejection(err))

	assert.Len(t, b.Orders(), 1)

	live, err := b.SubmitOrder(ctx, req)
	require.NoError(t, err)
	b.FailCancelNext("gateway timeout")
	err = b.CancelOrder(ctx, live.ID)
	assert.True(t, types.IsTransientRejection(err))
	got, _ := b.GetOrder(ctx, live.ID)
	assert.Equal(t, broker.StatusWorking, got.Status)
	require.NoError(t, b.CancelOrder(ctx, live.ID))
}

func TestSubscribeQuotes(t *testing.T) {
	b := newTestBroker()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.SubscribeQuotes(ctx, []string{"S"})
	require.NoError(t, err)

	b.SetMark("L", types.Quote{Mark: 1})
	b.SetMark("S", types.Quote{Mark: 2})

	select {
	case u := <-ch:
		assert.Equal(t, "S", u.Symbol)
		assert.Equal(t, 2.0, u.Quote.Mark)
	case <-time.After(time.Second):
		t.Fatal("no quote update")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)
}
