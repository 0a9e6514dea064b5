package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadguard/internal/broker"
	"spreadguard/internal/config"
	"spreadguard/internal/pkg/circuit"
	"spreadguard/internal/types"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.BrokerConfig{APIURL: srv.URL + "/v1", APIToken: "secret", BreakerThreshold: 2, BreakerTimeoutSeconds: 60})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(config.BrokerConfig{})
	assert.Error(t, err)
}

func TestSubmitOrder(t *testing.T) {
	var got broker.OrderRequest
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"data":{"order":{"id":"B-1","status":"Routed"}}}`))
	})
	req := broker.OrderRequest{
		ClientOrderID: "c-1",
		Type:          broker.OrderLimit,
		Side:          broker.SideSell,
		Price:         2.5,
		Legs:          []broker.Leg{{Symbol: "S", Action: broker.SellToOpen, Quantity: 1}},
	}
	o, err := c.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "B-1", o.ID)
	assert.Equal(t, broker.StatusReceived, o.Status)
	assert.Equal(t, "c-1", o.ClientOrderID)
	assert.Equal(t, 2.5, o.Price)
	assert.Len(t, o.Legs, 1)
	assert.Equal(t, "c-1", got.ClientOrderID)
}

func TestErrorClassification(t *testing.T) {
	t.Run("4xx is permanent and does not trip", func(t *testing.T) {
		var calls int32
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "insufficient buying power", http.StatusUnprocessableEntity)
		})
		for i := 0; i < 3; i++ {
			_, err := c.SubmitOrder(context.Background(), broker.OrderRequest{})
			require.Error(t, err)
			assert.True(t, types.IsPermanentRejection(err))
			assert.Contains(t, err.Error(), "insufficient buying power")
		}
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
		assert.Equal(t, circuit.StateClosed, c.Breaker().State())
	})

	t.Run("5xx is transient and opens the breaker", func(t *testing.T) {
		var calls int32
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		})
		for i := 0; i < 3; i++ {
			err := c.CancelOrder(context.Background(), "B-1")
			require.Error(t, err)
			assert.True(t, types.IsTransientRejection(err))
		}
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		assert.Equal(t, circuit.StateOpen, c.Breaker().State())

		_, err := c.ReplaceOrder(context.Background(), "B-1", 2.4)
		assert.ErrorIs(t, err, circuit.ErrOpen)
	})

	t.Run("broker-side rejected status", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id":"B-9","status":"Rejected","reject-reason":"market closed"}`))
		})
		_, err := c.SubmitOrder(context.Background(), broker.OrderRequest{})
		assert.True(t, types.IsPermanentRejection(err))
		assert.Contains(t, err.Error(), "market closed")
	})
}

func TestReplaceAndGet(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			assert.Equal(t, "/v1/orders/B-1", r.URL.Path)
			var body map[string]float64
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 2.45, body["price"])
			_, _ = w.Write([]byte(`{"id":"B-2","status":"Live"}`))
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"status":"Filled","filled-price":"2.45"}`))
		}
	})
	o, err := c.ReplaceOrder(context.Background(), "B-1", 2.45)
	require.NoError(t, err)
	assert.Equal(t, "B-2", o.ID)
	assert.Equal(t, 2.45, o.Price)

	o, err = c.GetOrder(context.Background(), "B-2")
	require.NoError(t, err)
	assert.Equal(t, "B-2", o.ID)
	assert.Equal(t, broker.StatusFilled, o.Status)
}

func TestChainAndQuotes(t *testing.T) {
	expiry := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chains/SPX":
			assert.Equal(t, "2026-10-18", r.URL.Query().Get("expiration"))
			_, _ = w.Write([]byte(`{"items":[{"strike":5900,"right":"P","symbol":".SPXW261018P5900","delta":-0.3}]}`))
		case "/v1/quotes":
			assert.Equal(t, "A,B", r.URL.Query().Get("symbols"))
			_, _ = w.Write([]byte(`{"A":{"bid":1,"ask":1.2}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	chain, err := c.GetOptionChain(context.Background(), "spx", expiry)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, expiry, chain[0].Expiration)

	quotes, err := c.GetQuotes(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)

	_, err = c.GetOptionChain(context.Background(), "QQQ", expiry)
	assert.ErrorIs(t, err, types.ErrChainFetch)
}
