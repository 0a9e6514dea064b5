package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadguard/internal/config"
	"spreadguard/internal/types"
)

var newYork = time.FixedZone("EDT", -4*3600)

func testParser() *Parser {
	p := NewParser(newYork)
	p.SetClock(func() time.Time { return time.Date(2026, 10, 18, 10, 20, 0, 0, newYork) })
	return p
}

func TestParseText(t *testing.T) {
	p := testParser()

	t.Run("full line", func(t *testing.T) {
		sig, err := p.Parse("SPX 5900/5890 PUT credit 2.50 exp 2026-10-18 qty 1")
		require.NoError(t, err)
		assert.Equal(t, "SPX", sig.Underlying)
		assert.Equal(t, []float64{5900, 5890}, sig.Strikes)
		assert.Equal(t, types.RightPut, sig.Direction)
		assert.Equal(t, 2.50, sig.Price)
		assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, newYork), sig.Expiry)
		assert.Equal(t, 1, sig.Quantity)
		assert.Equal(t, SourceAlertText, sig.Source)
		assert.NotEmpty(t, sig.ID)
	})

	t.Run("short forms", func(t *testing.T) {
		sig, err := p.Parse("$qqq 480 c @1.15 0dte x3 tp 40% sl 150 exit 15:30 delta 0.25")
		require.NoError(t, err)
		assert.Equal(t, "QQQ", sig.Underlying)
		assert.Equal(t, []float64{480}, sig.Strikes)
		assert.Equal(t, types.RightCall, sig.Direction)
		assert.Equal(t, 1.15, sig.Price)
		assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, newYork), sig.Expiry)
		assert.Equal(t, 3, sig.Quantity)
		assert.Equal(t, 40.0, sig.TakeProfitPct)
		assert.Equal(t, 150.0, sig.StopLossPct)
		assert.Equal(t, "15:30", sig.TimeExit)
		assert.Equal(t, 0.25, sig.TargetDelta)
	})

	t.Run("month/day rolls to next year once passed", func(t *testing.T) {
		sig, err := p.Parse("SPX 5900/5890 PUT exp 01/16")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2027, 1, 16, 0, 0, 0, 0, newYork), sig.Expiry)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := p.Parse("")
		assert.ErrorIs(t, err, types.ErrInvalidInput)
		_, err = p.Parse("SPX 5900/5890 credit 2.5")
		assert.ErrorIs(t, err, types.ErrInvalidInput, "no direction")
		_, err = p.Parse("SPX 5900/abc PUT")
		assert.ErrorIs(t, err, types.ErrInvalidInput)
		_, err = p.Parse("SPX PUT credit")
		assert.ErrorIs(t, err, types.ErrInvalidInput)
		_, err = p.Parse("SPX PUT exp someday")
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	})
}

func TestParseJSON(t *testing.T) {
	p := testParser()

	t.Run("canonical keys", func(t *testing.T) {
		sig, err := p.Parse(`{"symbol":"SPX","direction":"PUT","strikes":[5900,5890],"credit":2.5,"expiry":"2026-10-18"}`)
		require.NoError(t, err)
		assert.Equal(t, "SPX", sig.Underlying)
		assert.Equal(t, []float64{5900, 5890}, sig.Strikes)
		assert.Equal(t, 2.5, sig.Price)
		assert.Equal(t, SourceAlertJSON, sig.Source)
	})

	t.Run("aliases and wrapper", func(t *testing.T) {
		sig, err := p.Parse(`{"alert":{"alert_id":"a-9","ticker":"spx","right":"p","short_strike":5900,"long_strike":5890,
			"net_credit":"2.45","contracts":2,"dte":1,"tp":50,"sl":100}}`)
		require.NoError(t, err)
		assert.Equal(t, "a-9", sig.ID)
		assert.Equal(t, "SPX", sig.Underlying)
		assert.Equal(t, types.RightPut, sig.Direction)
		assert.Equal(t, []float64{5900, 5890}, sig.Strikes)
		assert.Equal(t, 2.45, sig.Price)
		assert.Equal(t, 2, sig.Quantity)
		assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, newYork), sig.Expiry)
	})

	t.Run("strike string", func(t *testing.T) {
		sig, err := p.Parse(`{"symbol":"SPX","direction":"CALL","strikes":"6000/6010"}`)
		require.NoError(t, err)
		assert.Equal(t, []float64{6000, 6010}, sig.Strikes)
	})

	t.Run("bad json and bad direction", func(t *testing.T) {
		_, err := p.Parse(`{"symbol":`)
		assert.ErrorIs(t, err, types.ErrInvalidInput)
		_, err = p.Parse(`{"symbol":"SPX","direction":"straddle"}`)
		assert.ErrorIs(t, err, types.ErrInvalidInput)
	})
}

func TestFromPreset(t *testing.T) {
	p := testParser()
	preset := config.Preset{Name: "spx-put", Underlying: "spx", Strategy: "vertical", Direction: "PUT",
		TargetDelta: 0.2, Quantity: 2, TakeProfitPct: 50, StopLossPct: 100, TimeExit: "15:30", DTE: 1}

	t.Run("preset values", func(t *testing.T) {
		sig := p.FromPreset(preset, Overrides{})
		assert.Equal(t, "preset:spx-put", sig.Source)
		assert.Equal(t, "SPX", sig.Underlying)
		assert.Equal(t, types.RightPut, sig.Direction)
		assert.Equal(t, 0.2, sig.TargetDelta)
		assert.Equal(t, 2, sig.Quantity)
		assert.Equal(t, "15:30", sig.TimeExit)
		assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, newYork), sig.Expiry)
		assert.Empty(t, sig.Strikes)
	})

	t.Run("overrides win", func(t *testing.T) {
		sig := p.FromPreset(preset, Overrides{Quantity: 5, Strikes: []float64{5900, 5890}, Price: 2.5})
		assert.Equal(t, 5, sig.Quantity)
		assert.Equal(t, []float64{5900, 5890}, sig.Strikes)
		assert.Equal(t, 2.5, sig.Price)
	})

	t.Run("bad direction passes through", func(t *testing.T) {
		bad := preset
		bad.Direction = "strangle"
		sig := p.FromPreset(bad, Overrides{})
		assert.Equal(t, types.Right("STRANGLE"), sig.Direction)
		assert.False(t, sig.Direction.Valid())
	})
}
