package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadguard/internal/types"
)

func TestBook(t *testing.T) {
	fixed := time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

	t.Run("replace normalizes keys and copies", func(t *testing.T) {
		b := NewBook(types.AccountSnapshot{AccountID: "acct", AccountValue: 50000, MaxRiskPct: 2})
		b.SetClock(func() time.Time { return fixed })
		src := map[string]float64{"spx": 40}
		b.Replace(types.PortfolioSnapshot{ShortDelta: src, BuyingPowerUsedPct: 30})
		src["spx"] = 99

		snap := b.Snapshot()
		assert.Equal(t, 40.0, snap.ShortDelta["SPX"])
		assert.Equal(t, 30.0, snap.BuyingPowerUsedPct)
		assert.Equal(t, fixed, snap.UpdatedAt)

		snap.ShortDelta["SPX"] = 1
		assert.Equal(t, 40.0, b.Snapshot().ShortDelta["SPX"])
	})

	t.Run("exposure keeps buying power", func(t *testing.T) {
		b := NewBook(types.AccountSnapshot{})
		b.Replace(types.PortfolioSnapshot{BuyingPowerUsedPct: 55})
		var exp Exposure
		exp.Add("spx", -0.30, 2.5, 2)
		exp.Add("SPX", -0.10, 1.0, 1)
		exp.Add("QQQ", 0.2, 0.5, 0)
		b.ApplyExposure(exp)

		snap := b.Snapshot()
		require.Len(t, snap.ShortDelta, 1)
		assert.InDelta(t, 70.0, snap.ShortDelta["SPX"], 1e-9)
		assert.InDelta(t, 600.0, snap.NetCredit["SPX"], 1e-9)
		assert.Equal(t, 55.0, snap.BuyingPowerUsedPct)
	})

	t.Run("set account keeps unset fields", func(t *testing.T) {
		b := NewBook(types.AccountSnapshot{AccountID: "acct", AccountValue: 50000, MaxRiskPct: 2, Currency: "USD"})
		acct := b.SetAccount(types.AccountSnapshot{AccountValue: 80000})
		assert.Equal(t, "acct", acct.AccountID)
		assert.Equal(t, 80000.0, acct.AccountValue)
		assert.Equal(t, 2.0, b.Account().MaxRiskPct)
	})
}
