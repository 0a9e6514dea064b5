package portfolio

import (
	"strings"
	"sync"
	"time"

	"spreadguard/internal/types"
)

// Book 缓存组合与账户快照。
// 外部协作方（API / 账户同步）整体替换快照；监控循环只改写按标的聚合的敞口。
type Book struct {
	mu        sync.RWMutex
	portfolio types.PortfolioSnapshot
	account   types.AccountSnapshot
	now       func() time.Time
}

func NewBook(account types.AccountSnapshot) *Book {
	b := &Book{account: account, now: time.Now}
	b.portfolio.UpdatedAt = b.now()
	if b.account.UpdatedAt.IsZero() {
		b.account.UpdatedAt = b.portfolio.UpdatedAt
	}
	return b
}

// SetClock is used by tests.
func (b *Book) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Snapshot returns a copy; callers may keep it.
func (b *Book) Snapshot() types.PortfolioSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clonePortfolio(b.portfolio)
}

func (b *Book) Account() types.AccountSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.account
}

// Replace swaps the whole portfolio view.
func (b *Book) Replace(snap types.PortfolioSnapshot) {
	snap = clonePortfolio(snap)
	snap.ShortDelta = upperKeys(snap.ShortDelta)
	snap.NetCredit = upperKeys(snap.NetCredit)
	b.mu.Lock()
	defer b.mu.Unlock()
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = b.now()
	}
	b.portfolio = snap
}

// SetAccount 更新账户价值/风险比例；零值字段保持原值。
func (b *Book) SetAccount(acct types.AccountSnapshot) types.AccountSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acct.AccountID != "" {
		b.account.AccountID = acct.AccountID
	}
	if acct.AccountValue > 0 {
		b.account.AccountValue = acct.AccountValue
	}
	if acct.MaxRiskPct > 0 {
		b.account.MaxRiskPct = acct.MaxRiskPct
	}
	if acct.Currency != "" {
		b.account.Currency = acct.Currency
	}
	b.account.UpdatedAt = b.now()
	return b.account
}

// ApplyExposure overwrites the per-underlying aggregates computed from open
// trades. Buying power and margin stay as the last Replace left them.
func (b *Book) ApplyExposure(exp Exposure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.portfolio.ShortDelta = upperKeys(exp.ShortDelta)
	b.portfolio.NetCredit = upperKeys(exp.NetCredit)
	b.portfolio.UpdatedAt = b.now()
}

// Exposure is the open-trade aggregate for each underlying.
type Exposure struct {
	ShortDelta map[string]float64
	NetCredit  map[string]float64
}

// Add accumulates one position. shortDelta is the per-share delta of the
// short leg; the stored figure is |delta| x 100 x quantity.
func (e *Exposure) Add(underlying string, shortDelta, credit float64, quantity int) {
	if quantity <= 0 {
		return
	}
	key := strings.ToUpper(strings.TrimSpace(underlying))
	if key == "" {
		return
	}
	if e.ShortDelta == nil {
		e.ShortDelta = make(map[string]float64)
	}
	if e.NetCredit == nil {
		e.NetCredit = make(map[string]float64)
	}
	if shortDelta < 0 {
		shortDelta = -shortDelta
	}
	e.ShortDelta[key] += shortDelta * 100 * float64(quantity)
	e.NetCredit[key] += credit * 100 * float64(quantity)
}

func clonePortfolio(p types.PortfolioSnapshot) types.PortfolioSnapshot {
	out := p
	out.ShortDelta = cloneMap(p.ShortDelta)
	out.NetCredit = cloneMap(p.NetCredit)
	return out
}

func cloneMap(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func upperKeys(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[strings.ToUpper(strings.TrimSpace(k))] += v
	}
	return out
}
