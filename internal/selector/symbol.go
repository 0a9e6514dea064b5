package selector

import (
	"strings"
	"time"

	"spreadguard/internal/types"
)

// StreamerSymbol formats a quote-stream identifier from its fields, e.g.
// ".SPXW261018P5890" or ".SPY261018C582.5".
func StreamerSymbol(root string, expiration time.Time, strike float64, right types.Right) string {
	var b strings.Builder
	b.WriteByte('.')
	b.WriteString(strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(root), ".")))
	b.WriteString(expiration.Format("060102"))
	b.WriteString(right.Letter())
	b.WriteString(types.FormatStrike(strike))
	return b.String()
}
