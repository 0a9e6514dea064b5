// Package selector resolves option contracts from a chain snapshot.
package selector

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"spreadguard/internal/types"
)

// PickByDelta returns the contract of the requested right whose absolute
// delta is closest to |targetDelta|. Candidates without a delta are skipped.
// Ties keep the contract seen first in chain order. A nil result with a nil
// error means nothing matched.
func PickByDelta(chain []types.OptionInstrument, targetDelta float64, right types.Right) (*types.OptionInstrument, error) {
	if math.IsNaN(targetDelta) || math.IsInf(targetDelta, 0) {
		return nil, &types.InvalidInput{Field: "target_delta", Value: targetDelta, Reason: "must be a finite number"}
	}
	if !right.Valid() {
		return nil, &types.InvalidInput{Field: "right", Value: string(right), Reason: "must be CALL or PUT"}
	}
	// decimal keeps equal distances equal (|0.25-0.30| vs |0.35-0.30|).
	target := decimal.NewFromFloat(math.Abs(targetDelta))
	var (
		best     *types.OptionInstrument
		bestDist decimal.Decimal
	)
	for i := range chain {
		c := &chain[i]
		if c.Right != right || !c.HasDelta() {
			continue
		}
		dist := decimal.NewFromFloat(math.Abs(c.Greeks.Delta)).Sub(target).Abs()
		if best == nil || dist.LessThan(bestDist) {
			best = c
			bestDist = dist
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

// BuildVertical derives a synthetic long leg width points further out of the
// money: above the short strike for calls, below it for puts. The long leg
// carries no quote or greeks.
func BuildVertical(short types.OptionInstrument, width float64) (types.VerticalLegs, error) {
	if math.IsNaN(width) || math.IsInf(width, 0) || width <= 0 {
		return types.VerticalLegs{}, &types.InvalidInput{Field: "width", Value: width, Reason: "must be positive"}
	}
	if err := short.Validate(); err != nil {
		return types.VerticalLegs{}, err
	}
	strike := pairedStrike(short, width)
	if strike <= 0 {
		return types.VerticalLegs{}, &types.InvalidInput{Field: "width", Value: width, Reason: "paired strike would not be positive"}
	}
	long := types.OptionInstrument{
		Underlying: short.Underlying,
		Strike:     strike,
		Right:      short.Right,
		Expiration: short.Expiration,
	}
	long.StreamerSymbol = StreamerSymbol(streamerRoot(short), long.Expiration, long.Strike, long.Right)
	return types.VerticalLegs{Short: short, Long: long}, nil
}

// BuildVerticalFromChain finds the listed contract at the paired strike. It
// never interpolates; a nil result means the strike is not in the chain.
func BuildVerticalFromChain(short types.OptionInstrument, width float64, chain []types.OptionInstrument) (*types.VerticalLegs, error) {
	synthetic, err := BuildVertical(short, width)
	if err != nil {
		return nil, err
	}
	want := decimal.NewFromFloat(synthetic.Long.Strike)
	for _, c := range chain {
		if !c.SameSeries(short) {
			continue
		}
		if decimal.NewFromFloat(c.Strike).Equal(want) {
			return &types.VerticalLegs{Short: short, Long: c}, nil
		}
	}
	return nil, nil
}

func pairedStrike(short types.OptionInstrument, width float64) float64 {
	base := decimal.NewFromFloat(short.Strike)
	w := decimal.NewFromFloat(width)
	var out decimal.Decimal
	if short.Right == types.RightCall {
		out = base.Add(w)
	} else {
		out = base.Sub(w)
	}
	f, _ := out.Float64()
	return f
}

// streamerRoot keeps the short leg's root (".SPXW" vs ".SPX") when it has a
// streamer symbol; otherwise the underlying is used.
func streamerRoot(short types.OptionInstrument) string {
	sym := strings.TrimPrefix(strings.TrimSpace(short.StreamerSymbol), ".")
	if sym == "" {
		return strings.ToUpper(short.Underlying)
	}
	for i, r := range sym {
		if r >= '0' && r <= '9' {
			if i > 0 {
				return sym[:i]
			}
			break
		}
	}
	return strings.ToUpper(short.Underlying)
}
