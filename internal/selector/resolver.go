package selector

import (
	"context"
	"math"
	"time"

	"spreadguard/internal/logger"
	"spreadguard/internal/types"
)

// ChainSource fetches an option chain snapshot for one expiration.
type ChainSource interface {
	GetOptionChain(ctx context.Context, underlying string, expiry time.Time) ([]types.OptionInstrument, error)
}

// Resolver turns a delta target into a concrete vertical using live chain data.
type Resolver struct {
	chains ChainSource
	width  float64
}

func NewResolver(chains ChainSource, width float64) *Resolver {
	if width <= 0 {
		width = 10
	}
	return &Resolver{chains: chains, width: width}
}

// Chain fetches a chain, wrapping failures as ChainFetchFailure.
func (r *Resolver) Chain(ctx context.Context, underlying string, expiry time.Time) ([]types.OptionInstrument, error) {
	chain, err := r.chains.GetOptionChain(ctx, underlying, expiry)
	if err != nil {
		return nil, &types.ChainFetchFailure{Underlying: underlying, Expiry: expiry.Format("2006-01-02"), Err: err}
	}
	if len(chain) == 0 {
		return nil, &types.ChainFetchFailure{Underlying: underlying, Expiry: expiry.Format("2006-01-02")}
	}
	return chain, nil
}

// ResolveByDelta picks the short leg nearest targetDelta and pairs it with
// the listed long leg width points out.
func (r *Resolver) ResolveByDelta(ctx context.Context, underlying string, expiry time.Time, right types.Right, targetDelta float64) (types.VerticalLegs, error) {
	chain, err := r.Chain(ctx, underlying, expiry)
	if err != nil {
		return types.VerticalLegs{}, err
	}
	short, err := PickByDelta(chain, targetDelta, right)
	if err != nil {
		return types.VerticalLegs{}, err
	}
	if short == nil {
		return types.VerticalLegs{}, &types.StrikeNotFound{Underlying: underlying, Right: right, TargetDelta: targetDelta}
	}
	return r.pair(*short, chain)
}

// ResolveByStrike uses an explicit short strike, as sent by alerts.
func (r *Resolver) ResolveByStrike(ctx context.Context, underlying string, expiry time.Time, right types.Right, strike float64) (types.VerticalLegs, error) {
	chain, err := r.Chain(ctx, underlying, expiry)
	if err != nil {
		return types.VerticalLegs{}, err
	}
	if c := findStrike(chain, right, strike); c != nil {
		return r.pair(*c, chain)
	}
	return types.VerticalLegs{}, &types.StrikeNotFound{Underlying: underlying, Right: right, Strike: strike}
}

// ResolveByStrikes pairs an explicit short strike with an explicit long
// strike; the width comes from the strikes instead of the resolver default.
func (r *Resolver) ResolveByStrikes(ctx context.Context, underlying string, expiry time.Time, right types.Right, shortStrike, longStrike float64) (types.VerticalLegs, error) {
	chain, err := r.Chain(ctx, underlying, expiry)
	if err != nil {
		return types.VerticalLegs{}, err
	}
	short := findStrike(chain, right, shortStrike)
	if short == nil {
		return types.VerticalLegs{}, &types.StrikeNotFound{Underlying: underlying, Right: right, Strike: shortStrike}
	}
	width := math.Abs(longStrike - shortStrike)
	legs, err := BuildVerticalFromChain(*short, width, chain)
	if err != nil {
		return types.VerticalLegs{}, err
	}
	if legs == nil || math.Abs(legs.Long.Strike-longStrike) > strikeEpsilon {
		return types.VerticalLegs{}, &types.StrikeNotFound{Underlying: underlying, Right: right, Strike: longStrike}
	}
	return *legs, nil
}

const strikeEpsilon = 1e-6

func findStrike(chain []types.OptionInstrument, right types.Right, strike float64) *types.OptionInstrument {
	for i := range chain {
		if chain[i].Right == right && math.Abs(chain[i].Strike-strike) < strikeEpsilon {
			return &chain[i]
		}
	}
	return nil
}

func (r *Resolver) pair(short types.OptionInstrument, chain []types.OptionInstrument) (types.VerticalLegs, error) {
	legs, err := BuildVerticalFromChain(short, r.width, chain)
	if err != nil {
		return types.VerticalLegs{}, err
	}
	if legs == nil {
		synthetic, _ := BuildVertical(short, r.width)
		logger.Warnf("selector: long leg %s not listed", synthetic.Long)
		return types.VerticalLegs{}, &types.StrikeNotFound{Underlying: short.Underlying, Right: short.Right, Strike: synthetic.Long.Strike}
	}
	return *legs, nil
}
