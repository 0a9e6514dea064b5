package rules

import (
	"fmt"
	"math"

	"spreadguard/internal/pkg/maputil"
	"spreadguard/internal/risk"
)

const (
	defaultMaxDelta       = 65.0
	defaultMaxMarginUsage = 80.0
)

// Predicate is a named custom condition. It returns whether the rule fires
// and a human-readable reason.
type Predicate func(ec Context, params map[string]any) (bool, string)

// outcome of one condition check; skip means the rule could not be applied.
type outcome struct {
	hit    bool
	reason string
	skip   string
}

func evalDeltaBreach(ec Context, params map[string]any) outcome {
	limit := maputil.FloatOr(params, "max_delta", defaultMaxDelta)
	actual := math.Abs(ec.Portfolio.ShortDelta)
	if actual > limit {
		return outcome{hit: true, reason: fmt.Sprintf("short delta %.2f exceeds max %.2f", actual, limit)}
	}
	return outcome{}
}

func evalTimeExit(ec Context, params map[string]any) outcome {
	cutoff := maputil.String(params, "exit_time")
	if cutoff == "" {
		return outcome{skip: "exit_time not set"}
	}
	hit, err := risk.ShouldExitByTime(ec.At, cutoff)
	if err != nil {
		return outcome{skip: err.Error()}
	}
	if hit {
		return outcome{hit: true, reason: fmt.Sprintf("time %s is at or after exit time %s", ec.At.Format("15:04:05"), cutoff)}
	}
	return outcome{}
}

func evalPortfolioLimit(ec Context, params map[string]any) outcome {
	limit := maputil.FloatOr(params, "max_margin_usage", defaultMaxMarginUsage)
	if ec.Portfolio.MarginUsage > limit {
		return outcome{hit: true, reason: fmt.Sprintf("margin usage %.2f%% exceeds max %.2f%%", ec.Portfolio.MarginUsage, limit)}
	}
	return outcome{}
}
