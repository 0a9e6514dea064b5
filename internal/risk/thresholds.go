// Package risk 提供无状态的风控阈值校验，违规时返回带阈值与实际值的类型化错误。
package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"spreadguard/internal/types"
)

// Rule names carried by RiskRuleViolation.
const (
	RuleAccountRisk   = "account_risk"
	RuleChaseAttempts = "chase_attempts"
	RuleCreditFloor   = "credit_floor"
)

const (
	wideIndexSlippage = 0.15
	narrowSlippage    = 0.03
	// ContractMultiplier 标准期权合约乘数。
	ContractMultiplier = 100
)

// 宽价位指数期权允许更大的滑点。
var wideIndexUnderlyings = map[string]struct{}{
	"SPX":  {},
	"SPXW": {},
	"NDX":  {},
	"NDXP": {},
	"RUT":  {},
	"RUTW": {},
}

// SlippageAllowance returns the credit slippage tolerated for an underlying.
func SlippageAllowance(underlying string) float64 {
	if _, ok := wideIndexUnderlyings[strings.ToUpper(strings.TrimSpace(underlying))]; ok {
		return wideIndexSlippage
	}
	return narrowSlippage
}

// ValidateAccountRisk fails when maxLoss/accountValue*100 exceeds maxRiskPct.
// Sitting exactly on the threshold passes.
func ValidateAccountRisk(accountValue, maxLoss, maxRiskPct float64) error {
	if !finite(accountValue, maxLoss, maxRiskPct) {
		return &types.InvalidInput{Field: "account_risk", Value: []float64{accountValue, maxLoss, maxRiskPct}, Reason: "must be finite"}
	}
	if accountValue <= 0 {
		return &types.InvalidInput{Field: "account_value", Value: accountValue, Reason: "must be positive"}
	}
	if maxLoss < 0 {
		return &types.InvalidInput{Field: "max_loss", Value: maxLoss, Reason: "must not be negative"}
	}
	riskPct := dec(maxLoss).Div(dec(accountValue)).Mul(hundred)
	if riskPct.GreaterThan(dec(maxRiskPct)) {
		actual := decToFloat(riskPct.Round(4))
		return &types.RiskRuleViolation{
			Rule:      RuleAccountRisk,
			Actual:    actual,
			Threshold: maxRiskPct,
			Detail:    fmt.Sprintf("risk %.2f%% of account exceeds max %.2f%%", actual, maxRiskPct),
		}
	}
	return nil
}

// ValidateChaseAttempts fails once attempts has reached maxAttempts; the
// ceiling counts completed attempts.
func ValidateChaseAttempts(attempts, maxAttempts int) error {
	if attempts < 0 {
		return &types.InvalidInput{Field: "attempts", Value: attempts, Reason: "must not be negative"}
	}
	if attempts >= maxAttempts {
		return &types.RiskRuleViolation{
			Rule:      RuleChaseAttempts,
			Actual:    float64(attempts),
			Threshold: float64(maxAttempts),
			Detail:    fmt.Sprintf("chase attempts %d reached max %d", attempts, maxAttempts),
		}
	}
	return nil
}

// ValidateCreditFloor fails when credit < alertCredit - SlippageAllowance(underlying).
func ValidateCreditFloor(credit float64, underlying string, alertCredit float64) error {
	if !finite(credit, alertCredit) {
		return &types.InvalidInput{Field: "credit", Value: credit, Reason: "must be finite"}
	}
	allowance := SlippageAllowance(underlying)
	floor := dec(alertCredit).Sub(dec(allowance))
	if dec(credit).LessThan(floor) {
		slip := dec(alertCredit).Sub(dec(credit))
		return &types.RiskRuleViolation{
			Rule:      RuleCreditFloor,
			Actual:    credit,
			Threshold: decToFloat(floor),
			Detail: fmt.Sprintf("credit %.2f is %s below alert %.2f, allowance %.2f for %s",
				credit, slip.StringFixed(2), alertCredit, allowance, strings.ToUpper(underlying)),
		}
	}
	return nil
}

// CalculateMaxContracts returns floor(accountValue*maxRiskPct/100 / maxLossPerContract).
func CalculateMaxContracts(accountValue, maxLossPerContract, maxRiskPct float64) (int, error) {
	if !finite(accountValue, maxLossPerContract, maxRiskPct) {
		return 0, &types.InvalidInput{Field: "sizing", Value: []float64{accountValue, maxLossPerContract, maxRiskPct}, Reason: "must be finite"}
	}
	if maxLossPerContract <= 0 {
		return 0, &types.InvalidInput{Field: "max_loss_per_contract", Value: maxLossPerContract, Reason: "must be positive"}
	}
	if accountValue <= 0 || maxRiskPct <= 0 {
		return 0, nil
	}
	budget := dec(accountValue).Mul(dec(maxRiskPct)).Div(hundred)
	return int(budget.Div(dec(maxLossPerContract)).Floor().IntPart()), nil
}

// VerticalMaxLoss is the worst-case loss of a credit vertical:
// (width - credit) * 100 * quantity, never negative.
func VerticalMaxLoss(width, credit float64, quantity int) float64 {
	if quantity <= 0 || !finite(width, credit) {
		return 0
	}
	perContract := dec(width).Sub(dec(credit))
	if perContract.IsNegative() {
		return 0
	}
	return decToFloat(perContract.Mul(decimal.NewFromInt(ContractMultiplier)).Mul(decimal.NewFromInt(int64(quantity))))
}
