package types

import (
	"errors"
	"fmt"
)

// Sentinel categories; concrete errors below match them via errors.Is.
var (
	ErrRiskRule       = errors.New("risk rule violation")
	ErrTimeWindow     = errors.New("outside trading window")
	ErrOrderRejected  = errors.New("order rejected")
	ErrChainFetch     = errors.New("option chain fetch failed")
	ErrStrikeNotFound = errors.New("strike not found")
	ErrInvalidInput   = errors.New("invalid input")
)

// RiskRuleViolation 风险阈值被违反。
type RiskRuleViolation struct {
	Rule      string
	Actual    float64
	Threshold float64
	Detail    string
}

func (e *RiskRuleViolation) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("risk rule %s violated: %s", e.Rule, e.Detail)
	}
	return fmt.Sprintf("risk rule %s violated: actual %.4f exceeds threshold %.4f", e.Rule, e.Actual, e.Threshold)
}

func (e *RiskRuleViolation) Is(target error) bool { return target == ErrRiskRule }

// TimeWindowViolation 当前时间不在任何允许的交易窗口内。
type TimeWindowViolation struct {
	Current string
	Windows []string
}

func (e *TimeWindowViolation) Error() string {
	return fmt.Sprintf("time %s is outside trading windows %v", e.Current, e.Windows)
}

func (e *TimeWindowViolation) Is(target error) bool { return target == ErrTimeWindow }

// OrderRejection 券商拒单或下单调用失败。Transient 表示可重试。
type OrderRejection struct {
	OrderID   string
	Action    string
	Reason    string
	Transient bool
	Err       error
}

func (e *OrderRejection) Error() string {
	msg := fmt.Sprintf("order %s rejected", e.Action)
	if e.OrderID != "" {
		msg = fmt.Sprintf("order %s (%s) rejected", e.Action, e.OrderID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrderRejection) Unwrap() error { return e.Err }

func (e *OrderRejection) Is(target error) bool { return target == ErrOrderRejected }

// IsTransientRejection reports whether err is an OrderRejection worth retrying.
func IsTransientRejection(err error) bool {
	var rej *OrderRejection
	if errors.As(err, &rej) {
		return rej.Transient
	}
	return false
}

// IsPermanentRejection reports whether the broker refused the order outright.
func IsPermanentRejection(err error) bool {
	var rej *OrderRejection
	if errors.As(err, &rej) {
		return !rej.Transient
	}
	return false
}

// ChainFetchFailure 期权链拉取失败。
type ChainFetchFailure struct {
	Underlying string
	Expiry     string
	Err        error
}

func (e *ChainFetchFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch option chain %s %s: %v", e.Underlying, e.Expiry, e.Err)
	}
	return fmt.Sprintf("fetch option chain %s %s failed", e.Underlying, e.Expiry)
}

func (e *ChainFetchFailure) Unwrap() error { return e.Err }

func (e *ChainFetchFailure) Is(target error) bool { return target == ErrChainFetch }

// StrikeNotFound 链上不存在满足条件的合约。
type StrikeNotFound struct {
	Underlying  string
	Right       Right
	TargetDelta float64
	Strike      float64
}

func (e *StrikeNotFound) Error() string {
	if e.Strike > 0 {
		return fmt.Sprintf("strike %s %s not found for %s", FormatStrike(e.Strike), e.Right, e.Underlying)
	}
	return fmt.Sprintf("no %s contract near delta %.2f for %s", e.Right, e.TargetDelta, e.Underlying)
}

func (e *StrikeNotFound) Is(target error) bool { return target == ErrStrikeNotFound }

// InvalidInput 参数不合法（NaN、负值、格式错误等）。
type InvalidInput struct {
	Field  string
	Value  any
	Reason string
}

func (e *InvalidInput) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidInput) Is(target error) bool { return target == ErrInvalidInput }
