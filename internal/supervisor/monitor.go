package supervisor

import (
	"context"

	"spreadguard/internal/broker"
)

type FillOutcome string

const (
	OutcomeFilled    FillOutcome = "FILLED"
	OutcomeCancelled FillOutcome = "CANCELLED"
	OutcomeRejected  FillOutcome = "REJECTED"
	OutcomeTimeout   FillOutcome = "TIMEOUT"
)

// FillResult 轮询的终态；Timeout 时订单真实状态未知，需要人工对账。
type FillResult struct {
	Outcome  FillOutcome  `json:"outcome"`
	Order    broker.Order `json:"order"`
	Attempts int          `json:"attempts"`
	// SawWorking 轮询期间是否观察到 WORKING。
	SawWorking bool `json:"saw_working"`
}

// awaitFill 以固定间隔查询订单状态，最多 MaxPollAttempts 次。查询失败只记录日志。
// onWorking 在首次看到挂单中状态时回调一次。
func (s *Supervisor) awaitFill(ctx context.Context, tradeID string, order broker.Order, onWorking func(broker.Order)) (FillResult, error) {
	log := s.log(tradeID, order.ID)
	res := FillResult{Order: order}
	if outcome, done := outcomeOf(order.Status); done {
		res.Outcome = outcome
		return res, nil
	}
	maxAttempts := s.cfg.MaxPollAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxPollAttempts
	}
	for res.Attempts < maxAttempts {
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return res, err
		}
		res.Attempts++
		latest, err := s.broker.GetOrder(ctx, res.Order.ID)
		if err != nil {
			log.Warn("fill poll failed", "attempt", res.Attempts, "error", err)
			continue
		}
		res.Order = mergeOrder(res.Order, latest)
		if res.Order.Status == broker.StatusWorking && !res.SawWorking {
			res.SawWorking = true
			if onWorking != nil {
				onWorking(res.Order)
			}
		}
		if outcome, done := outcomeOf(res.Order.Status); done {
			res.Outcome = outcome
			log.Info("entry order resolved", "outcome", outcome, "attempts", res.Attempts, "filled_price", res.Order.FilledPrice)
			return res, nil
		}
	}
	res.Outcome = OutcomeTimeout
	log.Warn("fill poll ceiling reached, order needs reconciliation", "attempts", res.Attempts, "last_status", res.Order.Status)
	return res, nil
}

func outcomeOf(st broker.OrderStatus) (FillOutcome, bool) {
	switch st {
	case broker.StatusFilled:
		return OutcomeFilled, true
	case broker.StatusCancelled, broker.StatusExpired:
		return OutcomeCancelled, true
	case broker.StatusRejected:
		return OutcomeRejected, true
	default:
		return "", false
	}
}
