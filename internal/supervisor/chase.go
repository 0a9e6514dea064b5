package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"spreadguard/internal/audit"
	"spreadguard/internal/broker"
	"spreadguard/internal/risk"
	"spreadguard/internal/types"
)

// ChaseConfig 追价参数：每 Interval 向更激进方向移动一个 TickSize。
type ChaseConfig struct {
	TickSize    float64
	Interval    time.Duration
	MaxSteps    int
	MaxSlippage float64
}

// ChaseAttempt 单次追价的审计记录。
type ChaseAttempt struct {
	Attempt   int                    `json:"attempt"`
	ElapsedMS int64                  `json:"elapsed_ms"`
	Price     float64                `json:"price"`
	PrevPrice float64                `json:"prev_price"`
	NetMark   float64                `json:"net_mark,omitempty"`
	Market    map[string]types.Quote `json:"market,omitempty"`
	OrderID   string                 `json:"order_id"`
	At        time.Time              `json:"at"`
}

type chaseStop string

const (
	chaseFilled   chaseStop = "filled"
	chaseTerminal chaseStop = "terminal"
	chaseMaxSteps chaseStop = "max_steps"
	chaseSlippage chaseStop = "max_slippage"
	chaseDisabled chaseStop = "disabled"
)

// NextChasePrice moves current one tick toward the aggressive side: down for
// a SELL (accept less credit), up for a BUY (pay more debit). ok is false when
// the move from initial would exceed maxSlippage or the price would go non-positive.
func NextChasePrice(current, initial, tick, maxSlippage float64, side broker.Side) (float64, bool) {
	step := decimal.NewFromFloat(tick)
	next := decimal.NewFromFloat(current)
	if side == broker.SideSell {
		next = next.Sub(step)
	} else {
		next = next.Add(step)
	}
	if !next.IsPositive() {
		return 0, false
	}
	moved := next.Sub(decimal.NewFromFloat(initial)).Abs()
	if moved.GreaterThan(decimal.NewFromFloat(maxSlippage)) {
		return 0, false
	}
	f, _ := next.Round(4).Float64()
	return f, true
}

// chase 在入场单未成交时按间隔改价，直到成交、订单终结、次数上限或滑点上限。
// 达到上限时不撤单，由调用方继续监控。
func (s *Supervisor) chase(ctx context.Context, tradeID string, order broker.Order) (broker.Order, chaseStop, error) {
	cfg := s.cfg.Chase
	if cfg.MaxSteps <= 0 || cfg.TickSize <= 0 || order.Type != broker.OrderLimit {
		return order, chaseDisabled, nil
	}
	log := s.log(tradeID, order.ID)
	start := s.now()
	initial := order.Price
	current := order

	for attempt := 0; ; attempt++ {
		if err := s.sleep(ctx, cfg.Interval); err != nil {
			return current, "", err
		}
		latest, err := s.broker.GetOrder(ctx, current.ID)
		if err != nil {
			log.Warn("chase status check failed", "error", err)
		} else {
			current = mergeOrder(current, latest)
			if current.Status == broker.StatusFilled {
				return current, chaseFilled, nil
			}
			if current.Status.Terminal() {
				return current, chaseTerminal, nil
			}
		}

		if err := risk.ValidateChaseAttempts(attempt, cfg.MaxSteps); err != nil {
			log.Info("chase stopped", "reason", err.Error())
			return current, chaseMaxSteps, nil
		}
		next, ok := NextChasePrice(current.Price, initial, cfg.TickSize, cfg.MaxSlippage, current.Side)
		if !ok {
			log.Info("chase stopped at slippage limit", "price", current.Price, "initial", initial, "max_slippage", cfg.MaxSlippage)
			return current, chaseSlippage, nil
		}

		quotes, net := s.marketSnapshot(ctx, current)
		replaced, err := s.broker.ReplaceOrder(ctx, current.ID, next)
		if err != nil {
			var rej *types.OrderRejection
			if errors.As(err, &rej) && !rej.Transient {
				// 改价被拒多半是订单已经成交或撤销，交给轮询确认。
				log.Warn("chase replace rejected", "error", err)
				return current, chaseTerminal, nil
			}
			log.Warn("chase replace failed", "error", err)
			continue
		}
		prev := current.Price
		current = mergeOrder(current, replaced)
		current.Price = next
		if replaced.ID != "" && replaced.ID != order.ID {
			if _, err := s.trades.SetBrokerOrderID(ctx, tradeID, replaced.ID); err != nil {
				log.Warn("record replaced order id failed", "error", err)
			}
		}
		s.audit.Record(audit.KindChaseAttempt, tradeID, "", ChaseAttempt{
			Attempt:   attempt + 1,
			ElapsedMS: s.now().Sub(start).Milliseconds(),
			Price:     next,
			PrevPrice: prev,
			NetMark:   net,
			Market:    quotes,
			OrderID:   current.ID,
			At:        s.now(),
		})
		log.Info("chase step", "attempt", attempt+1, "price", next, "net_mark", net)
		if current.Status == broker.StatusFilled {
			return current, chaseFilled, nil
		}
	}
}

func (s *Supervisor) marketSnapshot(ctx context.Context, o broker.Order) (map[string]types.Quote, float64) {
	symbols := make([]string, 0, len(o.Legs))
	for _, l := range o.Legs {
		symbols = append(symbols, l.Symbol)
	}
	if len(symbols) == 0 {
		return nil, 0
	}
	quotes, err := s.broker.GetQuotes(ctx, symbols)
	if err != nil {
		return nil, 0
	}
	net, _ := broker.NetMark(o.Side, o.Legs, quotes)
	return quotes, net
}

// mergeOrder overlays non-zero fields of latest onto known.
func mergeOrder(known, latest broker.Order) broker.Order {
	out := known
	if latest.ID != "" {
		out.ID = latest.ID
	}
	if latest.Status != "" && latest.Status != broker.StatusUnknown {
		out.Status = latest.Status
	}
	if latest.Price > 0 {
		out.Price = latest.Price
	}
	if latest.StopPrice > 0 {
		out.StopPrice = latest.StopPrice
	}
	if latest.FilledPrice > 0 {
		out.FilledPrice = latest.FilledPrice
	}
	if latest.FilledQuantity > 0 {
		out.FilledQuantity = latest.FilledQuantity
	}
	if latest.Reason != "" {
		out.Reason = latest.Reason
	}
	if !latest.UpdatedAt.IsZero() {
		out.UpdatedAt = latest.UpdatedAt
	}
	return out
}
