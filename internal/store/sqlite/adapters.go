package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"spreadguard/internal/audit"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/logger"
	"spreadguard/internal/rules"
	"spreadguard/internal/store"
	"spreadguard/internal/store/model"
)

// The methods below let SqliteStore serve as audit.Sink/Reader, rules.Store
// and lifecycle.Persister.

func (s *SqliteStore) Append(ctx context.Context, rec audit.Record) error {
	row := &model.AuditRecordModel{
		ID:            rec.ID,
		Kind:          string(rec.Kind),
		TradeID:       rec.TradeID,
		SignalID:      rec.SignalID,
		Payload:       datatypes.JSON(rec.Payload),
		CreatedAtUnix: model.ToUnix(rec.CreatedAt),
	}
	return NewAuditRepo(s.db).Insert(ctx, row)
}

func (s *SqliteStore) Query(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	rows, err := NewAuditRepo(s.db).List(ctx, store.AuditFilter{
		Kind:      string(q.Kind),
		TradeID:   q.TradeID,
		SignalID:  q.SignalID,
		SinceUnix: model.ToUnix(q.Since),
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]audit.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, audit.Record{
			ID:        row.ID,
			Kind:      audit.Kind(row.Kind),
			TradeID:   row.TradeID,
			SignalID:  row.SignalID,
			Payload:   json.RawMessage(row.Payload),
			CreatedAt: model.FromUnix(row.CreatedAtUnix),
		})
	}
	return out, nil
}

func (s *SqliteStore) ListEnabledRules(ctx context.Context, ruleSet string) ([]rules.Rule, error) {
	rows, err := NewRuleRepo(s.db).ListEnabled(ctx, ruleSet)
	if err != nil {
		return nil, err
	}
	return rulesFromRows(rows), nil
}

// ListRules returns every stored rule, enabled or not.
func (s *SqliteStore) ListRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := NewRuleRepo(s.db).ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return rulesFromRows(rows), nil
}

// ReplaceRuleSet atomically swaps one rule set; the rules registry calls it on (re)load.
func (s *SqliteStore) ReplaceRuleSet(ctx context.Context, ruleSet string, list []rules.Rule) error {
	rows := make([]model.RiskRuleModel, 0, len(list))
	for _, r := range list {
		params, err := json.Marshal(r.Params)
		if err != nil {
			return fmt.Errorf("marshal params for rule %s: %w", r.ID, err)
		}
		rows = append(rows, model.RiskRuleModel{
			ID:            r.ID,
			Name:          r.Name,
			RuleSet:       ruleSet,
			ConditionType: string(r.Condition),
			Params:        datatypes.JSON(params),
			Action:        string(r.Action),
			Priority:      r.Priority,
			Enabled:       r.Enabled,
		})
	}
	return s.withTx(ctx, func(uow store.UnitOfWork) error {
		return uow.Rules().ReplaceSet(ctx, ruleSet, rows)
	})
}

func (s *SqliteStore) SaveTrade(ctx context.Context, t lifecycle.Trade) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal trade metadata: %w", err)
	}
	return NewTradeRepo(s.db).Save(ctx, &model.TradeModel{
		ID:            t.ID,
		State:         string(t.State),
		BrokerOrderID: t.BrokerOrderID,
		PositionID:    t.PositionID,
		Metadata:      datatypes.JSON(meta),
		CreatedAtUnix: model.ToUnix(t.CreatedAt),
		UpdatedAtUnix: model.ToUnix(t.UpdatedAt),
	})
}

func (s *SqliteStore) AppendTransition(ctx context.Context, ev lifecycle.TransitionEvent) error {
	var meta []byte
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal transition metadata: %w", err)
		}
		meta = raw
	}
	return NewTradeRepo(s.db).AppendTransition(ctx, &model.TransitionModel{
		TradeID:   ev.TradeID,
		FromState: string(ev.From),
		ToState:   string(ev.To),
		AtUnix:    model.ToUnix(ev.At),
		Error:     ev.Error,
		Metadata:  datatypes.JSON(meta),
	})
}

func (s *SqliteStore) DeleteTrade(ctx context.Context, id string) error {
	return s.withTx(ctx, func(uow store.UnitOfWork) error {
		return uow.Trades().Delete(ctx, id)
	})
}

// LoadTrades rebuilds trades (with history) in the given states, for registry restore.
func (s *SqliteStore) LoadTrades(ctx context.Context, states ...lifecycle.State) ([]lifecycle.Trade, error) {
	names := make([]string, 0, len(states))
	for _, st := range states {
		names = append(names, string(st))
	}
	repo := NewTradeRepo(s.db)
	rows, err := repo.ListByStates(ctx, names)
	if err != nil {
		return nil, err
	}
	out := make([]lifecycle.Trade, 0, len(rows))
	for _, row := range rows {
		trade := lifecycle.Trade{
			ID:            row.ID,
			State:         lifecycle.State(row.State),
			BrokerOrderID: row.BrokerOrderID,
			PositionID:    row.PositionID,
			CreatedAt:     model.FromUnix(row.CreatedAtUnix),
			UpdatedAt:     model.FromUnix(row.UpdatedAtUnix),
			Metadata:      decodeMeta(row.Metadata),
		}
		history, err := repo.ListTransitions(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		for _, h := range history {
			trade.History = append(trade.History, lifecycle.TransitionEvent{
				TradeID:  h.TradeID,
				From:     lifecycle.State(h.FromState),
				To:       lifecycle.State(h.ToState),
				At:       model.FromUnix(h.AtUnix),
				Error:    h.Error,
				Metadata: decodeMeta(h.Metadata),
			})
		}
		out = append(out, trade)
	}
	return out, nil
}

func rulesFromRows(rows []model.RiskRuleModel) []rules.Rule {
	out := make([]rules.Rule, 0, len(rows))
	for _, row := range rows {
		out = append(out, rules.Rule{
			ID:        row.ID,
			Name:      row.Name,
			RuleSet:   row.RuleSet,
			Condition: rules.ConditionType(row.ConditionType),
			Params:    decodeMeta(row.Params),
			Action:    rules.Action(row.Action),
			Priority:  row.Priority,
			Enabled:   row.Enabled,
		})
	}
	return out
}

func decodeMeta(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		logger.Warnf("store: undecodable json column: %v", err)
		return nil
	}
	return out
}
