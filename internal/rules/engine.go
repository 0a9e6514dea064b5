package rules

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"spreadguard/internal/audit"
	"spreadguard/internal/logger"
	"spreadguard/internal/pkg/maputil"
)

// Engine evaluates rule sets. It never returns an error: store failures and
// broken rules are folded into the Result.
type Engine struct {
	store    Store
	recorder audit.Recorder
	loc      *time.Location
	now      func() time.Time

	mu         sync.RWMutex
	predicates map[string]Predicate
}

type EngineOption func(*Engine)

// WithLocation evaluates time_exit rules in loc (exchange time).
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(store Store, recorder audit.Recorder, opts ...EngineOption) *Engine {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	e := &Engine{
		store:      store,
		recorder:   recorder,
		now:        time.Now,
		predicates: make(map[string]Predicate),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPredicate makes a custom condition available under name.
func (e *Engine) RegisterPredicate(name string, p Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = p
}

// Evaluate loads the enabled rules of ruleSet (every set when empty) and runs
// them in priority order. Every trigger is recorded; block_trade stops early.
func (e *Engine) Evaluate(ctx context.Context, ec Context, ruleSet string) Result {
	if ec.At.IsZero() {
		ec.At = e.now()
	}
	if e.loc != nil {
		ec.At = ec.At.In(e.loc)
	}
	res := Result{Passed: true, RuleSet: ruleSet, Triggered: []TriggeredRule{}}

	if e.store == nil {
		return res
	}
	list, err := e.store.ListEnabledRules(ctx, ruleSet)
	if err != nil {
		// 规则不可用时拒绝放行。
		logger.Errorf("rules: load rule set %q failed: %v", ruleSet, err)
		res.Passed = false
		res.BlockingReason = fmt.Sprintf("rule store unavailable: %v", err)
		return res
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })

	for _, rule := range list {
		if !rule.Enabled {
			continue
		}
		res.Evaluated++
		out := e.check(rule, ec)
		if out.skip != "" {
			logger.Warnf("rules: %s (%s) skipped: %s", rule.Name, rule.Condition, out.skip)
			continue
		}
		if !out.hit {
			continue
		}
		trig := TriggeredRule{
			RuleID:    rule.ID,
			Name:      rule.Name,
			RuleSet:   rule.RuleSet,
			Condition: rule.Condition,
			Action:    rule.Action,
			Priority:  rule.Priority,
			Reason:    out.reason,
		}
		res.Triggered = append(res.Triggered, trig)
		e.recorder.Record(audit.KindRiskEvent, ec.TradeID, "", RiskEvent{
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			RuleSet:   rule.RuleSet,
			Condition: rule.Condition,
			Action:    rule.Action,
			Reason:    out.reason,
			Trade:     ec.Trade,
			Portfolio: ec.Portfolio,
			At:        ec.At,
		})
		logger.Infof("rules: %s triggered action=%s: %s", rule.Name, rule.Action, out.reason)
		if rule.Action == ActionBlockTrade {
			res.Passed = false
			res.BlockingReason = fmt.Sprintf("%s: %s", rule.Name, out.reason)
			return res
		}
	}
	return res
}

func (e *Engine) check(rule Rule, ec Context) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("rules: %s panicked: %v\n%s", rule.Name, r, debug.Stack())
			out = outcome{skip: fmt.Sprintf("panic: %v", r)}
		}
	}()
	switch rule.Condition {
	case ConditionDeltaBreach:
		return evalDeltaBreach(ec, rule.Params)
	case ConditionTimeExit:
		return evalTimeExit(ec, rule.Params)
	case ConditionPortfolioLimit:
		return evalPortfolioLimit(ec, rule.Params)
	case ConditionCustom:
		name := maputil.String(rule.Params, "predicate")
		e.mu.RLock()
		pred, ok := e.predicates[name]
		e.mu.RUnlock()
		if !ok {
			logger.Infof("rules: custom predicate %q not registered, rule %s does not trigger", name, rule.Name)
			return outcome{}
		}
		hit, reason := pred(ec, rule.Params)
		return outcome{hit: hit, reason: reason}
	default:
		return outcome{skip: fmt.Sprintf("unknown condition type %q", rule.Condition)}
	}
}
