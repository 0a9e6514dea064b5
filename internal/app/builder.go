package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"spreadguard/internal/agent"
	"spreadguard/internal/audit"
	"spreadguard/internal/broker"
	"spreadguard/internal/broker/paper"
	"spreadguard/internal/broker/rest"
	"spreadguard/internal/config"
	"spreadguard/internal/decision"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/logger"
	"spreadguard/internal/monitor"
	"spreadguard/internal/notify"
	"spreadguard/internal/portfolio"
	"spreadguard/internal/rules"
	"spreadguard/internal/selector"
	"spreadguard/internal/signal"
	"spreadguard/internal/store/sqlite"
	"spreadguard/internal/supervisor"
	apihttp "spreadguard/internal/transport/http/api"
	"spreadguard/internal/types"
)

// metaReconcile mirrors the supervisor's flag for trades that need a manual look.
const metaReconcile = "reconcile_required"

type builder struct {
	cfg *config.Config
	loc *time.Location
	app *App
}

func newBuilder(cfg *config.Config) *builder {
	return &builder{
		cfg: cfg,
		loc: cfg.App.Location(),
		app: &App{cfg: cfg},
	}
}

// Build wires every component. On failure whatever was opened is closed again.
func (b *builder) Build(ctx context.Context) (app *App, err error) {
	defer func() {
		if err != nil {
			_ = b.app.Close()
		}
	}()
	cfg := b.cfg

	st, err := sqlite.NewSqliteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	b.onClose(st.Close)

	recorder, err := b.auditWriter(st)
	if err != nil {
		return nil, err
	}

	trades := lifecycle.NewRegistry(lifecycle.WithPersister(st))
	trades.Subscribe(func(ev lifecycle.TransitionEvent, trade lifecycle.Trade) {
		recorder.Record(audit.KindTransition, ev.TradeID, trade.MetaString(agent.MetaSignalID), ev)
	})
	b.app.trades = trades
	b.notifications(trades)

	ruleSets, err := b.ruleRegistry(ctx, st)
	if err != nil {
		return nil, err
	}
	ruleEngine := rules.NewEngine(st, recorder, rules.WithLocation(b.loc))

	brk, err := b.broker()
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(brk, trades, recorder, supervisor.Config{
		Chase: supervisor.ChaseConfig{
			TickSize:    cfg.Chase.TickSize,
			Interval:    cfg.Chase.Interval(),
			MaxSteps:    cfg.Chase.MaxSteps,
			MaxSlippage: cfg.Chase.MaxSlippage,
		},
		PollInterval:    cfg.Supervisor.PollInterval(),
		MaxPollAttempts: cfg.Supervisor.MaxPollAttempts,
		BracketRetries:  cfg.Supervisor.BracketRetries,
		BracketBackoff:  cfg.Supervisor.BracketBackoff(),
	})
	b.app.supervisor = sup

	book := portfolio.NewBook(types.AccountSnapshot{
		AccountID:    cfg.Account.AccountID,
		AccountValue: cfg.Account.AccountValue,
		MaxRiskPct:   cfg.Account.MaxRiskPct,
		Currency:     cfg.Account.Currency,
	})

	decisions := decision.NewEngine(decision.Limits{
		MaxSpreadPct:        cfg.Decision.MaxSpreadPct,
		MaxShortDelta:       cfg.Decision.MaxShortDelta,
		MaxBPUtilizationPct: cfg.Decision.MaxBPUtilizationPct,
	}, decision.Fallbacks{
		Strategy:        cfg.Decision.DefaultStrategy,
		TargetDelta:     cfg.Decision.DefaultTargetDelta,
		Quantity:        cfg.Decision.DefaultQuantity,
		TakeProfitPct:   cfg.Decision.DefaultTakeProfitPct,
		StopLossPct:     cfg.Decision.DefaultStopLossPct,
		AccountID:       cfg.Account.AccountID,
		StrategyVersion: cfg.Decision.StrategyVersion,
		Location:        b.loc,
	}, recorder)

	b.app.entry = agent.New(agent.Config{
		AccountID:          cfg.Account.AccountID,
		TradingWindows:     cfg.Account.TradingWindows,
		EntryRuleSet:       cfg.Rules.EntryRuleSet,
		DefaultTargetDelta: cfg.Decision.DefaultTargetDelta,
		Location:           b.loc,
	}, agent.Deps{
		Decisions: decisions,
		Rules:     ruleEngine,
		Resolver:  selector.NewResolver(brk, cfg.Selector.SpreadWidth),
		Quotes:    brk,
		Trades:    trades,
		Entrant:   sup,
		Book:      book,
		Audit:     recorder,
	})

	routerDeps := apihttp.Deps{
		Entry:   b.app.entry,
		Ops:     sup,
		Trades:  trades,
		Audit:   st,
		Parser:  signal.NewParser(b.loc),
		Presets: cfg,
		Book:    book,
	}
	if cfg.Monitor.Enabled {
		b.app.monitor = monitor.New(monitor.Config{
			Interval:    cfg.Monitor.Interval(),
			ExitTime:    cfg.Monitor.ExitTime,
			DeltaBreach: cfg.Monitor.DeltaBreach,
			RuleSet:     cfg.Rules.MonitorRuleSet,
			Location:    b.loc,
		}, monitor.Deps{
			Trades: trades,
			Chains: brk,
			Closer: sup,
			Rules:  ruleEngine,
			Book:   book,
			Audit:  recorder,
		})
		routerDeps.Monitor = b.app.monitor
	}
	server, err := apihttp.NewServer(cfg.App.HTTPAddr, apihttp.NewRouter(routerDeps))
	if err != nil {
		return nil, fmt.Errorf("初始化 API HTTP 失败: %w", err)
	}
	b.app.server = server

	restored, err := b.restore(ctx, st, trades, sup)
	if err != nil {
		return nil, err
	}
	b.app.Summary = b.summary(ruleSets, restored)
	logger.Infof("✓ API HTTP 接口监听 %s（broker=%s）", server.Addr(), cfg.Broker.Mode)
	return b.app, nil
}

func (b *builder) onClose(fn func() error) {
	b.app.closers = append(b.app.closers, fn)
}

// auditWriter fans records out to the database and, when configured, a JSONL mirror.
func (b *builder) auditWriter(st *sqlite.SqliteStore) (*audit.Writer, error) {
	sinks := audit.MultiSink{st}
	if path := strings.TrimSpace(b.cfg.Audit.JSONLPath); path != "" {
		jsonl, err := audit.NewJSONLSink(path)
		if err != nil {
			return nil, fmt.Errorf("open audit mirror %s: %w", path, err)
		}
		b.onClose(jsonl.Close)
		sinks = append(sinks, jsonl)
	}
	w := audit.NewWriter(sinks, b.cfg.Audit.Buffer)
	b.onClose(w.Close)
	return w, nil
}

// notifications pushes watched transitions to Telegram when enabled.
func (b *builder) notifications(trades *lifecycle.Registry) {
	nc := b.cfg.Notify
	if !nc.Telegram.Enabled {
		return
	}
	states := make([]lifecycle.State, 0, len(nc.States))
	for _, raw := range nc.States {
		if st, ok := lifecycle.ParseState(raw); ok {
			states = append(states, st)
		}
	}
	d := notify.NewDispatcher(notify.NewTelegram(nc.Telegram.APIURL, nc.Telegram.BotToken, nc.Telegram.ChatID), states, nc.Buffer)
	trades.Subscribe(d.Observe)
	b.onClose(d.Close)
	logger.Infof("telegram notifications on for %s", strings.Join(nc.States, ","))
}

// ruleRegistry loads the rule file into the store and keeps it in sync on
// reload. Without a file the rules already in the database stay in force.
func (b *builder) ruleRegistry(ctx context.Context, st *sqlite.SqliteStore) (rules.Snapshot, error) {
	path := strings.TrimSpace(b.cfg.Rules.Path)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warnf("rule file %s not found, using rules stored in the database", path)
			return rules.Snapshot{}, nil
		}
		return rules.Snapshot{}, err
	}
	reg, err := rules.NewRegistry(path, b.cfg.Rules.Watch)
	if err != nil {
		return rules.Snapshot{}, err
	}
	snap := reg.Snapshot()
	if err := rules.Sync(ctx, st, rules.Snapshot{}, snap); err != nil {
		return rules.Snapshot{}, err
	}
	var (
		mu   sync.Mutex
		prev = snap
	)
	reg.OnChange(func(next rules.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if err := rules.Sync(context.Background(), st, prev, next); err != nil {
			logger.Errorf("rule sync (version %d) failed: %v", next.Version, err)
			return
		}
		prev = next
		logger.Infof("rules reloaded: version %d, %d rule sets", next.Version, len(next.RuleSets))
	})
	return snap, nil
}

func (b *builder) broker() (broker.Broker, error) {
	switch b.cfg.Broker.Mode {
	case config.BrokerModeREST:
		client, err := rest.NewClient(b.cfg.Broker)
		if err != nil {
			return nil, fmt.Errorf("failed to init broker client: %w", err)
		}
		logger.Infof("broker gateway: %s", b.cfg.Broker.APIURL)
		return client, nil
	default:
		p := b.cfg.Broker.Paper
		return paper.New(paper.Config{
			Spots:      p.Spots,
			Roots:      p.Roots,
			StrikeStep: p.StrikeStep,
			Volatility: p.Volatility,
		}), nil
	}
}

// restorable are the states a restart must pick up again.
var restorable = []lifecycle.State{
	lifecycle.StatePending,
	lifecycle.StateSubmitted,
	lifecycle.StateWorking,
	lifecycle.StateFilled,
	lifecycle.StateOCOAttached,
}

// restore reloads unfinished trades and hands them back to the supervisor.
// A PENDING trade never reached the broker, so it is closed out as ERROR.
func (b *builder) restore(ctx context.Context, st *sqlite.SqliteStore, trades *lifecycle.Registry, sup *supervisor.Supervisor) (map[lifecycle.State]int, error) {
	open, err := st.LoadTrades(ctx, restorable...)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}
	counts := make(map[lifecycle.State]int)
	for _, t := range open {
		if err := trades.Restore(t); err != nil {
			return nil, err
		}
		counts[t.State]++
	}
	for _, t := range open {
		log := logger.With("trade_id", t.ID, "state", string(t.State))
		if t.State == lifecycle.StatePending {
			if _, err := trades.Transition(ctx, t.ID, lifecycle.StateError, lifecycle.WithError("interrupted before submit")); err != nil {
				log.Warn("close out pending trade failed", "error", err)
			}
			continue
		}
		if err := sup.Resume(ctx, t); err != nil {
			log.Warn("resume failed, flagged for reconcile", "error", err)
			if _, err := trades.MergeMetadata(ctx, t.ID, map[string]any{metaReconcile: true}); err != nil {
				log.Warn("flag reconcile failed", "error", err)
			}
			continue
		}
		log.Info("trade resumed")
	}
	return counts, nil
}
