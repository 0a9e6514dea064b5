package app

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"spreadguard/internal/lifecycle"
	"spreadguard/internal/rules"
)

type StartupSummary struct {
	Env        string
	BrokerMode string
	HTTPAddr   string
	Database   string
	Timezone   string
	Account    AccountSummary
	// RuleSets 规则集名称 → 规则条数。
	RuleSets map[string]int
	Presets  []string
	Monitor  string
	Notify   string
	Restored map[lifecycle.State]int
}

type AccountSummary struct {
	ID         string
	Value      float64
	MaxRiskPct float64
	Windows    []string
}

func (b *builder) summary(snap rules.Snapshot, restored map[lifecycle.State]int) *StartupSummary {
	cfg := b.cfg
	s := &StartupSummary{
		Env:        cfg.App.Env,
		BrokerMode: cfg.Broker.Mode,
		HTTPAddr:   cfg.App.HTTPAddr,
		Database:   cfg.Database.Path,
		Timezone:   b.loc.String(),
		Account: AccountSummary{
			ID:         cfg.Account.AccountID,
			Value:      cfg.Account.AccountValue,
			MaxRiskPct: cfg.Account.MaxRiskPct,
		},
		RuleSets: make(map[string]int, len(snap.RuleSets)),
		Restored: restored,
		Monitor:  "disabled",
		Notify:   "disabled",
	}
	if cfg.Notify.Telegram.Enabled {
		s.Notify = "telegram " + formatList(cfg.Notify.States)
	}
	for _, w := range cfg.Account.TradingWindows {
		s.Account.Windows = append(s.Account.Windows, w.Start+"-"+w.End)
	}
	for name, list := range snap.RuleSets {
		s.RuleSets[name] = len(list)
	}
	for _, p := range cfg.Presets {
		s.Presets = append(s.Presets, p.Name)
	}
	if cfg.Monitor.Enabled {
		s.Monitor = fmt.Sprintf("every %s, exit %s, delta %.2f", cfg.Monitor.Interval(), cfg.Monitor.ExitTime, cfg.Monitor.DeltaBreach)
	}
	return s
}

func (s *StartupSummary) Print() { s.Fprint(os.Stdout) }

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[运行环境 (RUNTIME)]")
	fmt.Fprintf(w, "  环境: %s\n", s.Env)
	fmt.Fprintf(w, "  券商模式: %s\n", s.BrokerMode)
	fmt.Fprintf(w, "  HTTP: %s\n", s.HTTPAddr)
	fmt.Fprintf(w, "  数据库: %s\n", s.Database)
	fmt.Fprintf(w, "  时区: %s\n", s.Timezone)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[账户风控 (ACCOUNT RISK)]")
	fmt.Fprintf(w, "  账户: %s\n", orDash(s.Account.ID))
	fmt.Fprintf(w, "  账户净值: %.2f\n", s.Account.Value)
	fmt.Fprintf(w, "  单笔风险上限: %.2f%%\n", s.Account.MaxRiskPct)
	fmt.Fprintf(w, "  交易时段: %s\n", formatList(s.Account.Windows))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[规则与预设 (RULES & PRESETS)]")
	if len(s.RuleSets) == 0 {
		fmt.Fprintln(w, "  规则集: (无)")
	} else {
		names := make([]string, 0, len(s.RuleSets))
		for name := range s.RuleSets {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  规则集 %s: %d 条\n", name, s.RuleSets[name])
		}
	}
	fmt.Fprintf(w, "  预设: %s\n", formatList(s.Presets))
	fmt.Fprintf(w, "  持仓监控: %s\n", s.Monitor)
	fmt.Fprintf(w, "  推送: %s\n", s.Notify)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[恢复的交易 (RESTORED TRADES)]")
	if len(s.Restored) == 0 {
		fmt.Fprintln(w, "  (无)")
	} else {
		states := make([]string, 0, len(s.Restored))
		for st := range s.Restored {
			states = append(states, string(st))
		}
		sort.Strings(states)
		for _, st := range states {
			fmt.Fprintf(w, "  %s: %d\n", st, s.Restored[lifecycle.State(st)])
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
