package notify

import (
	"fmt"
	"strings"
	"time"

	"spreadguard/internal/agent"
	"spreadguard/internal/lifecycle"
	"spreadguard/internal/pkg/maputil"
)

const maxMessageLen = 3800

type Section struct {
	Title string
	Lines []string
}

// Message 统一格式的推送：标题、代码块内的分段、可选页脚与时间。
type Message struct {
	Icon      string
	Title     string
	Sections  []Section
	Footer    string
	Timestamp time.Time
}

// Markdown renders the message and trims it to Telegram's length budget.
func (m Message) Markdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString(header + "\n\n")
	}
	b.WriteString(renderSections(m.Sections))
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer) + "\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxMessageLen {
		body = body[:maxMessageLen] + "..."
	}
	return body
}

func renderSections(secs []Section) string {
	var parts []string
	for _, sec := range secs {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		var b strings.Builder
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(sanitize(title) + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + sanitize(line) + "\n")
		}
		parts = append(parts, b.String())
	}
	if len(parts) == 0 {
		return ""
	}
	return "```\n" + strings.Join(parts, "\n") + "```\n\n"
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

var stateIcons = map[lifecycle.State]string{
	lifecycle.StateSubmitted:   "📨",
	lifecycle.StateWorking:     "⏳",
	lifecycle.StateFilled:      "✅",
	lifecycle.StateOCOAttached: "🛡",
	lifecycle.StateClosed:      "🏁",
	lifecycle.StateCancelled:   "🚫",
	lifecycle.StateRejected:    "⛔",
	lifecycle.StateError:       "❗",
}

// TransitionMessage describes one state change of a trade.
func TransitionMessage(ev lifecycle.TransitionEvent, trade lifecycle.Trade) Message {
	msg := Message{
		Icon:      stateIcons[ev.To],
		Title:     fmt.Sprintf("%s → %s", ev.From, ev.To),
		Timestamp: ev.At,
		Footer:    "trade " + trade.ID,
	}
	if spec, legs, err := agent.SpecOf(trade); err == nil {
		msg.Title = fmt.Sprintf("%s %s %s → %s", spec.Underlying, spec.Direction, spec.Strategy, ev.To)
		pos := Section{Title: "持仓", Lines: []string{
			fmt.Sprintf("short %s @ %g", legs.Short.StreamerSymbol, legs.Short.Strike),
			fmt.Sprintf("long %s @ %g", legs.Long.StreamerSymbol, legs.Long.Strike),
			fmt.Sprintf("qty %d", spec.Quantity),
		}}
		msg.Sections = append(msg.Sections, pos)
	}
	var px []string
	if v := maputil.Float(trade.Metadata, agent.MetaCredit); v > 0 {
		px = append(px, fmt.Sprintf("credit %.2f", v))
	}
	if v := maputil.Float(trade.Metadata, "entry_fill_price"); v > 0 {
		px = append(px, fmt.Sprintf("fill %.2f", v))
	}
	if v := maputil.Float(trade.Metadata, "exit_price"); v > 0 {
		px = append(px, fmt.Sprintf("exit %.2f", v))
	}
	if reason := trade.MetaString("exit_reason"); reason != "" && ev.To == lifecycle.StateClosed {
		px = append(px, "reason "+reason)
	}
	if len(px) > 0 {
		msg.Sections = append(msg.Sections, Section{Title: "价格", Lines: px})
	}
	if ev.Error != "" {
		msg.Sections = append(msg.Sections, Section{Title: "错误", Lines: []string{ev.Error}})
	}
	return msg
}
