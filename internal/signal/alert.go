// Package signal 把外部提醒（JSON 或一行文本）和配置预设转换成 TradeSignal。
package signal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"spreadguard/internal/decision"
	"spreadguard/internal/types"
)

const (
	SourceAlertJSON = "alert_json"
	SourceAlertText = "alert_text"
	SourceManual    = "manual"
	SourcePreset    = "preset"
)

// Parser reads pasted alerts. Dates without a zone are read in Location.
type Parser struct {
	loc *time.Location
	now func() time.Time
}

func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{loc: loc, now: time.Now}
}

// SetClock is used by tests.
func (p *Parser) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Parse accepts either a JSON object or the one-line form
// "SPX 5900/5890 PUT credit 2.50 exp 2026-10-18 qty 1".
func (p *Parser) Parse(raw string) (decision.TradeSignal, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return decision.TradeSignal{}, &types.InvalidInput{Field: "alert", Reason: "empty"}
	}
	var (
		sig decision.TradeSignal
		err error
	)
	if strings.HasPrefix(text, "{") {
		sig, err = p.parseJSON(text)
	} else {
		sig, err = p.parseText(text)
	}
	if err != nil {
		return decision.TradeSignal{}, err
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	sig.ReceivedAt = p.now()
	if sig.Underlying == "" {
		return sig, &types.InvalidInput{Field: "underlying", Value: raw, Reason: "alert names no underlying"}
	}
	if !sig.Direction.Valid() {
		return sig, &types.InvalidInput{Field: "direction", Value: raw, Reason: "alert names no CALL or PUT"}
	}
	return sig, nil
}

func (p *Parser) parseJSON(text string) (decision.TradeSignal, error) {
	if !gjson.Valid(text) {
		return decision.TradeSignal{}, &types.InvalidInput{Field: "alert", Value: text, Reason: "invalid JSON"}
	}
	root := gjson.Parse(text)
	if inner := first(root, "alert", "signal", "data"); inner.IsObject() {
		root = inner
	}
	sig := decision.TradeSignal{
		ID:              first(root, "id", "alert_id", "signal_id").String(),
		Source:          SourceAlertJSON,
		Underlying:      normalizeSymbol(first(root, "underlying", "symbol", "ticker", "root").String()),
		Strategy:        first(root, "strategy").String(),
		TargetDelta:     first(root, "target_delta", "delta").Float(),
		Quantity:        int(first(root, "quantity", "qty", "contracts").Int()),
		Price:           first(root, "credit", "price", "limit", "net_credit").Float(),
		AccountID:       first(root, "account_id", "account").String(),
		TakeProfitPct:   first(root, "take_profit_pct", "tp", "take_profit").Float(),
		StopLossPct:     first(root, "stop_loss_pct", "sl", "stop_loss").Float(),
		TimeExit:        first(root, "time_exit", "exit_time").String(),
		StrategyVersion: first(root, "strategy_version", "version").String(),
	}
	if dir := first(root, "direction", "right", "option_type", "put_call"); dir.Exists() {
		right, err := types.ParseRight(dir.String())
		if err != nil {
			return sig, err
		}
		sig.Direction = right
	}
	if strikes := first(root, "strikes"); strikes.IsArray() {
		for _, s := range strikes.Array() {
			sig.Strikes = append(sig.Strikes, s.Float())
		}
	} else if strikes.Type == gjson.String {
		parsed, err := parseStrikes(strikes.String())
		if err != nil {
			return sig, err
		}
		sig.Strikes = parsed
	} else {
		for _, key := range []string{"short_strike", "strike", "long_strike"} {
			if v := root.Get(key); v.Exists() && v.Float() > 0 {
				sig.Strikes = append(sig.Strikes, v.Float())
			}
		}
	}
	if exp := first(root, "expiry", "expiration", "exp", "expiration_date"); exp.Exists() {
		t, err := p.parseDate(exp.String())
		if err != nil {
			return sig, err
		}
		sig.Expiry = t
	} else if dte := root.Get("dte"); dte.Exists() {
		sig.Expiry = p.today().AddDate(0, 0, int(dte.Int()))
	}
	return sig, nil
}

// parseText walks tokens left to right; keywords consume the token after them.
func (p *Parser) parseText(text string) (decision.TradeSignal, error) {
	sig := decision.TradeSignal{Source: SourceAlertText}
	tokens := strings.Fields(strings.ReplaceAll(text, ",", " "))
	next := func(i int) (string, bool) {
		if i+1 < len(tokens) {
			return tokens[i+1], true
		}
		return "", false
	}
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		low := strings.ToLower(tok)
		switch {
		case i == 0 && !startsWithDigit(tok):
			sig.Underlying = normalizeSymbol(tok)
		case low == "credit" || low == "@" || low == "price" || low == "cr":
			v, ok := next(i)
			if !ok {
				return sig, missingValue(tok)
			}
			f, err := parseNumber(v)
			if err != nil {
				return sig, err
			}
			sig.Price = f
			i++
		case strings.HasPrefix(low, "@") && len(low) > 1:
			f, err := parseNumber(low[1:])
			if err != nil {
				return sig, err
			}
			sig.Price = f
		case low == "exp" || low == "expiry" || low == "expiration":
			v, ok := next(i)
			if !ok {
				return sig, missingValue(tok)
			}
			t, err := p.parseDate(v)
			if err != nil {
				return sig, err
			}
			sig.Expiry = t
			i++
		case strings.HasSuffix(low, "dte"):
			n, err := strconv.Atoi(strings.TrimSuffix(low, "dte"))
			if err != nil {
				return sig, &types.InvalidInput{Field: "dte", Value: tok, Reason: "expected NDTE"}
			}
			sig.Expiry = p.today().AddDate(0, 0, n)
		case low == "qty" || low == "quantity" || low == "x":
			v, ok := next(i)
			if !ok {
				return sig, missingValue(tok)
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return sig, &types.InvalidInput{Field: "quantity", Value: v, Reason: "must be an integer"}
			}
			sig.Quantity = n
			i++
		case strings.HasPrefix(low, "x") && len(low) > 1 && startsWithDigit(low[1:]):
			n, err := strconv.Atoi(low[1:])
			if err != nil {
				return sig, &types.InvalidInput{Field: "quantity", Value: tok, Reason: "must be an integer"}
			}
			sig.Quantity = n
		case low == "delta" || low == "tp" || low == "sl":
			v, ok := next(i)
			if !ok {
				return sig, missingValue(tok)
			}
			f, err := parseNumber(strings.TrimSuffix(v, "%"))
			if err != nil {
				return sig, err
			}
			switch low {
			case "delta":
				sig.TargetDelta = f
			case "tp":
				sig.TakeProfitPct = f
			default:
				sig.StopLossPct = f
			}
			i++
		case low == "exit":
			v, ok := next(i)
			if !ok {
				return sig, missingValue(tok)
			}
			sig.TimeExit = v
			i++
		case isRight(low):
			right, _ := types.ParseRight(low)
			sig.Direction = right
		case strings.Contains(tok, "/") && startsWithDigit(tok):
			strikes, err := parseStrikes(tok)
			if err != nil {
				return sig, err
			}
			sig.Strikes = strikes
		case startsWithDigit(tok) && len(sig.Strikes) == 0:
			f, err := parseNumber(tok)
			if err != nil {
				return sig, err
			}
			sig.Strikes = []float64{f}
		}
	}
	return sig, nil
}

func (p *Parser) today() time.Time {
	now := p.now().In(p.loc)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.loc)
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "01/02/2006", "20060102", "Jan 2 2006", "2Jan06"}

// parseDate also accepts MM/DD, taken as this year or next once passed.
func (p *Parser) parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, p.loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.ParseInLocation("01/02", raw, p.loc); err == nil {
		today := p.today()
		out := time.Date(today.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.loc)
		if out.Before(today) {
			out = out.AddDate(1, 0, 0)
		}
		return out, nil
	}
	return time.Time{}, &types.InvalidInput{Field: "expiry", Value: raw, Reason: "unrecognized date"}
}

func parseStrikes(raw string) ([]float64, error) {
	parts := strings.Split(raw, "/")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := parseNumber(part)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseNumber(raw string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(raw), "$"), 64)
	if err != nil {
		return 0, &types.InvalidInput{Field: "number", Value: raw, Reason: "not a number"}
	}
	return f, nil
}

func missingValue(keyword string) error {
	return &types.InvalidInput{Field: keyword, Reason: fmt.Sprintf("%q needs a value", keyword)}
}

func isRight(low string) bool {
	switch low {
	case "call", "calls", "put", "puts", "c", "p":
		return true
	}
	return false
}

func startsWithDigit(s string) bool {
	s = strings.TrimPrefix(s, "$")
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func normalizeSymbol(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "$^/.")
	return strings.ToUpper(s)
}

func first(root gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := root.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}
