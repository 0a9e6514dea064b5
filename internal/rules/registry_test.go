package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `
rule_sets:
  entry:
    - id: entry-delta
      name: short delta cap
      condition: delta_breach
      params: {max_delta: 65}
      action: block_trade
      priority: 10
    - name: margin warning
      condition: portfolio_limit
      params: {max_margin_usage: "75"}
      action: warn
      priority: 20
    - id: entry-off
      condition: custom
      params: {predicate: earnings_week}
      enabled: false
  monitor:
    - id: monitor-eod
      condition: time_exit
      params: {exit_time: "15:45:00"}
      action: exit_position
`

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

type setWriter struct {
	mu   sync.Mutex
	sets map[string][]Rule
}

func (w *setWriter) ReplaceRuleSet(_ context.Context, name string, list []Rule) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sets == nil {
		w.sets = map[string][]Rule{}
	}
	w.sets[name] = list
	return nil
}

func TestRegistryLoad(t *testing.T) {
	reg, err := NewRegistry(writeRules(t, sampleRules), false)
	require.NoError(t, err)

	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	require.Len(t, snap.RuleSets["entry"], 3)

	margin := snap.RuleSets["entry"][1]
	assert.Equal(t, "entry-2", margin.ID)
	assert.Equal(t, "entry-2", margin.Name)
	assert.Equal(t, 75.0, margin.Params["max_margin_usage"])
	assert.True(t, margin.Enabled)
	assert.Equal(t, 65.0, snap.RuleSets["entry"][0].Params["max_delta"])

	enabled, err := reg.ListEnabledRules(context.Background(), "entry")
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "entry-delta", enabled[0].ID)

	all, err := reg.ListEnabledRules(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// the registry can back the engine directly
	res := NewEngine(reg, nil).Evaluate(context.Background(), evalCtx(70), "entry")
	assert.False(t, res.Passed)
}

func TestRegistryRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "rule_sets:\n  entry:\n    - condition: delta_breach\n      colour: red\n",
		"unknown condition": "rule_sets:\n  entry:\n    - condition: vega_breach\n",
		"bad exit time":     "rule_sets:\n  m:\n    - condition: time_exit\n      params: {exit_time: \"25:00\"}\n",
		"missing predicate": "rule_sets:\n  e:\n    - condition: custom\n",
		"negative delta":    "rule_sets:\n  e:\n    - condition: delta_breach\n      params: {max_delta: -1}\n",
		"duplicate ids":     "rule_sets:\n  a:\n    - {id: x, condition: delta_breach}\n  b:\n    - {id: x, condition: delta_breach}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(writeRules(t, body), false)
			assert.Error(t, err)
		})
	}
}

func TestSync(t *testing.T) {
	path := writeRules(t, sampleRules)
	reg, err := NewRegistry(path, false)
	require.NoError(t, err)
	w := &setWriter{}

	first := reg.Snapshot()
	require.NoError(t, Sync(context.Background(), w, Snapshot{}, first))
	assert.Len(t, w.sets["entry"], 3)
	assert.Len(t, w.sets["monitor"], 1)

	require.NoError(t, os.WriteFile(path, []byte("rule_sets:\n  entry:\n    - {id: only, condition: delta_breach}\n"), 0o644))
	require.NoError(t, reg.Reload())
	second := reg.Snapshot()
	assert.Equal(t, int64(2), second.Version)

	require.NoError(t, Sync(context.Background(), w, first, second))
	assert.Len(t, w.sets["entry"], 1)
	assert.Empty(t, w.sets["monitor"])
}
