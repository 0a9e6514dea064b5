package rules

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"spreadguard/internal/logger"
)

// FileConfig 映射规则文件中的 rule_sets。
type FileConfig struct {
	RuleSets map[string][]FileRule `yaml:"rule_sets"`
}

// FileRule is the on-disk form; enabled defaults to true.
type FileRule struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Condition string         `yaml:"condition"`
	Params    map[string]any `yaml:"params"`
	Action    string         `yaml:"action"`
	Priority  int            `yaml:"priority"`
	Enabled   *bool          `yaml:"enabled"`
}

func (f FileRule) toRule() Rule {
	enabled := true
	if f.Enabled != nil {
		enabled = *f.Enabled
	}
	return Rule{
		ID:        f.ID,
		Name:      f.Name,
		Condition: ConditionType(f.Condition),
		Params:    f.Params,
		Action:    Action(f.Action),
		Priority:  f.Priority,
		Enabled:   enabled,
	}
}

// Snapshot 公开的规则集快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	RuleSets map[string][]Rule
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// SetWriter receives whole rule sets, e.g. the sqlite rule store.
type SetWriter interface {
	ReplaceRuleSet(ctx context.Context, ruleSet string, list []Rule) error
}

// Registry 从 YAML 文件加载规则集并在文件变化时热更新。
// 它自身也实现 Store，便于在没有数据库时直接评估。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取规则文件；watch 为 true 时监听文件变化。
func NewRegistry(path string, watch bool) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("rule registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rule config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v.OnConfigChange(func(evt fsnotify.Event) {
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				return
			}
			if err := r.reload(); err != nil {
				logger.Errorf("rule registry reload failed, keeping version %d: %v", r.Snapshot().Version, err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
	}
	return r, nil
}

// Snapshot 返回当前规则集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// OnChange registers a listener invoked (asynchronously) after each successful reload.
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the file on demand.
func (r *Registry) Reload() error {
	if err := r.reload(); err != nil {
		return err
	}
	r.notifyListeners()
	return nil
}

func (r *Registry) ListEnabledRules(_ context.Context, ruleSet string) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Rule
	for name, list := range r.snapshot.RuleSets {
		if ruleSet != "" && name != ruleSet {
			continue
		}
		for _, rule := range list {
			if rule.Enabled {
				out = append(out, cloneRule(rule))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority < out[j].Priority
	})
	return out, nil
}

// Sync writes every rule set of snap to w. Sets that vanished from the file
// since prev are written empty.
func Sync(ctx context.Context, w SetWriter, prev, snap Snapshot) error {
	for name, list := range snap.RuleSets {
		if err := w.ReplaceRuleSet(ctx, name, list); err != nil {
			return fmt.Errorf("sync rule set %s: %w", name, err)
		}
	}
	for name := range prev.RuleSets {
		if _, ok := snap.RuleSets[name]; ok {
			continue
		}
		if err := w.ReplaceRuleSet(ctx, name, nil); err != nil {
			return fmt.Errorf("clear rule set %s: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) reload() error {
	cfg, err := readRuleFile(r.path)
	if err != nil {
		return err
	}
	sets := make(map[string][]Rule, len(cfg.RuleSets))
	total := 0
	// ids are unique across sets; the sqlite store keys rules by id.
	seen := make(map[string]string)
	for name, list := range cfg.RuleSets {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("rule set with empty name")
		}
		norm := make([]Rule, 0, len(list))
		for idx, fr := range list {
			rule, err := normalizeRule(name, idx, fr.toRule())
			if err != nil {
				return err
			}
			if other, dup := seen[rule.ID]; dup {
				return fmt.Errorf("rule set %s: rule id %s already used in set %s", name, rule.ID, other)
			}
			seen[rule.ID] = name
			norm = append(norm, rule)
		}
		sets[name] = norm
		total += len(norm)
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		RuleSets: sets,
	}
	r.mu.Unlock()
	logger.Infof("Rule registry loaded %d rules in %d sets from %s", total, len(sets), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer safeRecover("rule registry listener")
			cb(snap)
		}(fn)
	}
}

func normalizeRule(set string, idx int, rule Rule) (Rule, error) {
	rule.ID = strings.TrimSpace(rule.ID)
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("%s-%d", set, idx+1)
	}
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	rule.RuleSet = set
	rule.Condition = ConditionType(strings.ToLower(strings.TrimSpace(string(rule.Condition))))
	if !rule.Condition.Valid() {
		return Rule{}, fmt.Errorf("rule %s: unknown condition %q", rule.ID, rule.Condition)
	}
	rule.Action = Action(strings.ToLower(strings.TrimSpace(string(rule.Action))))
	if rule.Action == "" {
		rule.Action = ActionWarn
	}
	if !rule.Action.Valid() {
		return Rule{}, fmt.Errorf("rule %s: unknown action %q", rule.ID, rule.Action)
	}
	params, err := ValidateParams(rule.Condition, rule.Params)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	rule.Params = params
	return rule, nil
}

func readRuleFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read rule config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse rule config failed: %w", err)
	}
	return cfg, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		RuleSets: make(map[string][]Rule, len(src.RuleSets)),
	}
	for name, list := range src.RuleSets {
		cp := make([]Rule, len(list))
		for i, rule := range list {
			cp[i] = cloneRule(rule)
		}
		dst.RuleSets[name] = cp
	}
	return dst
}

func cloneRule(r Rule) Rule {
	if r.Params != nil {
		params := make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			params[k] = v
		}
		r.Params = params
	}
	return r
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}
